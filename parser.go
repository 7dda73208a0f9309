package sqlmeta

import (
	"strconv"
	"strings"
)

// Rebind rewrites the "?" placeholders of q into the dialect's native form
// ($n for Postgres, @pN for SQL Server). Question marks inside string
// literals, quoted identifiers, comments and dollar-quoted bodies are kept.
// MySQL and SQLite statements are returned unchanged.
func Rebind(dialect Dialect, q string) string {
	if dialect != Postgres && dialect != SQLServer {
		return q
	}
	if strings.IndexByte(q, '?') < 0 {
		return q
	}

	var buf strings.Builder
	buf.Grow(len(q) + 4*strings.Count(q, "?"))

	n := 0
	var dqTag string // active dollar-quoted tag

	// State machine for safe parsing through strings, comments, identifiers, etc.
	const (
		sText = iota
		sSQ   // '...'
		sDQ   // "..."
		sBR   // [...] (SQL Server)
		sLC   // line comment --
		sBC   // block comment /* ... */
		sDQD  // $tag$ ... $tag$ (Postgres)
	)
	state := sText

	for i := 0; i < len(q); {
		c := q[i]

		switch state {
		case sText:
			switch {
			case c == '-' && i+1 < len(q) && q[i+1] == '-':
				state = sLC
				buf.WriteString("--")
				i += 2
				continue
			case c == '/' && i+1 < len(q) && q[i+1] == '*':
				state = sBC
				buf.WriteString("/*")
				i += 2
				continue
			case c == '\'':
				state = sSQ
			case c == '"':
				state = sDQ
			case c == '[' && dialect == SQLServer:
				state = sBR
			case c == '$' && dialect == Postgres:
				if tag, ok := readDollarTag(q[i:]); ok {
					state = sDQD
					dqTag = tag
					buf.WriteString(tag)
					i += len(tag)
					continue
				}
			case c == '?':
				n++
				writePlaceholder(&buf, dialect, n)
				i++
				continue
			}
			buf.WriteByte(c)
			i++

		case sSQ, sDQ:
			quote := byte('\'')
			if state == sDQ {
				quote = '"'
			}
			if c == '\\' {
				buf.WriteByte(c)
				i++
				if i < len(q) {
					buf.WriteByte(q[i])
					i++
				}
				continue
			}
			buf.WriteByte(c)
			i++
			if c == quote {
				if i < len(q) && q[i] == quote {
					buf.WriteByte(q[i])
					i++
				} else {
					state = sText
				}
			}

		case sBR:
			buf.WriteByte(c)
			i++
			if c == ']' {
				if i < len(q) && q[i] == ']' {
					buf.WriteByte(q[i])
					i++
				} else {
					state = sText
				}
			}

		case sLC:
			buf.WriteByte(c)
			i++
			if c == '\n' || c == '\r' {
				state = sText
			}

		case sBC:
			buf.WriteByte(c)
			i++
			if c == '*' && i < len(q) && q[i] == '/' {
				buf.WriteByte('/')
				i++
				state = sText
			}

		case sDQD:
			p := strings.Index(q[i:], dqTag)
			if p < 0 {
				buf.WriteString(q[i:])
				i = len(q)
			} else {
				buf.WriteString(q[i : i+p])
				buf.WriteString(dqTag)
				i += p + len(dqTag)
				dqTag = ""
				state = sText
			}
		}
	}

	return buf.String()
}

// writePlaceholder emits a dialect-specific placeholder token for argument idx.
func writePlaceholder(b *strings.Builder, d Dialect, idx int) {
	var tmp [20]byte
	switch d {
	case Postgres:
		b.WriteByte('$')
		b.Write(strconv.AppendInt(tmp[:0], int64(idx), 10))
	case SQLServer:
		b.WriteString("@p")
		b.Write(strconv.AppendInt(tmp[:0], int64(idx), 10))
	default: // MySQL, SQLite
		b.WriteByte('?')
	}
}

// isAlphaNumUnderscore reports whether b is [A-Za-z0-9_] .
func isAlphaNumUnderscore(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9') || b == '_'
}

// readDollarTag detects a dollar-quoted opening tag ("$tag$") at the start of s.
// It returns the full tag (e.g. "$tag$") and true if found.
func readDollarTag(s string) (string, bool) {
	if len(s) < 2 || s[0] != '$' {
		return "", false
	}
	j := 1
	for j < len(s) && isAlphaNumUnderscore(s[j]) {
		j++
	}
	if j < len(s) && s[j] == '$' {
		return s[:j+1], true
	}
	return "", false
}
