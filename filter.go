package sqlmeta

import (
	"bytes"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// FilterOp is the comparison of a Filter leaf.
type FilterOp int

const (
	FilterEq FilterOp = iota
	FilterNe
	FilterGt
	FilterGe
	FilterLt
	FilterLe
	FilterLike
	FilterContain
	FilterNotContain
	FilterIn
)

var filterOps = [...]string{"=", "<>", ">", ">=", "<", "<=", "LIKE", "CONTAIN", "NOT CONTAIN", "IN"}

// String returns the SQL operator.
func (op FilterOp) String() string {
	if int(op) < len(filterOps) {
		return filterOps[op]
	}
	return "?"
}

// Filter is a query predicate over entity fields. A leaf compares Field
// with Value; a group joins Nodes with AND, or with OR when Any is set.
type Filter struct {
	Field string
	Op    FilterOp
	Value any

	Any   bool
	Nodes []*Filter
}

func leaf(field string, op FilterOp, v any) *Filter {
	return &Filter{Field: field, Op: op, Value: v}
}

// Eq matches field = v. A nil v matches NULL.
func Eq(field string, v any) *Filter { return leaf(field, FilterEq, v) }

// Ne matches field <> v.
func Ne(field string, v any) *Filter { return leaf(field, FilterNe, v) }

// Gt matches field > v.
func Gt(field string, v any) *Filter { return leaf(field, FilterGt, v) }

// Ge matches field >= v.
func Ge(field string, v any) *Filter { return leaf(field, FilterGe, v) }

// Lt matches field < v.
func Lt(field string, v any) *Filter { return leaf(field, FilterLt, v) }

// Le matches field <= v.
func Le(field string, v any) *Filter { return leaf(field, FilterLe, v) }

// Like matches field against a SQL LIKE pattern.
func Like(field, pattern string) *Filter { return leaf(field, FilterLike, pattern) }

// Contains matches rows whose field contains key.
func Contains(field, key string) *Filter { return leaf(field, FilterContain, key) }

// NotContains matches rows whose field does not contain key.
func NotContains(field, key string) *Filter { return leaf(field, FilterNotContain, key) }

// In matches field against any of vs.
func In(field string, vs ...any) *Filter { return leaf(field, FilterIn, vs) }

// AllOf joins nodes with AND. Nil nodes are dropped.
func AllOf(nodes ...*Filter) *Filter { return group(false, nodes) }

// AnyOf joins nodes with OR. Nil nodes are dropped.
func AnyOf(nodes ...*Filter) *Filter { return group(true, nodes) }

func group(or bool, nodes []*Filter) *Filter {
	g := &Filter{Any: or}
	for _, n := range nodes {
		if n != nil {
			g.Nodes = append(g.Nodes, n)
		}
	}
	return g
}

func (f *Filter) isGroup() bool { return f.Field == "" }

// Lookup returns the value field is required to equal, searching leaves
// reachable through AND groups only.
func (f *Filter) Lookup(field string) (any, bool) {
	if f == nil {
		return nil, false
	}
	if !f.isGroup() {
		if f.Field == field && f.Op == FilterEq && f.Value != nil {
			return f.Value, true
		}
		return nil, false
	}
	if f.Any && len(f.Nodes) != 1 {
		return nil, false
	}
	for _, n := range f.Nodes {
		if v, ok := n.Lookup(field); ok {
			return v, true
		}
	}
	return nil, false
}

// String renders f for logs.
func (f *Filter) String() string {
	if f == nil {
		return "<nil>"
	}
	if !f.isGroup() {
		return fmt.Sprintf("%s %s %v", f.Field, f.Op, f.Value)
	}
	sep := " AND "
	if f.Any {
		sep = " OR "
	}
	parts := make([]string, len(f.Nodes))
	for i, n := range f.Nodes {
		parts[i] = n.String()
	}
	return "(" + strings.Join(parts, sep) + ")"
}

// --------------------------------
// SQL rendering
// --------------------------------

// Where renders f as a WHERE body with "?" placeholders, qualifying columns
// with alias. A nil or empty filter renders "".
func (d *Descriptor[T]) Where(alias string, f *Filter) (string, []any, error) {
	if f == nil {
		return "", nil, nil
	}
	var (
		sb   strings.Builder
		args []any
	)
	if err := d.writeFilter(&sb, &args, alias, f); err != nil {
		return "", nil, err
	}
	return sb.String(), args, nil
}

func (d *Descriptor[T]) writeFilter(sb *strings.Builder, args *[]any, alias string, f *Filter) error {
	if f.isGroup() {
		sep := " AND "
		if f.Any {
			sep = " OR "
		}
		var parts []string
		for _, n := range f.Nodes {
			var sub strings.Builder
			if err := d.writeFilter(&sub, args, alias, n); err != nil {
				return err
			}
			if sub.Len() > 0 {
				parts = append(parts, sub.String())
			}
		}
		switch len(parts) {
		case 0:
		case 1:
			sb.WriteString(parts[0])
		default:
			sb.WriteByte('(')
			sb.WriteString(strings.Join(parts, sep))
			sb.WriteByte(')')
		}
		return nil
	}

	if d.attrs[f.Field] == nil {
		return fmt.Errorf("%w: %s.%s", ErrFieldNotFound, d.name, f.Field)
	}
	col := d.Column(alias, f.Field)
	switch f.Op {
	case FilterContain:
		sb.WriteString(d.ContainSQL(col, "?"))
		*args = append(*args, f.Value)
	case FilterNotContain:
		sb.WriteString(d.NotContainSQL(col, "?"))
		*args = append(*args, f.Value)
	case FilterIn:
		vs := inValues(f.Value)
		if len(vs) == 0 {
			sb.WriteString("1=0")
			return nil
		}
		sb.WriteString(col)
		sb.WriteString(" IN (")
		for i, v := range vs {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteByte('?')
			*args = append(*args, v)
		}
		sb.WriteByte(')')
	default:
		if f.Value == nil && (f.Op == FilterEq || f.Op == FilterNe) {
			sb.WriteString(col)
			if f.Op == FilterEq {
				sb.WriteString(" IS NULL")
			} else {
				sb.WriteString(" IS NOT NULL")
			}
			return nil
		}
		sb.WriteString(col)
		sb.WriteByte(' ')
		sb.WriteString(f.Op.String())
		sb.WriteString(" ?")
		*args = append(*args, f.Value)
	}
	return nil
}

// inValues flattens the operand of an IN leaf.
func inValues(v any) []any {
	if vs, ok := v.([]any); ok {
		if len(vs) == 1 {
			rv := reflect.ValueOf(vs[0])
			if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() != reflect.Uint8 {
				return inValues(vs[0])
			}
		}
		return vs
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []any{v}
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

// --------------------------------
// In-memory evaluation
// --------------------------------

// Match evaluates f against e. Unknown fields never match. A nil filter
// matches everything.
func (d *Descriptor[T]) Match(e *T, f *Filter) bool {
	if f == nil {
		return true
	}
	if f.isGroup() {
		if len(f.Nodes) == 0 {
			return true
		}
		for _, n := range f.Nodes {
			ok := d.Match(e, n)
			if f.Any && ok {
				return true
			}
			if !f.Any && !ok {
				return false
			}
		}
		return !f.Any
	}
	a := d.attrs[f.Field]
	if a == nil {
		return false
	}
	v := a.Get(e)
	switch f.Op {
	case FilterEq:
		c, ok := compareValues(v, f.Value)
		return ok && c == 0
	case FilterNe:
		c, ok := compareValues(v, f.Value)
		return !ok || c != 0
	case FilterGt, FilterGe, FilterLt, FilterLe:
		c, ok := compareValues(v, f.Value)
		if !ok || v == nil || f.Value == nil {
			return false
		}
		switch f.Op {
		case FilterGt:
			return c > 0
		case FilterGe:
			return c >= 0
		case FilterLt:
			return c < 0
		}
		return c <= 0
	case FilterLike:
		s, err1 := asString(v)
		p, err2 := asString(f.Value)
		return v != nil && err1 == nil && err2 == nil && likeMatch(s, p)
	case FilterContain, FilterNotContain:
		s, err1 := asString(v)
		k, err2 := asString(f.Value)
		found := v != nil && err1 == nil && err2 == nil && strings.Contains(s, k)
		return found == (f.Op == FilterContain)
	case FilterIn:
		for _, x := range inValues(f.Value) {
			if c, ok := compareValues(v, x); ok && c == 0 {
				return true
			}
		}
	}
	return false
}

// compareValues orders two field or operand values. ok is false when the
// values are not comparable.
func compareValues(a, b any) (int, bool) {
	if a == nil || b == nil {
		if a == nil && b == nil {
			return 0, true
		}
		return 0, false
	}
	if s, ok := a.(fmt.Stringer); ok {
		if _, isStr := b.(string); isStr {
			a = s.String()
		}
	}
	if s, ok := b.(fmt.Stringer); ok {
		if _, isStr := a.(string); isStr {
			b = s.String()
		}
	}
	switch x := a.(type) {
	case time.Time:
		y, err := asTime(b)
		if err != nil {
			return 0, false
		}
		return x.Compare(y), true
	case []byte:
		y, err := asBytes(b)
		if err != nil {
			return 0, false
		}
		return bytes.Compare(x, y), true
	}
	ka, kb := reflect.ValueOf(a).Kind(), reflect.ValueOf(b).Kind()
	if ka == reflect.String || kb == reflect.String {
		x, err1 := asString(a)
		y, err2 := asString(b)
		if err1 != nil || err2 != nil {
			return 0, false
		}
		return strings.Compare(x, y), true
	}
	if isNumberKind(ka) && isNumberKind(kb) {
		if isIntKind(ka) && isIntKind(kb) {
			x, _ := asInt64(a)
			y, _ := asInt64(b)
			return cmp3(x < y, x > y), true
		}
		x, _ := asFloat64(a)
		y, _ := asFloat64(b)
		return cmp3(x < y, x > y), true
	}
	// Comparable also inspects values held in interface fields
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Type() == vb.Type() && va.Comparable() && vb.Comparable() && va.Equal(vb) {
		return 0, true
	}
	return 0, false
}

func cmp3(lt, gt bool) int {
	switch {
	case lt:
		return -1
	case gt:
		return 1
	}
	return 0
}

func isIntKind(k reflect.Kind) bool {
	return (k >= reflect.Int && k <= reflect.Uint64) || k == reflect.Bool
}

func isNumberKind(k reflect.Kind) bool {
	return isIntKind(k) || k == reflect.Float32 || k == reflect.Float64
}

// likeMatch matches s against a SQL LIKE pattern where % is any run and _
// any single rune.
func likeMatch(s, pattern string) bool {
	sr, pr := []rune(s), []rune(pattern)
	si, pi := 0, 0
	star, mark := -1, 0
	for si < len(sr) {
		switch {
		case pi < len(pr) && (pr[pi] == '_' || pr[pi] == sr[si]):
			si++
			pi++
		case pi < len(pr) && pr[pi] == '%':
			star, mark = pi, si
			pi++
		case star >= 0:
			pi = star + 1
			mark++
			si = mark
		default:
			return false
		}
	}
	for pi < len(pr) && pr[pi] == '%' {
		pi++
	}
	return pi == len(pr)
}
