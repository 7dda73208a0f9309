package sqlmeta

import (
	"database/sql"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Row is one row of a result set, addressed by column name.
type Row interface {
	// Value returns the column value, nil for SQL NULL.
	Value(column string) (any, error)
	// Blob returns the full content of a binary column, nil for SQL NULL.
	Blob(column string) ([]byte, error)
}

// Cursor iterates a result set one row at a time.
type Cursor interface {
	Next() bool
	Row() Row
	Err() error
	Close() error
}

// Selection filters the fields a row is materialized into.
type Selection interface {
	Test(field string) bool
}

type selection struct {
	fields  map[string]struct{}
	exclude bool
}

// Select returns a Selection accepting only the given fields.
func Select(fields ...string) Selection {
	return newSelection(fields, false)
}

// Exclude returns a Selection accepting every field except the given ones.
func Exclude(fields ...string) Selection {
	return newSelection(fields, true)
}

func newSelection(fields []string, exclude bool) *selection {
	s := &selection{fields: make(map[string]struct{}, len(fields)), exclude: exclude}
	for _, f := range fields {
		s.fields[f] = struct{}{}
	}
	return s
}

// Test reports whether field passes the selection.
func (s *selection) Test(field string) bool {
	_, ok := s.fields[field]
	return ok != s.exclude
}

// Materialize builds an entity from row. Only query fields passing sel are
// read; a nil sel reads all of them. Binary fields are read in full through
// Row.Blob with no size guard. NULL in a non-pointer field leaves its zero
// value. Any failure aborts the whole row and returns a *MappingError.
func (d *Descriptor[T]) Materialize(sel Selection, row Row) (*T, error) {
	obj := new(T)
	root := reflect.ValueOf(obj).Elem()
	for _, a := range d.queryAttrs {
		if sel != nil && !sel.Test(a.name) {
			continue
		}
		var (
			v   any
			err error
		)
		if a.IsBlob() {
			var b []byte
			b, err = row.Blob(a.column)
			if b != nil {
				v = b
			}
		} else {
			v, err = row.Value(a.column)
		}
		if err == nil {
			err = assign(fieldByIndexAlloc(root, a.index), a.kind, a.elem, v)
		}
		if err != nil {
			return nil, &MappingError{Entity: d.name, Field: a.name, Column: a.column, Err: err}
		}
	}
	return obj, nil
}

// MaterializeAll drains cur into entities and closes it. The first failing
// row aborts the iteration.
func (d *Descriptor[T]) MaterializeAll(sel Selection, cur Cursor) ([]*T, error) {
	defer cur.Close()
	var out []*T
	for cur.Next() {
		e, err := d.Materialize(sel, cur.Row())
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// --------------------------------
// database/sql cursor
// --------------------------------

// RowCursor adapts *sql.Rows to Cursor. Each row is scanned into
// addressable sinks once, then served by column name.
type RowCursor struct {
	rows    *sql.Rows
	index   map[string]int
	sinks   []any
	targets []any
	err     error
}

// NewRowCursor wraps rows. The caller must call Close.
func NewRowCursor(rows *sql.Rows) (*RowCursor, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	c := &RowCursor{
		rows:    rows,
		index:   make(map[string]int, len(cols)),
		sinks:   make([]any, len(cols)),
		targets: make([]any, len(cols)),
	}
	for i, col := range cols {
		if _, dup := c.index[col]; !dup {
			c.index[col] = i
		}
		c.targets[i] = &c.sinks[i]
	}
	return c, nil
}

// Next advances to the next row and scans it.
func (c *RowCursor) Next() bool {
	if c.err != nil || !c.rows.Next() {
		return false
	}
	for i := range c.sinks {
		c.sinks[i] = nil
	}
	if err := c.rows.Scan(c.targets...); err != nil {
		c.err = err
		return false
	}
	return true
}

// Row returns the current row.
func (c *RowCursor) Row() Row { return c }

// Err returns the first scan or iteration error.
func (c *RowCursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.rows.Err()
}

// Close closes the underlying rows.
func (c *RowCursor) Close() error { return c.rows.Close() }

// Value implements Row.
func (c *RowCursor) Value(column string) (any, error) {
	i, ok := c.index[column]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrColumnNotFound, column)
	}
	return c.sinks[i], nil
}

// Blob implements Row.
func (c *RowCursor) Blob(column string) ([]byte, error) {
	v, err := c.Value(column)
	if err != nil || v == nil {
		return nil, err
	}
	return asBytes(v)
}

// --------------------------------
// Coercion
// --------------------------------

// assign stores src into dst according to the field kind. Numeric values
// are narrowed with plain Go conversions; no overflow check is made.
func assign(dst reflect.Value, kind, elem valueKind, src any) error {
	if src == nil {
		if kind == vkScanner {
			return dst.Addr().Interface().(sql.Scanner).Scan(nil)
		}
		dst.SetZero()
		return nil
	}
	switch kind {
	case vkScanner:
		return dst.Addr().Interface().(sql.Scanner).Scan(src)
	case vkPtr:
		p := reflect.New(dst.Type().Elem())
		if err := assign(p.Elem(), elem, 0, src); err != nil {
			return err
		}
		dst.Set(p)
	case vkInt:
		n, err := asInt64(src)
		if err != nil {
			return err
		}
		dst.SetInt(n)
	case vkUint:
		n, err := asUint64(src)
		if err != nil {
			return err
		}
		dst.SetUint(n)
	case vkFloat:
		f, err := asFloat64(src)
		if err != nil {
			return err
		}
		dst.SetFloat(f)
	case vkBool:
		b, err := asBool(src)
		if err != nil {
			return err
		}
		dst.SetBool(b)
	case vkString:
		s, err := asString(src)
		if err != nil {
			return err
		}
		dst.SetString(s)
	case vkBytes:
		b, err := asBytes(src)
		if err != nil {
			return err
		}
		dst.SetBytes(b)
	case vkTime:
		t, err := asTime(src)
		if err != nil {
			return err
		}
		dst.Set(reflect.ValueOf(t))
	case vkAny:
		dst.Set(reflect.ValueOf(src))
	}
	return nil
}

func convertErr(src any, to string) error {
	return fmt.Errorf("%w: %T to %s", ErrConvert, src, to)
}

func asInt64(src any) (int64, error) {
	switch v := src.(type) {
	case int64:
		return v, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case []byte:
		return parseInt(string(v))
	case string:
		return parseInt(v)
	}
	rv := reflect.ValueOf(src)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return int64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return int64(rv.Float()), nil
	}
	return 0, convertErr(src, "integer")
}

func parseInt(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q to integer", ErrConvert, s)
	}
	return int64(f), nil
}

func asUint64(src any) (uint64, error) {
	switch v := src.(type) {
	case uint64:
		return v, nil
	case []byte:
		if n, err := strconv.ParseUint(strings.TrimSpace(string(v)), 10, 64); err == nil {
			return n, nil
		}
	case string:
		if n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64); err == nil {
			return n, nil
		}
	}
	n, err := asInt64(src)
	if err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func asFloat64(src any) (float64, error) {
	switch v := src.(type) {
	case float64:
		return v, nil
	case []byte:
		return parseFloat(string(v))
	case string:
		return parseFloat(v)
	}
	rv := reflect.ValueOf(src)
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	}
	n, err := asInt64(src)
	if err != nil {
		return 0, convertErr(src, "float")
	}
	return float64(n), nil
}

func parseFloat(s string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q to float", ErrConvert, s)
	}
	return f, nil
}

func asBool(src any) (bool, error) {
	switch v := src.(type) {
	case bool:
		return v, nil
	case []byte:
		return parseBool(string(v))
	case string:
		return parseBool(v)
	}
	n, err := asInt64(src)
	if err != nil {
		return false, convertErr(src, "bool")
	}
	return n != 0, nil
}

func parseBool(s string) (bool, error) {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return false, fmt.Errorf("%w: %q to bool", ErrConvert, s)
	}
	return b, nil
}

func asString(src any) (string, error) {
	switch v := src.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case time.Time:
		return v.Format(time.RFC3339Nano), nil
	}
	rv := reflect.ValueOf(src)
	switch rv.Kind() {
	case reflect.String:
		return rv.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.Bool:
		return fmt.Sprint(src), nil
	}
	return "", convertErr(src, "string")
}

func asBytes(src any) ([]byte, error) {
	switch v := src.(type) {
	case []byte:
		return append([]byte(nil), v...), nil
	case string:
		return []byte(v), nil
	}
	rv := reflect.ValueOf(src)
	if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
		return append([]byte(nil), rv.Bytes()...), nil
	}
	if rv.Kind() == reflect.String {
		return []byte(rv.String()), nil
	}
	return nil, convertErr(src, "bytes")
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func asTime(src any) (time.Time, error) {
	switch v := src.(type) {
	case time.Time:
		return v, nil
	case []byte:
		return parseTime(string(v))
	case string:
		return parseTime(v)
	}
	return time.Time{}, convertErr(src, "time")
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q to time", ErrConvert, s)
}
