package sqlmeta

import (
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Descriptor is the compiled mapping of the entity type T: accessors, alias
// table, SQL templates, table strategy and optional read cache. Obtain one
// through Load; its structural fields never change once published and are
// safe for concurrent use.
type Descriptor[T any] struct {
	typ   reflect.Type
	name  string
	table string // empty for virtual entities

	primary    *Accessor[T]
	attrs      map[string]*Accessor[T]
	updateMap  map[string]*Accessor[T]
	aliases    map[string]string // nil when every column equals its field name
	queryAttrs []*Accessor[T]
	insertAttrs,
	updateAttrs []*Accessor[T]

	autoGenerated bool
	uuidKey       bool

	querySQL  string
	insertSQL string
	updateSQL string
	deleteSQL string

	strategy Strategy
	cache    *Cache[T]
	logLevel slog.Level
	config   Config
	newKey   KeyGenerator

	orderBys sync.Map // sort spec → ORDER BY clause
	tables   sync.Map // physical tables known to exist
}

// Type returns the entity type.
func (d *Descriptor[T]) Type() reflect.Type { return d.typ }

// Name returns the entity type name.
func (d *Descriptor[T]) Name() string { return d.name }

// Table returns the logical table, "" for a virtual entity.
func (d *Descriptor[T]) Table() string { return d.table }

// IsVirtual reports whether the entity has no backing table.
func (d *Descriptor[T]) IsVirtual() bool { return d.table == "" }

// Primary returns the primary-key accessor.
func (d *Descriptor[T]) Primary() *Accessor[T] { return d.primary }

// Accessor returns the accessor of a mapped field, nil if unknown.
func (d *Descriptor[T]) Accessor(field string) *Accessor[T] { return d.attrs[field] }

// UpdateAccessor returns the accessor of an updatable field, nil if the
// field is unknown, the primary key or marked non-updatable.
func (d *Descriptor[T]) UpdateAccessor(field string) *Accessor[T] { return d.updateMap[field] }

// QueryAccessors returns all mapped fields in declaration order. The slice
// must not be modified.
func (d *Descriptor[T]) QueryAccessors() []*Accessor[T] { return d.queryAttrs }

// InsertAccessors returns the fields bound by the insert template, in
// placeholder order.
func (d *Descriptor[T]) InsertAccessors() []*Accessor[T] { return d.insertAttrs }

// UpdateAccessors returns the fields assigned by the update template, in
// placeholder order.
func (d *Descriptor[T]) UpdateAccessors() []*Accessor[T] { return d.updateAttrs }

// ForEachAccessor calls fn for every mapped field, in no particular order.
func (d *Descriptor[T]) ForEachAccessor(fn func(field string, a *Accessor[T])) {
	for k, a := range d.attrs {
		fn(k, a)
	}
}

// AutoGenerated reports whether the database generates the key.
func (d *Descriptor[T]) AutoGenerated() bool { return d.autoGenerated }

// UUIDKey reports whether the client generates the key.
func (d *Descriptor[T]) UUIDKey() bool { return d.uuidKey }

// CreatePrimaryValue assigns a new client-generated key to e. It is a no-op
// unless the key is a generated string or UUID.
func (d *Descriptor[T]) CreatePrimaryValue(e *T) error {
	if !d.uuidKey {
		return nil
	}
	if d.primary.typ == uuidType {
		return d.primary.Set(e, uuid.NewString())
	}
	return d.primary.Set(e, d.newKey())
}

// Strategy returns the table strategy, nil when the table is not sharded.
func (d *Descriptor[T]) Strategy() Strategy { return d.strategy }

// Cache returns the read cache, nil when caching is disabled.
func (d *Descriptor[T]) Cache() *Cache[T] { return d.cache }

// CacheFullLoaded reports whether reads can be answered from the cache alone.
func (d *Descriptor[T]) CacheFullLoaded() bool {
	return d.cache != nil && d.cache.FullLoaded()
}

// Loggable reports whether statements of this entity are logged at level l.
func (d *Descriptor[T]) Loggable(l slog.Level) bool { return l >= d.logLevel }

// --------------------------------
// Columns
// --------------------------------

// NoAlias reports whether every column name equals its field name.
func (d *Descriptor[T]) NoAlias() bool { return d.aliases == nil }

// Column translates a field name to its column, prefixed by "alias." when
// alias is not empty. Unknown names are returned unchanged.
func (d *Descriptor[T]) Column(alias, field string) string {
	col := field
	if d.aliases != nil {
		if c, ok := d.aliases[field]; ok {
			col = c
		}
	}
	if alias == "" {
		return col
	}
	return alias + "." + col
}

// PrimaryColumn returns the primary-key column, optionally prefixed.
func (d *Descriptor[T]) PrimaryColumn(alias string) string {
	return d.Column(alias, d.primary.name)
}

// normalizeKey coerces key to the primary-key field type so that keys of
// different integer widths address the same row and cache entry.
func (d *Descriptor[T]) normalizeKey(key any) (any, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: nil primary key", ErrConvert)
	}
	if reflect.TypeOf(key) == d.primary.typ {
		return key, nil
	}
	v := reflect.New(d.primary.typ).Elem()
	if err := assign(v, d.primary.kind, d.primary.elem, key); err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

// --------------------------------
// Templates
// --------------------------------

func (d *Descriptor[T]) render(tpl, table string) string {
	if d.strategy == nil {
		return tpl
	}
	return strings.ReplaceAll(tpl, phNewTable, table)
}

// QuerySQL returns the select-by-key statement for the table holding key.
func (d *Descriptor[T]) QuerySQL(key any) string {
	return d.render(d.querySQL, d.TableByKey(key))
}

// InsertSQL returns the insert statement for the table holding e.
func (d *Descriptor[T]) InsertSQL(e *T) string {
	return d.render(d.insertSQL, d.TableByEntity(e))
}

// UpdateSQL returns the update-by-key statement for the table holding e.
func (d *Descriptor[T]) UpdateSQL(e *T) string {
	return d.render(d.updateSQL, d.TableByEntity(e))
}

// DeleteSQL returns the delete-by-key statement for the table holding e.
func (d *Descriptor[T]) DeleteSQL(e *T) string {
	return d.render(d.deleteSQL, d.TableByEntity(e))
}

// DeleteByKeySQL returns the delete-by-key statement for the table holding key.
func (d *Descriptor[T]) DeleteByKeySQL(key any) string {
	return d.render(d.deleteSQL, d.TableByKey(key))
}

// UpdateColumnSQL renders an UPDATE assigning one column of the row
// identified by key. The operand is bound, so the parameters are the
// operand followed by the key.
func (d *Descriptor[T]) UpdateColumnSQL(key any, field string, cv ColumnValue) (string, []any, error) {
	if d.IsVirtual() {
		return "", nil, ErrVirtualEntity
	}
	if d.updateMap[field] == nil {
		return "", nil, fmt.Errorf("%w: %s.%s is not updatable", ErrFieldNotFound, d.name, field)
	}
	col := d.Column("", field)
	q := "UPDATE " + d.TableByKey(key) + " SET " + col + " = " + columnExpr(col, cv.Op, "?") +
		" WHERE " + d.PrimaryColumn("") + " = ?"
	return q, []any{cv.Value, key}, nil
}

// InsertArgs returns the insert template parameters of e.
func (d *Descriptor[T]) InsertArgs(e *T) []any {
	args := make([]any, len(d.insertAttrs))
	for i, a := range d.insertAttrs {
		args[i] = a.Get(e)
	}
	return args
}

// UpdateArgs returns the update template parameters of e: the assigned
// fields followed by the key.
func (d *Descriptor[T]) UpdateArgs(e *T) []any {
	args := make([]any, 0, len(d.updateAttrs)+1)
	for _, a := range d.updateAttrs {
		args = append(args, a.Get(e))
	}
	return append(args, d.primary.Get(e))
}

// ContainSQL renders the configured "column contains key" predicate.
func (d *Descriptor[T]) ContainSQL(column, key string) string {
	return strings.NewReplacer(phKeyStr, key, phColumn, column).Replace(d.config.ContainSQL)
}

// NotContainSQL renders the configured "column does not contain key" predicate.
func (d *Descriptor[T]) NotContainSQL(column, key string) string {
	return strings.NewReplacer(phKeyStr, key, phColumn, column).Replace(d.config.NotContainSQL)
}

// TableCopySQL renders the statement creating newTable like oldTable.
func (d *Descriptor[T]) TableCopySQL(newTable, oldTable string) string {
	return strings.NewReplacer(phNewTable, newTable, phOldTable, oldTable).Replace(d.config.TableCopySQL)
}

// IsTableMissing reports whether err is the database signalling that the
// statement's table does not exist, per the configured status codes.
func (d *Descriptor[T]) IsTableMissing(err error) bool {
	return isTableMissing(err, d.config.tableMissingStates())
}

// MarkTable records a physical table as existing.
func (d *Descriptor[T]) MarkTable(table string) { d.tables.Store(table, struct{}{}) }

// HasTable reports whether MarkTable was called for table.
func (d *Descriptor[T]) HasTable(table string) bool {
	_, ok := d.tables.Load(table)
	return ok
}

// Tables returns the recorded physical tables, sorted.
func (d *Descriptor[T]) Tables() []string {
	var out []string
	d.tables.Range(func(k, _ any) bool {
		out = append(out, k.(string))
		return true
	})
	sort.Strings(out)
	return out
}

// --------------------------------
// ORDER BY
// --------------------------------

// TableAlias is the alias the ORDER BY clause qualifies columns with.
const TableAlias = "a"

// OrderBy translates a "field [ASC|DESC],..." sort spec into an ORDER BY
// clause with a leading space. Empty input or input containing ';' or a
// newline yields "". Clauses are memoized per sort spec.
func (d *Descriptor[T]) OrderBy(sortSpec string) string {
	if sortSpec == "" || strings.ContainsAny(sortSpec, ";\n") {
		return ""
	}
	if sql, ok := d.orderBys.Load(sortSpec); ok {
		return sql.(string)
	}
	var sb strings.Builder
	sb.WriteString(" ORDER BY ")
	if d.NoAlias() {
		sb.WriteString(sortSpec)
	} else {
		first := true
		for _, item := range strings.Split(sortSpec, ",") {
			sub := strings.Fields(item)
			if len(sub) == 0 {
				continue
			}
			if !first {
				sb.WriteByte(',')
			}
			sb.WriteString(d.Column(TableAlias, sub[0]))
			if len(sub) < 2 || strings.EqualFold(sub[1], "ASC") {
				sb.WriteString(" ASC")
			} else {
				sb.WriteString(" DESC")
			}
			first = false
		}
	}
	sql := sb.String()
	d.orderBys.Store(sortSpec, sql)
	return sql
}

// --------------------------------
// Value formatting
// --------------------------------

// ColumnOp is the operation applied by a column assignment.
type ColumnOp int

const (
	OpSet       ColumnOp = iota // col = v
	OpIncrement                 // col = col + v
	OpMultiply                  // col = col * v
	OpBitAnd                    // col = col & v
	OpBitOr                     // col = col | v
)

// ColumnValue pairs an operation with its operand.
type ColumnValue struct {
	Op    ColumnOp
	Value any
}

// Assign returns a ColumnValue setting the column to v.
func Assign(v any) ColumnValue { return ColumnValue{Op: OpSet, Value: v} }

// Incr returns a ColumnValue adding v to the column.
func Incr(v any) ColumnValue { return ColumnValue{Op: OpIncrement, Value: v} }

// Mul returns a ColumnValue multiplying the column by v.
func Mul(v any) ColumnValue { return ColumnValue{Op: OpMultiply, Value: v} }

// And returns a ColumnValue and-ing the column with v.
func And(v any) ColumnValue { return ColumnValue{Op: OpBitAnd, Value: v} }

// Or returns a ColumnValue or-ing the column with v.
func Or(v any) ColumnValue { return ColumnValue{Op: OpBitOr, Value: v} }

// FormatValue renders the right-hand side of "column = ..." for cv with
// the operand inlined as a literal. Statements sent to the database bind
// the operand instead.
func FormatValue(column string, cv ColumnValue) string {
	return columnExpr(column, cv.Op, formatLiteral(cv.Value))
}

// columnExpr applies op to column with rhs as the operand.
func columnExpr(column string, op ColumnOp, rhs string) string {
	switch op {
	case OpIncrement:
		return column + " + " + rhs
	case OpMultiply:
		return column + " * " + rhs
	case OpBitAnd:
		return column + " & " + rhs
	case OpBitOr:
		return column + " | " + rhs
	}
	return rhs
}

// formatLiteral renders v as SQL text: strings are quoted with embedded
// quotes backslash-escaped, nil is NULL, anything else its %v form.
func formatLiteral(v any) string {
	if v == nil {
		return "NULL"
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.String {
		return "'" + strings.ReplaceAll(rv.String(), "'", `\'`) + "'"
	}
	return fmt.Sprint(v)
}
