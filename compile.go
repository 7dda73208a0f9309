package sqlmeta

import (
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/google/uuid"
)

var uuidType = reflect.TypeOf(uuid.UUID{})

// compiler holds the registry-wide settings a descriptor is built with.
type compiler struct {
	config         Config
	naming         Naming
	schemas        map[string]EntitySchema
	strategies     map[string]Strategy
	cacheForbidden bool
	newKey         KeyGenerator
	logger         *slog.Logger
}

// compile builds the descriptor of T. The cache, when enabled, is created
// but not loaded.
func compile[T any](c *compiler, loader Loader[T]) (*Descriptor[T], error) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	if t.Kind() != reflect.Struct {
		return nil, &ConfigError{Entity: t.String(), Err: ErrNotStruct}
	}

	es := schemaOf(t, c.schemas)
	level, err := es.level()
	if err != nil {
		return nil, &ConfigError{Entity: t.Name(), Err: err}
	}

	d := &Descriptor[T]{
		typ:       t,
		name:      t.Name(),
		attrs:     map[string]*Accessor[T]{},
		updateMap: map[string]*Accessor[T]{},
		logLevel:  level,
		config:    c.config,
		newKey:    c.newKey,
	}
	if !es.Virtual {
		d.table = tableOf(t, es, c.naming)
	}

	d.strategy = es.TableStrategy
	if d.strategy == nil && es.Strategy != "" {
		s, ok := c.strategies[es.Strategy]
		if !ok {
			return nil, &ConfigError{Entity: d.name, Err: ErrUnknownStrategy}
		}
		d.strategy = s
	}

	var insertCols, updateCols []string
	seen := map[string]bool{}

	// Declared fields come before promoted ones so an outer field shadows
	// an embedded field of the same name.
	visiting := map[reflect.Type]bool{}
	var walk func(st reflect.Type, path []int) error
	walk = func(st reflect.Type, path []int) error {
		if visiting[st] {
			return nil
		}
		visiting[st] = true
		defer delete(visiting, st)

		var embedded []int
		for i := 0; i < st.NumField(); i++ {
			sf := st.Field(i)
			tag := sf.Tag.Get("db")
			if sf.Anonymous && tag != "-" && isEmbeddedStruct(sf.Type) {
				// an unexported embedded pointer cannot be allocated
				if sf.IsExported() || sf.Type.Kind() != reflect.Pointer {
					embedded = append(embedded, i)
				}
				continue
			}
			if !sf.IsExported() {
				continue
			}
			name := fieldName(sf.Name)
			fs := parseFieldTag(tag).merge(es.Fields[name])
			if fs.Transient || seen[name] {
				continue
			}
			column := fs.Column
			if column == "" {
				column = c.naming.column(name)
			}

			a, err := newAccessor[T](sf, st, appendIndex(path, i), name, column)
			if err != nil {
				if fs.PrimaryKey && d.primary == nil {
					return &ConfigError{Entity: d.name, Field: name, Err: err}
				}
				c.logger.Warn("sqlmeta: field skipped", "entity", d.name, "field", name, "error", err)
				continue
			}
			if column != name {
				if d.aliases == nil {
					d.aliases = map[string]string{}
				}
				d.aliases[name] = column
			}

			if fs.PrimaryKey && d.primary == nil {
				if a.kind == vkBytes || a.kind == vkPtr || a.kind == vkAny {
					return &ConfigError{Entity: d.name, Field: name, Err: fmt.Errorf("%w: primary key %s", ErrUnsupportedType, sf.Type)}
				}
				d.primary = a
				auto := fs.Generated
				if auto && (sf.Type.Kind() == reflect.String || sf.Type == uuidType) {
					d.uuidKey = true
					auto = false
				}
				d.autoGenerated = auto
				if !auto {
					d.insertAttrs = append(d.insertAttrs, a)
					insertCols = append(insertCols, column)
				}
			} else {
				if fs.insertable() {
					d.insertAttrs = append(d.insertAttrs, a)
					insertCols = append(insertCols, column)
				}
				if fs.updatable() {
					d.updateAttrs = append(d.updateAttrs, a)
					d.updateMap[name] = a
					updateCols = append(updateCols, column)
				}
			}
			d.queryAttrs = append(d.queryAttrs, a)
			d.attrs[name] = a
			seen[name] = true
		}
		for _, i := range embedded {
			ft := st.Field(i).Type
			if ft.Kind() == reflect.Pointer {
				ft = ft.Elem()
			}
			if err := walk(ft, appendIndex(path, i)); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(t, nil); err != nil {
		return nil, err
	}

	if d.primary == nil {
		return nil, &ConfigError{Entity: d.name, Err: ErrNoPrimaryKey}
	}
	if err := d.validateStrategy(); err != nil {
		return nil, &ConfigError{Entity: d.name, Err: err}
	}

	if d.table != "" {
		d.buildTemplates(insertCols, updateCols)
	}

	switch {
	case es.Virtual && es.Cache != nil && !es.Cache.Enabled:
		return nil, &ConfigError{Entity: d.name, Err: ErrVirtualNoCache}
	case es.Virtual || (es.Cache != nil && es.Cache.Enabled && !c.cacheForbidden):
		if loader == nil {
			return nil, &ConfigError{Entity: d.name, Err: ErrNoLoader}
		}
		async := es.Cache != nil && es.Cache.Async
		d.cache = newCache(d, loader, async)
	}
	return d, nil
}

// buildTemplates renders the statement templates. Sharded tables get the
// ${newtable} placeholder, substituted per call.
func (d *Descriptor[T]) buildTemplates(insertCols, updateCols []string) {
	table := d.table
	if d.strategy != nil {
		table = phNewTable
	}
	pk := d.primary.column

	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(table)
	sb.WriteByte('(')
	sb.WriteString(strings.Join(insertCols, ","))
	sb.WriteString(") VALUES(")
	for i := range insertCols {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteByte('?')
	}
	sb.WriteByte(')')
	d.insertSQL = sb.String()

	if len(updateCols) > 0 {
		sb.Reset()
		sb.WriteString("UPDATE ")
		sb.WriteString(table)
		sb.WriteString(" SET ")
		for i, col := range updateCols {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(col)
			sb.WriteString(" = ?")
		}
		sb.WriteString(" WHERE ")
		sb.WriteString(pk)
		sb.WriteString(" = ?")
		d.updateSQL = sb.String()
	}

	d.deleteSQL = "DELETE FROM " + table + " WHERE " + pk + " = ?"
	d.querySQL = "SELECT * FROM " + table + " WHERE " + pk + " = ?"
}

// isEmbeddedStruct reports whether an anonymous field is walked for
// promoted fields rather than mapped as a value.
func isEmbeddedStruct(t reflect.Type) bool {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct || t == timeType {
		return false
	}
	return !reflect.PointerTo(t).Implements(scannerIface)
}

// appendIndex returns a new index path with idx appended.
func appendIndex(path []int, idx int) []int {
	out := make([]int, len(path)+1)
	copy(out, path)
	out[len(path)] = idx
	return out
}
