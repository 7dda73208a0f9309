package sqlmeta

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"reflect"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-openapi/inflect"
	"gopkg.in/yaml.v3"
)

// FieldSchema declares the mapping directives of a single field.
type FieldSchema struct {
	// Column overrides the column name derived from the field name.
	Column string `yaml:"column"`
	// PrimaryKey marks the identifying field. Only the first one counts.
	PrimaryKey bool `yaml:"pk"`
	// Generated marks a key whose value is produced by the database
	// (integers) or by the client as a UUID (strings).
	Generated bool `yaml:"auto"`
	// Insertable and Updatable default to true when nil.
	Insertable *bool `yaml:"insertable"`
	Updatable  *bool `yaml:"updatable"`
	// Transient fields are never mapped.
	Transient bool `yaml:"transient"`
}

// CacheSchema is the read cache directive of an entity.
type CacheSchema struct {
	Enabled bool `yaml:"enabled"`
	// Async runs the full load in the background instead of blocking Load.
	Async bool `yaml:"async"`
}

// EntitySchema declares the entity-level directives. It can be supplied by
// the type itself through Schemer or by a schema description file.
type EntitySchema struct {
	Table   string `yaml:"table"`
	Catalog string `yaml:"catalog"`
	// Virtual entities have no table and are answered by their cache.
	Virtual bool         `yaml:"virtual"`
	Cache   *CacheSchema `yaml:"cache"`
	// Strategy names a table strategy registered with WithStrategy.
	Strategy string `yaml:"strategy"`
	// LogLevel is the minimum level statements of this entity are logged at.
	LogLevel string                 `yaml:"log_level"`
	Fields   map[string]FieldSchema `yaml:"fields"`

	// TableStrategy takes precedence over Strategy.
	TableStrategy Strategy `yaml:"-"`
}

// Schemer is implemented by entity types declaring their own schema.
type Schemer interface {
	EntitySchema() EntitySchema
}

// TableNamer is implemented by entity types overriding the default table name.
type TableNamer interface {
	TableName() string
}

// Naming is the convention deriving column and table names from Go names.
type Naming int

const (
	// NamingVerbatim uses the field name as column and the lower-cased type
	// name as table.
	NamingVerbatim Naming = iota
	// NamingSnake uses snake_case for both.
	NamingSnake
)

// LoadSchemas decodes a schema description document:
//
//	entities:
//	  Order:
//	    table: orders
//	    strategy: byYear
//	    fields:
//	      name: {column: full_name, updatable: false}
//
// Entities are keyed by Go type name.
func LoadSchemas(r io.Reader) (map[string]EntitySchema, error) {
	var doc struct {
		Entities map[string]EntitySchema `yaml:"entities"`
	}
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("sqlmeta: decode schemas: %w", err)
	}
	if doc.Entities == nil {
		doc.Entities = map[string]EntitySchema{}
	}
	return doc.Entities, nil
}

// LoadSchemaFile is LoadSchemas over the file at path.
func LoadSchemaFile(path string) (map[string]EntitySchema, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadSchemas(f)
}

// parseFieldTag reads a `db:"column,pk,auto,noinsert,noupdate"` tag.
// `db:"-"` marks the field transient.
func parseFieldTag(tag string) FieldSchema {
	var fs FieldSchema
	if tag == "-" {
		fs.Transient = true
		return fs
	}
	if tag == "" {
		return fs
	}
	parts := strings.Split(tag, ",")
	fs.Column = strings.TrimSpace(parts[0])
	no := false
	for _, p := range parts[1:] {
		switch strings.TrimSpace(p) {
		case "pk":
			fs.PrimaryKey = true
		case "auto":
			fs.Generated = true
		case "noinsert":
			fs.Insertable = &no
		case "noupdate":
			fs.Updatable = &no
		case "transient":
			fs.Transient = true
		}
	}
	return fs
}

// merge overlays o onto fs. Flags are additive; non-empty values win.
func (fs FieldSchema) merge(o FieldSchema) FieldSchema {
	if o.Column != "" {
		fs.Column = o.Column
	}
	fs.PrimaryKey = fs.PrimaryKey || o.PrimaryKey
	fs.Generated = fs.Generated || o.Generated
	fs.Transient = fs.Transient || o.Transient
	if o.Insertable != nil {
		fs.Insertable = o.Insertable
	}
	if o.Updatable != nil {
		fs.Updatable = o.Updatable
	}
	return fs
}

func (fs FieldSchema) insertable() bool { return fs.Insertable == nil || *fs.Insertable }
func (fs FieldSchema) updatable() bool  { return fs.Updatable == nil || *fs.Updatable }

// merge overlays o onto es.
func (es EntitySchema) merge(o EntitySchema) EntitySchema {
	if o.Table != "" {
		es.Table = o.Table
	}
	if o.Catalog != "" {
		es.Catalog = o.Catalog
	}
	es.Virtual = es.Virtual || o.Virtual
	if o.Cache != nil {
		es.Cache = o.Cache
	}
	if o.Strategy != "" {
		es.Strategy = o.Strategy
	}
	if o.TableStrategy != nil {
		es.TableStrategy = o.TableStrategy
	}
	if o.LogLevel != "" {
		es.LogLevel = o.LogLevel
	}
	if len(o.Fields) > 0 {
		fields := make(map[string]FieldSchema, len(es.Fields)+len(o.Fields))
		for k, v := range es.Fields {
			fields[k] = v
		}
		for k, v := range o.Fields {
			fields[k] = fields[k].merge(v)
		}
		es.Fields = fields
	}
	return es
}

// level parses LogLevel. An empty value logs everything.
func (es EntitySchema) level() (slog.Level, error) {
	if es.LogLevel == "" {
		return slog.Level(math.MinInt), nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(es.LogLevel)); err != nil {
		return 0, err
	}
	return l, nil
}

// schemaOf collects the entity-level directives for t: the type's own
// Schemer first, then the registry schema registered under its name.
func schemaOf(t reflect.Type, registered map[string]EntitySchema) EntitySchema {
	var es EntitySchema
	if s, ok := reflect.New(t).Interface().(Schemer); ok {
		es = es.merge(s.EntitySchema())
	}
	if rs, ok := registered[t.Name()]; ok {
		es = es.merge(rs)
	}
	return es
}

// tableOf resolves the logical table of t.
func tableOf(t reflect.Type, es EntitySchema, naming Naming) string {
	table := es.Table
	if table == "" {
		if tn, ok := reflect.New(t).Interface().(TableNamer); ok {
			table = tn.TableName()
		}
	}
	if table == "" {
		table = naming.table(t.Name())
	}
	if es.Catalog != "" {
		return es.Catalog + "." + table
	}
	return table
}

// rules splits Go names into words for NamingSnake. Longer acronyms come
// first since replacement is by substring.
var rules = func() *inflect.Ruleset {
	rs := inflect.NewDefaultRuleset()
	for _, w := range []string{"UUID", "HTTP", "HTML", "JSON", "ULID", "API", "SQL", "URL", "XML", "ID"} {
		rs.AddAcronym(w)
	}
	return rs
}()

// column derives a column name from a field name.
func (n Naming) column(field string) string {
	if n == NamingSnake {
		return rules.Underscore(field)
	}
	return field
}

// table derives a table name from a type name.
func (n Naming) table(typeName string) string {
	if n == NamingSnake {
		return rules.Underscore(typeName)
	}
	return strings.ToLower(typeName)
}

// fieldName lowers the leading upper-case run of a Go field name, keeping
// the last upper-case letter when it starts the next word:
// Name→name, ID→id, UserID→userID, URLPath→urlPath.
func fieldName(goName string) string {
	r, _ := utf8.DecodeRuneInString(goName)
	if !unicode.IsUpper(r) {
		return goName
	}
	runes := []rune(goName)
	n := 0
	for n < len(runes) && unicode.IsUpper(runes[n]) {
		n++
	}
	if n > 1 && n < len(runes) && unicode.IsLower(runes[n]) {
		n--
	}
	for i := 0; i < n; i++ {
		runes[i] = unicode.ToLower(runes[i])
	}
	return string(runes)
}
