package sqlmeta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Dialect identifies the SQL dialect used to render placeholders when a
// compiled statement is submitted to the database.
type Dialect int

// Execer abstracts *sql.DB / *sql.Tx ExecContext for easy testing.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Queryer abstracts *sql.DB / *sql.Tx QueryContext for easy testing.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// ExecQueryer is satisfied by *sql.DB, *sql.Tx and *sql.Conn.
type ExecQueryer interface {
	Execer
	Queryer
}

const (
	Postgres Dialect = iota
	MySQL
	SQLite
	SQLServer
)

// Configuration keys understood by ConfigFromProperties and LoadConfig.
const (
	KeyContainSQL          = "sqlmeta.contain.sqltemplate"
	KeyNotContainSQL       = "sqlmeta.notcontain.sqltemplate"
	KeyTableNotExistStates = "sqlmeta.tablenotexist.sqlstates"
	KeyTableCopySQL        = "sqlmeta.tablecopy.sqltemplate"
)

// Template placeholders substituted at call time.
const (
	phNewTable = "${newtable}"
	phOldTable = "${oldtable}"
	phKeyStr   = "${keystr}"
	phColumn   = "${column}"
)

const (
	defaultContainSQL          = "LOCATE(${keystr}, ${column}) > 0"
	defaultNotContainSQL       = "LOCATE(${keystr}, ${column}) = 0"
	defaultTableNotExistStates = "42000;42S02"
	defaultTableCopySQL        = "CREATE TABLE ${newtable} LIKE ${oldtable}"
)

var (
	ErrConfig          = errors.New("sqlmeta: invalid entity configuration")
	ErrNotStruct       = errors.New("sqlmeta: entity type must be a struct")
	ErrNoPrimaryKey    = errors.New("sqlmeta: entity has no primary key")
	ErrNoLoader        = errors.New("sqlmeta: cached entity has no bulk loader")
	ErrVirtualNoCache  = errors.New("sqlmeta: virtual entity requires a cache")
	ErrUnknownStrategy = errors.New("sqlmeta: unknown table strategy")
	ErrUnsupportedType = errors.New("sqlmeta: unsupported field type")
	ErrVirtualEntity   = errors.New("sqlmeta: virtual entity has no table")
	ErrFieldNotFound   = errors.New("sqlmeta: field not found")
	ErrNilEntity       = errors.New("sqlmeta: nil entity")
	ErrCacheNotLoaded  = errors.New("sqlmeta: cache not fully loaded")
	ErrMoreThanOneRow  = errors.New("sqlmeta: more than one row")
	ErrColumnNotFound  = errors.New("sqlmeta: column not found")
	ErrConvert         = errors.New("sqlmeta: unsupported conversion")
)

// Config holds the SQL template fragments and status codes the descriptors
// are compiled with. Empty fields fall back to the documented defaults.
type Config struct {
	// ContainSQL renders a "column contains key" predicate. ${keystr} and
	// ${column} are substituted.
	ContainSQL string `yaml:"contain_sqltemplate"`
	// NotContainSQL is the negated form of ContainSQL.
	NotContainSQL string `yaml:"notcontain_sqltemplate"`
	// TableNotExistStates is a semicolon-delimited list of status codes the
	// database reports for a missing table.
	TableNotExistStates string `yaml:"tablenotexist_sqlstates"`
	// TableCopySQL creates ${newtable} with the structure of ${oldtable}.
	TableCopySQL string `yaml:"tablecopy_sqltemplate"`
}

// String returns the string representation of the dialect.
func (d Dialect) String() string {
	switch d {
	case Postgres:
		return "postgres"
	case MySQL:
		return "mysql"
	case SQLite:
		return "sqlite"
	case SQLServer:
		return "sqlserver"
	default:
		return "unknown"
	}
}

// ConfigFromProperties builds a Config from a flat key-value map using the
// Key* names. Unknown keys are ignored.
func ConfigFromProperties(props map[string]string) Config {
	return defaultConfig(Config{
		ContainSQL:          props[KeyContainSQL],
		NotContainSQL:       props[KeyNotContainSQL],
		TableNotExistStates: props[KeyTableNotExistStates],
		TableCopySQL:        props[KeyTableCopySQL],
	})
}

// LoadConfig reads a flat YAML mapping of Key* names to values.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return defaultConfig(), err
	}
	props := map[string]string{}
	if err := yaml.Unmarshal(b, &props); err != nil {
		return defaultConfig(), fmt.Errorf("sqlmeta: parse config %s: %w", path, err)
	}
	return ConfigFromProperties(props), nil
}

// defaultConfig merges user config with the documented defaults.
func defaultConfig(config ...Config) Config {
	c := Config{}

	if len(config) > 0 {
		c = config[0]
	}

	if c.ContainSQL == "" {
		c.ContainSQL = defaultContainSQL
	}
	if c.NotContainSQL == "" {
		c.NotContainSQL = defaultNotContainSQL
	}
	if c.TableNotExistStates == "" {
		c.TableNotExistStates = defaultTableNotExistStates
	}
	if c.TableCopySQL == "" {
		c.TableCopySQL = defaultTableCopySQL
	}

	return c
}

// tableMissingStates wraps the allow-list in separators so a single
// strings.Contains on ";code;" is an exact match.
func (c Config) tableMissingStates() string {
	return ";" + strings.Trim(c.TableNotExistStates, ";") + ";"
}
