package sqlmeta

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --------------------------------
// Fixtures
// --------------------------------

type Person struct {
	ID       int64  `db:"id,pk"`
	Name     string `db:"full_name"`
	Age      int
	Nickname string    `db:",noinsert"`
	Created  time.Time `db:"created,noupdate"`
	scratch  string
}

type Order struct {
	ID     int64 `db:"id,pk"`
	Amount float64
}

var byYearSuffix = Suffixed("", func(key any) string {
	n, err := asInt64(key)
	if err != nil {
		return ""
	}
	return strconv.FormatInt(n/1000, 10)
})

func (Order) EntitySchema() EntitySchema {
	return EntitySchema{Table: "orders", TableStrategy: byYearSuffix}
}

type City struct {
	ID         int64 `db:"id,pk"`
	Name       string
	Population int64
}

func (City) EntitySchema() EntitySchema {
	return EntitySchema{Cache: &CacheSchema{Enabled: true}}
}

type Session struct {
	Token string `db:"token,pk,auto"`
	User  string
}

func (Session) EntitySchema() EntitySchema {
	return EntitySchema{Virtual: true}
}

func cityLoader(cities ...*City) Loader[City] {
	return func(context.Context) ([]*City, error) { return cities, nil }
}

func sessionLoader(context.Context) ([]*Session, error) { return nil, nil }

// --------------------------------
// Helpers
// --------------------------------

// dcase groups a dialect with a display name for table-driven tests.
type dcase struct {
	name string
	d    Dialect
}

// allDialects returns the list of dialects to iterate over in tests.
func allDialects() []dcase {
	return []dcase{
		{"postgres", Postgres},
		{"mysql", MySQL},
		{"sqlite", SQLite},
		{"sqlserver", SQLServer},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(opts ...Option) *Registry {
	return NewRegistry(append([]Option{WithLogger(quietLogger())}, opts...)...)
}

func mustDescriptor[T any](t testing.TB, r *Registry) *Descriptor[T] {
	t.Helper()
	d, err := Load[T](context.Background(), r)
	require.NoError(t, err)
	return d
}

func newMockDB(t testing.TB) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

// --------------------------------
// Config
// --------------------------------

// TestDialect_String checks the printable names of the dialects.
func TestDialect_String(t *testing.T) {
	for _, tc := range allDialects() {
		assert.Equal(t, tc.name, tc.d.String())
	}
	assert.Equal(t, "unknown", Dialect(42).String())
}

// TestConfig_Defaults verifies that an empty configuration falls back to
// the documented templates and status codes.
func TestConfig_Defaults(t *testing.T) {
	c := defaultConfig()
	assert.Equal(t, "LOCATE(${keystr}, ${column}) > 0", c.ContainSQL)
	assert.Equal(t, "LOCATE(${keystr}, ${column}) = 0", c.NotContainSQL)
	assert.Equal(t, "42000;42S02", c.TableNotExistStates)
	assert.Equal(t, "CREATE TABLE ${newtable} LIKE ${oldtable}", c.TableCopySQL)
	assert.Equal(t, ";42000;42S02;", c.tableMissingStates())
}

// TestConfigFromProperties checks that keyed properties override single
// defaults and leave the others in place.
func TestConfigFromProperties(t *testing.T) {
	c := ConfigFromProperties(map[string]string{
		KeyContainSQL:          "INSTR(${column}, ${keystr}) > 0",
		KeyTableNotExistStates: ";42P01;",
		"unrelated":            "x",
	})
	assert.Equal(t, "INSTR(${column}, ${keystr}) > 0", c.ContainSQL)
	assert.Equal(t, defaultNotContainSQL, c.NotContainSQL)
	assert.Equal(t, ";42P01;", c.tableMissingStates())
	assert.Equal(t, defaultTableCopySQL, c.TableCopySQL)
}

// TestLoadConfig reads the flat YAML form of the properties.
func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sqlmeta.yaml")
	doc := "sqlmeta.tablecopy.sqltemplate: CREATE TABLE ${newtable} (LIKE ${oldtable})\n" +
		"sqlmeta.tablenotexist.sqlstates: 42P01\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	c, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "CREATE TABLE ${newtable} (LIKE ${oldtable})", c.TableCopySQL)
	assert.Equal(t, "42P01", c.TableNotExistStates)
	assert.Equal(t, defaultContainSQL, c.ContainSQL)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
