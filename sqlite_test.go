package sqlmeta

import (
	"context"
	"database/sql"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

type Book struct {
	ID    int64 `db:"id,pk,auto"`
	Title string
	Price float64
	Cover []byte
}

type Entry struct {
	ID  int64 `db:"id,pk"`
	Msg string
}

func (Entry) EntitySchema() EntitySchema {
	return EntitySchema{TableStrategy: Suffixed("", func(key any) string {
		n, err := asInt64(key)
		if err != nil {
			return ""
		}
		if n%2 == 0 {
			return "even"
		}
		return "odd"
	})}
}

func openSQLite(t *testing.T, ddl ...string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// every connection of ":memory:" is a separate database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	for _, q := range ddl {
		_, err := db.Exec(q)
		require.NoError(t, err)
	}
	return db
}

func sqliteRegistry(opts ...Option) *Registry {
	return newTestRegistry(append([]Option{
		WithDialect(SQLite),
		WithConfig(Config{
			ContainSQL:    "INSTR(${column}, ${keystr}) > 0",
			NotContainSQL: "INSTR(${column}, ${keystr}) = 0",
			TableCopySQL:  "CREATE TABLE ${newtable} AS SELECT * FROM ${oldtable} WHERE 0",
		}),
	}, opts...)...)
}

// TestSQLite_CRUD runs the compiled statements against a real database.
func TestSQLite_CRUD(t *testing.T) {
	db := openSQLite(t,
		"CREATE TABLE book (id INTEGER PRIMARY KEY AUTOINCREMENT, title TEXT NOT NULL, price REAL, cover BLOB)")
	ctx := context.Background()
	s, err := NewStore[Book](ctx, sqliteRegistry(), db)
	require.NoError(t, err)

	books := []*Book{
		{Title: "Go in Practice", Price: 30, Cover: []byte{0xFF, 0xD8}},
		{Title: "Gophers", Price: 12.5},
		{Title: "SQL Basics", Price: 20},
	}
	require.NoError(t, s.Insert(ctx, books...))
	for i, b := range books {
		assert.Equal(t, int64(i+1), b.ID)
	}

	got, err := s.Find(ctx, books[0].ID)
	require.NoError(t, err)
	assert.Equal(t, *books[0], *got)

	n, err := s.UpdateColumn(ctx, books[1].ID, "price", Mul(2))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	books[2].Title = "SQL Advanced"
	n, err = s.Update(ctx, books[2])
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	list, err := s.FindAll(ctx, Like("title", "G%"), "price DESC", nil)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Go in Practice", list[0].Title)
	assert.Equal(t, 25.0, list[1].Price)

	list, err = s.FindAll(ctx, AnyOf(Contains("title", "Adv"), In("id", 1, 2)), "id", Exclude("cover"))
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Nil(t, list[0].Cover)
	assert.Equal(t, "SQL Advanced", list[2].Title)

	n, err = s.Delete(ctx, books[0].ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = s.Find(ctx, books[0].ID)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

// TestSQLite_ShardCreation creates physical tables on first insert and
// reads a table that was never created as empty.
func TestSQLite_ShardCreation(t *testing.T) {
	db := openSQLite(t, "CREATE TABLE entry (id INTEGER PRIMARY KEY, msg TEXT)")
	ctx := context.Background()
	s, err := NewStore[Entry](ctx, sqliteRegistry(), db)
	require.NoError(t, err)

	for i := 1; i <= 3; i += 2 {
		require.NoError(t, s.Insert(ctx, &Entry{ID: int64(i), Msg: "m" + strconv.Itoa(i)}))
	}
	assert.Equal(t, []string{"entry_odd"}, s.Descriptor().Tables())

	got, err := s.Find(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "m3", got.Msg)

	_, err = s.Find(ctx, 2)
	assert.ErrorIs(t, err, sql.ErrNoRows)
	n, err := s.Delete(ctx, 4)
	require.NoError(t, err)
	assert.Zero(t, n)

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM entry_odd").Scan(&count))
	assert.Equal(t, 2, count)
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM entry").Scan(&count))
	assert.Zero(t, count)
}

// TestSQLite_UpdateColumnBindsValue stores quoted text verbatim and only
// touches the keyed row.
func TestSQLite_UpdateColumnBindsValue(t *testing.T) {
	db := openSQLite(t,
		"CREATE TABLE book (id INTEGER PRIMARY KEY AUTOINCREMENT, title TEXT NOT NULL, price REAL, cover BLOB)")
	ctx := context.Background()
	s, err := NewStore[Book](ctx, sqliteRegistry(), db)
	require.NoError(t, err)

	books := []*Book{{Title: "first", Price: 1}, {Title: "second", Price: 2}, {Title: "third", Price: 3}}
	require.NoError(t, s.Insert(ctx, books...))

	n, err := s.UpdateColumn(ctx, books[0].ID, "title", Assign("O'Brien"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	hostile := "'||char(112) WHERE 1=1 OR id = ? --"
	n, err = s.UpdateColumn(ctx, books[1].ID, "title", Assign(hostile))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.Find(ctx, books[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "O'Brien", got.Title)
	got, err = s.Find(ctx, books[1].ID)
	require.NoError(t, err)
	assert.Equal(t, hostile, got.Title)
	got, err = s.Find(ctx, books[2].ID)
	require.NoError(t, err)
	assert.Equal(t, "third", got.Title)
}
