package sqlmeta

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseFieldTag reads column and flags from a db tag.
func TestParseFieldTag(t *testing.T) {
	fs := parseFieldTag("user_id, pk, auto")
	assert.Equal(t, "user_id", fs.Column)
	assert.True(t, fs.PrimaryKey)
	assert.True(t, fs.Generated)
	assert.True(t, fs.insertable())
	assert.True(t, fs.updatable())

	fs = parseFieldTag(",noinsert,noupdate")
	assert.Empty(t, fs.Column)
	assert.False(t, fs.insertable())
	assert.False(t, fs.updatable())

	assert.True(t, parseFieldTag("-").Transient)
	assert.True(t, parseFieldTag("x,transient").Transient)
	assert.Equal(t, FieldSchema{}, parseFieldTag(""))
}

// TestFieldSchema_Merge lets explicit values win and keeps flags additive.
func TestFieldSchema_Merge(t *testing.T) {
	yes := true
	fs := parseFieldTag("col,noupdate").merge(FieldSchema{PrimaryKey: true, Updatable: &yes})
	assert.Equal(t, "col", fs.Column)
	assert.True(t, fs.PrimaryKey)
	assert.True(t, fs.updatable())

	fs = parseFieldTag("col,pk").merge(FieldSchema{Column: "other"})
	assert.Equal(t, "other", fs.Column)
	assert.True(t, fs.PrimaryKey)
}

// TestLoadSchemas decodes entities and tolerates an empty document.
func TestLoadSchemas(t *testing.T) {
	schemas, err := LoadSchemas(strings.NewReader(`
entities:
  Session:
    virtual: true
    cache: {enabled: true, async: true}
  Order:
    table: orders
    strategy: byYear
    fields:
      amount: {column: total, insertable: false}
`))
	require.NoError(t, err)
	require.Len(t, schemas, 2)
	assert.True(t, schemas["Session"].Virtual)
	assert.True(t, schemas["Session"].Cache.Async)
	assert.Equal(t, "byYear", schemas["Order"].Strategy)
	assert.Equal(t, "total", schemas["Order"].Fields["amount"].Column)
	assert.False(t, schemas["Order"].Fields["amount"].insertable())

	schemas, err = LoadSchemas(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, schemas)

	_, err = LoadSchemas(strings.NewReader("entities: [1, 2"))
	assert.Error(t, err)
}

// TestLoadSchemaFile reads schemas from disk.
func TestLoadSchemaFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schemas.yaml")
	require.NoError(t, os.WriteFile(path, []byte("entities:\n  City:\n    log_level: error\n"), 0o600))

	schemas, err := LoadSchemaFile(path)
	require.NoError(t, err)
	assert.Equal(t, "error", schemas["City"].LogLevel)

	_, err = LoadSchemaFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

// TestEntitySchema_Merge overlays registry schemas on type declarations.
func TestEntitySchema_Merge(t *testing.T) {
	base := EntitySchema{Table: "orders", Fields: map[string]FieldSchema{"id": {PrimaryKey: true}}}
	got := base.merge(EntitySchema{Catalog: "shop", Fields: map[string]FieldSchema{"id": {Column: "order_id"}}})
	assert.Equal(t, "orders", got.Table)
	assert.Equal(t, "shop", got.Catalog)
	assert.Equal(t, FieldSchema{Column: "order_id", PrimaryKey: true}, got.Fields["id"])
	assert.Empty(t, base.Fields["id"].Column)
}
