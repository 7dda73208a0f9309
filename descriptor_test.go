package sqlmeta

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestOrderBy_Aliased translates field names into qualified columns and
// normalizes the direction.
func TestOrderBy_Aliased(t *testing.T) {
	d := mustDescriptor[Person](t, newTestRegistry())

	tests := []struct {
		in, want string
	}{
		{"name,age DESC", " ORDER BY a.full_name ASC,a.age DESC"},
		{"age", " ORDER BY a.age ASC"},
		{"name asc, age desc", " ORDER BY a.full_name ASC,a.age DESC"},
		{"name sideways", " ORDER BY a.full_name DESC"},
		{"name,,age", " ORDER BY a.full_name ASC,a.age ASC"},
		{"", ""},
		{";", ""},
		{"name; DROP TABLE person", ""},
		{"name\nage", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, d.OrderBy(tt.in))
		})
	}
}

// TestOrderBy_NoAlias passes the sort spec through verbatim.
func TestOrderBy_NoAlias(t *testing.T) {
	d := mustDescriptor[Order](t, newTestRegistry())
	assert.Equal(t, " ORDER BY amount DESC, id", d.OrderBy("amount DESC, id"))
}

// TestOrderBy_Memoized returns the same clause from concurrent callers and
// stores it once per sort spec.
func TestOrderBy_Memoized(t *testing.T) {
	d := mustDescriptor[Person](t, newTestRegistry())

	var wg sync.WaitGroup
	out := make([]string, 16)
	for i := range out {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out[i] = d.OrderBy("name,age DESC")
		}(i)
	}
	wg.Wait()
	for _, s := range out {
		assert.Equal(t, " ORDER BY a.full_name ASC,a.age DESC", s)
	}
	v, ok := d.orderBys.Load("name,age DESC")
	require.True(t, ok)
	assert.Equal(t, out[0], v)
}

// TestFormatValue covers every operation and the literal rendering rules.
func TestFormatValue(t *testing.T) {
	type label string

	tests := []struct {
		name string
		cv   ColumnValue
		want string
	}{
		{"increment", Incr(5), "score + 5"},
		{"multiply", Mul(1.5), "score * 1.5"},
		{"and", And(6), "score & 6"},
		{"or", Or(1), "score | 1"},
		{"set string", Assign("O'Brien"), `'O\'Brien'`},
		{"set string kind", Assign(label("it's")), `'it\'s'`},
		{"set int", Assign(int64(42)), "42"},
		{"set bool", Assign(true), "true"},
		{"set nil", Assign(nil), "NULL"},
		{"increment string", Incr("x"), "score + 'x'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatValue("score", tt.cv))
		})
	}
}

// TestDescriptor_UpdateColumnSQL renders a single-column assignment by key
// with the operand bound ahead of the key.
func TestDescriptor_UpdateColumnSQL(t *testing.T) {
	d := mustDescriptor[Person](t, newTestRegistry())

	q, args, err := d.UpdateColumnSQL(int64(1), "age", Incr(1))
	require.NoError(t, err)
	assert.Equal(t, "UPDATE person SET age = age + ? WHERE id = ?", q)
	assert.Equal(t, []any{1, int64(1)}, args)

	q, args, err = d.UpdateColumnSQL(int64(1), "name", Assign("O'Brien"))
	require.NoError(t, err)
	assert.Equal(t, "UPDATE person SET full_name = ? WHERE id = ?", q)
	assert.Equal(t, []any{"O'Brien", int64(1)}, args)

	q, _, err = d.UpdateColumnSQL(int64(1), "age", Or(4))
	require.NoError(t, err)
	assert.Equal(t, "UPDATE person SET age = age | ? WHERE id = ?", q)

	_, _, err = d.UpdateColumnSQL(int64(1), "created", Assign(time.Now()))
	assert.ErrorIs(t, err, ErrFieldNotFound)

	s := mustDescriptor[Session](t, newTestRegistry(WithLoader[Session](sessionLoader)))
	_, _, err = s.UpdateColumnSQL("k", "user", Assign("x"))
	assert.ErrorIs(t, err, ErrVirtualEntity)
}

// TestDescriptor_Args binds entity values in template order.
func TestDescriptor_Args(t *testing.T) {
	d := mustDescriptor[Person](t, newTestRegistry())
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	p := &Person{ID: 9, Name: "Ann", Age: 31, Nickname: "annie", Created: created}

	assert.Equal(t, []any{int64(9), "Ann", 31, created}, d.InsertArgs(p))
	assert.Equal(t, []any{"Ann", 31, "annie", int64(9)}, d.UpdateArgs(p))
}

// TestDescriptor_ConfigTemplates substitutes the configured fragments.
func TestDescriptor_ConfigTemplates(t *testing.T) {
	d := mustDescriptor[Person](t, newTestRegistry())
	assert.Equal(t, "LOCATE(?, a.full_name) > 0", d.ContainSQL("a.full_name", "?"))
	assert.Equal(t, "LOCATE('x', name) = 0", d.NotContainSQL("name", "'x'"))
	assert.Equal(t, "CREATE TABLE person_2 LIKE person", d.TableCopySQL("person_2", "person"))

	c := mustDescriptor[Person](t, newTestRegistry(WithConfig(Config{
		ContainSQL:   "${column} LIKE CONCAT('%', ${keystr}, '%')",
		TableCopySQL: "CREATE TABLE ${newtable} (LIKE ${oldtable} INCLUDING ALL)",
	})))
	assert.Equal(t, "name LIKE CONCAT('%', ?, '%')", c.ContainSQL("name", "?"))
	assert.Equal(t, "LOCATE(?, name) = 0", c.NotContainSQL("name", "?"))
	assert.Equal(t, "CREATE TABLE o_1 (LIKE o INCLUDING ALL)", c.TableCopySQL("o_1", "o"))
}

// TestDescriptor_Tables records the physical tables seen.
func TestDescriptor_Tables(t *testing.T) {
	d := mustDescriptor[Order](t, newTestRegistry())
	assert.False(t, d.HasTable("orders_2024"))
	d.MarkTable("orders_2024")
	d.MarkTable("orders_2023")
	d.MarkTable("orders_2024")
	assert.True(t, d.HasTable("orders_2024"))
	assert.Equal(t, []string{"orders_2023", "orders_2024"}, d.Tables())
}

// TestDescriptor_ForEachAccessor visits every mapped field once.
func TestDescriptor_ForEachAccessor(t *testing.T) {
	d := mustDescriptor[Person](t, newTestRegistry())
	seen := map[string]string{}
	d.ForEachAccessor(func(field string, a *Accessor[Person]) {
		seen[field] = a.Column()
	})
	assert.Equal(t, map[string]string{
		"id": "id", "name": "full_name", "age": "age", "nickname": "nickname", "created": "created",
	}, seen)
}

// TestAccessor_GetSet reads and writes through the compiled index path,
// coercing values to the field type.
func TestAccessor_GetSet(t *testing.T) {
	d := mustDescriptor[Person](t, newTestRegistry())
	p := &Person{}

	age := d.Accessor("age")
	require.NoError(t, age.Set(p, int64(40)))
	assert.Equal(t, 40, p.Age)
	assert.Equal(t, 40, age.Get(p))
	require.NoError(t, age.Set(p, "41"))
	assert.Equal(t, 41, p.Age)
	require.NoError(t, age.Set(p, nil))
	assert.Zero(t, p.Age)
	assert.Error(t, age.Set(p, "forty"))

	assert.Nil(t, age.Get(nil))
	assert.ErrorIs(t, age.Set(nil, 1), ErrNilEntity)

	age.Value(p).SetInt(7)
	assert.Equal(t, 7, p.Age)
	assert.False(t, age.IsBlob())
}
