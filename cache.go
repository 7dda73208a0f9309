package sqlmeta

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Loader returns every row of an entity. It fills a cache on full load.
type Loader[T any] func(ctx context.Context) ([]*T, error)

// Cache is the in-memory mirror of an entity table keyed by primary key.
// Entities are copied on the way in and on the way out, so callers never
// share memory with the cache. Byte slices and pointers reachable through
// mapped fields are copied too; values held in interface fields are not.
type Cache[T any] struct {
	d      *Descriptor[T]
	loader Loader[T]
	async  bool
	deep   []*Accessor[T] // fields whose values share memory on a plain copy

	mu      sync.RWMutex
	items   map[any]*T
	loads   int              // full loads in flight
	written map[any]struct{} // keys written while a full load is in flight
	loaded  atomic.Bool
	group   errgroup.Group
}

func newCache[T any](d *Descriptor[T], loader Loader[T], async bool) *Cache[T] {
	c := &Cache[T]{d: d, loader: loader, async: async, items: map[any]*T{}}
	for _, a := range d.queryAttrs {
		if a.kind == vkBytes || a.kind == vkPtr || len(a.index) > 1 {
			c.deep = append(c.deep, a)
		}
	}
	return c
}

// start runs the initial full load, in the background when async is set.
// Writes made after start returns are kept over the loaded rows.
func (c *Cache[T]) start(ctx context.Context, logger *slog.Logger) error {
	if !c.async {
		return c.FullLoad(ctx)
	}
	ctx = context.WithoutCancel(ctx)
	c.begin()
	c.group.Go(func() error {
		err := c.load(ctx)
		if err != nil {
			logger.Error("sqlmeta: cache full load failed", "entity", c.d.name, "error", err)
		}
		return err
	})
	return nil
}

// Wait blocks until a background full load finishes and returns its error.
func (c *Cache[T]) Wait() error { return c.group.Wait() }

// FullLoad replaces the cache content with everything the loader returns.
// Keys written through the cache while the loader runs keep their written
// state, deleted ones stay deleted.
func (c *Cache[T]) FullLoad(ctx context.Context) error {
	c.begin()
	return c.load(ctx)
}

// begin opens the write log of a full load.
func (c *Cache[T]) begin() {
	c.mu.Lock()
	c.loads++
	if c.written == nil {
		c.written = map[any]struct{}{}
	}
	c.mu.Unlock()
}

// load runs the loader and merges its rows with the writes logged since
// the matching begin.
func (c *Cache[T]) load(ctx context.Context) error {
	list, err := c.loader(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.loads--
	if err != nil {
		c.settle()
		return fmt.Errorf("sqlmeta: load %s: %w", c.d.name, err)
	}
	items := make(map[any]*T, len(list))
	for _, e := range list {
		if e == nil {
			continue
		}
		items[c.d.primary.Get(e)] = c.clone(e)
	}
	for k := range c.written {
		if cur, ok := c.items[k]; ok {
			items[k] = cur
		} else {
			delete(items, k)
		}
	}
	c.items = items
	c.settle()
	c.loaded.Store(true)
	return nil
}

// settle drops the write log once no full load is in flight. c.mu must be held.
func (c *Cache[T]) settle() {
	if c.loads == 0 {
		c.written = nil
	}
}

// touch records a write of k for in-flight full loads. c.mu must be held.
func (c *Cache[T]) touch(k any) {
	if c.written != nil {
		c.written[k] = struct{}{}
	}
}

// FullLoaded reports whether the initial full load completed.
func (c *Cache[T]) FullLoaded() bool { return c.loaded.Load() }

// Len returns the number of cached entities.
func (c *Cache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Find returns a copy of the entity with the given key.
func (c *Cache[T]) Find(key any) (*T, bool) {
	k, err := c.d.normalizeKey(key)
	if err != nil {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.items[k]
	if !ok {
		return nil, false
	}
	return c.clone(e), true
}

// FindAll returns copies of the entities matching f, ordered by sortSpec
// ("field [ASC|DESC],...") or by primary key when sortSpec is empty.
func (c *Cache[T]) FindAll(f *Filter, sortSpec string) []*T {
	c.mu.RLock()
	out := make([]*T, 0, len(c.items))
	for _, e := range c.items {
		if c.d.Match(e, f) {
			out = append(out, c.clone(e))
		}
	}
	c.mu.RUnlock()
	c.d.sortEntities(out, sortSpec)
	return out
}

// Insert stores a copy of e, replacing any entity with the same key.
func (c *Cache[T]) Insert(e *T) {
	if e == nil {
		return
	}
	cp := c.clone(e)
	k := c.d.primary.Get(cp)
	c.mu.Lock()
	c.items[k] = cp
	c.touch(k)
	c.mu.Unlock()
}

// Update replaces the cached entity with the key of e. It reports false
// when no such entity is cached. While a full load is in flight the entity
// is stored even if it is not cached yet.
func (c *Cache[T]) Update(e *T) bool {
	if e == nil {
		return false
	}
	cp := c.clone(e)
	k := c.d.primary.Get(cp)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[k]; !ok && c.written == nil {
		return false
	}
	c.items[k] = cp
	c.touch(k)
	return true
}

// UpdateColumn applies cv to one field of the cached entity with the given
// key and returns a copy of the result, nil when the key is not cached.
func (c *Cache[T]) UpdateColumn(key any, field string, cv ColumnValue) (*T, error) {
	a := c.d.updateMap[field]
	if a == nil {
		return nil, fmt.Errorf("%w: %s.%s is not updatable", ErrFieldNotFound, c.d.name, field)
	}
	k, err := c.d.normalizeKey(key)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[k]
	if !ok {
		return nil, nil
	}
	v, err := applyOp(a.kind, a.elem, a.Get(e), cv)
	if err != nil {
		return nil, err
	}
	cp := c.clone(e)
	if err := a.Set(cp, v); err != nil {
		return nil, err
	}
	c.items[k] = c.clone(cp)
	c.touch(k)
	return cp, nil
}

// Delete removes the entity with the given key and reports whether it was cached.
func (c *Cache[T]) Delete(key any) bool {
	k, err := c.d.normalizeKey(key)
	if err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touch(k)
	if _, ok := c.items[k]; !ok {
		return false
	}
	delete(c.items, k)
	return true
}

// clone copies e along with the byte slices and pointees of its mapped
// fields, including pointers to embedded structs on the way to them.
func (c *Cache[T]) clone(e *T) *T {
	cp := *e
	if len(c.deep) == 0 {
		return &cp
	}
	root := reflect.ValueOf(&cp).Elem()
	fresh := map[uintptr]bool{}
	for _, a := range c.deep {
		v := root
		for i, idx := range a.index {
			f := v.Field(idx)
			if i == len(a.index)-1 {
				copyLeaf(f, a)
				break
			}
			if f.Kind() != reflect.Pointer {
				v = f
				continue
			}
			if f.IsNil() {
				break
			}
			if !fresh[f.Pointer()] {
				p := reflect.New(f.Type().Elem())
				p.Elem().Set(f.Elem())
				f.Set(p)
				fresh[p.Pointer()] = true
			}
			v = f.Elem()
		}
	}
	return &cp
}

// copyLeaf replaces the shared memory of field f with a private copy.
func copyLeaf[T any](f reflect.Value, a *Accessor[T]) {
	if f.Kind() == reflect.Pointer {
		if f.IsNil() {
			return
		}
		p := reflect.New(f.Type().Elem())
		p.Elem().Set(f.Elem())
		if a.elem == vkBytes {
			copyBytes(p.Elem())
		}
		f.Set(p)
		return
	}
	if a.kind == vkBytes {
		copyBytes(f)
	}
}

func copyBytes(f reflect.Value) {
	if f.Kind() != reflect.Slice || f.IsNil() {
		return
	}
	b := reflect.MakeSlice(f.Type(), f.Len(), f.Len())
	reflect.Copy(b, f)
	f.Set(b)
}

// applyOp computes the new field value of a column assignment. Pointer
// fields are computed on their pointee; a nil pointer stays nil.
func applyOp(kind, elem valueKind, cur any, cv ColumnValue) (any, error) {
	if cv.Op == OpSet {
		return cv.Value, nil
	}
	if kind == vkPtr {
		kind = elem
		cur = deref(cur)
	}
	cv.Value = deref(cv.Value)
	if cur == nil || cv.Value == nil {
		return nil, nil
	}
	switch kind {
	case vkInt, vkUint:
		x, err := asInt64(cur)
		if err != nil {
			return nil, err
		}
		y, err := asInt64(cv.Value)
		if err != nil {
			return nil, err
		}
		switch cv.Op {
		case OpIncrement:
			return x + y, nil
		case OpMultiply:
			return x * y, nil
		case OpBitAnd:
			return x & y, nil
		case OpBitOr:
			return x | y, nil
		}
	case vkFloat:
		x, err := asFloat64(cur)
		if err != nil {
			return nil, err
		}
		y, err := asFloat64(cv.Value)
		if err != nil {
			return nil, err
		}
		switch cv.Op {
		case OpIncrement:
			return x + y, nil
		case OpMultiply:
			return x * y, nil
		}
	}
	return nil, fmt.Errorf("%w: operation %d on %T", ErrConvert, cv.Op, cur)
}

// deref returns the value v points to, nil for a nil pointer.
func deref(v any) any {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer {
		return v
	}
	if rv.IsNil() {
		return nil
	}
	return rv.Elem().Interface()
}

// sortEntities orders list by a "field [ASC|DESC],..." sort spec, falling back
// to the primary key. Unknown fields are ignored.
func (d *Descriptor[T]) sortEntities(list []*T, sortSpec string) {
	type key struct {
		a    *Accessor[T]
		desc bool
	}
	var keys []key
	for _, item := range strings.Split(sortSpec, ",") {
		sub := strings.Fields(item)
		if len(sub) == 0 {
			continue
		}
		if a := d.attrs[sub[0]]; a != nil {
			keys = append(keys, key{a: a, desc: len(sub) > 1 && strings.EqualFold(sub[1], "DESC")})
		}
	}
	keys = append(keys, key{a: d.primary})
	sort.SliceStable(list, func(i, j int) bool {
		for _, k := range keys {
			c, ok := compareValues(k.a.Get(list[i]), k.a.Get(list[j]))
			if !ok || c == 0 {
				continue
			}
			if k.desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}
