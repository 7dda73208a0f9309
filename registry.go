package sqlmeta

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Registry compiles and memoizes one Descriptor per entity type. Lookups
// of published descriptors take no lock. Construction happens at most once
// per type and never blocks construction of other types.
type Registry struct {
	group   singleflight.Group // keyed by type, one construction in flight
	infos   sync.Map           // reflect.Type → *Descriptor[T]
	loaders map[reflect.Type]any

	c       compiler
	dialect Dialect
}

// Option configures a Registry.
type Option func(*Registry)

// WithConfig sets the SQL template configuration. Empty fields keep their
// defaults.
func WithConfig(cfg Config) Option {
	return func(r *Registry) { r.c.config = defaultConfig(cfg) }
}

// WithDialect sets the placeholder dialect stores render statements for.
func WithDialect(d Dialect) Option {
	return func(r *Registry) { r.dialect = d }
}

// WithNaming sets the naming convention for derived table and column names.
func WithNaming(n Naming) Option {
	return func(r *Registry) { r.c.naming = n }
}

// WithSchemas registers entity schemas keyed by Go type name, typically
// from LoadSchemas. They override what the types declare themselves.
func WithSchemas(schemas map[string]EntitySchema) Option {
	return func(r *Registry) {
		for k, v := range schemas {
			r.c.schemas[k] = r.c.schemas[k].merge(v)
		}
	}
}

// WithStrategy registers a table strategy under name for schemas to refer to.
func WithStrategy(name string, s Strategy) Option {
	return func(r *Registry) { r.c.strategies[name] = s }
}

// WithLoader registers the bulk loader filling the cache of T.
func WithLoader[T any](l Loader[T]) Option {
	return func(r *Registry) { r.loaders[reflect.TypeOf((*T)(nil)).Elem()] = l }
}

// WithCacheForbidden disables caching of table-backed entities regardless
// of their schema. Virtual entities are always cached.
func WithCacheForbidden() Option {
	return func(r *Registry) { r.c.cacheForbidden = true }
}

// WithLogger sets the logger for construction warnings and statement logs.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.c.logger = l }
}

// WithKeyGenerator sets the generator of client-side string keys.
func WithKeyGenerator(g KeyGenerator) Option {
	return func(r *Registry) { r.c.newKey = g }
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		loaders: map[reflect.Type]any{},
		c: compiler{
			config:     defaultConfig(),
			schemas:    map[string]EntitySchema{},
			strategies: map[string]Strategy{},
			newKey:     UUIDKeys,
			logger:     slog.Default(),
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dialect returns the configured placeholder dialect.
func (r *Registry) Dialect() Dialect { return r.dialect }

// Logger returns the configured logger.
func (r *Registry) Logger() *slog.Logger { return r.c.logger }

// Load returns the descriptor of T, compiling it on first use. Concurrent
// callers for the same type block until the single construction finishes
// and all observe the same descriptor. A cached entity is fully loaded
// before the descriptor is published unless its cache is asynchronous.
// Loaders may load other entity types; a loader loading its own type
// never returns. Failed constructions are not published; the next call
// retries.
func Load[T any](ctx context.Context, r *Registry) (*Descriptor[T], error) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	if d, ok := r.infos.Load(t); ok {
		return d.(*Descriptor[T]), nil
	}

	v, err, _ := r.group.Do(typeKey(t), func() (any, error) {
		if d, ok := r.infos.Load(t); ok {
			return d, nil
		}
		var loader Loader[T]
		if l, ok := r.loaders[t]; ok {
			loader = l.(Loader[T])
		}
		d, err := compile[T](&r.c, loader)
		if err != nil {
			return nil, err
		}
		if d.cache != nil {
			if err := d.cache.start(ctx, r.c.logger); err != nil {
				return nil, err
			}
		}
		r.infos.Store(t, d)
		r.c.logger.Debug("sqlmeta: entity compiled",
			"entity", d.name,
			"table", d.table,
			"fields", len(d.queryAttrs),
			"cached", d.cache != nil)
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Descriptor[T]), nil
}

// typeKey names t uniquely across packages.
func typeKey(t reflect.Type) string { return t.PkgPath() + "|" + t.String() }

// MustLoad is Load that panics on error, for package-level initialization.
func MustLoad[T any](ctx context.Context, r *Registry) *Descriptor[T] {
	d, err := Load[T](ctx, r)
	if err != nil {
		panic(fmt.Sprintf("sqlmeta: load %s: %v", reflect.TypeOf((*T)(nil)).Elem(), err))
	}
	return d
}

// Lookup returns the descriptor of T if it was already published.
func Lookup[T any](r *Registry) (*Descriptor[T], bool) {
	d, ok := r.infos.Load(reflect.TypeOf((*T)(nil)).Elem())
	if !ok {
		return nil, false
	}
	return d.(*Descriptor[T]), true
}
