package sqlmeta

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRegistry_ConcurrentLoad makes many goroutines ask for the same type
// at once: all observe one descriptor and the loader runs a single time.
func TestRegistry_ConcurrentLoad(t *testing.T) {
	var calls atomic.Int32
	r := newTestRegistry(WithLoader[City](func(context.Context) ([]*City, error) {
		calls.Add(1)
		return seedCities(), nil
	}))

	const n = 32
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		got   = make([]*Descriptor[City], n)
		errs  = make([]error, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			got[i], errs[i] = Load[City](context.Background(), r)
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, got[0], got[i])
	}
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, got[0].CacheFullLoaded())
}

// TestRegistry_NestedLoad lets a cache loader load another entity type
// while its own descriptor is under construction.
func TestRegistry_NestedLoad(t *testing.T) {
	var r *Registry
	r = newTestRegistry(WithLoader[City](func(ctx context.Context) ([]*City, error) {
		if _, err := Load[Person](ctx, r); err != nil {
			return nil, err
		}
		return seedCities(), nil
	}))

	done := make(chan error, 1)
	go func() {
		_, err := Load[City](context.Background(), r)
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("nested load did not finish")
	}
	_, ok := Lookup[Person](r)
	assert.True(t, ok)
	d, ok := Lookup[City](r)
	require.True(t, ok)
	assert.Equal(t, 3, d.Cache().Len())
}

// TestRegistry_Lookup only returns published descriptors.
func TestRegistry_Lookup(t *testing.T) {
	r := newTestRegistry()
	_, ok := Lookup[Person](r)
	assert.False(t, ok)

	d := mustDescriptor[Person](t, r)
	l, ok := Lookup[Person](r)
	require.True(t, ok)
	assert.Same(t, d, l)
	assert.Same(t, d, MustLoad[Person](context.Background(), r))
}

// TestRegistry_FailureNotPublished retries construction after a failure.
func TestRegistry_FailureNotPublished(t *testing.T) {
	r := newTestRegistry()
	_, err := Load[noKey](context.Background(), r)
	require.Error(t, err)
	_, ok := Lookup[noKey](r)
	assert.False(t, ok)

	assert.Panics(t, func() { MustLoad[noKey](context.Background(), r) })
}

// TestRegistry_SyncLoadError does not publish a descriptor whose cache
// failed to load.
func TestRegistry_SyncLoadError(t *testing.T) {
	fail := true
	r := newTestRegistry(WithLoader[City](func(context.Context) ([]*City, error) {
		if fail {
			return nil, assert.AnError
		}
		return seedCities(), nil
	}))
	_, err := Load[City](context.Background(), r)
	assert.ErrorIs(t, err, assert.AnError)

	fail = false
	d := mustDescriptor[City](t, r)
	assert.Equal(t, 3, d.Cache().Len())
}

// TestRegistry_Options exposes the configured dialect and logger.
func TestRegistry_Options(t *testing.T) {
	l := quietLogger()
	r := NewRegistry(WithDialect(SQLServer), WithLogger(l))
	assert.Equal(t, SQLServer, r.Dialect())
	assert.Same(t, l, r.Logger())

	assert.Equal(t, Postgres, NewRegistry().Dialect())
	assert.NotNil(t, NewRegistry().Logger())
}
