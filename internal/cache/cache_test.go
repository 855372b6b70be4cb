package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelmgr/pkg/types"
)

func sized(obj string, size int64) LoadFunc {
	return func(context.Context) (any, int64, error) { return obj, size, nil }
}

func TestGetOrLoadHitAndMiss(t *testing.T) {
	c := New(Options{})
	k := Key{Model: "m1"}
	h, err := c.GetOrLoad(context.Background(), k, sized("a", 10))
	require.NoError(t, err)
	assert.Equal(t, "a", h.Object)
	h.Release()

	h2, err := c.GetOrLoad(context.Background(), k, func(context.Context) (any, int64, error) {
		t.Fatal("load must not run on a hit")
		return nil, 0, nil
	})
	require.NoError(t, err)
	h2.Release()

	st := c.Stats()
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.Equal(t, int64(10), st.ResidentBytes)
	assert.Equal(t, int64(10), st.Loaded["m1"])
}

func TestReleaseIdempotent(t *testing.T) {
	c := New(Options{})
	k := Key{Model: "m"}
	h, err := c.GetOrLoad(context.Background(), k, sized("a", 1))
	require.NoError(t, err)
	h2, ok := c.Acquire(k)
	require.True(t, ok)
	h.Release()
	h.Release()
	assert.True(t, c.Pinned(k), "second handle still pins the entry")
	h2.Release()
	assert.False(t, c.Pinned(k))
}

func TestLRUEvictionSkipsPinned(t *testing.T) {
	c := New(Options{MaxBytes: 100})
	ctx := context.Background()
	a, err := c.GetOrLoad(ctx, Key{Model: "a"}, sized("a", 60))
	require.NoError(t, err)
	b, err := c.GetOrLoad(ctx, Key{Model: "b"}, sized("b", 30))
	require.NoError(t, err)
	b.Release()

	// a is pinned and b is unpinned: loading c must evict b, not a
	h, err := c.GetOrLoad(ctx, Key{Model: "c"}, sized("c", 30))
	require.NoError(t, err)
	_, bok := c.Acquire(Key{Model: "b"})
	assert.False(t, bok)
	ah, aok := c.Acquire(Key{Model: "a"})
	require.True(t, aok)
	ah.Release()
	assert.Equal(t, uint64(1), c.Stats().Evictions)

	h.Release()
	a.Release()
	assert.LessOrEqual(t, c.Stats().ResidentBytes, int64(100))
}

func TestOverBudgetWhileAllPinned(t *testing.T) {
	c := New(Options{MaxEntries: 1})
	ctx := context.Background()
	a, err := c.GetOrLoad(ctx, Key{Model: "a"}, sized("a", 1))
	require.NoError(t, err)
	b, err := c.GetOrLoad(ctx, Key{Model: "b"}, sized("b", 1))
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())

	// release triggers eviction back to budget
	a.Release()
	assert.Equal(t, 1, c.Len())
	_, ok := c.Acquire(Key{Model: "a"})
	assert.False(t, ok)
	b.Release()
}

func TestInvalidatePinnedIsDroppedOnRelease(t *testing.T) {
	c := New(Options{})
	ctx := context.Background()
	k := Key{Model: "m", Submodel: types.SubModelUNet}
	h, err := c.GetOrLoad(ctx, k, sized("old", 5))
	require.NoError(t, err)
	other, err := c.GetOrLoad(ctx, Key{Model: "m", Submodel: types.SubModelVAE}, sized("vae", 3))
	require.NoError(t, err)
	other.Release()

	c.Invalidate("m")
	_, ok := c.Acquire(k)
	assert.False(t, ok, "stale entries are never returned")
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(5), c.Stats().ResidentBytes, "pinned stale entry still resident")
	assert.Equal(t, "old", h.Object)

	fresh, err := c.GetOrLoad(ctx, k, sized("new", 7))
	require.NoError(t, err)
	assert.Equal(t, "new", fresh.Object)

	h.Release()
	assert.Equal(t, int64(7), c.Stats().ResidentBytes)
	fresh.Release()
}

func TestSingleflightDedupesLoads(t *testing.T) {
	c := New(Options{})
	var calls atomic.Int32
	gate := make(chan struct{})
	load := func(context.Context) (any, int64, error) {
		calls.Add(1)
		<-gate
		return "x", 1, nil
	}
	var wg sync.WaitGroup
	handles := make([]*Handle, 8)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := c.GetOrLoad(context.Background(), Key{Model: "k"}, load)
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()
	assert.LessOrEqual(t, calls.Load(), int32(2))
	for _, h := range handles {
		h.Release()
	}
	assert.False(t, c.Pinned(Key{Model: "k"}))
}

func TestLoadErrorNotCached(t *testing.T) {
	c := New(Options{})
	boom := errors.New("boom")
	_, err := c.GetOrLoad(context.Background(), Key{Model: "k"}, func(context.Context) (any, int64, error) {
		return nil, 0, boom
	})
	assert.ErrorIs(t, err, boom)
	h, err := c.GetOrLoad(context.Background(), Key{Model: "k"}, sized("ok", 1))
	require.NoError(t, err)
	h.Release()
}

func TestCollectMergesAndResets(t *testing.T) {
	c := New(Options{})
	h, err := c.GetOrLoad(context.Background(), Key{Model: "k"}, sized("x", 4))
	require.NoError(t, err)
	h.Release()

	var acc types.CacheStats
	c.Collect(&acc, true)
	assert.Equal(t, uint64(1), acc.Misses)
	assert.Equal(t, int64(4), acc.HighWaterBytes)
	assert.Equal(t, uint64(0), c.Stats().Misses)

	h, ok := c.Acquire(Key{Model: "k"})
	require.True(t, ok)
	h.Release()
	c.Collect(&acc, false)
	assert.Equal(t, uint64(1), acc.Hits)
	assert.Equal(t, uint64(1), acc.Misses)

	acc.Reset()
	assert.Equal(t, types.CacheStats{}, acc)
}
