package pagecache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"golang.org/x/sync/errgroup"
)

const testSlot = pageHeaderSize + 1024

func TestArena_Lifecycle(t *testing.T) {
	a := newTestArena(t)
	require.ErrorIs(t, a.Init(), ErrAlreadyInitialized)

	c, err := a.Create(1024, true)
	require.NoError(t, err)
	require.ErrorIs(t, a.Shutdown(), ErrCachesOpen)

	c.Destroy()
	require.NoError(t, a.Shutdown())
	_, err = a.Create(1024, true)
	require.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, a.Init())
	_, err = a.Create(1024, true)
	require.NoError(t, err)
}

func TestArena_ConfigureSlabValidation(t *testing.T) {
	a := newTestArena(t)
	buf := make([]byte, 4*testSlot)

	require.ErrorIs(t, a.ConfigureSlab(buf, testSlot, 0), ErrInvalidSlab)
	require.ErrorIs(t, a.ConfigureSlab(buf, 7, 4), ErrInvalidSlab)
	require.ErrorIs(t, a.ConfigureSlab(buf, testSlot, 5), ErrInvalidSlab)

	c, err := a.Create(1024, true)
	require.NoError(t, err)
	require.ErrorIs(t, a.ConfigureSlab(buf, testSlot, 4), ErrCachesOpen)
	c.Destroy()

	// Slot sizes round down to a multiple of 8.
	require.NoError(t, a.ConfigureSlab(buf, testSlot+7, 4))
	require.ErrorIs(t, a.ConfigureSlab(buf, testSlot, 4), ErrSlabConfigured)
	require.Equal(t, 4, a.Stats().SlabSlots)

	// Shutdown forgets the slab.
	require.NoError(t, a.Shutdown())
	require.NoError(t, a.Init())
	require.Equal(t, 0, a.Stats().SlabSlots)
	require.NoError(t, a.ConfigureSlab(buf, testSlot, 4))
}

func TestArena_SlabThenHeap(t *testing.T) {
	heap := NewLimitHeap(0, 0)
	a := newTestArena(t, WithHeap(heap))
	require.NoError(t, a.ConfigureSlab(make([]byte, 4*testSlot), testSlot, 4))

	c := newTestCache(t, a, 1024, true, 10)
	pages := fetchRange(t, c, 1, 6, CreateForce)
	for i, p := range pages {
		require.Equal(t, i < 4, p.FromSlab(), "page %d", p.Key())
	}
	require.Equal(t, 0, a.Stats().SlabFree)
	require.Equal(t, int64(2*testSlot+minHashBuckets*bucketBytes), heap.Used())

	big := newTestCache(t, a, 2048, true, 10)
	p, err := big.Fetch(1, CreateForce)
	require.NoError(t, err)
	require.False(t, p.FromSlab())

	c.Truncate(1)
	require.Equal(t, 4, a.Stats().SlabFree)
	require.Equal(t, 1, a.Stats().CurrentPages)

	// Freed slots are handed out again before the heap.
	p, err = c.Fetch(1, CreateForce)
	require.NoError(t, err)
	require.True(t, p.FromSlab())
	checkInvariants(t, a, c, big)
}

func TestArena_ReleaseMemory(t *testing.T) {
	a := newTestArena(t)
	c := newTestCache(t, a, 1024, true, 10)
	pinned, err := c.Fetch(100, CreateForce)
	require.NoError(t, err)
	for _, p := range fetchRange(t, c, 1, 5, CreateForce) {
		require.NoError(t, c.Unpin(p, false))
	}

	require.Equal(t, testSlot, a.ReleaseMemory(1))
	require.Equal(t, 5, c.PageCount())
	_, err = c.Fetch(1, CreateNone)
	require.ErrorIs(t, err, ErrPageNotFound, "oldest unpinned page goes first")

	require.Equal(t, 4*testSlot, a.ReleaseMemory(-1))
	require.Equal(t, 1, c.PageCount())
	require.Equal(t, 0, a.ReleaseMemory(-1))
	require.True(t, pinned.IsPinned())
	checkInvariants(t, a, c)
}

func TestArena_ReleaseMemoryKeepsSlabPages(t *testing.T) {
	a := newTestArena(t)
	require.NoError(t, a.ConfigureSlab(make([]byte, 4*testSlot), testSlot, 4))
	c := newTestCache(t, a, 1024, true, 10)
	for _, p := range fetchRange(t, c, 1, 3, CreateForce) {
		require.NoError(t, c.Unpin(p, false))
	}
	require.Equal(t, 0, a.ReleaseMemory(-1))
	require.Equal(t, 3, c.PageCount())
}

// The heap calls back into the cache while a Fetch is allocating. This must
// neither deadlock nor let the heap grow past its soft limit.
func TestArena_ReentrantReclaim(t *testing.T) {
	const soft = minHashBuckets*bucketBytes + 10*testSlot
	heap := NewLimitHeap(soft, 0)
	a := newTestArena(t, WithHeap(heap))
	heap.SetReclaim(a.ReleaseMemory)
	c := newTestCache(t, a, 1024, true, 1000)

	done := make(chan error, 1)
	go func() {
		for k := uint32(1); k <= 200; k++ {
			p, err := c.Fetch(k, CreateForce)
			if err != nil {
				done <- err
				return
			}
			if err := c.Unpin(p, false); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("fetch with a reclaiming heap did not finish")
	}
	require.LessOrEqual(t, heap.Used(), int64(soft))
	require.LessOrEqual(t, c.PageCount(), 10)
	checkInvariants(t, a, c)
}

func TestArena_HardLimit(t *testing.T) {
	heap := NewLimitHeap(0, minHashBuckets*bucketBytes+3*testSlot)
	a := newTestArena(t, WithHeap(heap))
	c := newTestCache(t, a, 1024, true, 100)

	fetchRange(t, c, 1, 3, CreateForce)
	_, err := c.Fetch(4, CreateForce)
	require.ErrorIs(t, err, ErrNoMem)
	require.Equal(t, 3, c.PageCount())
	checkInvariants(t, a, c)
}

func TestArena_ConcurrentCaches(t *testing.T) {
	heap := NewLimitHeap(64*testSlot, 0)
	a := newTestArena(t, WithHeap(heap))
	heap.SetReclaim(a.ReleaseMemory)

	caches := make([]*Cache, 4)
	for i := range caches {
		caches[i] = newTestCache(t, a, 1024, i != 3, 16)
	}

	var g errgroup.Group
	for i, c := range caches {
		c, seed := c, uint32(i)
		g.Go(func() error {
			for n := uint32(0); n < 2000; n++ {
				key := (n*7+seed)%50 + 1
				p, err := c.Fetch(key, CreateForce)
				if err != nil {
					return fmt.Errorf("fetch %d: %w", key, err)
				}
				p.Data()[0] = byte(key)
				if err := c.Unpin(p, n%11 == 0); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	checkInvariants(t, a, caches...)

	for _, c := range caches {
		c.Destroy()
	}
	require.Equal(t, Stats{}, a.Stats())
	require.Equal(t, int64(0), heap.Used())
}

func collectInt64(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			switch d := m.Data.(type) {
			case metricdata.Sum[int64]:
				require.Len(t, d.DataPoints, 1)
				return d.DataPoints[0].Value
			case metricdata.Gauge[int64]:
				require.Len(t, d.DataPoints, 1)
				return d.DataPoints[0].Value
			}
		}
	}
	t.Fatalf("metric %q not collected", name)
	return 0
}

func TestArena_Metrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	a := newTestArena(t, WithMeter(provider.Meter("pagecache-test")))
	defer a.Close()
	c := newTestCache(t, a, 1024, true, 2)

	p1, err := c.Fetch(1, CreateForce)
	require.NoError(t, err)
	_, err = c.Fetch(1, CreateNone)
	require.NoError(t, err)
	require.NoError(t, c.Unpin(p1, false))
	fetchRange(t, c, 2, 3, CreateForce)
	_, err = c.Fetch(4, CreateEasy)
	require.ErrorIs(t, err, ErrCacheFull)

	require.Equal(t, int64(1), collectInt64(t, reader, "pagecache.fetch.hits"))
	require.Equal(t, int64(3), collectInt64(t, reader, "pagecache.fetch.misses"))
	require.Equal(t, int64(1), collectInt64(t, reader, "pagecache.fetch.declined"))
	require.Equal(t, int64(1), collectInt64(t, reader, "pagecache.recycled"))
	require.Equal(t, int64(2), collectInt64(t, reader, "pagecache.pages.current"))
	require.Equal(t, int64(2), collectInt64(t, reader, "pagecache.pages.max"))
	require.Equal(t, int64(10), collectInt64(t, reader, "pagecache.pages.min"))
	require.Equal(t, int64(0), collectInt64(t, reader, "pagecache.pages.recyclable"))
}
