package internaltelemetry

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// PageGauges is a point-in-time view of the arena's page accounting, read by
// the observable gauges on every collection.
type PageGauges struct {
	Current    int64
	Max        int64
	Min        int64
	Recyclable int64
}

// PageCacheMetrics holds all the metric instruments for the shared page cache.
type PageCacheMetrics struct {
	FetchHits     metric.Int64Counter
	FetchMisses   metric.Int64Counter
	FetchDeclined metric.Int64Counter
	AllocFailures metric.Int64Counter
	Evictions     metric.Int64Counter
	Recycled      metric.Int64Counter
	SlabOverflow  metric.Int64Counter
	gauges        metric.Registration
}

// NewPageCacheMetrics creates and registers all the metrics for the page
// cache. observe is called during collection and must not block on the
// caller's own locks for long.
func NewPageCacheMetrics(meter metric.Meter, observe func() PageGauges) (*PageCacheMetrics, error) {
	counter := func(name, desc string) (metric.Int64Counter, error) {
		return meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("1"))
	}

	m := &PageCacheMetrics{}
	var err error
	if m.FetchHits, err = counter("pagecache.fetch.hits", "Fetches satisfied from the cache."); err != nil {
		return nil, err
	}
	if m.FetchMisses, err = counter("pagecache.fetch.misses", "Fetches that created a new page."); err != nil {
		return nil, err
	}
	if m.FetchDeclined, err = counter("pagecache.fetch.declined", "Soft fetches declined at the cache limit."); err != nil {
		return nil, err
	}
	if m.AllocFailures, err = counter("pagecache.alloc.failures", "Page or hash table allocations that failed."); err != nil {
		return nil, err
	}
	if m.Evictions, err = counter("pagecache.evictions", "Unpinned pages freed to honour the global budget."); err != nil {
		return nil, err
	}
	if m.Recycled, err = counter("pagecache.recycled", "Page buffers taken from the LRU list and reused."); err != nil {
		return nil, err
	}
	if m.SlabOverflow, err = counter("pagecache.slab.overflow", "Page allocations that fell back to the heap."); err != nil {
		return nil, err
	}

	current, err := meter.Int64ObservableGauge("pagecache.pages.current",
		metric.WithDescription("Live pages in purgeable caches."), metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}
	maxPages, err := meter.Int64ObservableGauge("pagecache.pages.max",
		metric.WithDescription("Sum of cache sizes of purgeable caches."), metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}
	minPages, err := meter.Int64ObservableGauge("pagecache.pages.min",
		metric.WithDescription("Sum of reserved minimums of purgeable caches."), metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}
	recyclable, err := meter.Int64ObservableGauge("pagecache.pages.recyclable",
		metric.WithDescription("Unpinned pages on the LRU list."), metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}

	m.gauges, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		g := observe()
		o.ObserveInt64(current, g.Current)
		o.ObserveInt64(maxPages, g.Max)
		o.ObserveInt64(minPages, g.Min)
		o.ObserveInt64(recyclable, g.Recyclable)
		return nil
	}, current, maxPages, minPages, recyclable)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Close unregisters the gauge callback.
func (m *PageCacheMetrics) Close() error {
	if m == nil || m.gauges == nil {
		return nil
	}
	return m.gauges.Unregister()
}
