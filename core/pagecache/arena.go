// Package pagecache implements the shared page cache: fixed-size page buffers
// keyed by page number, held in per-pager Cache instances that share one
// global page budget and one LRU list of unpinned pages.
//
// All state lives in an Arena and is guarded by its single mutex. The mutex
// is released around heap allocations (page buffers and hash bucket arrays)
// because the heap may call Arena.ReleaseMemory to reclaim memory.
package pagecache

import (
	"context"
	"fmt"
	"sync"

	internaltelemetry "github.com/sushant-115/pagecache/internal/telemetry"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Arena is the process-wide state shared by every Cache: the global budget
// counters, the LRU list, the optional slab and the heap.
type Arena struct {
	mu sync.Mutex

	maxPage     int // sum of nMax over purgeable caches
	minPage     int // sum of nMin over purgeable caches
	currentPage int // live pages in purgeable caches

	// LRU list of unpinned pages. Head is the most recently unpinned, tail
	// is recycled first.
	lruHead, lruTail *Page

	slab        *slab
	heap        Heap
	caches      int
	initialized bool

	logger  *zap.Logger
	meter   metric.Meter
	metrics *internaltelemetry.PageCacheMetrics
}

// Option configures an Arena.
type Option func(*Arena)

// WithHeap sets the general allocator. Defaults to GoHeap.
func WithHeap(h Heap) Option {
	return func(a *Arena) {
		if h != nil {
			a.heap = h
		}
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Arena) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithMeter registers the page cache instruments on meter.
func WithMeter(m metric.Meter) Option {
	return func(a *Arena) { a.meter = m }
}

// NewArena returns an initialized arena.
func NewArena(opts ...Option) *Arena {
	a := &Arena{
		heap:        GoHeap{},
		logger:      zap.NewNop(),
		initialized: true,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.Named("pagecache")
	if a.meter != nil {
		m, err := internaltelemetry.NewPageCacheMetrics(a.meter, a.gauges)
		if err != nil {
			a.logger.Warn("Page cache metrics disabled", zap.Error(err))
		} else {
			a.metrics = m
		}
	}
	return a
}

// Init re-initializes an arena after Shutdown.
func (a *Arena) Init() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initialized {
		return ErrAlreadyInitialized
	}
	a.initialized = true
	a.logger.Info("Page cache arena initialized")
	return nil
}

// Shutdown resets the arena, including the slab configuration. Every Cache
// must have been destroyed first.
func (a *Arena) Shutdown() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.caches > 0 {
		return fmt.Errorf("shutdown with %d caches: %w", a.caches, ErrCachesOpen)
	}
	a.maxPage, a.minPage, a.currentPage = 0, 0, 0
	a.lruHead, a.lruTail = nil, nil
	a.slab = nil
	a.initialized = false
	a.logger.Info("Page cache arena shut down")
	return nil
}

// Close unregisters the arena's metric callbacks.
func (a *Arena) Close() error {
	return a.metrics.Close()
}

// ConfigureSlab partitions buf into slotCount slots of slotSize bytes (rounded
// down to a multiple of 8) that page allocations use before the heap. It may
// be called once, while no Cache exists.
func (a *Arena) ConfigureSlab(buf []byte, slotSize, slotCount int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.caches > 0 {
		return fmt.Errorf("configure slab: %w", ErrCachesOpen)
	}
	if a.slab != nil {
		return ErrSlabConfigured
	}
	slotSize &^= 7
	if slotSize <= 0 || slotCount <= 0 || len(buf) < slotSize*slotCount {
		return fmt.Errorf("%d slots of %d bytes in a %d byte buffer: %w", slotCount, slotSize, len(buf), ErrInvalidSlab)
	}
	a.slab = newSlab(buf, slotSize, slotCount)
	a.logger.Info("Page cache slab configured", zap.Int("slotSize", slotSize), zap.Int("slotCount", slotCount))
	return nil
}

// adjustBudget adds delta to the global maximum or minimum. The arena mutex
// must be held.
func (a *Arena) adjustBudget(delta int, isMin bool) {
	if isMin {
		a.minPage += delta
	} else {
		a.maxPage += delta
	}
}

// enforceMaxPage frees LRU pages, oldest first, until the purgeable page
// count is back within the global maximum or nothing is left to free. The
// arena mutex must be held.
func (a *Arena) enforceMaxPage() {
	for a.currentPage > a.maxPage && a.lruTail != nil {
		p := a.lruTail
		a.lruRemove(p)
		a.discard(p)
		a.note(evEvict)
	}
}

// ReleaseMemory frees unpinned pages from the LRU tail until at least nReq
// bytes of heap memory have been returned, or every unpinned page is gone
// when nReq is negative. It returns the bytes freed. Slab-backed arenas keep
// their pages: freeing a slot gives nothing back to the heap.
//
// This is the reclaim hook a Heap calls when it runs short; it is safe to call
// from inside Heap.Alloc.
func (a *Arena) ReleaseMemory(nReq int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.slab != nil {
		return 0
	}
	freed := 0
	for (nReq < 0 || freed < nReq) && a.lruTail != nil {
		p := a.lruTail
		freed += cap(p.mem)
		a.lruRemove(p)
		a.discard(p)
		a.note(evEvict)
	}
	if freed > 0 {
		a.logger.Debug("Released page cache memory", zap.Int("requested", nReq), zap.Int("freed", freed))
	}
	return freed
}

// --- LRU list ---

func (a *Arena) onLRU(p *Page) bool {
	return p.lruNext != nil || a.lruTail == p
}

// lruRemove unlinks p if it is on the LRU list. It is a no-op for pinned
// pages.
func (a *Arena) lruRemove(p *Page) {
	if !a.onLRU(p) {
		return
	}
	if p.lruPrev != nil {
		p.lruPrev.lruNext = p.lruNext
	}
	if p.lruNext != nil {
		p.lruNext.lruPrev = p.lruPrev
	}
	if a.lruHead == p {
		a.lruHead = p.lruNext
	}
	if a.lruTail == p {
		a.lruTail = p.lruPrev
	}
	p.lruPrev, p.lruNext = nil, nil
	p.cache.nRecyclable--
}

func (a *Arena) lruPushHead(p *Page) {
	p.lruPrev = nil
	p.lruNext = a.lruHead
	if a.lruHead != nil {
		a.lruHead.lruPrev = p
	} else {
		a.lruTail = p
	}
	a.lruHead = p
	p.cache.nRecyclable++
}

// --- Allocator ---

// allocPage returns a page for c, from the slab when the page fits and a
// slot is free, otherwise from the heap. The heap is called with the arena
// mutex released; it is held again on return.
func (a *Arena) allocPage(c *Cache) (*Page, error) {
	size := pageHeaderSize + c.pageSize
	var p *Page
	if a.slab != nil && size <= a.slab.slotSize {
		p = a.slab.pop()
	}
	if p == nil {
		if a.slab != nil {
			a.note(evSlabOverflow)
		}
		a.mu.Unlock()
		buf, err := a.heap.Alloc(size)
		a.mu.Lock()
		if err != nil {
			a.note(evAllocFail)
			a.logger.Warn("Page allocation failed", zap.Int("bytes", size), zap.Error(err))
			return nil, err
		}
		p = &Page{mem: buf, slot: -1}
	}
	p.data = p.mem[:c.pageSize]
	p.cache = c
	if c.purgeable {
		a.currentPage++
	}
	return p, nil
}

// freePage returns p's buffer to the slab or the heap. p must already be out
// of its hash chain and off the LRU list.
func (a *Arena) freePage(p *Page) {
	if p.cache.purgeable {
		a.currentPage--
	}
	if a.slab != nil && a.slab.owns(p) {
		a.slab.push(p)
		return
	}
	a.heap.Free(p.mem)
	p.mem, p.data = nil, nil
	p.cache = nil
	p.pinned = false
	p.extra = nil
}

// discard removes p from its owner's hash index and frees it.
func (a *Arena) discard(p *Page) {
	c := p.cache
	c.hash.remove(p)
	c.nPage--
	a.freePage(p)
}

// --- Diagnostics ---

// Stats is a snapshot of the arena's accounting, for tests and tooling.
type Stats struct {
	CurrentPages int // live pages in purgeable caches
	MaxPages     int // sum of nMax over purgeable caches
	MinPages     int // sum of nMin over purgeable caches
	Recyclable   int // pages on the LRU list
	Caches       int
	SlabSlots    int
	SlabFree     int
}

func (a *Arena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Stats{
		CurrentPages: a.currentPage,
		MaxPages:     a.maxPage,
		MinPages:     a.minPage,
		Caches:       a.caches,
	}
	for p := a.lruHead; p != nil; p = p.lruNext {
		s.Recyclable++
	}
	if a.slab != nil {
		s.SlabSlots = len(a.slab.frames)
		s.SlabFree = a.slab.nFree
	}
	return s
}

func (a *Arena) gauges() internaltelemetry.PageGauges {
	s := a.Stats()
	return internaltelemetry.PageGauges{
		Current:    int64(s.CurrentPages),
		Max:        int64(s.MaxPages),
		Min:        int64(s.MinPages),
		Recyclable: int64(s.Recyclable),
	}
}

type event int

const (
	evHit event = iota
	evMiss
	evDeclined
	evAllocFail
	evEvict
	evRecycle
	evSlabOverflow
)

func (a *Arena) note(ev event) {
	m := a.metrics
	if m == nil {
		return
	}
	ctx := context.Background()
	switch ev {
	case evHit:
		m.FetchHits.Add(ctx, 1)
	case evMiss:
		m.FetchMisses.Add(ctx, 1)
	case evDeclined:
		m.FetchDeclined.Add(ctx, 1)
	case evAllocFail:
		m.AllocFailures.Add(ctx, 1)
	case evEvict:
		m.Evictions.Add(ctx, 1)
	case evRecycle:
		m.Recycled.Add(ctx, 1)
	case evSlabOverflow:
		m.SlabOverflow.Add(ctx, 1)
	}
}
