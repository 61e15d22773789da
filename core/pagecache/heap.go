package pagecache

import (
	"fmt"
	"sync"
)

// Heap is the general-purpose allocator used when a page does not fit in the
// slab or the slab is exhausted. Alloc may call back into the page cache (for
// example through Arena.ReleaseMemory), so the arena never holds its mutex
// while calling it.
type Heap interface {
	// Alloc returns a zeroed buffer of exactly size bytes, or ErrNoMem.
	Alloc(size int) ([]byte, error)
	// Free releases a buffer previously returned by Alloc.
	Free(buf []byte)
}

// GoHeap allocates from the Go runtime and never fails.
type GoHeap struct{}

func (GoHeap) Alloc(size int) ([]byte, error) { return make([]byte, size), nil }
func (GoHeap) Free([]byte)                    {}

// LimitHeap is a Heap that accounts outstanding bytes against a soft and an
// optional hard limit. When an allocation would cross the soft limit it asks
// its reclaim hook to free the excess before allocating; when the hard limit
// would still be crossed it fails with ErrNoMem.
type LimitHeap struct {
	mu        sync.Mutex
	soft      int64
	hard      int64
	used      int64
	failAfter int64 // -1 disables fault injection
	reclaim   func(nReq int) int
}

// NewLimitHeap returns a heap with the given limits in bytes. Zero disables
// the corresponding limit.
func NewLimitHeap(soft, hard int64) *LimitHeap {
	return &LimitHeap{soft: soft, hard: hard, failAfter: -1}
}

// SetReclaim installs the hook called when the soft limit is exceeded. The
// hook receives the number of bytes wanted and returns the bytes it freed.
func (h *LimitHeap) SetReclaim(fn func(nReq int) int) {
	h.mu.Lock()
	h.reclaim = fn
	h.mu.Unlock()
}

// FailAfter makes every allocation after the next n fail with ErrNoMem.
// A negative n turns fault injection off.
func (h *LimitHeap) FailAfter(n int) {
	h.mu.Lock()
	h.failAfter = int64(n)
	h.mu.Unlock()
}

// Used returns the bytes currently allocated and not yet freed.
func (h *LimitHeap) Used() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.used
}

func (h *LimitHeap) Alloc(size int) ([]byte, error) {
	h.mu.Lock()
	if h.failAfter == 0 {
		h.mu.Unlock()
		return nil, fmt.Errorf("injected allocation failure of %d bytes: %w", size, ErrNoMem)
	}
	if h.failAfter > 0 {
		h.failAfter--
	}
	var excess int64
	if h.soft > 0 {
		excess = h.used + int64(size) - h.soft
	}
	reclaim := h.reclaim
	h.mu.Unlock()

	// The hook re-enters the cache, so it runs without h.mu held.
	if excess > 0 && reclaim != nil {
		reclaim(int(excess))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hard > 0 && h.used+int64(size) > h.hard {
		return nil, fmt.Errorf("allocation of %d bytes exceeds hard heap limit %d: %w", size, h.hard, ErrNoMem)
	}
	h.used += int64(size)
	return make([]byte, size), nil
}

func (h *LimitHeap) Free(buf []byte) {
	if buf == nil {
		return
	}
	h.mu.Lock()
	h.used -= int64(cap(buf))
	h.mu.Unlock()
}
