package pagecache

import (
	"fmt"

	"go.uber.org/zap"
)

const (
	minHashBuckets = 256
	bucketBytes    = 8 // one pointer per bucket, charged to the heap
)

// hashIndex is a chained hash table from page number to Page. Chains are
// threaded through Page.next.
type hashIndex struct {
	buckets []*Page
	mem     []byte // heap charge for buckets
}

func (h *hashIndex) size() int { return len(h.buckets) }

func (h *hashIndex) find(key uint32) *Page {
	if len(h.buckets) == 0 {
		return nil
	}
	p := h.buckets[key%uint32(len(h.buckets))]
	for p != nil && p.key != key {
		p = p.next
	}
	return p
}

func (h *hashIndex) insert(p *Page) {
	i := p.key % uint32(len(h.buckets))
	p.next = h.buckets[i]
	h.buckets[i] = p
}

// remove unlinks p from its chain. It does not free p.
func (h *hashIndex) remove(p *Page) {
	i := p.key % uint32(len(h.buckets))
	pp := &h.buckets[i]
	for *pp != nil && *pp != p {
		pp = &(*pp).next
	}
	if *pp == p {
		*pp = p.next
	}
	p.next = nil
}

// rehash moves every page into buckets. It does not allocate.
func (h *hashIndex) rehash(buckets []*Page) {
	n := uint32(len(buckets))
	for _, p := range h.buckets {
		for p != nil {
			next := p.next
			i := p.key % n
			p.next = buckets[i]
			buckets[i] = p
			p = next
		}
	}
	h.buckets = buckets
}

// resizeHash doubles c's bucket array (to at least minHashBuckets). The new
// array is allocated with the arena mutex released; relinking happens with
// it held again. On failure the existing table is left as it was.
func (c *Cache) resizeHash() error {
	a := c.arena
	n := 2 * c.hash.size()
	if n < minHashBuckets {
		n = minHashBuckets
	}

	a.mu.Unlock()
	mem, err := a.heap.Alloc(n * bucketBytes)
	var buckets []*Page
	if err == nil {
		buckets = make([]*Page, n)
	}
	a.mu.Lock()

	if err != nil {
		a.note(evAllocFail)
		a.logger.Warn("Hash table resize failed", zap.Int("buckets", n), zap.Error(err))
		return fmt.Errorf("resize hash table to %d buckets: %w", n, ErrNoMem)
	}
	if c.hash.size() >= n {
		// Another resize finished while the mutex was released.
		a.heap.Free(mem)
		return nil
	}
	old := c.hash.mem
	c.hash.rehash(buckets)
	c.hash.mem = mem
	a.heap.Free(old)
	a.logger.Debug("Hash table resized", zap.Int("buckets", n), zap.Int("pages", c.nPage))
	return nil
}
