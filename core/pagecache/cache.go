package pagecache

import (
	"fmt"

	"go.uber.org/zap"
)

// CreateFlag tells Fetch how hard to try when the page is not cached.
type CreateFlag int

const (
	// CreateNone only looks the page up.
	CreateNone CreateFlag = iota
	// CreateEasy allocates only when the cache is comfortably below its
	// share of the global budget.
	CreateEasy
	// CreateForce allocates even past the configured cache size.
	CreateForce
)

func (f CreateFlag) String() string {
	switch f {
	case CreateNone:
		return "none"
	case CreateEasy:
		return "easy"
	case CreateForce:
		return "force"
	}
	return fmt.Sprintf("CreateFlag(%d)", int(f))
}

const defaultMinPages = 10

// Cache is the page cache of one pager. Its pages count against the arena's
// global budget when it is purgeable.
type Cache struct {
	arena     *Arena
	pageSize  int
	purgeable bool

	nMin int // pages reserved for this cache
	nMax int // configured cache size

	nPage       int // pages in hash
	nRecyclable int // pages on the LRU list
	hash        hashIndex
	maxKey      uint32 // largest key seen since the last Truncate

	destroyed bool
}

// Create returns a new cache of pageSize-byte pages. Non-purgeable caches
// (in-memory databases) never lose pages to eviction and do not count
// against the global budget.
func (a *Arena) Create(pageSize int, purgeable bool) (*Cache, error) {
	if pageSize < 512 || pageSize > 65536 || pageSize&(pageSize-1) != 0 {
		return nil, fmt.Errorf("page size %d: %w", pageSize, ErrInvalidPageSize)
	}
	c := &Cache{arena: a, pageSize: pageSize, purgeable: purgeable}
	if purgeable {
		c.nMin = defaultMinPages
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.initialized {
		return nil, ErrNotInitialized
	}
	a.adjustBudget(c.nMin, true)
	a.caches++
	a.logger.Debug("Page cache created", zap.Int("pageSize", pageSize), zap.Bool("purgeable", purgeable))
	return c, nil
}

func (c *Cache) PageSize() int   { return c.pageSize }
func (c *Cache) Purgeable() bool { return c.purgeable }

// SetCacheSize sets the soft maximum number of pages. It only affects
// purgeable caches.
func (c *Cache) SetCacheSize(nMax int) {
	if !c.purgeable {
		return
	}
	if nMax < 0 {
		nMax = 0
	}
	a := c.arena
	a.mu.Lock()
	defer a.mu.Unlock()
	a.adjustBudget(nMax-c.nMax, false)
	c.nMax = nMax
	a.enforceMaxPage()
}

// CacheSize returns the configured maximum.
func (c *Cache) CacheSize() int {
	c.arena.mu.Lock()
	defer c.arena.mu.Unlock()
	return c.nMax
}

// PageCount returns the number of pages held, pinned or not.
func (c *Cache) PageCount() int {
	c.arena.mu.Lock()
	defer c.arena.mu.Unlock()
	return c.nPage
}

// Recyclable returns the number of this cache's pages on the LRU list.
func (c *Cache) Recyclable() int {
	c.arena.mu.Lock()
	defer c.arena.mu.Unlock()
	return c.nRecyclable
}

// MaxKey returns the largest key fetched since the last Truncate.
func (c *Cache) MaxKey() uint32 {
	c.arena.mu.Lock()
	defer c.arena.mu.Unlock()
	return c.maxKey
}

// Fetch returns the page for key, pinned.
//
// A cached page is always returned. Otherwise flag decides:
//   - CreateNone returns ErrPageNotFound.
//   - CreateEasy returns ErrCacheFull when this cache already pins its fair
//     share of the global budget or 90% of its own size.
//   - CreateEasy and CreateForce then recycle the oldest unpinned page of any
//     cache when this cache or the arena is at its limit, and allocate a new
//     buffer otherwise.
//
// ErrNoMem is returned when no buffer could be obtained.
func (c *Cache) Fetch(key uint32, flag CreateFlag) (*Page, error) {
	a := c.arena
	a.mu.Lock()
	defer a.mu.Unlock()
	if c.destroyed {
		return nil, ErrCacheDestroyed
	}
	p, err := c.fetch(key, flag)
	if p != nil && key > c.maxKey {
		c.maxKey = key
	}
	return p, err
}

func (c *Cache) fetch(key uint32, flag CreateFlag) (*Page, error) {
	a := c.arena

	if p := c.hash.find(key); p != nil {
		return c.pin(p), nil
	}
	if flag == CreateNone {
		return nil, ErrPageNotFound
	}

	if flag == CreateEasy {
		pinned := c.nPage - c.nRecyclable
		fairShare := a.maxPage + c.nMin - a.minPage
		if fairShare < 0 {
			a.logger.Debug("Fair share clamped to zero",
				zap.Int("maxPage", a.maxPage), zap.Int("minPage", a.minPage), zap.Int("nMin", c.nMin))
			fairShare = 0
		}
		if pinned >= fairShare || pinned >= c.nMax*9/10 {
			a.note(evDeclined)
			return nil, ErrCacheFull
		}
	}

	if c.nPage >= c.hash.size() {
		if err := c.resizeHash(); err != nil {
			return nil, err
		}
		if p := c.hash.find(key); p != nil {
			return c.pin(p), nil
		}
	}

	p := c.recycle()
	if p == nil {
		var err error
		if p, err = a.allocPage(c); err != nil {
			return nil, err
		}
		// The mutex was released during allocation.
		if dup := c.hash.find(key); dup != nil {
			a.freePage(p)
			return c.pin(dup), nil
		}
	}

	p.key = key
	p.cache = c
	p.pinned = true
	p.extra = nil
	p.lruPrev, p.lruNext = nil, nil
	c.hash.insert(p)
	c.nPage++
	a.note(evMiss)
	return p, nil
}

func (c *Cache) pin(p *Page) *Page {
	c.arena.lruRemove(p)
	p.pinned = true
	c.arena.note(evHit)
	return p
}

// recycle takes the LRU tail for c when c is purgeable and either c or the
// arena is at its limit. A donor page of a different size is freed instead
// and nil is returned.
func (c *Cache) recycle() *Page {
	a := c.arena
	if !c.purgeable || a.lruTail == nil {
		return nil
	}
	if c.nPage+1 < c.nMax && a.currentPage < a.maxPage {
		return nil
	}
	p := a.lruTail
	donor := p.cache
	a.lruRemove(p)
	donor.hash.remove(p)
	donor.nPage--
	if donor.pageSize != c.pageSize {
		a.freePage(p)
		a.note(evEvict)
		return nil
	}
	a.currentPage -= boolToInt(donor.purgeable) - boolToInt(c.purgeable)
	p.data = p.mem[:c.pageSize]
	a.note(evRecycle)
	return p
}

// Unpin releases a page obtained from Fetch. With discard set, or when the
// arena is over budget, the page is freed at once; otherwise a purgeable
// cache puts it at the head of the LRU list and a non-purgeable cache keeps
// it resident.
func (c *Cache) Unpin(p *Page, discard bool) error {
	a := c.arena
	a.mu.Lock()
	defer a.mu.Unlock()
	if p.cache != c {
		return ErrForeignPage
	}
	if !p.pinned {
		return fmt.Errorf("unpin page %d: %w", p.key, ErrNotPinned)
	}
	p.pinned = false

	if discard || (c.purgeable && a.currentPage > a.maxPage) {
		a.discard(p)
		return nil
	}
	if c.purgeable {
		a.lruPushHead(p)
	}
	return nil
}

// Rekey moves p from oldKey to newKey.
func (c *Cache) Rekey(p *Page, oldKey, newKey uint32) error {
	a := c.arena
	a.mu.Lock()
	defer a.mu.Unlock()
	if p.cache != c {
		return ErrForeignPage
	}
	if p.key != oldKey {
		return fmt.Errorf("rekey page %d from %d: %w", p.key, oldKey, ErrKeyMismatch)
	}
	if oldKey == newKey {
		return nil
	}
	if other := c.hash.find(newKey); other != nil {
		return fmt.Errorf("rekey page %d to %d: %w", oldKey, newKey, ErrKeyExists)
	}
	c.hash.remove(p)
	p.key = newKey
	c.hash.insert(p)
	if newKey > c.maxKey {
		c.maxKey = newKey
	}
	return nil
}

// Truncate frees every page with key >= limit, pinned or not.
func (c *Cache) Truncate(limit uint32) {
	a := c.arena
	a.mu.Lock()
	defer a.mu.Unlock()
	if limit <= c.maxKey {
		c.truncate(limit)
		if limit > 0 {
			c.maxKey = limit - 1
		} else {
			c.maxKey = 0
		}
	}
}

func (c *Cache) truncate(limit uint32) {
	a := c.arena
	for i := range c.hash.buckets {
		pp := &c.hash.buckets[i]
		for *pp != nil {
			p := *pp
			if p.key < limit {
				pp = &p.next
				continue
			}
			*pp = p.next
			p.next = nil
			c.nPage--
			a.lruRemove(p)
			a.freePage(p)
		}
	}
}

// Shrink frees every unpinned page in the arena, keeping the budget as it
// was.
func (c *Cache) Shrink() {
	if !c.purgeable {
		return
	}
	a := c.arena
	a.mu.Lock()
	defer a.mu.Unlock()
	saved := a.maxPage
	a.maxPage = 0
	a.enforceMaxPage()
	a.maxPage = saved
}

// Destroy frees all of the cache's pages and returns its share of the
// budget. The cache must not be used afterwards.
func (c *Cache) Destroy() {
	a := c.arena
	a.mu.Lock()
	defer a.mu.Unlock()
	if c.destroyed {
		return
	}
	c.truncate(0)
	a.adjustBudget(-c.nMax, false)
	a.adjustBudget(-c.nMin, true)
	a.enforceMaxPage()
	a.heap.Free(c.hash.mem)
	c.hash = hashIndex{}
	c.destroyed = true
	a.caches--
	a.logger.Debug("Page cache destroyed", zap.Int("pageSize", c.pageSize), zap.Bool("purgeable", c.purgeable))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
