package pagecache

// pageHeaderSize approximates the bytes a Page header occupies. It is added
// to the page size when deciding whether a page fits in a slab slot and when
// charging heap-backed pages, so slot sizing matches what a pager expects.
const pageHeaderSize = 48

// Page is one cache entry together with the buffer it owns. The two are
// allocated and freed as a unit. A *Page is the handle a client holds between
// Fetch and Unpin.
type Page struct {
	mem  []byte // whole allocation (slab slot or heap block)
	data []byte // mem[:pageSize]
	key  uint32

	cache  *Cache // owner; nil while the page is on the slab free list
	pinned bool

	// next links the hash chain while the page is live, and the slab free
	// list while the slot is idle.
	next *Page

	lruPrev, lruNext *Page

	slot int // slab slot index, -1 when heap backed

	// extra belongs to the client. It is nil whenever Fetch hands out a
	// newly created page.
	extra any
}

func (p *Page) Data() []byte   { return p.data }
func (p *Page) Key() uint32    { return p.key }
func (p *Page) Cache() *Cache  { return p.cache }
func (p *Page) IsPinned() bool { return p.pinned }

// Extra returns the value the client attached with SetExtra.
func (p *Page) Extra() any { return p.extra }

// SetExtra attaches client state to a pinned page.
func (p *Page) SetExtra(v any) { p.extra = v }

// FromSlab reports whether the page buffer lives in the arena's slab.
func (p *Page) FromSlab() bool { return p.slot >= 0 }
