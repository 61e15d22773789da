package pagecache

// slab carves one caller-supplied buffer into equal slots. Each slot comes
// with a preallocated Page header, so a slab-backed page costs no allocation
// at all. Idle slots are threaded through Page.next.
type slab struct {
	slotSize int
	frames   []Page
	free     *Page
	nFree    int
}

func newSlab(buf []byte, slotSize, slotCount int) *slab {
	s := &slab{slotSize: slotSize, frames: make([]Page, slotCount)}
	for i := range s.frames {
		f := &s.frames[i]
		lo, hi := i*slotSize, (i+1)*slotSize
		f.mem = buf[lo:hi:hi]
		f.slot = i
		f.next = s.free
		s.free = f
	}
	s.nFree = slotCount
	return s
}

func (s *slab) pop() *Page {
	p := s.free
	if p == nil {
		return nil
	}
	s.free = p.next
	p.next = nil
	s.nFree--
	return p
}

func (s *slab) push(p *Page) {
	p.cache = nil
	p.data = nil
	p.pinned = false
	p.extra = nil
	p.lruPrev, p.lruNext = nil, nil
	p.next = s.free
	s.free = p
	s.nFree++
}

// owns reports whether p is one of this slab's slot headers.
func (s *slab) owns(p *Page) bool {
	return p.slot >= 0 && p.slot < len(s.frames) && &s.frames[p.slot] == p
}
