package pager

import "github.com/sushant-115/pagecache/core/pagecache"

type pageFlags uint8

const (
	flagDirty    pageFlags = 1 << iota // page has unwritten changes
	flagNeedSync                       // journal must be synced before writing
)

// PgHdr is the pager's view of one cached page: a reference count and
// dirty state on top of the shared cache entry.
type PgHdr struct {
	page  *pagecache.Page
	cache *PCache
	pgno  uint32
	nRef  int
	flags pageFlags

	// Dirty list links. Head is the most recently dirtied or released page.
	dirtyPrev, dirtyNext *PgHdr
}

func (p *PgHdr) GetPgno() uint32    { return p.pgno }
func (p *PgHdr) GetData() []byte    { return p.page.Data() }
func (p *PgHdr) GetRefCount() int   { return p.nRef }
func (p *PgHdr) IsDirty() bool      { return p.flags&flagDirty != 0 }
func (p *PgHdr) NeedsSync() bool    { return p.flags&flagNeedSync != 0 }
func (p *PgHdr) Cache() *PCache     { return p.cache }
func (p *PgHdr) SetData(b []byte)   { copy(p.page.Data(), b) }
func (p *PgHdr) isReferenced() bool { return p.nRef > 0 }
