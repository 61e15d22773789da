// Package pager is the pager-facing layer over the shared page cache. It adds
// reference counting, dirty page tracking and a stress callback that lets the
// cache ask its pager to write out a dirty page when memory is tight.
//
// A PCache belongs to a single pager and is not safe for concurrent use. The
// shared state underneath it is.
package pager

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/sushant-115/pagecache/core/pagecache"
	"go.uber.org/zap"
)

// DefaultCacheSize is the cache size of a new PCache: 2000 KiB worth of pages.
const DefaultCacheSize = -2000

// StressFunc is called with an unreferenced dirty page when the cache is at
// its limit. It should write the page out and call MakeClean.
type StressFunc func(pg *PgHdr) error

// PCache manages the pages of one pager.
type PCache struct {
	arena     *pagecache.Arena
	cache     *pagecache.Cache // created on the first creating fetch
	pageSize  int
	purgeable bool
	stress    StressFunc
	szCache   int // pages if positive, -KiB if negative

	nRef int // outstanding references over all pages

	dirtyHead, dirtyTail *PgHdr

	logger *zap.Logger
}

// Open returns a page cache for a pager using pageSize-byte pages. stress may
// be nil.
func Open(arena *pagecache.Arena, pageSize int, purgeable bool, stress StressFunc, logger *zap.Logger) *PCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PCache{
		arena:     arena,
		pageSize:  pageSize,
		purgeable: purgeable,
		stress:    stress,
		szCache:   DefaultCacheSize,
		logger:    logger.Named("pager"),
	}
}

// numberOfCachePages converts szCache into a page count.
func (pc *PCache) numberOfCachePages() int {
	if pc.szCache >= 0 {
		return pc.szCache
	}
	return int(-1024 * int64(pc.szCache) / int64(pc.pageSize))
}

func (pc *PCache) createCache() error {
	c, err := pc.arena.Create(pc.pageSize, pc.purgeable)
	if err != nil {
		return fmt.Errorf("create page cache: %w", err)
	}
	c.SetCacheSize(pc.numberOfCachePages())
	pc.cache = c
	pc.logger.Debug("Page cache opened", zap.Int("pageSize", pc.pageSize), zap.Int("cacheSize", pc.numberOfCachePages()))
	return nil
}

// Fetch returns page pgno with its reference count incremented. Without
// create, a page that is not cached yields pagecache.ErrPageNotFound.
//
// A purgeable cache that holds dirty pages asks the shared cache softly first.
// If that is declined, an unreferenced dirty page is handed to the stress
// callback and the request is repeated with force.
func (pc *PCache) Fetch(pgno uint32, create bool) (*PgHdr, error) {
	if pgno == 0 {
		return nil, ErrInvalidPage
	}
	if pc.cache == nil {
		if !create {
			return nil, pagecache.ErrPageNotFound
		}
		if err := pc.createCache(); err != nil {
			return nil, err
		}
	}

	flag := pagecache.CreateNone
	if create {
		flag = pagecache.CreateForce
		if pc.purgeable && pc.dirtyHead != nil {
			flag = pagecache.CreateEasy
		}
	}

	p, err := pc.cache.Fetch(pgno, flag)
	if errors.Is(err, pagecache.ErrCacheFull) {
		if err := pc.relieveStress(pgno); err != nil {
			return nil, err
		}
		p, err = pc.cache.Fetch(pgno, pagecache.CreateForce)
	}
	if err != nil {
		return nil, err
	}
	return pc.fetchFinish(p), nil
}

// relieveStress hands one unreferenced dirty page to the stress callback,
// preferring pages that can be written without a journal sync.
func (pc *PCache) relieveStress(pgno uint32) error {
	if pc.stress == nil {
		return nil
	}
	var victim *PgHdr
	for pg := pc.dirtyTail; pg != nil; pg = pg.dirtyPrev {
		if !pg.isReferenced() && !pg.NeedsSync() {
			victim = pg
			break
		}
	}
	if victim == nil {
		for pg := pc.dirtyTail; pg != nil; pg = pg.dirtyPrev {
			if !pg.isReferenced() {
				victim = pg
				break
			}
		}
	}
	if victim == nil {
		return nil
	}
	pc.logger.Debug("Cache under stress, cleaning page",
		zap.Uint32("pgno", pgno), zap.Uint32("victim", victim.pgno), zap.Bool("needSync", victim.NeedsSync()))
	if err := pc.stress(victim); err != nil && !errors.Is(err, ErrBusy) {
		pc.logger.Warn("Stress callback failed", zap.Uint32("victim", victim.pgno), zap.Error(err))
		return fmt.Errorf("stress page %d: %w", victim.pgno, err)
	}
	return nil
}

func (pc *PCache) fetchFinish(p *pagecache.Page) *PgHdr {
	pg, _ := p.Extra().(*PgHdr)
	if pg == nil {
		pg = &PgHdr{page: p, cache: pc, pgno: p.Key()}
		p.SetExtra(pg)
	}
	if pg.nRef == 0 {
		pc.nRef++
	}
	pg.nRef++
	return pg
}

// Release drops one reference. An unreferenced clean page goes back to the
// shared cache where it may be recycled; an unreferenced dirty page stays put
// and moves to the head of the dirty list.
func (pc *PCache) Release(pg *PgHdr) error {
	if pg.nRef == 0 {
		return fmt.Errorf("release page %d: %w", pg.pgno, ErrNotRefd)
	}
	pg.nRef--
	if pg.nRef > 0 {
		return nil
	}
	pc.nRef--
	if pg.IsDirty() {
		pc.dirtyRemove(pg)
		pc.dirtyPushHead(pg)
		return nil
	}
	return pc.cache.Unpin(pg.page, false)
}

// Ref adds a reference to a page that already has one.
func (pc *PCache) Ref(pg *PgHdr) error {
	if pg.nRef == 0 {
		return fmt.Errorf("ref page %d: %w", pg.pgno, ErrNotRefd)
	}
	pg.nRef++
	return nil
}

// Drop removes a page with exactly one reference from the cache altogether.
func (pc *PCache) Drop(pg *PgHdr) error {
	if pg.nRef != 1 {
		return fmt.Errorf("drop page %d with %d references: %w", pg.pgno, pg.nRef, ErrPageInUse)
	}
	if pg.IsDirty() {
		pc.dirtyRemove(pg)
		pg.flags &^= flagDirty | flagNeedSync
	}
	pg.nRef = 0
	pc.nRef--
	return pc.cache.Unpin(pg.page, true)
}

// MakeDirty marks a referenced page dirty.
func (pc *PCache) MakeDirty(pg *PgHdr) {
	if pg.IsDirty() {
		return
	}
	pg.flags |= flagDirty
	pc.dirtyPushHead(pg)
}

// MakeClean marks a page clean. An unreferenced page is returned to the
// shared cache.
func (pc *PCache) MakeClean(pg *PgHdr) error {
	if !pg.IsDirty() {
		return nil
	}
	pc.dirtyRemove(pg)
	pg.flags &^= flagDirty | flagNeedSync
	if pg.nRef == 0 {
		return pc.cache.Unpin(pg.page, false)
	}
	return nil
}

// CleanAll marks every dirty page clean.
func (pc *PCache) CleanAll() error {
	for pc.dirtyHead != nil {
		if err := pc.MakeClean(pc.dirtyHead); err != nil {
			return err
		}
	}
	return nil
}

// SetNeedSync records that the journal must be synced before pg is written.
func (pc *PCache) SetNeedSync(pg *PgHdr) {
	pg.flags |= flagNeedSync
}

// ClearSyncFlags clears the need-sync flag on every dirty page.
func (pc *PCache) ClearSyncFlags() {
	for pg := pc.dirtyHead; pg != nil; pg = pg.dirtyNext {
		pg.flags &^= flagNeedSync
	}
}

// Move changes the page number of a referenced page. An unreferenced page
// already cached at newPgno is dropped first.
func (pc *PCache) Move(pg *PgHdr, newPgno uint32) error {
	if newPgno == 0 {
		return ErrInvalidPage
	}
	if pg.nRef == 0 {
		return fmt.Errorf("move page %d: %w", pg.pgno, ErrNotRefd)
	}
	if newPgno == pg.pgno {
		return nil
	}
	if other, err := pc.cache.Fetch(newPgno, pagecache.CreateNone); err == nil {
		xpg, _ := other.Extra().(*PgHdr)
		if xpg != nil && xpg.nRef > 0 {
			return fmt.Errorf("move page %d onto %d: %w", pg.pgno, newPgno, ErrPageInUse)
		}
		if xpg != nil && xpg.IsDirty() {
			pc.dirtyRemove(xpg)
		}
		if err := pc.cache.Unpin(other, true); err != nil {
			return err
		}
	}
	if err := pc.cache.Rekey(pg.page, pg.pgno, newPgno); err != nil {
		return err
	}
	pg.pgno = newPgno
	if pg.IsDirty() && pg.NeedsSync() {
		pc.dirtyRemove(pg)
		pc.dirtyPushHead(pg)
	}
	return nil
}

// Truncate drops every page numbered above pgno. Dirty pages among them are
// made clean first. Truncating to 0 while pages are referenced keeps page 1,
// zeroed.
func (pc *PCache) Truncate(pgno uint32) error {
	if pc.cache == nil {
		return nil
	}
	for pg := pc.dirtyHead; pg != nil; {
		next := pg.dirtyNext
		if pg.pgno > pgno {
			if err := pc.MakeClean(pg); err != nil {
				return err
			}
		}
		pg = next
	}
	if pgno == 0 && pc.nRef > 0 {
		if p, err := pc.cache.Fetch(1, pagecache.CreateNone); err == nil {
			pg, _ := p.Extra().(*PgHdr)
			clear(p.Data())
			pgno = 1
			if pg == nil || (pg.nRef == 0 && !pg.IsDirty()) {
				if err := pc.cache.Unpin(p, false); err != nil {
					return err
				}
			}
		}
	}
	pc.cache.Truncate(pgno + 1)
	return nil
}

// Close releases every page and the underlying cache.
func (pc *PCache) Close() {
	if pc.cache != nil {
		pc.cache.Destroy()
		pc.cache = nil
	}
	pc.dirtyHead, pc.dirtyTail = nil, nil
	pc.nRef = 0
	pc.logger.Debug("Page cache closed")
}

// Clear discards the contents of the cache. No page may be referenced.
func (pc *PCache) Clear() error {
	if pc.nRef > 0 {
		return fmt.Errorf("clear with %d references: %w", pc.nRef, ErrPageInUse)
	}
	return pc.Truncate(0)
}

// DirtyList returns the dirty pages sorted by page number.
func (pc *PCache) DirtyList() []*PgHdr {
	var list []*PgHdr
	for pg := pc.dirtyHead; pg != nil; pg = pg.dirtyNext {
		list = append(list, pg)
	}
	slices.SortFunc(list, func(a, b *PgHdr) int { return cmp.Compare(a.pgno, b.pgno) })
	return list
}

// RefCount returns the number of outstanding references.
func (pc *PCache) RefCount() int { return pc.nRef }

// PageCount returns the number of pages held by the cache.
func (pc *PCache) PageCount() int {
	if pc.cache == nil {
		return 0
	}
	return pc.cache.PageCount()
}

// SetCacheSize sets the cache size: a page count when n is positive, or -n
// KiB worth of pages when n is negative.
func (pc *PCache) SetCacheSize(n int) {
	pc.szCache = n
	if pc.cache != nil {
		pc.cache.SetCacheSize(pc.numberOfCachePages())
	}
}

// CacheSize returns the cache size in pages.
func (pc *PCache) CacheSize() int { return pc.numberOfCachePages() }

// Shrink frees as much unpinned memory as possible.
func (pc *PCache) Shrink() {
	if pc.cache != nil {
		pc.cache.Shrink()
	}
}

// --- Dirty list ---

func (pc *PCache) dirtyPushHead(pg *PgHdr) {
	pg.dirtyPrev = nil
	pg.dirtyNext = pc.dirtyHead
	if pc.dirtyHead != nil {
		pc.dirtyHead.dirtyPrev = pg
	} else {
		pc.dirtyTail = pg
	}
	pc.dirtyHead = pg
}

func (pc *PCache) dirtyRemove(pg *PgHdr) {
	if pg.dirtyPrev != nil {
		pg.dirtyPrev.dirtyNext = pg.dirtyNext
	} else {
		pc.dirtyHead = pg.dirtyNext
	}
	if pg.dirtyNext != nil {
		pg.dirtyNext.dirtyPrev = pg.dirtyPrev
	} else {
		pc.dirtyTail = pg.dirtyPrev
	}
	pg.dirtyPrev, pg.dirtyNext = nil, nil
}
