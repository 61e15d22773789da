package pager

import (
	"errors"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sushant-115/pagecache/core/pagecache"
)

// --- Test Helpers ---

// fakeDisk records pages written by the stress callback.
type fakeDisk struct {
	pc     *PCache
	pages  map[uint32][]byte
	writes []uint32
	err    error
}

func (d *fakeDisk) stress(pg *PgHdr) error {
	if d.err != nil {
		return d.err
	}
	d.pages[pg.GetPgno()] = slices.Clone(pg.GetData())
	d.writes = append(d.writes, pg.GetPgno())
	return d.pc.MakeClean(pg)
}

func setupPCache(t *testing.T, pageSize int, purgeable bool, cacheSize int) (*PCache, *fakeDisk, *pagecache.Arena) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	arena := pagecache.NewArena(pagecache.WithLogger(logger))
	disk := &fakeDisk{pages: make(map[uint32][]byte)}
	pc := Open(arena, pageSize, purgeable, disk.stress, logger)
	disk.pc = pc
	pc.SetCacheSize(cacheSize)
	t.Cleanup(pc.Close)
	return pc, disk, arena
}

func fetchAll(t *testing.T, pc *PCache, from, to uint32) []*PgHdr {
	t.Helper()
	var pages []*PgHdr
	for n := from; n <= to; n++ {
		pg, err := pc.Fetch(n, true)
		require.NoError(t, err, "fetch page %d", n)
		pages = append(pages, pg)
	}
	return pages
}

func pgnos(pages []*PgHdr) []uint32 {
	var out []uint32
	for _, pg := range pages {
		out = append(out, pg.GetPgno())
	}
	return out
}

// --- Test Cases ---

func TestFetch_RejectsPageZero(t *testing.T) {
	pc, _, _ := setupPCache(t, 1024, true, 10)
	_, err := pc.Fetch(0, true)
	require.ErrorIs(t, err, ErrInvalidPage)
}

func TestFetch_CreatesCacheLazily(t *testing.T) {
	pc, _, arena := setupPCache(t, 1024, true, 10)

	_, err := pc.Fetch(1, false)
	require.ErrorIs(t, err, pagecache.ErrPageNotFound)
	require.Equal(t, 0, arena.Stats().Caches)
	require.Equal(t, 0, pc.PageCount())

	pg, err := pc.Fetch(1, true)
	require.NoError(t, err)
	require.Len(t, pg.GetData(), 1024)
	require.Equal(t, 1, arena.Stats().Caches)
	require.Equal(t, 10, arena.Stats().MaxPages)
}

func TestRefCounting(t *testing.T) {
	pc, _, _ := setupPCache(t, 1024, true, 10)

	a, err := pc.Fetch(1, true)
	require.NoError(t, err)
	b, err := pc.Fetch(1, false)
	require.NoError(t, err)
	require.Same(t, a, b)
	require.Equal(t, 2, a.GetRefCount())
	require.Equal(t, 1, pc.RefCount())

	require.NoError(t, pc.Ref(a))
	require.Equal(t, 3, a.GetRefCount())
	for i := 0; i < 3; i++ {
		require.NoError(t, pc.Release(a))
	}
	require.Equal(t, 0, pc.RefCount())
	require.ErrorIs(t, pc.Release(a), ErrNotRefd)
	require.ErrorIs(t, pc.Ref(a), ErrNotRefd)
}

func TestDirtyPageSurvivesRecycling(t *testing.T) {
	pc, _, _ := setupPCache(t, 1024, true, 10)

	pg, err := pc.Fetch(1, true)
	require.NoError(t, err)
	pg.SetData([]byte("dirty"))
	pc.MakeDirty(pg)
	require.NoError(t, pc.Release(pg))

	for n := uint32(2); n <= 40; n++ {
		other, err := pc.Fetch(n, true)
		require.NoError(t, err)
		require.NoError(t, pc.Release(other))
	}

	got, err := pc.Fetch(1, false)
	require.NoError(t, err)
	require.Same(t, pg, got)
	require.Equal(t, "dirty", string(got.GetData()[:5]))
	require.True(t, got.IsDirty())
}

func TestFetch_StressCleansOldestDirtyPage(t *testing.T) {
	pc, disk, _ := setupPCache(t, 1024, true, 10)

	pages := fetchAll(t, pc, 1, 10)
	for _, pg := range pages {
		pg.SetData([]byte{byte(pg.GetPgno())})
		pc.MakeDirty(pg)
	}
	for _, pg := range pages {
		require.NoError(t, pc.Release(pg))
	}

	pg, err := pc.Fetch(11, true)
	require.NoError(t, err)
	require.Equal(t, []uint32{1}, disk.writes)
	require.Equal(t, byte(1), disk.pages[1][0])
	require.Equal(t, uint32(11), pg.GetPgno())
	require.False(t, pg.IsDirty())
	require.Equal(t, 10, pc.PageCount())

	_, err = pc.Fetch(1, false)
	require.ErrorIs(t, err, pagecache.ErrPageNotFound)
}

func TestFetch_StressPrefersSyncedPages(t *testing.T) {
	pc, disk, _ := setupPCache(t, 1024, true, 10)

	pages := fetchAll(t, pc, 1, 10)
	for _, pg := range pages {
		pc.MakeDirty(pg)
	}
	pc.SetNeedSync(pages[0])
	for _, pg := range pages {
		require.NoError(t, pc.Release(pg))
	}

	_, err := pc.Fetch(11, true)
	require.NoError(t, err)
	require.Equal(t, []uint32{2}, disk.writes)
	require.True(t, pages[0].NeedsSync())

	pc.ClearSyncFlags()
	require.False(t, pages[0].NeedsSync())
}

func TestFetch_StressErrors(t *testing.T) {
	pc, disk, _ := setupPCache(t, 1024, true, 10)
	pages := fetchAll(t, pc, 1, 10)
	for _, pg := range pages {
		pc.MakeDirty(pg)
		require.NoError(t, pc.Release(pg))
	}

	diskFull := errors.New("disk full")
	disk.err = diskFull
	_, err := pc.Fetch(11, true)
	require.ErrorIs(t, err, diskFull)

	// A busy callback is not an error: the page is allocated past the limit.
	disk.err = ErrBusy
	pg, err := pc.Fetch(11, true)
	require.NoError(t, err)
	require.Equal(t, uint32(11), pg.GetPgno())
	require.Equal(t, 11, pc.PageCount())
	require.Len(t, pc.DirtyList(), 10)
}

func TestNonPurgeable_AlwaysForces(t *testing.T) {
	pc, disk, arena := setupPCache(t, 1024, false, 10)
	for _, pg := range fetchAll(t, pc, 1, 30) {
		pc.MakeDirty(pg)
		require.NoError(t, pc.Release(pg))
	}
	require.Empty(t, disk.writes)
	require.Equal(t, 30, pc.PageCount())
	require.Equal(t, 0, arena.Stats().CurrentPages)
}

func TestDirtyList_SortedAndCleanAll(t *testing.T) {
	pc, _, arena := setupPCache(t, 1024, true, 100)
	pages := fetchAll(t, pc, 1, 10)
	for _, i := range []int{8, 1, 4} {
		pc.MakeDirty(pages[i])
	}
	pc.MakeDirty(pages[4])
	require.Equal(t, []uint32{2, 5, 9}, pgnos(pc.DirtyList()))

	for _, pg := range pages {
		require.NoError(t, pc.Release(pg))
	}
	require.Equal(t, 7, arena.Stats().Recyclable)

	require.NoError(t, pc.CleanAll())
	require.Empty(t, pc.DirtyList())
	require.Equal(t, 10, arena.Stats().Recyclable)
}

func TestMakeClean_ReferencedPageStaysPinned(t *testing.T) {
	pc, _, arena := setupPCache(t, 1024, true, 100)
	pg, err := pc.Fetch(3, true)
	require.NoError(t, err)
	pc.MakeDirty(pg)
	pc.SetNeedSync(pg)

	require.NoError(t, pc.MakeClean(pg))
	require.False(t, pg.IsDirty())
	require.False(t, pg.NeedsSync())
	require.Equal(t, 0, arena.Stats().Recyclable)

	require.NoError(t, pc.Release(pg))
	require.Equal(t, 1, arena.Stats().Recyclable)
}

func TestDrop(t *testing.T) {
	pc, _, _ := setupPCache(t, 1024, true, 10)
	pages := fetchAll(t, pc, 1, 3)
	pc.MakeDirty(pages[2])

	require.NoError(t, pc.Ref(pages[1]))
	require.ErrorIs(t, pc.Drop(pages[1]), ErrPageInUse)

	require.NoError(t, pc.Drop(pages[2]))
	require.Empty(t, pc.DirtyList())
	require.Equal(t, 2, pc.PageCount())
	require.Equal(t, 2, pc.RefCount())
	_, err := pc.Fetch(3, false)
	require.ErrorIs(t, err, pagecache.ErrPageNotFound)
}

func TestMove(t *testing.T) {
	pc, _, _ := setupPCache(t, 1024, true, 10)
	pages := fetchAll(t, pc, 1, 3)
	pages[0].SetData([]byte("one"))
	require.NoError(t, pc.Release(pages[1]))

	require.ErrorIs(t, pc.Move(pages[0], 3), ErrPageInUse)
	require.ErrorIs(t, pc.Move(pages[0], 0), ErrInvalidPage)

	require.NoError(t, pc.Move(pages[0], 2))
	require.Equal(t, uint32(2), pages[0].GetPgno())
	require.Equal(t, 2, pc.PageCount())

	_, err := pc.Fetch(1, false)
	require.ErrorIs(t, err, pagecache.ErrPageNotFound)
	got, err := pc.Fetch(2, false)
	require.NoError(t, err)
	require.Same(t, pages[0], got)
	require.Equal(t, "one", string(got.GetData()[:3]))
}

func TestMove_DropsDirtyTarget(t *testing.T) {
	pc, _, _ := setupPCache(t, 1024, true, 10)
	pages := fetchAll(t, pc, 1, 2)
	pc.MakeDirty(pages[1])
	require.NoError(t, pc.Release(pages[1]))

	require.NoError(t, pc.Move(pages[0], 2))
	require.Empty(t, pc.DirtyList())
	require.Equal(t, 1, pc.PageCount())
}

func TestTruncate(t *testing.T) {
	pc, _, _ := setupPCache(t, 1024, true, 10)
	pages := fetchAll(t, pc, 1, 5)
	pc.MakeDirty(pages[3])
	pc.MakeDirty(pages[4])
	pc.MakeDirty(pages[0])
	for _, pg := range pages {
		require.NoError(t, pc.Release(pg))
	}

	require.NoError(t, pc.Truncate(3))
	require.Equal(t, 3, pc.PageCount())
	require.Equal(t, []uint32{1}, pgnos(pc.DirtyList()))
	for n := uint32(4); n <= 5; n++ {
		_, err := pc.Fetch(n, false)
		require.ErrorIs(t, err, pagecache.ErrPageNotFound)
	}
}

func TestTruncate_ToZeroKeepsReferencedFirstPage(t *testing.T) {
	pc, _, _ := setupPCache(t, 1024, true, 10)
	pages := fetchAll(t, pc, 1, 4)
	pages[0].SetData([]byte("header"))
	for _, pg := range pages[1:] {
		require.NoError(t, pc.Release(pg))
	}

	require.NoError(t, pc.Truncate(0))
	require.Equal(t, 1, pc.PageCount())
	require.Equal(t, make([]byte, 1024), pages[0].GetData())
	require.Equal(t, 1, pc.RefCount())
}

func TestClear(t *testing.T) {
	pc, _, arena := setupPCache(t, 1024, true, 10)
	pages := fetchAll(t, pc, 1, 4)
	require.ErrorIs(t, pc.Clear(), ErrPageInUse)

	for _, pg := range pages {
		require.NoError(t, pc.Release(pg))
	}
	require.NoError(t, pc.Clear())
	require.Equal(t, 0, pc.PageCount())
	require.Equal(t, 0, arena.Stats().CurrentPages)
}

func TestCacheSize(t *testing.T) {
	logger := zaptest.NewLogger(t)
	arena := pagecache.NewArena(pagecache.WithLogger(logger))

	pc := Open(arena, 4096, true, nil, logger)
	require.Equal(t, 500, pc.CacheSize())

	pc.SetCacheSize(-100)
	require.Equal(t, 25, pc.CacheSize())
	_, err := pc.Fetch(1, true)
	require.NoError(t, err)
	require.Equal(t, 25, arena.Stats().MaxPages)

	pc.SetCacheSize(64)
	require.Equal(t, 64, pc.CacheSize())
	require.Equal(t, 64, arena.Stats().MaxPages)

	pc.Close()
	require.Equal(t, pagecache.Stats{}, arena.Stats())
}

func TestShrink(t *testing.T) {
	pc, _, arena := setupPCache(t, 1024, true, 10)
	pages := fetchAll(t, pc, 1, 5)
	pc.MakeDirty(pages[0])
	for _, pg := range pages {
		require.NoError(t, pc.Release(pg))
	}
	pc.Shrink()
	require.Equal(t, 1, pc.PageCount())
	require.Equal(t, 0, arena.Stats().Recyclable)
}

func TestTwoPagersShareBudget(t *testing.T) {
	logger := zaptest.NewLogger(t)
	arena := pagecache.NewArena(pagecache.WithLogger(logger))
	a := Open(arena, 1024, true, nil, logger)
	b := Open(arena, 1024, true, nil, logger)
	a.SetCacheSize(10)
	b.SetCacheSize(10)
	defer a.Close()
	defer b.Close()

	for _, pg := range fetchAll(t, a, 1, 10) {
		require.NoError(t, a.Release(pg))
	}
	for _, pg := range fetchAll(t, b, 1, 15) {
		require.NoError(t, b.Release(pg))
	}
	s := arena.Stats()
	require.LessOrEqual(t, s.CurrentPages, s.MaxPages)
	require.Equal(t, 20, s.MaxPages)
}
