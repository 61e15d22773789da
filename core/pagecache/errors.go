package pagecache

import "errors"

// --- Error Definitions ---

var (
	// ErrNoMem is the only recoverable failure: a page buffer or a hash
	// bucket array could not be allocated.
	ErrNoMem = errors.New("page cache: out of memory")

	// Fetch outcomes that return no page.
	ErrPageNotFound = errors.New("page not found in cache")
	ErrCacheFull    = errors.New("page cache is at its soft limit")

	// Lifecycle and configuration errors.
	ErrNotInitialized     = errors.New("page cache arena is not initialized")
	ErrAlreadyInitialized = errors.New("page cache arena is already initialized")
	ErrCachesOpen         = errors.New("page cache arena still has open caches")
	ErrSlabConfigured     = errors.New("page cache slab is already configured")
	ErrInvalidSlab        = errors.New("invalid page cache slab configuration")
	ErrInvalidPageSize    = errors.New("page size must be a power of two between 512 and 65536")
	ErrCacheDestroyed     = errors.New("page cache has been destroyed")

	// Caller contract violations, reported instead of corrupting state.
	ErrNotPinned   = errors.New("page is not pinned")
	ErrForeignPage = errors.New("page belongs to a different cache")
	ErrKeyMismatch = errors.New("page key does not match")
	ErrKeyExists   = errors.New("page key already present in cache")
)
