package pager

import "errors"

// --- Error Definitions ---

var (
	ErrInvalidPage = errors.New("page number 0 is not a valid page")
	ErrPageInUse   = errors.New("page is referenced and cannot be replaced")
	ErrNotRefd     = errors.New("page has no outstanding references")
	// ErrBusy may be returned by a StressFunc that could not clean a page
	// right now. Fetch then carries on as if the callback had not run.
	ErrBusy = errors.New("page cache stress callback is busy")
)
