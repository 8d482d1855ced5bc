package pages

import "errors"

var (
	// ErrOutOfMemory is returned when a source cannot supply the request.
	ErrOutOfMemory = errors.New("pages: out of memory")

	// ErrBadAlignment is returned for alignments that are not a power of two.
	ErrBadAlignment = errors.New("pages: alignment must be a power of two")
)
