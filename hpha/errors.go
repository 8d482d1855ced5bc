package hpha

import "errors"

var (
	// ErrInvalidConfig indicates a Config that cannot back an allocator.
	ErrInvalidConfig = errors.New("hpha: invalid config")

	// ErrLeaked indicates that Close found allocations still live.
	ErrLeaked = errors.New("hpha: allocations leaked")
)
