package hpha

import (
	"fmt"
	"log/slog"

	"github.com/akioCL/o3de-sub000/hpha/bucket"
	"github.com/akioCL/o3de-sub000/internal/layout"
	"github.com/akioCL/o3de-sub000/pkg/pages"
)

// DefaultAlignment is the alignment every allocation gets without asking.
// Requests at or below it take the unaligned paths.
const DefaultAlignment = 8

// minPageSize is the smallest page size a Config may ask for.
const minPageSize = 4096

// Config describes an allocator.
type Config struct {
	// Name identifies the allocator in stats, logs and registries.
	Name string

	// PageSize is the bucket page size and the tree growth granularity.
	// 0 selects max(4096, OS page size).
	PageSize uintptr

	// Small allocations are (1<<MinAllocationLog2) to
	// (1<<MaxSmallAllocationLog2) bytes, in steps of the minimum.
	MinAllocationLog2      uint
	MaxSmallAllocationLog2 uint

	// Source provides pages. nil selects pages.OS().
	Source pages.Source

	// Logger receives debug and warning events. nil selects the
	// HPHA_LOG_ALLOC environment toggle, which discards by default.
	Logger *slog.Logger

	// TrackRecords keeps one record per live allocation.
	TrackRecords bool

	// CaptureStacks adds a call stack to every record.
	CaptureStacks bool
}

// Predefined configurations.
var (
	// Default: 8..512 bytes in buckets.
	ConfigDefault = Config{Name: "Default", MinAllocationLog2: 3, MaxSmallAllocationLog2: 9}

	// Fine: 8..256 bytes in buckets, the rest in the tree.
	ConfigFine = Config{Name: "Fine", MinAllocationLog2: 3, MaxSmallAllocationLog2: 8}

	// Wide: 16..2048 bytes in buckets.
	ConfigWide = Config{Name: "Wide", MinAllocationLog2: 4, MaxSmallAllocationLog2: 11}
)

// Presets maps preset names to configurations.
var Presets = map[string]Config{
	"default": ConfigDefault,
	"fine":    ConfigFine,
	"wide":    ConfigWide,
}

// classes returns the bucket layout described by c.
func (c *Config) classes() bucket.Classes {
	return bucket.Classes{Name: c.Name, MinLog2: c.MinAllocationLog2, MaxLog2: c.MaxSmallAllocationLog2}
}

// normalize fills defaults and validates c in place.
func (c *Config) normalize() error {
	if c.Name == "" {
		c.Name = "hpha"
	}
	if c.PageSize == 0 {
		c.PageSize = max(minPageSize, pages.PageSize())
	}
	if !layout.IsPow2(c.PageSize) || c.PageSize < minPageSize {
		return fmt.Errorf("%w: page size %d must be a power of two of at least %d", ErrInvalidConfig, c.PageSize, minPageSize)
	}
	if c.Source == nil {
		if c.PageSize < pages.PageSize() {
			return fmt.Errorf("%w: page size %d is below the OS page size %d", ErrInvalidConfig, c.PageSize, pages.PageSize())
		}
		c.Source = pages.OS()
	}
	if err := c.classes().Validate(c.PageSize); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
