// Package registry keeps a set of live allocators so that tools can
// collect garbage across all of them and report their combined footprint.
package registry

import (
	"errors"
	"fmt"
	"sync"
)

// MaxAllocators bounds the number of registered allocators.
const MaxAllocators = 100

var (
	// ErrAlreadyRegistered is returned when registering an allocator twice.
	ErrAlreadyRegistered = errors.New("registry: allocator already registered")

	// ErrNotRegistered is returned when unregistering an unknown allocator.
	ErrNotRegistered = errors.New("registry: allocator not registered")

	// ErrFull is returned when MaxAllocators are already registered.
	ErrFull = errors.New("registry: too many allocators")
)

// Allocator is what the registry needs from a member. *hpha.Allocator
// satisfies it.
type Allocator interface {
	Name() string
	AllocatedBytes() uintptr
	Capacity() uintptr
	GarbageCollect()
}

// AllocatorStats is one member's footprint.
type AllocatorStats struct {
	Name      string
	Allocated uintptr
	Capacity  uintptr
}

// Stats is the combined footprint of every member.
type Stats struct {
	Allocated  uintptr
	Capacity   uintptr
	Allocators []AllocatorStats
}

// Registry is safe for concurrent use.
type Registry struct {
	mu         sync.Mutex
	allocators []Allocator
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{}
}

// Register adds a.
func (r *Registry) Register(a Allocator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, x := range r.allocators {
		if x == a {
			return fmt.Errorf("%w: %s", ErrAlreadyRegistered, a.Name())
		}
	}
	if len(r.allocators) >= MaxAllocators {
		return fmt.Errorf("%w: %d registered", ErrFull, len(r.allocators))
	}
	r.allocators = append(r.allocators, a)
	return nil
}

// Unregister removes a. The last member takes its slot.
func (r *Registry) Unregister(a Allocator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, x := range r.allocators {
		if x == a {
			last := len(r.allocators) - 1
			r.allocators[i] = r.allocators[last]
			r.allocators[last] = nil
			r.allocators = r.allocators[:last]
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotRegistered, a.Name())
}

// Len returns the number of members.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.allocators)
}

// snapshot copies the member list.
func (r *Registry) snapshot() []Allocator {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Allocator(nil), r.allocators...)
}

// GarbageCollect collects every member. The registry lock is not held
// while collecting, so members may register or unregister meanwhile.
func (r *Registry) GarbageCollect() {
	for _, a := range r.snapshot() {
		a.GarbageCollect()
	}
}

// Stats sums the members' footprints, in registration order (modulo
// unregistrations).
func (r *Registry) Stats() Stats {
	var s Stats
	for _, a := range r.snapshot() {
		as := AllocatorStats{Name: a.Name(), Allocated: a.AllocatedBytes(), Capacity: a.Capacity()}
		s.Allocated += as.Allocated
		s.Capacity += as.Capacity
		s.Allocators = append(s.Allocators, as)
	}
	return s
}
