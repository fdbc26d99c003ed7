package hv

import "fmt"

// Allocator hands out page-aligned host buffers used as backing for
// mapped GPA ranges. Buffers live until Close; unmapped ranges are
// rare and allowed to leak until teardown.
type Allocator struct {
	allocs []allocation
}

type allocation struct {
	addr uintptr
	size int
}

// NewAllocator returns an empty allocator.
func NewAllocator() *Allocator {
	return &Allocator{}
}

// Allocate returns a zeroed, page-aligned buffer of size bytes.
func (a *Allocator) Allocate(size int) (uintptr, error) {
	if size <= 0 || size%0x1000 != 0 {
		return 0, fmt.Errorf("allocation size %#x is not a positive multiple of the page size", size)
	}
	addr, err := allocatePages(size)
	if err != nil {
		return 0, fmt.Errorf("allocating %d host bytes: %w", size, err)
	}
	a.allocs = append(a.allocs, allocation{addr: addr, size: size})
	return addr, nil
}

// Count returns the number of live allocations.
func (a *Allocator) Count() int {
	return len(a.allocs)
}

// Close frees every allocation.
func (a *Allocator) Close() error {
	var first error
	for _, al := range a.allocs {
		if err := freePages(al.addr, al.size); err != nil && first == nil {
			first = err
		}
	}
	a.allocs = nil
	return first
}
