// Package mem provides the guest-physical page cache and the x86-64
// virtual address space primitives built on top of it. The cache is the
// sole writable copy of guest memory from which snapshot restores
// originate; page tables are demand-paged into it like any other guest
// memory.
package mem

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Gpa is a guest-physical address.
type Gpa = uint64

// Gva is a guest-virtual address.
type Gva = uint64

const (
	// PageSize is the only page granularity handled by the cache.
	PageSize = 0x1000

	// PageMask extracts the page base from an address.
	PageMask = ^uint64(PageSize - 1)
)

// Page is a single guest-physical page.
type Page [PageSize]byte

// Translation failure kinds surfaced by the 4-level page walk.
var (
	ErrPml4eNotPresent = errors.New("pml4e not present")
	ErrPdpteNotPresent = errors.New("pdpte not present")
	ErrPdeNotPresent   = errors.New("pde not present")
	ErrPteNotPresent   = errors.New("pte not present")

	// ErrSpanningPage is returned for a physical access that would
	// cross a page boundary.
	ErrSpanningPage = errors.New("access spans a page boundary")
)

// MissingPageError reports a physical access to a page that is not in
// the cache. Gpa is the containing page base; the tracer uses it to
// demand-page from the snapshot.
type MissingPageError struct {
	Gpa Gpa
}

func (e *MissingPageError) Error() string {
	return fmt.Sprintf("missing page at gpa %#x", e.Gpa)
}

// PageOff splits an address into its page base and page offset.
func PageOff(a uint64) (uint64, int) {
	return a & PageMask, int(a & (PageSize - 1))
}

// PageCache maps guest-physical page bases to their 4 KiB contents.
// A cached page reflects the last value written into the partition for
// that GPA at the time it entered the cache.
type PageCache struct {
	pages map[Gpa]*Page
}

// NewPageCache returns an empty cache.
func NewPageCache() *PageCache {
	return &PageCache{pages: make(map[Gpa]*Page)}
}

// AddPage inserts a whole page at the page base containing gpa,
// replacing any previous contents.
func (c *PageCache) AddPage(gpa Gpa, page Page) {
	base, _ := PageOff(gpa)
	p := page
	c.pages[base] = &p
}

// DelPage removes the page containing gpa.
func (c *PageCache) DelPage(gpa Gpa) {
	base, _ := PageOff(gpa)
	delete(c.pages, base)
}

// HasPage reports whether the page containing gpa is cached.
func (c *PageCache) HasPage(gpa Gpa) bool {
	base, _ := PageOff(gpa)
	_, ok := c.pages[base]
	return ok
}

// Page returns the cached page containing gpa, or nil.
func (c *PageCache) Page(gpa Gpa) *Page {
	base, _ := PageOff(gpa)
	return c.pages[base]
}

// Pages returns the number of cached pages.
func (c *PageCache) Pages() int {
	return len(c.pages)
}

// Bases returns the page base of every cached page, in map order.
func (c *PageCache) Bases() []Gpa {
	bases := make([]Gpa, 0, len(c.pages))
	for base := range c.pages {
		bases = append(bases, base)
	}
	return bases
}

// ReadGpa copies len(buf) bytes out of the containing page. The access
// must not cross a page boundary and the page must be present.
func (c *PageCache) ReadGpa(gpa Gpa, buf []byte) error {
	if gpa+uint64(len(buf)) > (gpa&PageMask)+PageSize {
		return ErrSpanningPage
	}
	base, off := PageOff(gpa)
	page, ok := c.pages[base]
	if !ok {
		return &MissingPageError{Gpa: base}
	}
	copy(buf, page[off:off+len(buf)])
	return nil
}

// WriteGpa modifies a cached page in place. Writes never fault a page
// in: writing to an absent page is a silent no-op, so that restores of
// pages the partition mapped but the cache never saw cannot corrupt
// unrelated state.
func (c *PageCache) WriteGpa(gpa Gpa, data []byte) error {
	if gpa+uint64(len(data)) > (gpa&PageMask)+PageSize {
		return ErrSpanningPage
	}
	base, off := PageOff(gpa)
	if page, ok := c.pages[base]; ok {
		copy(page[off:off+len(data)], data)
	}
	return nil
}

// ReadGpaUint64 reads a little-endian u64 (page-table entry width).
func (c *PageCache) ReadGpaUint64(gpa Gpa) (uint64, error) {
	return readGpaUint64(c, gpa)
}

// TranslateGva walks the page tables rooted at cr3 through the cache.
func (c *PageCache) TranslateGva(cr3 uint64, gva Gva) (Gpa, error) {
	return TranslateGva(c, cr3, gva)
}

// ReadGva reads a virtual span, chunked at page boundaries.
func (c *PageCache) ReadGva(cr3 uint64, gva Gva, buf []byte) error {
	return ReadGva(c, cr3, gva, buf)
}

// WriteGva writes a virtual span, chunked at page boundaries.
func (c *PageCache) WriteGva(cr3 uint64, gva Gva, data []byte) error {
	return WriteGva(c, cr3, gva, data)
}

// ReadGvaUint64 reads a little-endian u64 at a virtual address.
func (c *PageCache) ReadGvaUint64(cr3 uint64, gva Gva) (uint64, error) {
	var buf [8]byte
	if err := c.ReadGva(cr3, gva, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// ReadGvaUint32 reads a little-endian u32 at a virtual address.
func (c *PageCache) ReadGvaUint32(cr3 uint64, gva Gva) (uint32, error) {
	var buf [4]byte
	if err := c.ReadGva(cr3, gva, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// ReadGvaUint16 reads a little-endian u16 at a virtual address.
func (c *PageCache) ReadGvaUint16(cr3 uint64, gva Gva) (uint16, error) {
	var buf [2]byte
	if err := c.ReadGva(cr3, gva, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// ReadGvaUint8 reads one byte at a virtual address.
func (c *PageCache) ReadGvaUint8(cr3 uint64, gva Gva) (uint8, error) {
	var buf [1]byte
	if err := c.ReadGva(cr3, gva, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func readGpaUint64(sp AddressSpace, gpa Gpa) (uint64, error) {
	var buf [8]byte
	if err := sp.ReadGpa(gpa, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
