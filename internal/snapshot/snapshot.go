// Package snapshot provides the ground-truth view of guest memory at
// the moment fuzzing begins. A source yields one 4 KiB page per
// guest-physical address and must be deterministic for a given GPA
// across the session.
package snapshot

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/quarkslab/whvp/internal/mem"
)

// Source is the single capability the tracer needs: fill buf with the
// snapshot contents at gpa. buf never crosses a page boundary.
type Source interface {
	ReadGpa(gpa mem.Gpa, buf []byte) error
}

// View wraps a Source as a read-only address space so the GVA helpers
// in mem can walk page tables straight out of the snapshot.
type View struct {
	Source
}

// WriteGpa drops every write with a warning and returns nil: the
// snapshot is read-only; the page cache is the only writable copy of
// guest memory.
func (View) WriteGpa(gpa mem.Gpa, data []byte) error {
	log.Warnf("dropping %d-byte write to read-only snapshot at gpa %#x", len(data), gpa)
	return nil
}

// ReadGva reads a virtual span through the snapshot's own page tables.
func (v View) ReadGva(cr3 uint64, gva mem.Gva, buf []byte) error {
	return mem.ReadGva(v, cr3, gva, buf)
}

// FuncSource adapts a fetch callback. The callback receives a
// page-aligned GPA and must return exactly one page.
type FuncSource func(gpa mem.Gpa) ([]byte, error)

func (f FuncSource) ReadGpa(gpa mem.Gpa, buf []byte) error {
	base, off := mem.PageOff(gpa)
	page, err := f(base)
	if err != nil {
		return fmt.Errorf("snapshot callback for gpa %#x: %w", base, err)
	}
	if len(page) != mem.PageSize {
		return fmt.Errorf("snapshot callback for gpa %#x returned %d bytes, want %d", base, len(page), mem.PageSize)
	}
	copy(buf, page[off:off+len(buf)])
	return nil
}

// FileSource serves pages from a raw guest-memory dump where the file
// offset is the guest-physical address. Reads past the end of a sparse
// dump come back zero-filled.
type FileSource struct {
	f    *os.File
	size int64
}

// OpenFile opens a raw memory dump as a snapshot source.
func OpenFile(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot dump: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat snapshot dump: %w", err)
	}
	return &FileSource{f: f, size: fi.Size()}, nil
}

func (s *FileSource) ReadGpa(gpa mem.Gpa, buf []byte) error {
	if int64(gpa) >= s.size {
		clear(buf)
		return nil
	}
	n, err := s.f.ReadAt(buf, int64(gpa))
	if err == io.EOF {
		clear(buf[n:])
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading snapshot dump at %#x: %w", gpa, err)
	}
	return nil
}

// Close releases the underlying dump file.
func (s *FileSource) Close() error {
	return s.f.Close()
}
