package mem

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

const testCr3 = 0x1000

// pageTableCache builds a cache holding a page-table hierarchy rooted
// at testCr3: PML4 at 0x1000, PDPT at 0x2000, PD at 0x3000, PT at
// 0x4000, all zero-filled until entries are planted with putEntry.
func pageTableCache() *PageCache {
	c := NewPageCache()
	for _, base := range []Gpa{0x1000, 0x2000, 0x3000, 0x4000} {
		c.AddPage(base, Page{})
	}
	return c
}

func putEntry(t *testing.T, c *PageCache, table Gpa, index uint64, entry uint64) {
	t.Helper()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], entry)
	if err := c.WriteGpa(table+index*8, buf[:]); err != nil {
		t.Fatalf("planting entry at %#x[%d]: %v", table, index, err)
	}
}

// map4K maps gva 0x0000_0000_0040_2000 to frame 0x5000.
func map4K(t *testing.T, c *PageCache) {
	t.Helper()
	putEntry(t, c, 0x1000, 0, 0x2000|entryPresent)
	putEntry(t, c, 0x2000, 0, 0x3000|entryPresent)
	putEntry(t, c, 0x3000, 2, 0x4000|entryPresent)
	putEntry(t, c, 0x4000, 2, 0x5000|entryPresent)
}

func TestTranslateGva4K(t *testing.T) {
	c := pageTableCache()
	map4K(t, c)

	gpa, err := c.TranslateGva(testCr3, 0x402123)
	if err != nil {
		t.Fatalf("TranslateGva: %v", err)
	}
	if gpa != 0x5123 {
		t.Errorf("TranslateGva(0x402123) = %#x, want 0x5123", gpa)
	}
}

func TestTranslateGvaNotPresent(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, c *PageCache)
		want  error
	}{
		{"pml4e", func(t *testing.T, c *PageCache) {}, ErrPml4eNotPresent},
		{"pdpte", func(t *testing.T, c *PageCache) {
			putEntry(t, c, 0x1000, 0, 0x2000|entryPresent)
		}, ErrPdpteNotPresent},
		{"pde", func(t *testing.T, c *PageCache) {
			putEntry(t, c, 0x1000, 0, 0x2000|entryPresent)
			putEntry(t, c, 0x2000, 0, 0x3000|entryPresent)
		}, ErrPdeNotPresent},
		{"pte", func(t *testing.T, c *PageCache) {
			putEntry(t, c, 0x1000, 0, 0x2000|entryPresent)
			putEntry(t, c, 0x2000, 0, 0x3000|entryPresent)
			putEntry(t, c, 0x3000, 2, 0x4000|entryPresent)
		}, ErrPteNotPresent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := pageTableCache()
			tt.setup(t, c)
			_, err := c.TranslateGva(testCr3, 0x402123)
			if !errors.Is(err, tt.want) {
				t.Errorf("TranslateGva = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestTranslateGvaHugePage(t *testing.T) {
	c := pageTableCache()
	putEntry(t, c, 0x1000, 0, 0x2000|entryPresent)
	// PDPTE with PS set maps 1 GiB at physical 0x4000_0000.
	putEntry(t, c, 0x2000, 1, 0x4000_0000|entryPageSize|entryPresent)

	gpa, err := c.TranslateGva(testCr3, 1<<30|0x123)
	if err != nil {
		t.Fatalf("TranslateGva: %v", err)
	}
	if gpa != 0x4000_0123 {
		t.Errorf("huge page base = %#x, want 0x4000_0123", gpa)
	}

	// Very top of the 1 GiB mapping.
	gpa, err = c.TranslateGva(testCr3, 1<<30|0x3fff_ffff)
	if err != nil {
		t.Fatalf("TranslateGva at top: %v", err)
	}
	if gpa != 0x7fff_ffff {
		t.Errorf("huge page top = %#x, want 0x7fff_ffff", gpa)
	}
}

func TestTranslateGvaLargePage(t *testing.T) {
	c := pageTableCache()
	putEntry(t, c, 0x1000, 0, 0x2000|entryPresent)
	putEntry(t, c, 0x2000, 0, 0x3000|entryPresent)
	// PDE with PS set maps 2 MiB at physical 0x60_0000.
	putEntry(t, c, 0x3000, 3, 0x60_0000|entryPageSize|entryPresent)

	gpa, err := c.TranslateGva(testCr3, 3<<21|0x456)
	if err != nil {
		t.Fatalf("TranslateGva: %v", err)
	}
	if gpa != 0x60_0456 {
		t.Errorf("large page base = %#x, want 0x60_0456", gpa)
	}

	// Very top of the 2 MiB mapping.
	gpa, err = c.TranslateGva(testCr3, 3<<21|0x1f_ffff)
	if err != nil {
		t.Fatalf("TranslateGva at top: %v", err)
	}
	if gpa != 0x7f_ffff {
		t.Errorf("large page top = %#x, want 0x7f_ffff", gpa)
	}
}

func TestTranslateGvaMissingTablePage(t *testing.T) {
	c := pageTableCache()
	// PML4E points at a PDPT page that is not cached: the walk must
	// surface the missing page so the caller can demand-page it.
	putEntry(t, c, 0x1000, 0, 0x8000|entryPresent)

	_, err := c.TranslateGva(testCr3, 0x402123)
	var missing *MissingPageError
	if !errors.As(err, &missing) {
		t.Fatalf("TranslateGva = %v, want MissingPageError", err)
	}
	if missing.Gpa != 0x8000 {
		t.Errorf("missing table page = %#x, want 0x8000", missing.Gpa)
	}
}

func TestTypedGvaReads(t *testing.T) {
	c := pageTableCache()
	map4K(t, c)
	c.AddPage(0x5000, Page{})
	if err := c.WriteGpa(0x5100, []byte{0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}); err != nil {
		t.Fatal(err)
	}

	if v, err := c.ReadGvaUint64(testCr3, 0x402100); err != nil || v != 0x1122334455667788 {
		t.Errorf("ReadGvaUint64 = %#x, %v", v, err)
	}
	if v, err := c.ReadGvaUint32(testCr3, 0x402100); err != nil || v != 0x55667788 {
		t.Errorf("ReadGvaUint32 = %#x, %v", v, err)
	}
	if v, err := c.ReadGvaUint16(testCr3, 0x402100); err != nil || v != 0x7788 {
		t.Errorf("ReadGvaUint16 = %#x, %v", v, err)
	}
	if v, err := c.ReadGvaUint8(testCr3, 0x402100); err != nil || v != 0x88 {
		t.Errorf("ReadGvaUint8 = %#x, %v", v, err)
	}
}

func TestReadWriteGvaAcrossPages(t *testing.T) {
	c := pageTableCache()
	// Two adjacent virtual pages backed by non-adjacent frames.
	putEntry(t, c, 0x1000, 0, 0x2000|entryPresent)
	putEntry(t, c, 0x2000, 0, 0x3000|entryPresent)
	putEntry(t, c, 0x3000, 0, 0x4000|entryPresent)
	putEntry(t, c, 0x4000, 0, 0x9000|entryPresent)
	putEntry(t, c, 0x4000, 1, 0x7000|entryPresent)
	c.AddPage(0x9000, Page{})
	c.AddPage(0x7000, Page{})

	data := make([]byte, 0x20)
	for i := range data {
		data[i] = byte(0x40 + i)
	}
	if err := c.WriteGva(testCr3, 0xff0, data); err != nil {
		t.Fatalf("WriteGva: %v", err)
	}

	got := make([]byte, 0x20)
	if err := c.ReadGva(testCr3, 0xff0, got); err != nil {
		t.Fatalf("ReadGva: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("ReadGva = %x, want %x", got, data)
	}

	// The split really landed in two distinct frames.
	var head, tail [8]byte
	if err := c.ReadGpa(0x9ff0, head[:]); err != nil {
		t.Fatalf("ReadGpa head: %v", err)
	}
	if err := c.ReadGpa(0x7000, tail[:]); err != nil {
		t.Fatalf("ReadGpa tail: %v", err)
	}
	if !bytes.Equal(head[:], data[:8]) || !bytes.Equal(tail[:], data[16:24]) {
		t.Errorf("split write landed wrong: head %x tail %x", head, tail)
	}
}
