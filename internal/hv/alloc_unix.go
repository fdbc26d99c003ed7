//go:build !windows

package hv

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Anonymous mmap returns page-aligned memory directly; the slices are
// pinned here so the Go runtime keeps them alive for the partition's
// lifetime.
var (
	mmapMu    sync.Mutex
	mmapSlabs = map[uintptr][]byte{}
)

func allocatePages(size int) (uintptr, error) {
	buf, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return 0, err
	}
	addr := uintptr(unsafe.Pointer(&buf[0]))
	mmapMu.Lock()
	mmapSlabs[addr] = buf
	mmapMu.Unlock()
	return addr, nil
}

func freePages(addr uintptr, size int) error {
	mmapMu.Lock()
	buf := mmapSlabs[addr]
	delete(mmapSlabs, addr)
	mmapMu.Unlock()
	if buf == nil {
		return nil
	}
	return unix.Munmap(buf)
}
