//go:build windows

package hv

import (
	"golang.org/x/sys/windows"
)

func allocatePages(size int) (uintptr, error) {
	addr, err := windows.VirtualAlloc(0, uintptr(size),
		windows.MEM_COMMIT|windows.MEM_RESERVE,
		windows.PAGE_READWRITE)
	if err != nil {
		return 0, err
	}
	return addr, nil
}

func freePages(addr uintptr, size int) error {
	return windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
}
