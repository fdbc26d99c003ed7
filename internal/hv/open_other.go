//go:build !windows

package hv

import "fmt"

// Open is only implemented on Windows, where the Windows Hypervisor
// Platform provides the partition capability.
func Open() (System, error) {
	return nil, fmt.Errorf("no hypervisor partition backend on this platform")
}

// Available reports whether the platform hypervisor is present.
func Available() bool {
	return false
}
