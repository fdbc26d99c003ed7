// Package hv abstracts the hypervisor partition capability: one
// virtual processor, GPA mappings with dirty tracking, exception exits
// for #DB and #BP, and a cancelable run primitive. The Windows
// Hypervisor Platform backend lives behind a build tag; everything
// above it is platform independent.
package hv

import "fmt"

// MapFlags select the access rights and tracking for a mapped GPA
// range.
type MapFlags uint32

const (
	MapRead MapFlags = 1 << iota
	MapWrite
	MapExecute
	MapTrackDirtyPages
)

// ExitReason classifies a vCPU exit. Anything the tracer does not
// handle explicitly is reported as ExitOther and terminates the run.
type ExitReason int

const (
	ExitMemoryAccess ExitReason = iota
	ExitException
	ExitCanceled
	ExitOther
)

func (r ExitReason) String() string {
	switch r {
	case ExitMemoryAccess:
		return "MemoryAccess"
	case ExitException:
		return "Exception"
	case ExitCanceled:
		return "Canceled"
	default:
		return "Other"
	}
}

// AccessType is the kind of guest access that faulted.
type AccessType int

const (
	AccessRead AccessType = iota
	AccessWrite
	AccessExecute
)

func (a AccessType) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	default:
		return "execute"
	}
}

// ExceptionType is the x86 exception vector reported by an exception
// exit.
type ExceptionType uint8

const (
	ExceptionDebugTrapOrFault ExceptionType = 1
	ExceptionBreakpointTrap   ExceptionType = 3
)

// VpContext is the per-exit processor snapshot common to all exits.
type VpContext struct {
	Rip             uint64
	Rflags          uint64
	InterruptShadow bool
}

// MemoryAccessContext describes a memory-access exit: the faulting
// guest-physical and guest-virtual addresses and the access kind.
type MemoryAccessContext struct {
	Gpa    uint64
	Gva    uint64
	Access AccessType
}

// ExceptionContext describes an exception exit.
type ExceptionContext struct {
	Type             ExceptionType
	InstructionBytes [16]byte
	InstructionLen   int
	ErrorCode        uint32
	Parameter        uint64
}

// ExitContext is the result of running the vCPU until its next exit.
type ExitContext struct {
	Reason ExitReason
	Vp     VpContext

	// Valid when Reason is ExitMemoryAccess / ExitException.
	Mem *MemoryAccessContext
	Exc *ExceptionContext

	// Backend-specific reason detail for ExitOther diagnostics.
	Detail string
}

// SegmentReg models a segment register as installed into the vCPU.
type SegmentReg struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Long     bool
	Dpl      uint8
}

// TableReg models GDTR/IDTR.
type TableReg struct {
	Base  uint64
	Limit uint16
}

// Regs is the full named-register bundle moved between the host and
// the vCPU in one call.
type Regs struct {
	Rax, Rcx, Rdx, Rbx uint64
	Rsp, Rbp, Rsi, Rdi uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	Rip, Rflags        uint64

	Es, Cs, Ss, Ds, Fs, Gs SegmentReg
	Gdtr, Idtr             TableReg

	Cr0, Cr2, Cr3, Cr4, Cr8 uint64

	Dr0, Dr1, Dr2, Dr3, Dr6, Dr7 uint64

	Efer         uint64
	KernelGsBase uint64
	SysenterCs   uint64
	SysenterEip  uint64
	SysenterEsp  uint64
	Star         uint64
	Lstar        uint64
	Cstar        uint64
	Sfmask       uint64

	// InterruptShadow mirrors the vCPU interrupt-state register bit
	// that masks debug events for one instruction after sti/mov ss.
	InterruptShadow bool
}

// TrapFlag is the RFLAGS bit that makes every retired instruction
// raise #DB.
const TrapFlag = 0x100

// SetHwBreakpoint arms hardware breakpoint slot 0 on an execute at
// address.
func (r *Regs) SetHwBreakpoint(address uint64) {
	r.Dr0 = address
	r.Dr7 |= 1 // L0, condition and length 0 (execute, 1 byte)
}

// System is the raw hypervisor partition capability required from the
// host platform: a configured single-vCPU partition with exception
// exits for #DB/#BP enabled. Cancel must be safe to call concurrently
// with Run; everything else is single-threaded.
type System interface {
	GetRegs() (*Regs, error)
	SetRegs(*Regs) error
	MapGpaRange(host uintptr, gpa uint64, size uint64, flags MapFlags) error
	UnmapGpaRange(gpa uint64, size uint64) error
	QueryGpaRangeDirtyBitmap(gpa uint64, size uint64) (uint64, error)
	FlushGpaRangeDirtyBitmap(gpa uint64, size uint64) error
	TranslateGva(gva uint64) (uint64, error)
	Run() (*ExitContext, error)
	Cancel() error
	Close() error
}

// ErrNoRegion is returned by physical reads and writes that no mapped
// region fully contains.
var ErrNoRegion = fmt.Errorf("no mapped region covers the requested range")
