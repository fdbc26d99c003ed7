// Package hvtest provides an in-memory hv.System for tests. It
// interprets a tiny x86-64 subset (nop, int3, ud2, short jumps, lodsb,
// stosb) over the mapped guest memory, translating addresses through the
// guest's own page tables, so tracer tests exercise the real exit
// protocol: memory-access exits for unmapped pages, #BP from planted
// 0xCC bytes, #DB single-stepping under the trap flag, and canceled
// exits while stuck.
package hvtest

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/quarkslab/whvp/internal/hv"
	"github.com/quarkslab/whvp/internal/mem"
)

// Fake implements hv.System over host memory mapped by the test or by
// the code under test.
type Fake struct {
	Regs hv.Regs

	// InterruptShadowOnce makes the next exception exit report the
	// interrupt shadow, mimicking a sti/mov ss immediately before
	// the faulting instruction.
	InterruptShadowOnce bool

	// Cancels counts Cancel calls, Runs counts Run calls.
	Cancels atomic.Int64
	Runs    int

	regions  []region
	dirty    map[uint64]bool
	canceled atomic.Bool
	closed   bool

	// zf is the zero flag, set by lodsb and consumed by jnz.
	zf bool
}

type region struct {
	base uint64
	size uint64
	host uintptr
}

// New returns an empty fake with no mappings.
func New() *Fake {
	return &Fake{dirty: make(map[uint64]bool)}
}

func (f *Fake) GetRegs() (*hv.Regs, error) {
	regs := f.Regs
	return &regs, nil
}

func (f *Fake) SetRegs(regs *hv.Regs) error {
	f.Regs = *regs
	return nil
}

func (f *Fake) MapGpaRange(host uintptr, gpa uint64, size uint64, flags hv.MapFlags) error {
	if gpa%mem.PageSize != 0 || size%mem.PageSize != 0 {
		return fmt.Errorf("unaligned mapping at %#x size %#x", gpa, size)
	}
	f.regions = append(f.regions, region{base: gpa, size: size, host: host})
	return nil
}

func (f *Fake) UnmapGpaRange(gpa uint64, size uint64) error {
	kept := f.regions[:0]
	for _, r := range f.regions {
		if !(gpa <= r.base && r.base+r.size <= gpa+size) {
			kept = append(kept, r)
		}
	}
	f.regions = kept
	return nil
}

func (f *Fake) QueryGpaRangeDirtyBitmap(gpa uint64, size uint64) (uint64, error) {
	var bitmap uint64
	for i := uint64(0); i < size/mem.PageSize; i++ {
		if f.dirty[gpa+i*mem.PageSize] {
			bitmap |= 1 << i
		}
	}
	return bitmap, nil
}

func (f *Fake) FlushGpaRangeDirtyBitmap(gpa uint64, size uint64) error {
	for i := uint64(0); i < size/mem.PageSize; i++ {
		delete(f.dirty, gpa+i*mem.PageSize)
	}
	return nil
}

func (f *Fake) TranslateGva(gva uint64) (uint64, error) {
	return mem.TranslateGva(space{f}, f.Regs.Cr3, gva)
}

func (f *Fake) Cancel() error {
	f.Cancels.Add(1)
	f.canceled.Store(true)
	return nil
}

func (f *Fake) Close() error {
	f.closed = true
	return nil
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool { return f.closed }

// space adapts the fake's mapped regions to the mem walker; a read of
// an unmapped gpa surfaces MissingPageError with the page base, which
// Run converts into a memory-access exit.
type space struct{ f *Fake }

func (s space) hostAt(gpa uint64, size int) ([]byte, bool) {
	for _, r := range s.f.regions {
		if r.base <= gpa && gpa+uint64(size) <= r.base+r.size {
			host := unsafe.Slice((*byte)(unsafe.Pointer(r.host)), r.size)
			return host[gpa-r.base : gpa-r.base+uint64(size)], true
		}
	}
	return nil, false
}

func (s space) ReadGpa(gpa uint64, buf []byte) error {
	host, ok := s.hostAt(gpa, len(buf))
	if !ok {
		base, _ := mem.PageOff(gpa)
		return &mem.MissingPageError{Gpa: base}
	}
	copy(buf, host)
	return nil
}

func (s space) WriteGpa(gpa uint64, data []byte) error {
	host, ok := s.hostAt(gpa, len(data))
	if !ok {
		base, _ := mem.PageOff(gpa)
		return &mem.MissingPageError{Gpa: base}
	}
	copy(host, data)
	base, _ := mem.PageOff(gpa)
	s.f.dirty[base] = true
	return nil
}

// instrBudget bounds the work done per Run call before checking for
// cancellation, so a guest stuck in a jmp-to-self loop behaves like a
// blocked vCPU that only the kicker can interrupt.
const instrBudget = 4096

func (f *Fake) Run() (*hv.ExitContext, error) {
	f.Runs++
	for {
		for i := 0; i < instrBudget; i++ {
			exit := f.step()
			if exit != nil {
				return exit, nil
			}
		}
		if f.canceled.Swap(false) {
			return &hv.ExitContext{
				Reason: hv.ExitCanceled,
				Vp:     f.vpContext(),
			}, nil
		}
		time.Sleep(time.Millisecond)
	}
}

func (f *Fake) vpContext() hv.VpContext {
	return hv.VpContext{Rip: f.Regs.Rip, Rflags: f.Regs.Rflags}
}

func (f *Fake) exception(t hv.ExceptionType) *hv.ExitContext {
	vp := f.vpContext()
	if f.InterruptShadowOnce {
		vp.InterruptShadow = true
		f.InterruptShadowOnce = false
		f.Regs.InterruptShadow = true
	}
	exit := &hv.ExitContext{
		Reason: hv.ExitException,
		Vp:     vp,
		Exc:    &hv.ExceptionContext{Type: t},
	}
	// Best-effort instruction bytes at the faulting RIP.
	sp := space{f}
	if gpa, err := mem.TranslateGva(sp, f.Regs.Cr3, f.Regs.Rip); err == nil {
		for i := 0; i < 16; i++ {
			var b [1]byte
			if sp.ReadGpa(gpa+uint64(i), b[:]) != nil {
				break
			}
			exit.Exc.InstructionBytes[i] = b[0]
			exit.Exc.InstructionLen = i + 1
			if (gpa+uint64(i))%mem.PageSize == mem.PageSize-1 {
				break
			}
		}
	}
	return exit
}

func (f *Fake) memoryAccess(gva uint64, missing uint64, access hv.AccessType) *hv.ExitContext {
	return &hv.ExitContext{
		Reason: hv.ExitMemoryAccess,
		Vp:     f.vpContext(),
		Mem: &hv.MemoryAccessContext{
			Gpa:    missing,
			Gva:    gva,
			Access: access,
		},
	}
}

// step executes a single instruction. A nil return means the guest
// made progress and no exit is due.
func (f *Fake) step() *hv.ExitContext {
	sp := space{f}

	fetch := func(off uint64) (byte, *hv.ExitContext) {
		gpa, err := mem.TranslateGva(sp, f.Regs.Cr3, f.Regs.Rip+off)
		if err != nil {
			var missing *mem.MissingPageError
			if errors.As(err, &missing) {
				// A page-table walk fault is a read of the table
				// page; the faulting GVA is not reported.
				return 0, f.memoryAccess(0, missing.Gpa, hv.AccessRead)
			}
			return 0, &hv.ExitContext{Reason: hv.ExitOther, Vp: f.vpContext(), Detail: err.Error()}
		}
		var b [1]byte
		if err := sp.ReadGpa(gpa, b[:]); err != nil {
			var missing *mem.MissingPageError
			if errors.As(err, &missing) {
				return 0, f.memoryAccess(f.Regs.Rip+off, missing.Gpa, hv.AccessExecute)
			}
			return 0, &hv.ExitContext{Reason: hv.ExitOther, Vp: f.vpContext(), Detail: err.Error()}
		}
		return b[0], nil
	}

	op, exit := fetch(0)
	if exit != nil {
		return exit
	}

	switch op {
	case 0xcc: // int3: reported before delivery, rip at the breakpoint
		return f.exception(hv.ExceptionBreakpointTrap)

	case 0x90: // nop
		f.Regs.Rip++

	case 0x0f: // ud2
		next, exit := fetch(1)
		if exit != nil {
			return exit
		}
		if next != 0x0b {
			return &hv.ExitContext{
				Reason: hv.ExitOther,
				Vp:     f.vpContext(),
				Detail: fmt.Sprintf("unimplemented opcode 0f %02x at rip %#x", next, f.Regs.Rip),
			}
		}
		return f.exception(hv.ExceptionType(6)) // #UD

	case 0xeb: // jmp rel8
		rel, exit := fetch(1)
		if exit != nil {
			return exit
		}
		f.Regs.Rip = f.Regs.Rip + 2 + uint64(int64(int8(rel)))

	case 0xac: // lodsb: al = [rsi], increment rsi, zf = (al == 0)
		gpa, err := mem.TranslateGva(sp, f.Regs.Cr3, f.Regs.Rsi)
		if err != nil {
			var missing *mem.MissingPageError
			if errors.As(err, &missing) {
				return f.memoryAccess(0, missing.Gpa, hv.AccessRead)
			}
			return &hv.ExitContext{Reason: hv.ExitOther, Vp: f.vpContext(), Detail: err.Error()}
		}
		var b [1]byte
		if err := sp.ReadGpa(gpa, b[:]); err != nil {
			var missing *mem.MissingPageError
			if errors.As(err, &missing) {
				return f.memoryAccess(f.Regs.Rsi, missing.Gpa, hv.AccessRead)
			}
			return &hv.ExitContext{Reason: hv.ExitOther, Vp: f.vpContext(), Detail: err.Error()}
		}
		f.Regs.Rax = f.Regs.Rax&^uint64(0xff) | uint64(b[0])
		f.zf = b[0] == 0
		f.Regs.Rsi++
		f.Regs.Rip++

	case 0x75: // jnz rel8
		rel, exit := fetch(1)
		if exit != nil {
			return exit
		}
		f.Regs.Rip += 2
		if !f.zf {
			f.Regs.Rip += uint64(int64(int8(rel)))
		}

	case 0xaa: // stosb: write al to [rdi], increment rdi
		gpa, err := mem.TranslateGva(sp, f.Regs.Cr3, f.Regs.Rdi)
		if err != nil {
			var missing *mem.MissingPageError
			if errors.As(err, &missing) {
				return f.memoryAccess(0, missing.Gpa, hv.AccessRead)
			}
			return &hv.ExitContext{Reason: hv.ExitOther, Vp: f.vpContext(), Detail: err.Error()}
		}
		if err := sp.WriteGpa(gpa, []byte{byte(f.Regs.Rax)}); err != nil {
			var missing *mem.MissingPageError
			if errors.As(err, &missing) {
				return f.memoryAccess(f.Regs.Rdi, missing.Gpa, hv.AccessWrite)
			}
			return &hv.ExitContext{Reason: hv.ExitOther, Vp: f.vpContext(), Detail: err.Error()}
		}
		f.Regs.Rdi++
		f.Regs.Rip++

	default:
		return &hv.ExitContext{
			Reason: hv.ExitOther,
			Vp:     f.vpContext(),
			Detail: fmt.Sprintf("unimplemented opcode %#x at rip %#x", op, f.Regs.Rip),
		}
	}

	if f.Regs.Rflags&hv.TrapFlag != 0 {
		return f.exception(hv.ExceptionDebugTrapOrFault)
	}
	return nil
}
