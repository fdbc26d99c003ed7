package trace

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/arch/x86/x86asm"

	"github.com/quarkslab/whvp/internal/hv"
	"github.com/quarkslab/whvp/internal/mem"
	"github.com/quarkslab/whvp/internal/snapshot"
)

// maxConsecutiveCancels is how many kicker-driven canceled exits in a
// row are tolerated before the run is declared stuck.
const maxConsecutiveCancels = 10

// Tracer owns the partition, the physical allocator, the page cache
// and a reference to the snapshot source. One run is in flight at a
// time; all memory manipulation happens between exits on the calling
// goroutine.
type Tracer struct {
	cache     *mem.PageCache
	allocator *hv.Allocator
	partition *hv.Partition
	snapshot  snapshot.Source

	code int
	data int
}

// NewTracer builds a tracer over a configured hypervisor system and a
// snapshot source.
func NewTracer(sys hv.System, src snapshot.Source) *Tracer {
	return &Tracer{
		cache:     mem.NewPageCache(),
		allocator: hv.NewAllocator(),
		partition: hv.NewPartition(sys),
		snapshot:  src,
	}
}

// Close tears down the partition and frees all host backing.
func (t *Tracer) Close() error {
	err := t.partition.Close()
	if err2 := t.allocator.Close(); err == nil {
		err = err2
	}
	return err
}

// Cache exposes the page cache for inspection in tests and stats.
func (t *Tracer) Cache() *mem.PageCache { return t.cache }

// CodePages returns the count of demand-paged executable pages.
func (t *Tracer) CodePages() int { return t.code }

// DataPages returns the count of demand-paged data pages.
func (t *Tracer) DataPages() int { return t.data }

// demandSpace walks guest virtual memory through the partition's
// mapped regions, so reads and writes land in the memory the vCPU
// actually executes from. A physical access to a page the partition
// has not mapped yet demand-pages it from the snapshot first, exactly
// like a memory-access exit would (minus the coverage rewriting).
type demandSpace struct {
	t *Tracer
}

func (s demandSpace) ReadGpa(gpa mem.Gpa, buf []byte) error {
	if err := s.t.partition.ReadPhysicalMemory(gpa, buf); err == nil || err != hv.ErrNoRegion {
		return err
	}
	if err := s.t.faultIn(gpa); err != nil {
		return err
	}
	return s.t.partition.ReadPhysicalMemory(gpa, buf)
}

func (s demandSpace) WriteGpa(gpa mem.Gpa, data []byte) error {
	if err := s.t.partition.WritePhysicalMemory(gpa, data); err == nil || err != hv.ErrNoRegion {
		return err
	}
	if err := s.t.faultIn(gpa); err != nil {
		return err
	}
	return s.t.partition.WritePhysicalMemory(gpa, data)
}

// faultIn maps the page containing gpa from the snapshot, unmodified.
func (t *Tracer) faultIn(gpa mem.Gpa) error {
	base, _ := mem.PageOff(gpa)
	var page mem.Page
	if err := t.snapshot.ReadGpa(base, page[:]); err != nil {
		return fmt.Errorf("can't read gpa %#x from snapshot: %w", base, err)
	}
	t.cache.AddPage(base, page)
	t.data++

	host, err := t.allocator.Allocate(mem.PageSize)
	if err != nil {
		return err
	}
	perms := hv.MapRead | hv.MapWrite | hv.MapExecute | hv.MapTrackDirtyPages
	if err := t.partition.MapPhysicalMemory(base, host, mem.PageSize, perms); err != nil {
		return err
	}
	return t.partition.WritePhysicalMemory(base, page[:])
}

// Cr3 returns the active page-table root from the vCPU.
func (t *Tracer) Cr3() (uint64, error) {
	regs, err := t.partition.GetRegs()
	if err != nil {
		return 0, err
	}
	return regs.Cr3, nil
}

// ReadGva reads guest virtual memory from the partition's mapped
// pages.
func (t *Tracer) ReadGva(cr3 uint64, gva mem.Gva, buf []byte) error {
	if err := mem.ReadGva(demandSpace{t}, cr3, gva, buf); err != nil {
		return fmt.Errorf("can't read gva %#x: %w", gva, err)
	}
	return nil
}

// WriteGva writes guest virtual memory into the partition's mapped
// pages.
func (t *Tracer) WriteGva(cr3 uint64, gva mem.Gva, data []byte) error {
	if err := mem.WriteGva(demandSpace{t}, cr3, gva, data); err != nil {
		return fmt.Errorf("can't write gva %#x: %w", gva, err)
	}
	return nil
}

// SetInitialContext installs the captured processor state into the
// vCPU. CS is configured for long mode at DPL 0; the remaining
// segments are flat DPL-0 selectors; FS and GS take their bases from
// the state.
func (t *Tracer) SetInitialContext(state *ProcessorState) error {
	regs, err := t.partition.GetRegs()
	if err != nil {
		return err
	}

	regs.Rax = state.Rax
	regs.Rbx = state.Rbx
	regs.Rcx = state.Rcx
	regs.Rdx = state.Rdx
	regs.Rsi = state.Rsi
	regs.Rdi = state.Rdi
	regs.Rsp = state.Rsp
	regs.Rbp = state.Rbp
	regs.R8 = state.R8
	regs.R9 = state.R9
	regs.R10 = state.R10
	regs.R11 = state.R11
	regs.R12 = state.R12
	regs.R13 = state.R13
	regs.R14 = state.R14
	regs.R15 = state.R15
	regs.Rflags = state.Rflags
	regs.Rip = state.Rip

	regs.Cr0 = state.Cr0
	regs.Cr3 = state.Cr3
	regs.Cr4 = state.Cr4
	regs.Cr8 = state.Cr8
	regs.Efer = state.Efer

	regs.Star = state.Star
	regs.Lstar = state.Lstar
	regs.Cstar = state.Cstar

	regs.SysenterCs = state.SysenterCs
	regs.SysenterEsp = state.SysenterEsp
	regs.SysenterEip = state.SysenterEip

	regs.KernelGsBase = state.KernelGsBase

	regs.Gdtr = hv.TableReg{Base: state.Gdtr, Limit: state.Gdtl}
	regs.Idtr = hv.TableReg{Base: state.Idtr, Limit: state.Idtl}

	regs.Cs = hv.SegmentReg{Selector: state.Cs.Selector, Long: true}
	regs.Ss = hv.SegmentReg{Selector: state.Ss.Selector}
	regs.Ds = hv.SegmentReg{Selector: state.Ds.Selector}
	regs.Es = hv.SegmentReg{Selector: state.Es.Selector}
	regs.Fs = hv.SegmentReg{Selector: state.Fs.Selector, Base: state.FsBase}
	regs.Gs = hv.SegmentReg{Selector: state.Gs.Selector, Base: state.GsBase}

	return t.partition.SetRegs(regs)
}

// Run executes the vCPU until a terminal condition and returns the
// resulting trace. Guest-observable events never fail the call: every
// exit path sets an EmulationStatus and returns cleanly.
func (t *Tracer) Run(params *Params) (*Trace, error) {
	var exits, cancels uint64

	tr := NewTrace()

	regs, err := t.partition.GetRegs()
	if err != nil {
		return nil, err
	}
	rip := regs.Rip
	cr3 := regs.Cr3

	if params.CoverageMode == ModeInstrs {
		regs.Rflags |= hv.TrapFlag
		if err := t.partition.SetRegs(regs); err != nil {
			return nil, err
		}
	}

	if params.CoverageMode != ModeHit {
		if params.SaveContext {
			tr.addCoverage(rip, contextFromRegs(regs))
		} else {
			tr.addCoverage(rip, nil)
		}
	}

	if params.SaveInstructions {
		tr.Instrs = append(tr.Instrs, t.formatEntryInstruction(cr3, rip))
	}

	tr.Start = time.Now()

	stopped := false
	for params.Limit == 0 || exits < params.Limit {
		exit, err := t.partition.Run()
		if err != nil {
			log.Errorf("running partition: %v", err)
			tr.Status = StatusError
			stopped = true
			break
		}
		exits++

		if params.MaxDuration != 0 && time.Since(tr.Start) > params.MaxDuration {
			tr.Status = StatusTimeout
			stopped = true
			break
		}

		switch exit.Reason {
		case hv.ExitMemoryAccess:
			cancels = 0
			stop, err := t.handleMemoryAccess(params, exit.Mem, tr)
			if err != nil {
				log.Errorf("memory access exit: %v", err)
				tr.Status = StatusError
				stop = true
			}
			stopped = stop
		case hv.ExitException:
			cancels = 0
			stop, err := t.handleException(params, &exit.Vp, exit.Exc, tr)
			if err != nil {
				log.Errorf("exception exit: %v", err)
				tr.Status = StatusError
				stop = true
			}
			stopped = stop
		case hv.ExitCanceled:
			cancels++
			if cancels > maxConsecutiveCancels {
				log.Error("stopping, no forward progress after repeated cancels")
				tr.Status = StatusTimeout
				stopped = true
			}
		default:
			log.Errorf("unhandled vm exit: %s %s", exit.Reason, exit.Detail)
			tr.Status = StatusError
			stopped = true
		}
		if stopped {
			break
		}
	}
	if !stopped && params.Limit != 0 && exits >= params.Limit {
		tr.Status = StatusLimitExceeded
	}
	tr.End = time.Now()
	return tr, nil
}

// handleMemoryAccess demand-pages the faulting page from the snapshot,
// rewrites it according to the coverage mode, and maps it into the
// partition.
func (t *Tracer) handleMemoryAccess(params *Params, ctx *hv.MemoryAccessContext, tr *Trace) (bool, error) {
	gpa := ctx.Gpa
	gva := ctx.Gva
	base, _ := mem.PageOff(gpa)

	var page mem.Page
	if err := t.snapshot.ReadGpa(base, page[:]); err != nil {
		log.Warnf("can't read gpa %#x from snapshot (%v)", gpa, err)
		tr.Status = StatusError
		return true, nil
	}
	t.cache.AddPage(base, page)

	if ctx.Access == hv.AccessExecute {
		t.code++
	} else {
		t.data++
	}
	tr.MemAccess = append(tr.MemAccess, MemAccess{
		Gpa:    gpa,
		Gva:    gva,
		Size:   mem.PageSize,
		Access: ctx.Access.String(),
	})

	if params.CoverageMode == ModeHit && ctx.Access == hv.AccessExecute {
		// Every first execution of any byte in this page traps;
		// originals come back from the cache one instruction at a
		// time.
		for i := range page {
			page[i] = 0xcc
		}
	} else {
		gvaBase, _ := mem.PageOff(params.ReturnAddress)
		if gvaBase <= gva && gva < gvaBase+mem.PageSize {
			_, off := mem.PageOff(params.ReturnAddress)
			log.Infof("setting bp on return address %#x", params.ReturnAddress)
			page[off] = 0xcc
		}
		for name, addr := range params.ExcludedAddresses {
			gvaBase, off := mem.PageOff(addr)
			if gvaBase <= gva && gva < gvaBase+mem.PageSize {
				log.Infof("setting bp on excluded address %s (%#x)", name, addr)
				page[off] = 0xcc
			}
		}
	}

	host, err := t.allocator.Allocate(mem.PageSize)
	if err != nil {
		return true, err
	}
	perms := hv.MapRead | hv.MapWrite | hv.MapExecute | hv.MapTrackDirtyPages
	if err := t.partition.MapPhysicalMemory(base, host, mem.PageSize, perms); err != nil {
		return true, err
	}
	if err := t.partition.WritePhysicalMemory(base, page[:]); err != nil {
		return true, err
	}
	return false, nil
}

// handleException classifies an exception exit: terminal addresses
// first, then #DB/#BP as coverage events; anything else ends the run.
func (t *Tracer) handleException(params *Params, vp *hv.VpContext, ctx *hv.ExceptionContext, tr *Trace) (bool, error) {
	if vp.InterruptShadow {
		// Left set, the shadow would mask the next debug event.
		regs, err := t.partition.GetRegs()
		if err != nil {
			return true, err
		}
		regs.InterruptShadow = false
		if err := t.partition.SetRegs(regs); err != nil {
			return true, err
		}
	}

	rip := vp.Rip

	if rip == params.ReturnAddress {
		// The terminating address counts as discovered coverage.
		if params.SaveContext {
			regs, err := t.partition.GetRegs()
			if err != nil {
				return true, err
			}
			tr.addCoverage(rip, contextFromRegs(regs))
		} else {
			tr.addCoverage(rip, nil)
		}
		return true, nil
	}
	for _, addr := range params.ExcludedAddresses {
		if addr == rip {
			tr.Status = StatusForbiddenAddress
			return true, nil
		}
	}

	switch ctx.Type {
	case hv.ExceptionDebugTrapOrFault, hv.ExceptionBreakpointTrap:
		if params.SaveContext {
			regs, err := t.partition.GetRegs()
			if err != nil {
				return true, err
			}
			tr.addCoverage(rip, contextFromRegs(regs))
		} else {
			tr.addCoverage(rip, nil)
		}
	default:
		tr.Status = StatusUnHandledException
		return true, nil
	}

	if ctx.Type == hv.ExceptionBreakpointTrap {
		if err := t.restoreInstruction(rip, tr); err != nil {
			return true, err
		}
	}

	if params.SaveInstructions {
		output, err := formatInstruction(rip, ctx.InstructionBytes[:])
		if err != nil {
			return true, err
		}
		tr.Instrs = append(tr.Instrs, output)
	}

	return false, nil
}

// restoreInstruction puts the original bytes of a planted breakpoint
// back into the partition so the next execution of the site makes
// forward progress. The cache read spans into the following page when
// the instruction straddles a boundary.
func (t *Tracer) restoreInstruction(rip uint64, tr *Trace) error {
	cr3, err := t.Cr3()
	if err != nil {
		return err
	}

	buffer := make([]byte, 16)
	if err := t.cache.ReadGva(cr3, rip, buffer); err != nil {
		// The next page may not be resident yet; fall back to the
		// in-page remainder, which covers every non-straddling
		// instruction.
		_, off := mem.PageOff(rip)
		remain := mem.PageSize - off
		if remain > 16 {
			remain = 16
		}
		buffer = buffer[:remain]
		if err := t.cache.ReadGva(cr3, rip, buffer); err != nil {
			log.Warnf("can't read cached bytes for %#x", rip)
			tr.Status = StatusError
			return nil
		}
	}

	inst, err := x86asm.Decode(buffer, 64)
	if err != nil {
		return fmt.Errorf("can't decode instruction at %#x: %w", rip, err)
	}
	return t.WriteGva(cr3, rip, buffer[:inst.Len])
}

// formatEntryInstruction renders the instruction at the entry RIP,
// preferring the cache, then the snapshot, then a placeholder.
func (t *Tracer) formatEntryInstruction(cr3 uint64, rip uint64) string {
	buffer := make([]byte, 16)
	if err := t.cache.ReadGva(cr3, rip, buffer); err != nil {
		view := snapshot.View{Source: t.snapshot}
		if err := view.ReadGva(cr3, rip, buffer); err != nil {
			return fmt.Sprintf("0x%016X: ???", rip)
		}
	}
	output, err := formatInstruction(rip, buffer)
	if err != nil {
		return fmt.Sprintf("0x%016X: ???", rip)
	}
	return output
}

func formatInstruction(rip uint64, buffer []byte) (string, error) {
	inst, err := x86asm.Decode(buffer, 64)
	if err != nil {
		return "", fmt.Errorf("can't decode instruction: %w", err)
	}
	return fmt.Sprintf("0x%016X: %s", rip, x86asm.IntelSyntax(inst, rip, nil)), nil
}

// RestoreSnapshot rewinds the partition to the cache's view: every
// dirty mapped page that exists in the cache is overwritten with the
// cached bytes and its dirty bit cleared. Returns the number of pages
// restored.
func (t *Tracer) RestoreSnapshot() (int, error) {
	pages := 0
	for _, region := range t.partition.MappedRegions() {
		bitmap, err := t.partition.QueryGpaRange(region.Base, region.Size)
		if err != nil {
			return pages, err
		}
		if bitmap == 0 {
			continue
		}
		for i := uint64(0); i < region.Size/mem.PageSize; i++ {
			if bitmap&(1<<i) == 0 {
				continue
			}
			base := region.Base + i*mem.PageSize
			page := t.cache.Page(base)
			if page == nil {
				continue
			}
			if err := t.partition.WritePhysicalMemory(base, page[:]); err != nil {
				return pages, fmt.Errorf("can't restore page %#x: %w", base, err)
			}
			if err := t.partition.FlushGpaRange(base, mem.PageSize); err != nil {
				return pages, err
			}
			pages++
		}
	}
	return pages, nil
}
