//go:build windows

package hv

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modWinHvPlatform = windows.NewLazySystemDLL("winhvplatform.dll")

	procWHvGetCapability                = modWinHvPlatform.NewProc("WHvGetCapability")
	procWHvCreatePartition              = modWinHvPlatform.NewProc("WHvCreatePartition")
	procWHvSetupPartition               = modWinHvPlatform.NewProc("WHvSetupPartition")
	procWHvDeletePartition              = modWinHvPlatform.NewProc("WHvDeletePartition")
	procWHvSetPartitionProperty         = modWinHvPlatform.NewProc("WHvSetPartitionProperty")
	procWHvCreateVirtualProcessor       = modWinHvPlatform.NewProc("WHvCreateVirtualProcessor")
	procWHvDeleteVirtualProcessor       = modWinHvPlatform.NewProc("WHvDeleteVirtualProcessor")
	procWHvRunVirtualProcessor          = modWinHvPlatform.NewProc("WHvRunVirtualProcessor")
	procWHvCancelRunVirtualProcessor    = modWinHvPlatform.NewProc("WHvCancelRunVirtualProcessor")
	procWHvGetVirtualProcessorRegisters = modWinHvPlatform.NewProc("WHvGetVirtualProcessorRegisters")
	procWHvSetVirtualProcessorRegisters = modWinHvPlatform.NewProc("WHvSetVirtualProcessorRegisters")
	procWHvMapGpaRange                  = modWinHvPlatform.NewProc("WHvMapGpaRange")
	procWHvUnmapGpaRange                = modWinHvPlatform.NewProc("WHvUnmapGpaRange")
	procWHvQueryGpaRangeDirtyBitmap     = modWinHvPlatform.NewProc("WHvQueryGpaRangeDirtyBitmap")
	procWHvTranslateGva                 = modWinHvPlatform.NewProc("WHvTranslateGva")
)

// WHV partition property codes.
const (
	whvPropertyExtendedVmExits     = 0x00000001
	whvPropertyExceptionExitBitmap = 0x00000002
	whvPropertyProcessorCount      = 0x00001fff
)

// WHV_EXTENDED_VM_EXITS.ExceptionExit.
const whvExtendedExitException = 1 << 2

// WHV run exit reasons.
const (
	whvExitReasonMemoryAccess = 0x00000001
	whvExitReasonException    = 0x00001002
	whvExitReasonCanceled     = 0x00002001
)

// WHV register names, in the order the register bundle is marshaled.
const (
	whvRegRax    = 0x00000000
	whvRegRcx    = 0x00000001
	whvRegRdx    = 0x00000002
	whvRegRbx    = 0x00000003
	whvRegRsp    = 0x00000004
	whvRegRbp    = 0x00000005
	whvRegRsi    = 0x00000006
	whvRegRdi    = 0x00000007
	whvRegR8     = 0x00000008
	whvRegR9     = 0x00000009
	whvRegR10    = 0x0000000a
	whvRegR11    = 0x0000000b
	whvRegR12    = 0x0000000c
	whvRegR13    = 0x0000000d
	whvRegR14    = 0x0000000e
	whvRegR15    = 0x0000000f
	whvRegRip    = 0x00000010
	whvRegRflags = 0x00000011
	whvRegEs     = 0x00000012
	whvRegCs     = 0x00000013
	whvRegSs     = 0x00000014
	whvRegDs     = 0x00000015
	whvRegFs     = 0x00000016
	whvRegGs     = 0x00000017
	whvRegIdtr   = 0x0000001a
	whvRegGdtr   = 0x0000001b
	whvRegCr0    = 0x0000001c
	whvRegCr2    = 0x0000001d
	whvRegCr3    = 0x0000001e
	whvRegCr4    = 0x0000001f
	whvRegCr8    = 0x00000020
	whvRegDr0    = 0x00000021
	whvRegDr1    = 0x00000022
	whvRegDr2    = 0x00000023
	whvRegDr3    = 0x00000024
	whvRegDr6    = 0x00000025
	whvRegDr7    = 0x00000026

	whvRegEfer         = 0x00002001
	whvRegKernelGsBase = 0x00002002
	whvRegSysenterCs   = 0x00002005
	whvRegSysenterEip  = 0x00002006
	whvRegSysenterEsp  = 0x00002007
	whvRegStar         = 0x00002008
	whvRegLstar        = 0x00002009
	whvRegCstar        = 0x0000200a
	whvRegSfmask       = 0x0000200b

	whvRegInterruptState = 0x80000001
)

var whvRegisterNames = []uint32{
	whvRegRax, whvRegRcx, whvRegRdx, whvRegRbx,
	whvRegRsp, whvRegRbp, whvRegRsi, whvRegRdi,
	whvRegR8, whvRegR9, whvRegR10, whvRegR11,
	whvRegR12, whvRegR13, whvRegR14, whvRegR15,
	whvRegRip, whvRegRflags,
	whvRegEs, whvRegCs, whvRegSs, whvRegDs, whvRegFs, whvRegGs,
	whvRegIdtr, whvRegGdtr,
	whvRegCr0, whvRegCr2, whvRegCr3, whvRegCr4, whvRegCr8,
	whvRegDr0, whvRegDr1, whvRegDr2, whvRegDr3, whvRegDr6, whvRegDr7,
	whvRegEfer, whvRegKernelGsBase,
	whvRegSysenterCs, whvRegSysenterEip, whvRegSysenterEsp,
	whvRegStar, whvRegLstar, whvRegCstar, whvRegSfmask,
	whvRegInterruptState,
}

// whvRegisterValue is the 16-byte WHV_REGISTER_VALUE union.
type whvRegisterValue struct {
	Low, High uint64
}

// whvSegment matches WHV_X64_SEGMENT_REGISTER.
type whvSegment struct {
	Base       uint64
	Limit      uint32
	Selector   uint16
	Attributes uint16
}

const (
	whvSegAttrDplShift = 5
	whvSegAttrLong     = 1 << 13
)

// whvTable matches WHV_X64_TABLE_REGISTER.
type whvTable struct {
	Pad   [3]uint16
	Limit uint16
	Base  uint64
}

// whvVpExitContext matches WHV_VP_EXIT_CONTEXT (40 bytes).
type whvVpExitContext struct {
	ExecutionState uint16
	InstrLenCr8    uint8
	Reserved       uint8
	Reserved2      uint32
	Cs             whvSegment
	Rip            uint64
	Rflags         uint64
}

const whvExecStateInterruptShadow = 1 << 12

// whvRunVpExitContext matches WHV_RUN_VP_EXIT_CONTEXT; the union area
// is decoded per exit reason.
type whvRunVpExitContext struct {
	ExitReason uint32
	Reserved   uint32
	VpContext  whvVpExitContext
	Union      [224]byte
}

// whvMemoryAccessContext matches WHV_MEMORY_ACCESS_CONTEXT.
type whvMemoryAccessContext struct {
	InstructionByteCount uint8
	Reserved             [3]uint8
	InstructionBytes     [16]uint8
	AccessInfo           uint32
	Gpa                  uint64
	Gva                  uint64
}

// whvExceptionContext matches WHV_VP_EXCEPTION_CONTEXT.
type whvExceptionContext struct {
	InstructionByteCount uint8
	Reserved             [3]uint8
	InstructionBytes     [16]uint8
	ExceptionInfo        uint32
	ExceptionType        uint8
	Reserved2            [3]uint8
	ErrorCode            uint32
	ExceptionParameter   uint64
}

func hresult(name string, r1 uintptr) error {
	if int32(r1) >= 0 {
		return nil
	}
	return fmt.Errorf("%s failed with %#x", name, uint32(r1))
}

// Available reports whether the platform hypervisor is present.
func Available() bool {
	var present uint32
	var written uint32
	r1, _, _ := procWHvGetCapability.Call(
		0, // WHvCapabilityCodeHypervisorPresent
		uintptr(unsafe.Pointer(&present)),
		unsafe.Sizeof(present),
		uintptr(unsafe.Pointer(&written)),
	)
	return int32(r1) >= 0 && present != 0
}

// whpSystem is the Windows Hypervisor Platform implementation of
// System: one partition, one vCPU, exception exits for #DB and #BP.
type whpSystem struct {
	partition uintptr
}

// Open creates and configures a WHP partition with a single virtual
// processor.
func Open() (System, error) {
	var partition uintptr
	r1, _, _ := procWHvCreatePartition.Call(uintptr(unsafe.Pointer(&partition)))
	if err := hresult("WHvCreatePartition", r1); err != nil {
		return nil, err
	}
	s := &whpSystem{partition: partition}

	procCount := uint32(1)
	if err := s.setProperty(whvPropertyProcessorCount, unsafe.Pointer(&procCount), unsafe.Sizeof(procCount)); err != nil {
		s.Close()
		return nil, err
	}

	exits := uint64(whvExtendedExitException)
	if err := s.setProperty(whvPropertyExtendedVmExits, unsafe.Pointer(&exits), unsafe.Sizeof(exits)); err != nil {
		s.Close()
		return nil, err
	}

	// #DB and #BP reach the host; everything else stays with the
	// guest IDT.
	bitmap := uint64(1<<ExceptionDebugTrapOrFault | 1<<ExceptionBreakpointTrap)
	if err := s.setProperty(whvPropertyExceptionExitBitmap, unsafe.Pointer(&bitmap), unsafe.Sizeof(bitmap)); err != nil {
		s.Close()
		return nil, err
	}

	r1, _, _ = procWHvSetupPartition.Call(partition)
	if err := hresult("WHvSetupPartition", r1); err != nil {
		s.Close()
		return nil, err
	}

	r1, _, _ = procWHvCreateVirtualProcessor.Call(partition, 0, 0)
	if err := hresult("WHvCreateVirtualProcessor", r1); err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

func (s *whpSystem) setProperty(code uint32, value unsafe.Pointer, size uintptr) error {
	r1, _, _ := procWHvSetPartitionProperty.Call(
		s.partition, uintptr(code), uintptr(value), size)
	return hresult("WHvSetPartitionProperty", r1)
}

func (s *whpSystem) Close() error {
	r1, _, _ := procWHvDeleteVirtualProcessor.Call(s.partition, 0)
	err := hresult("WHvDeleteVirtualProcessor", r1)
	r1, _, _ = procWHvDeletePartition.Call(s.partition)
	if err2 := hresult("WHvDeletePartition", r1); err == nil {
		err = err2
	}
	return err
}

func segToWhv(seg SegmentReg) whvSegment {
	attr := uint16(seg.Dpl&3) << whvSegAttrDplShift
	if seg.Long {
		attr |= whvSegAttrLong
	}
	return whvSegment{
		Base:       seg.Base,
		Limit:      seg.Limit,
		Selector:   seg.Selector,
		Attributes: attr,
	}
}

func segFromWhv(seg whvSegment) SegmentReg {
	return SegmentReg{
		Base:     seg.Base,
		Limit:    seg.Limit,
		Selector: seg.Selector,
		Long:     seg.Attributes&whvSegAttrLong != 0,
		Dpl:      uint8(seg.Attributes>>whvSegAttrDplShift) & 3,
	}
}

func (v *whvRegisterValue) seg() *whvSegment { return (*whvSegment)(unsafe.Pointer(v)) }
func (v *whvRegisterValue) table() *whvTable { return (*whvTable)(unsafe.Pointer(v)) }

// alignedRegisterValues allocates a zeroed value array on a 16-byte
// boundary, as WHV_REGISTER_VALUE requires.
func alignedRegisterValues(n int) []whvRegisterValue {
	raw := make([]byte, n*16+16)
	addr := uintptr(unsafe.Pointer(&raw[0]))
	off := (16 - addr%16) % 16
	return unsafe.Slice((*whvRegisterValue)(unsafe.Pointer(&raw[off])), n)
}

func (s *whpSystem) GetRegs() (*Regs, error) {
	values := alignedRegisterValues(len(whvRegisterNames))
	r1, _, _ := procWHvGetVirtualProcessorRegisters.Call(
		s.partition, 0,
		uintptr(unsafe.Pointer(&whvRegisterNames[0])),
		uintptr(len(whvRegisterNames)),
		uintptr(unsafe.Pointer(&values[0])),
	)
	if err := hresult("WHvGetVirtualProcessorRegisters", r1); err != nil {
		return nil, err
	}

	regs := &Regs{}
	gprs := []*uint64{
		&regs.Rax, &regs.Rcx, &regs.Rdx, &regs.Rbx,
		&regs.Rsp, &regs.Rbp, &regs.Rsi, &regs.Rdi,
		&regs.R8, &regs.R9, &regs.R10, &regs.R11,
		&regs.R12, &regs.R13, &regs.R14, &regs.R15,
		&regs.Rip, &regs.Rflags,
	}
	i := 0
	for _, dst := range gprs {
		*dst = values[i].Low
		i++
	}
	for _, dst := range []*SegmentReg{&regs.Es, &regs.Cs, &regs.Ss, &regs.Ds, &regs.Fs, &regs.Gs} {
		*dst = segFromWhv(*values[i].seg())
		i++
	}
	regs.Idtr = TableReg{Base: values[i].table().Base, Limit: values[i].table().Limit}
	i++
	regs.Gdtr = TableReg{Base: values[i].table().Base, Limit: values[i].table().Limit}
	i++
	for _, dst := range []*uint64{
		&regs.Cr0, &regs.Cr2, &regs.Cr3, &regs.Cr4, &regs.Cr8,
		&regs.Dr0, &regs.Dr1, &regs.Dr2, &regs.Dr3, &regs.Dr6, &regs.Dr7,
		&regs.Efer, &regs.KernelGsBase,
		&regs.SysenterCs, &regs.SysenterEip, &regs.SysenterEsp,
		&regs.Star, &regs.Lstar, &regs.Cstar, &regs.Sfmask,
	} {
		*dst = values[i].Low
		i++
	}
	regs.InterruptShadow = values[i].Low&1 != 0
	return regs, nil
}

func (s *whpSystem) SetRegs(regs *Regs) error {
	values := alignedRegisterValues(len(whvRegisterNames))
	srcs := []uint64{
		regs.Rax, regs.Rcx, regs.Rdx, regs.Rbx,
		regs.Rsp, regs.Rbp, regs.Rsi, regs.Rdi,
		regs.R8, regs.R9, regs.R10, regs.R11,
		regs.R12, regs.R13, regs.R14, regs.R15,
		regs.Rip, regs.Rflags,
	}
	i := 0
	for _, v := range srcs {
		values[i].Low = v
		i++
	}
	for _, seg := range []SegmentReg{regs.Es, regs.Cs, regs.Ss, regs.Ds, regs.Fs, regs.Gs} {
		*values[i].seg() = segToWhv(seg)
		i++
	}
	*values[i].table() = whvTable{Limit: regs.Idtr.Limit, Base: regs.Idtr.Base}
	i++
	*values[i].table() = whvTable{Limit: regs.Gdtr.Limit, Base: regs.Gdtr.Base}
	i++
	for _, v := range []uint64{
		regs.Cr0, regs.Cr2, regs.Cr3, regs.Cr4, regs.Cr8,
		regs.Dr0, regs.Dr1, regs.Dr2, regs.Dr3, regs.Dr6, regs.Dr7,
		regs.Efer, regs.KernelGsBase,
		regs.SysenterCs, regs.SysenterEip, regs.SysenterEsp,
		regs.Star, regs.Lstar, regs.Cstar, regs.Sfmask,
	} {
		values[i].Low = v
		i++
	}
	if regs.InterruptShadow {
		values[i].Low = 1
	}

	r1, _, _ := procWHvSetVirtualProcessorRegisters.Call(
		s.partition, 0,
		uintptr(unsafe.Pointer(&whvRegisterNames[0])),
		uintptr(len(whvRegisterNames)),
		uintptr(unsafe.Pointer(&values[0])),
	)
	return hresult("WHvSetVirtualProcessorRegisters", r1)
}

func (s *whpSystem) MapGpaRange(host uintptr, gpa uint64, size uint64, flags MapFlags) error {
	r1, _, _ := procWHvMapGpaRange.Call(
		s.partition, host, uintptr(gpa), uintptr(size), uintptr(flags))
	return hresult("WHvMapGpaRange", r1)
}

func (s *whpSystem) UnmapGpaRange(gpa uint64, size uint64) error {
	r1, _, _ := procWHvUnmapGpaRange.Call(s.partition, uintptr(gpa), uintptr(size))
	return hresult("WHvUnmapGpaRange", r1)
}

func (s *whpSystem) QueryGpaRangeDirtyBitmap(gpa uint64, size uint64) (uint64, error) {
	var bitmap uint64
	r1, _, _ := procWHvQueryGpaRangeDirtyBitmap.Call(
		s.partition, uintptr(gpa), uintptr(size),
		uintptr(unsafe.Pointer(&bitmap)),
		unsafe.Sizeof(bitmap),
	)
	return bitmap, hresult("WHvQueryGpaRangeDirtyBitmap", r1)
}

func (s *whpSystem) FlushGpaRangeDirtyBitmap(gpa uint64, size uint64) error {
	// A query with no output buffer resets the tracking for the range.
	r1, _, _ := procWHvQueryGpaRangeDirtyBitmap.Call(
		s.partition, uintptr(gpa), uintptr(size), 0, 0)
	return hresult("WHvQueryGpaRangeDirtyBitmap", r1)
}

func (s *whpSystem) TranslateGva(gva uint64) (uint64, error) {
	var result struct {
		ResultCode uint32
		Reserved   uint32
	}
	var gpa uint64
	r1, _, _ := procWHvTranslateGva.Call(
		s.partition, 0, uintptr(gva),
		1, // WHvTranslateGvaFlagValidateRead
		uintptr(unsafe.Pointer(&result)),
		uintptr(unsafe.Pointer(&gpa)),
	)
	if err := hresult("WHvTranslateGva", r1); err != nil {
		return 0, err
	}
	if result.ResultCode != 0 {
		return 0, fmt.Errorf("WHvTranslateGva failed for gva %#x: code %#x", gva, result.ResultCode)
	}
	return gpa, nil
}

func (s *whpSystem) Run() (*ExitContext, error) {
	var raw whvRunVpExitContext
	r1, _, _ := procWHvRunVirtualProcessor.Call(
		s.partition, 0,
		uintptr(unsafe.Pointer(&raw)),
		unsafe.Sizeof(raw),
	)
	if err := hresult("WHvRunVirtualProcessor", r1); err != nil {
		return nil, err
	}

	exit := &ExitContext{
		Vp: VpContext{
			Rip:             raw.VpContext.Rip,
			Rflags:          raw.VpContext.Rflags,
			InterruptShadow: raw.VpContext.ExecutionState&whvExecStateInterruptShadow != 0,
		},
	}
	switch raw.ExitReason {
	case whvExitReasonMemoryAccess:
		m := (*whvMemoryAccessContext)(unsafe.Pointer(&raw.Union[0]))
		exit.Reason = ExitMemoryAccess
		exit.Mem = &MemoryAccessContext{
			Gpa:    m.Gpa,
			Gva:    m.Gva,
			Access: AccessType(m.AccessInfo & 3),
		}
	case whvExitReasonException:
		e := (*whvExceptionContext)(unsafe.Pointer(&raw.Union[0]))
		exit.Reason = ExitException
		exc := &ExceptionContext{
			Type:           ExceptionType(e.ExceptionType),
			InstructionLen: int(e.InstructionByteCount),
			ErrorCode:      e.ErrorCode,
			Parameter:      e.ExceptionParameter,
		}
		exc.InstructionBytes = e.InstructionBytes
		exit.Exc = exc
	case whvExitReasonCanceled:
		exit.Reason = ExitCanceled
	default:
		exit.Reason = ExitOther
		exit.Detail = fmt.Sprintf("exit reason %#x", raw.ExitReason)
	}
	return exit, nil
}

func (s *whpSystem) Cancel() error {
	r1, _, _ := procWHvCancelRunVirtualProcessor.Call(s.partition, 0, 0)
	return hresult("WHvCancelRunVirtualProcessor", r1)
}
