package trace

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/quarkslab/whvp/internal/hv"
)

// Segment is the serialized form of a segment register. Only the
// selector and base matter to the tracer; limits and flags are carried
// for completeness.
type Segment struct {
	Selector uint16 `json:"selector"`
	Base     uint64 `json:"base"`
	Limit    uint32 `json:"limit"`
	Flags    uint16 `json:"flags"`
}

// ProcessorState is the captured processor state installed into the
// vCPU before each run. Field names match the JSON documents produced
// by the snapshot tooling.
type ProcessorState struct {
	Rax    uint64 `json:"rax"`
	Rbx    uint64 `json:"rbx"`
	Rcx    uint64 `json:"rcx"`
	Rdx    uint64 `json:"rdx"`
	Rsi    uint64 `json:"rsi"`
	Rdi    uint64 `json:"rdi"`
	Rsp    uint64 `json:"rsp"`
	Rbp    uint64 `json:"rbp"`
	R8     uint64 `json:"r8"`
	R9     uint64 `json:"r9"`
	R10    uint64 `json:"r10"`
	R11    uint64 `json:"r11"`
	R12    uint64 `json:"r12"`
	R13    uint64 `json:"r13"`
	R14    uint64 `json:"r14"`
	R15    uint64 `json:"r15"`
	Rflags uint64 `json:"rflags"`
	Rip    uint64 `json:"rip"`

	Cr0  uint64 `json:"cr0"`
	Cr3  uint64 `json:"cr3"`
	Cr4  uint64 `json:"cr4"`
	Cr8  uint64 `json:"cr8"`
	Efer uint64 `json:"efer"`

	Gdtr uint64 `json:"gdtr"`
	Gdtl uint16 `json:"gdtl"`
	Idtr uint64 `json:"idtr"`
	Idtl uint16 `json:"idtl"`

	Cs Segment `json:"cs"`
	Ss Segment `json:"ss"`
	Ds Segment `json:"ds"`
	Es Segment `json:"es"`
	Fs Segment `json:"fs"`
	Gs Segment `json:"gs"`

	FsBase       uint64 `json:"fs_base"`
	GsBase       uint64 `json:"gs_base"`
	KernelGsBase uint64 `json:"kernel_gs_base"`

	SysenterCs  uint64 `json:"sysenter_cs"`
	SysenterEsp uint64 `json:"sysenter_esp"`
	SysenterEip uint64 `json:"sysenter_eip"`

	Star  uint64 `json:"star"`
	Lstar uint64 `json:"lstar"`
	Cstar uint64 `json:"cstar"`
}

// ParseState decodes a processor-state JSON document.
func ParseState(data []byte) (*ProcessorState, error) {
	state := &ProcessorState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("parsing processor state: %w", err)
	}
	return state, nil
}

// LoadState reads and decodes a processor-state file.
func LoadState(path string) (*ProcessorState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading processor state: %w", err)
	}
	return ParseState(data)
}

// Context is the register bundle captured opportunistically per
// coverage point when a run is configured to save context.
type Context struct {
	Rax    uint64 `json:"rax"`
	Rbx    uint64 `json:"rbx"`
	Rcx    uint64 `json:"rcx"`
	Rdx    uint64 `json:"rdx"`
	Rsi    uint64 `json:"rsi"`
	Rdi    uint64 `json:"rdi"`
	Rsp    uint64 `json:"rsp"`
	Rbp    uint64 `json:"rbp"`
	R8     uint64 `json:"r8"`
	R9     uint64 `json:"r9"`
	R10    uint64 `json:"r10"`
	R11    uint64 `json:"r11"`
	R12    uint64 `json:"r12"`
	R13    uint64 `json:"r13"`
	R14    uint64 `json:"r14"`
	R15    uint64 `json:"r15"`
	Rflags uint64 `json:"rflags"`
	Rip    uint64 `json:"rip"`
}

func contextFromRegs(regs *hv.Regs) *Context {
	return &Context{
		Rax: regs.Rax, Rbx: regs.Rbx, Rcx: regs.Rcx, Rdx: regs.Rdx,
		Rsi: regs.Rsi, Rdi: regs.Rdi, Rsp: regs.Rsp, Rbp: regs.Rbp,
		R8: regs.R8, R9: regs.R9, R10: regs.R10, R11: regs.R11,
		R12: regs.R12, R13: regs.R13, R14: regs.R14, R15: regs.R15,
		Rflags: regs.Rflags, Rip: regs.Rip,
	}
}
