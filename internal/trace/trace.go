// Package trace drives the virtual processor over the lazy snapshot:
// it demand-pages guest memory on memory-access exits, rewrites code
// pages to generate coverage signals, and turns each run into a trace
// of newly discovered instruction addresses.
package trace

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"time"
)

// CoverageMode selects how coverage is generated during a run.
type CoverageMode int

const (
	// ModeNone records no coverage beyond the entry point and the
	// terminating return address.
	ModeNone CoverageMode = iota
	// ModeInstrs sets the trap flag so every instruction retires
	// with #DB.
	ModeInstrs
	// ModeHit plants 0xCC over executed pages so the first execution
	// of every instruction traps with #BP.
	ModeHit
)

// ParseCoverageMode parses the user-facing mode names.
func ParseCoverageMode(s string) (CoverageMode, error) {
	switch s {
	case "no":
		return ModeNone, nil
	case "instrs":
		return ModeInstrs, nil
	case "hit":
		return ModeHit, nil
	default:
		return ModeNone, fmt.Errorf("invalid coverage mode %q", s)
	}
}

func (m CoverageMode) String() string {
	switch m {
	case ModeInstrs:
		return "instrs"
	case ModeHit:
		return "hit"
	default:
		return "no"
	}
}

// EmulationStatus is the terminal condition of a run.
type EmulationStatus int

const (
	StatusSuccess EmulationStatus = iota
	StatusError
	StatusForbiddenAddress
	StatusTimeout
	StatusLimitExceeded
	StatusUnHandledException
)

func (s EmulationStatus) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusError:
		return "Error"
	case StatusForbiddenAddress:
		return "ForbiddenAddress"
	case StatusTimeout:
		return "Timeout"
	case StatusLimitExceeded:
		return "LimitExceeded"
	case StatusUnHandledException:
		return "UnhandledException"
	default:
		return fmt.Sprintf("EmulationStatus(%d)", int(s))
	}
}

// MarshalText serializes the status by name in JSON documents.
func (s EmulationStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Params configures one tracer run.
type Params struct {
	// Limit is the per-run hard exit cap; zero means unlimited.
	Limit uint64 `json:"-"`
	// MaxDuration bounds the run wall-clock; zero means unbounded.
	MaxDuration time.Duration `json:"-"`
	// ReturnAddress is the terminating RIP.
	ReturnAddress uint64 `json:"return_address"`
	// ExcludedAddresses maps a name to a RIP whose execution ends
	// the run with ForbiddenAddress.
	ExcludedAddresses map[string]uint64 `json:"excluded_addresses"`

	SaveContext      bool         `json:"-"`
	CoverageMode     CoverageMode `json:"-"`
	SaveInstructions bool         `json:"-"`
}

// paramsDoc is the serialized form of Params; max_duration is seconds.
type paramsDoc struct {
	MaxDuration       uint64            `json:"max_duration"`
	ReturnAddress     uint64            `json:"return_address"`
	ExcludedAddresses map[string]uint64 `json:"excluded_addresses"`
}

// ParseParams decodes a trace-parameters JSON document.
func ParseParams(data []byte) (*Params, error) {
	doc := paramsDoc{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing trace params: %w", err)
	}
	return &Params{
		MaxDuration:       time.Duration(doc.MaxDuration) * time.Second,
		ReturnAddress:     doc.ReturnAddress,
		ExcludedAddresses: doc.ExcludedAddresses,
	}, nil
}

// LoadParams reads and decodes a trace-parameters file.
func LoadParams(path string) (*Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading trace params: %w", err)
	}
	return ParseParams(data)
}

// MarshalJSON writes the on-disk form of Params.
func (p *Params) MarshalJSON() ([]byte, error) {
	return json.Marshal(paramsDoc{
		MaxDuration:       uint64(p.MaxDuration / time.Second),
		ReturnAddress:     p.ReturnAddress,
		ExcludedAddresses: p.ExcludedAddresses,
	})
}

// CoveragePoint is one recorded coverage event; Context is non-nil
// only when the run saves contexts. It serializes as the pair
// [rip, context].
type CoveragePoint struct {
	Rip     uint64
	Context *Context
}

func (p CoveragePoint) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{p.Rip, p.Context})
}

// MemAccess records one memory-access exit as the quadruple
// [gpa, gva, size, access].
type MemAccess struct {
	Gpa    uint64
	Gva    uint64
	Size   int
	Access string
}

func (m MemAccess) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{m.Gpa, m.Gva, m.Size, m.Access})
}

// Trace is the product of one run.
type Trace struct {
	Start time.Time `json:"-"`
	End   time.Time `json:"-"`

	Coverage  []CoveragePoint `json:"coverage"`
	Instrs    []string        `json:"instrs"`
	Status    EmulationStatus `json:"status"`
	Seen      map[uint64]struct{}
	MemAccess []MemAccess `json:"mem_access"`
}

// NewTrace returns an empty trace with status Success; handlers
// overwrite the status on abnormal termination.
func NewTrace() *Trace {
	return &Trace{
		Status: StatusSuccess,
		Seen:   make(map[uint64]struct{}),
	}
}

func (t *Trace) addCoverage(rip uint64, ctx *Context) {
	t.Seen[rip] = struct{}{}
	t.Coverage = append(t.Coverage, CoveragePoint{Rip: rip, Context: ctx})
}

// SeenSorted returns the unique addresses in ascending order.
func (t *Trace) SeenSorted() []uint64 {
	out := make([]uint64, 0, len(t.Seen))
	for rip := range t.Seen {
		out = append(out, rip)
	}
	slices.Sort(out)
	return out
}

// MarshalJSON produces the trace dump document; timestamps are
// omitted and seen is serialized in address order.
func (t *Trace) MarshalJSON() ([]byte, error) {
	doc := struct {
		Coverage  []CoveragePoint `json:"coverage"`
		Instrs    []string        `json:"instrs"`
		Status    EmulationStatus `json:"status"`
		Seen      []uint64        `json:"seen"`
		MemAccess []MemAccess     `json:"mem_access"`
	}{
		Coverage:  t.Coverage,
		Instrs:    t.Instrs,
		Status:    t.Status,
		Seen:      t.SeenSorted(),
		MemAccess: t.MemAccess,
	}
	if doc.Coverage == nil {
		doc.Coverage = []CoveragePoint{}
	}
	if doc.Instrs == nil {
		doc.Instrs = []string{}
	}
	if doc.MemAccess == nil {
		doc.MemAccess = []MemAccess{}
	}
	return json.Marshal(doc)
}

// Save writes the trace dump as pretty-printed JSON.
func (t *Trace) Save(path string) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling trace: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing trace: %w", err)
	}
	return nil
}
