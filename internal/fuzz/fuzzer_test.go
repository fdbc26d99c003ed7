package fuzz

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/quarkslab/whvp/internal/hv/hvtest"
	"github.com/quarkslab/whvp/internal/mem"
	"github.com/quarkslab/whvp/internal/snapshot"
	"github.com/quarkslab/whvp/internal/trace"
)

// Guest layout for the end-to-end sessions: page tables at
// 0x10000-0x13000 map the low 2 MiB of virtual memory to physical
// 0x100000 + gva.
const (
	testCr3      = 0x10000
	testPhysBase = 0x100000
)

func testSnapshot(fill byte, guest map[uint64][]byte) snapshot.Source {
	return snapshot.FuncSource(func(gpa mem.Gpa) ([]byte, error) {
		page := make([]byte, mem.PageSize)
		switch gpa {
		case 0x10000, 0x11000, 0x12000:
			next := map[uint64]uint64{0x10000: 0x11000, 0x11000: 0x12000, 0x12000: 0x13000}[gpa]
			binary.LittleEndian.PutUint64(page, next|1)
		case 0x13000:
			for i := uint64(0); i < 512; i++ {
				binary.LittleEndian.PutUint64(page[i*8:], (testPhysBase+i*mem.PageSize)|3)
			}
		default:
			for i := range page {
				page[i] = fill
			}
			if gpa >= testPhysBase {
				gvaBase := gpa - testPhysBase
				for addr, bytes := range guest {
					b, _ := mem.PageOff(addr)
					if b != gvaBase {
						continue
					}
					_, off := mem.PageOff(addr)
					copy(page[off:], bytes)
				}
			}
		}
		return page, nil
	})
}

func newGuestTracer(t *testing.T, fill byte, guest map[uint64][]byte) *trace.Tracer {
	t.Helper()
	tracer := trace.NewTracer(hvtest.New(), testSnapshot(fill, guest))
	t.Cleanup(func() { tracer.Close() })
	return tracer
}

func testState(rip uint64) *trace.ProcessorState {
	return &trace.ProcessorState{Rip: rip, Rflags: 0x2, Cr3: testCr3}
}

func newTestFuzzer(t *testing.T, workdir string) *Fuzzer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	fuzzer, err := NewFuzzer(ctx, workdir)
	if err != nil {
		t.Fatalf("NewFuzzer: %v", err)
	}
	return fuzzer
}

func TestFuzzWarmupAndOneIteration(t *testing.T) {
	// Nop-filled guest, entry and return address both at 0x1000: the
	// warm-up succeeds immediately, the single mutated iteration
	// changes nothing, and the corpus holds exactly the seed input.
	workdir := t.TempDir()
	tracer := newGuestTracer(t, 0x90, nil)
	fuzzer := newTestFuzzer(t, workdir)

	stats, err := fuzzer.Run(
		NewRandomStrategy(7),
		&Params{Input: 0x2000, InputSize: 16, MaxIterations: 1},
		tracer,
		testState(0x1000),
		&trace.Params{ReturnAddress: 0x1000, MaxDuration: 5 * time.Second},
	)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if stats.TotalIterations != 1 {
		t.Errorf("iterations = %d, want 1", stats.TotalIterations)
	}
	if stats.Crashes != 0 {
		t.Errorf("crashes = %d, want 0", stats.Crashes)
	}
	if stats.TotalCoverage != 1 {
		t.Errorf("coverage = %d, want 1", stats.TotalCoverage)
	}
	if stats.CorpusSize != 1 {
		t.Errorf("corpus = %d, want 1", stats.CorpusSize)
	}

	entries, err := os.ReadDir(CorpusDir(workdir))
	if err != nil {
		t.Fatal(err)
	}
	bins := 0
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".bin") {
			bins++
		}
	}
	if bins != 1 {
		t.Errorf("persisted corpus files = %d, want 1", bins)
	}
}

// crashGuest checks each of the 16 input bytes at 0x2000 and jumps to
// the excluded address 0x1040 on the first nonzero one; with an
// all-zero input it falls through to the return address at 0x1030.
func crashGuest() map[uint64][]byte {
	var code []byte
	for i := 0; i < 16; i++ {
		next := 0x1000 + len(code) + 3
		rel := 0x1040 - next
		code = append(code, 0xac, 0x75, byte(rel)) // lodsb; jnz 0x1040
	}
	return map[uint64][]byte{0x1000: code}
}

func TestFuzzCrashPersistsAndStops(t *testing.T) {
	workdir := t.TempDir()
	tracer := newGuestTracer(t, 0x00, crashGuest())
	fuzzer := newTestFuzzer(t, workdir)

	state := testState(0x1000)
	state.Rsi = 0x2000

	stats, err := fuzzer.Run(
		NewRandomStrategy(3),
		&Params{Input: 0x2000, InputSize: 16, MaxIterations: 1000, StopOnCrash: true},
		tracer,
		state,
		&trace.Params{
			ReturnAddress:     0x1030,
			ExcludedAddresses: map[string]uint64{"bad": 0x1040},
			MaxDuration:       5 * time.Second,
		},
	)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if stats.Crashes != 1 {
		t.Fatalf("crashes = %d, want 1", stats.Crashes)
	}

	entries, err := os.ReadDir(CrashesDir(workdir))
	if err != nil {
		t.Fatal(err)
	}
	var haveBin, haveJSON bool
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".bin"):
			haveBin = true
		case strings.HasSuffix(e.Name(), ".json"):
			haveJSON = true
		}
	}
	if !haveBin || !haveJSON {
		t.Errorf("crash artifacts incomplete: bin=%v json=%v", haveBin, haveJSON)
	}
}

// recordingStrategy wraps RandomStrategy and records every input that
// reaches Mutate.
type recordingStrategy struct {
	*RandomStrategy
	mutated [][]byte
}

func (s *recordingStrategy) Mutate(input []byte) []byte {
	s.mutated = append(s.mutated, append([]byte(nil), input...))
	return s.RandomStrategy.Mutate(input)
}

func TestFuzzPicksUpDroppedSeed(t *testing.T) {
	workdir := t.TempDir()
	tracer := newGuestTracer(t, 0x90, nil)
	fuzzer := newTestFuzzer(t, workdir)

	// Drop a seed while the watcher is live but before the loop
	// starts; it must reach the worklist within one iteration.
	seed := bytes.Repeat([]byte{0xab}, 16)
	if err := os.WriteFile(filepath.Join(workdir, "seed.bin"), seed, 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Second)

	strategy := &recordingStrategy{RandomStrategy: NewRandomStrategy(5)}
	_, err := fuzzer.Run(
		strategy,
		&Params{Input: 0x2000, InputSize: 16, MaxIterations: 2},
		tracer,
		testState(0x1000),
		&trace.Params{ReturnAddress: 0x1000, MaxDuration: 5 * time.Second},
	)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(strategy.mutated) == 0 {
		t.Fatal("strategy never ran")
	}
	if !bytes.Equal(strategy.mutated[0], seed) {
		t.Errorf("first fuzzed input = %x, want the dropped seed", strategy.mutated[0])
	}
}

// stubTracer exercises the loop's error paths without a guest.
type stubTracer struct {
	status trace.EmulationStatus
}

func (s *stubTracer) SetInitialContext(*trace.ProcessorState) error { return nil }

func (s *stubTracer) Run(*trace.Params) (*trace.Trace, error) {
	tr := trace.NewTrace()
	tr.Status = s.status
	return tr, nil
}

func (s *stubTracer) RestoreSnapshot() (int, error)         { return 0, nil }
func (s *stubTracer) ReadGva(_, _ uint64, buf []byte) error { clear(buf); return nil }
func (s *stubTracer) WriteGva(_, _ uint64, _ []byte) error  { return nil }
func (s *stubTracer) Cr3() (uint64, error)                  { return testCr3, nil }
func (s *stubTracer) CodePages() int                        { return 0 }
func (s *stubTracer) DataPages() int                        { return 0 }

func TestFuzzCorpusEmpty(t *testing.T) {
	// A warm-up with no coverage admits nothing; the first iteration
	// finds the corpus dry and ends the session.
	workdir := t.TempDir()
	fuzzer := newTestFuzzer(t, workdir)

	_, err := fuzzer.Run(
		NewRandomStrategy(1),
		&Params{Input: 0x2000, InputSize: 16},
		&stubTracer{status: trace.StatusSuccess},
		testState(0x1000),
		&trace.Params{ReturnAddress: 0x1000},
	)
	if err != ErrCorpusEmpty {
		t.Errorf("Run = %v, want ErrCorpusEmpty", err)
	}
}

func TestFuzzWarmupFailure(t *testing.T) {
	workdir := t.TempDir()
	fuzzer := newTestFuzzer(t, workdir)

	_, err := fuzzer.Run(
		NewRandomStrategy(1),
		&Params{Input: 0x2000, InputSize: 16},
		&stubTracer{status: trace.StatusTimeout},
		testState(0x1000),
		&trace.Params{ReturnAddress: 0x1000},
	)
	if err == nil || !strings.Contains(err.Error(), "first execution failed") {
		t.Errorf("Run = %v, want warm-up failure", err)
	}
}
