package fuzz

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/quarkslab/whvp/internal/trace"
)

// Params configures a fuzzing session.
type Params struct {
	// MaxIterations stops the session after this many iterations;
	// zero means unbounded.
	MaxIterations uint64
	// MaxDuration stops the session after this much wall-clock time;
	// zero means unbounded.
	MaxDuration time.Duration
	// Input is the guest-virtual address of the fuzzed buffer.
	Input uint64
	// InputSize is the size of the fuzzed buffer in bytes.
	InputSize uint64
	// StopOnCrash ends the session at the first ForbiddenAddress.
	StopOnCrash bool
	// DisplayDelay is the interval between stats lines.
	DisplayDelay time.Duration
}

// CrashParams is the JSON sidecar written next to a crashing input.
type CrashParams struct {
	Input     uint64 `json:"input"`
	InputSize uint64 `json:"input_size"`
}

// Strategy decides which input to run next, how to mutate it, and how
// to fold a finished trace back into the corpus.
type Strategy interface {
	// Mutate returns a mutated copy of input.
	Mutate(input []byte) []byte
	// NextInput picks the next input from the corpus, or nil when
	// the corpus is exhausted.
	NextInput(corpus *Corpus) []byte
	// Apply admits the input if its trace found new coverage and
	// persists crash artifacts; returns the novelty count.
	Apply(params *Params, input []byte, tr *trace.Trace, corpus *Corpus) (int, error)
}

// RandomStrategy performs a single random byte-level mutation per
// input.
type RandomStrategy struct {
	rng *rand.Rand
}

// NewRandomStrategy seeds the mutation source.
func NewRandomStrategy(seed uint64) *RandomStrategy {
	return &RandomStrategy{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (s *RandomStrategy) Mutate(input []byte) []byte {
	mutation := append([]byte(nil), input...)
	if len(mutation) == 0 {
		return mutation
	}
	i := s.rng.IntN(len(mutation))
	switch s.rng.IntN(3) {
	case 0:
		mutation[i] ^= 1 << s.rng.IntN(8)
	case 1:
		mutation[i] = byte(s.rng.IntN(256))
	default:
		interesting := []byte{0x00, 0x01, 0x7f, 0x80, 0xff}
		mutation[i] = interesting[s.rng.IntN(len(interesting))]
	}
	return mutation
}

func (s *RandomStrategy) NextInput(corpus *Corpus) []byte {
	if input := corpus.popWorklist(); input != nil {
		return input
	}
	corpus.refillWorklist()
	return corpus.popWorklist()
}

func (s *RandomStrategy) Apply(params *Params, input []byte, tr *trace.Trace, corpus *Corpus) (int, error) {
	added := corpus.addCoverage(tr.Seen)

	if added > 0 {
		log.Infof("discovered %d new address(es), adding input to corpus", added)
		if err := corpus.Add(added, input); err != nil {
			return added, err
		}
	}

	if tr.Status == trace.StatusForbiddenAddress {
		hash := Hash(input)
		binPath := filepath.Join(CrashesDir(corpus.workdir), fmt.Sprintf("%x.bin", hash))
		log.Infof("got abnormal exit, saving input to %s", binPath)
		if err := os.WriteFile(binPath, input, 0o644); err != nil {
			return added, fmt.Errorf("writing crash input: %w", err)
		}

		sidecar := CrashParams{Input: params.Input, InputSize: params.InputSize}
		data, err := json.MarshalIndent(&sidecar, "", "  ")
		if err != nil {
			return added, fmt.Errorf("marshaling crash params: %w", err)
		}
		jsonPath := filepath.Join(CrashesDir(corpus.workdir), fmt.Sprintf("%x.json", hash))
		if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
			return added, fmt.Errorf("writing crash params: %w", err)
		}
	}

	return added, nil
}
