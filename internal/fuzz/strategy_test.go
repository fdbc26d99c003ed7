package fuzz

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/quarkslab/whvp/internal/trace"
)

func TestMutatePreservesLength(t *testing.T) {
	strategy := NewRandomStrategy(42)
	input := bytes.Repeat([]byte{0x90}, 32)

	for i := 0; i < 100; i++ {
		mutation := strategy.Mutate(input)
		if len(mutation) != len(input) {
			t.Fatalf("mutation length = %d, want %d", len(mutation), len(input))
		}
		diff := 0
		for j := range input {
			if mutation[j] != input[j] {
				diff++
			}
		}
		if diff > 1 {
			t.Fatalf("mutation changed %d bytes, want at most 1", diff)
		}
	}

	// The original buffer is never modified in place.
	if !bytes.Equal(input, bytes.Repeat([]byte{0x90}, 32)) {
		t.Error("Mutate modified its input")
	}
}

func TestMutateEmptyInput(t *testing.T) {
	if got := NewRandomStrategy(1).Mutate(nil); len(got) != 0 {
		t.Errorf("Mutate(nil) = %v", got)
	}
}

func TestApplyAdmitsNovelInput(t *testing.T) {
	workdir := t.TempDir()
	corpus, err := NewCorpus(workdir)
	if err != nil {
		t.Fatal(err)
	}
	strategy := NewRandomStrategy(1)
	params := &Params{Input: 0x2000, InputSize: 16}

	tr := trace.NewTrace()
	tr.Seen[0x1000] = struct{}{}
	tr.Seen[0x1004] = struct{}{}

	added, err := strategy.Apply(params, []byte("input-a"), tr, corpus)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if added != 2 {
		t.Errorf("added = %d, want 2", added)
	}
	if corpus.QueueSize() != 1 || corpus.CoverageSize() != 2 {
		t.Errorf("queue %d coverage %d, want 1/2", corpus.QueueSize(), corpus.CoverageSize())
	}

	// The same addresses again bring nothing new; nothing admitted.
	added, err = strategy.Apply(params, []byte("input-b"), tr, corpus)
	if err != nil {
		t.Fatal(err)
	}
	if added != 0 {
		t.Errorf("added = %d, want 0", added)
	}
	if corpus.QueueSize() != 1 {
		t.Errorf("queue = %d, want 1", corpus.QueueSize())
	}
}

func TestApplyPersistsCrash(t *testing.T) {
	workdir := t.TempDir()
	corpus, err := NewCorpus(workdir)
	if err != nil {
		t.Fatal(err)
	}
	strategy := NewRandomStrategy(1)
	params := &Params{Input: 0x2000, InputSize: 32}

	tr := trace.NewTrace()
	tr.Status = trace.StatusForbiddenAddress
	input := []byte("crashing input")

	if _, err := strategy.Apply(params, input, tr, corpus); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	bin, err := os.ReadFile(filepath.Join(CrashesDir(workdir), hashName(input, "bin")))
	if err != nil {
		t.Fatalf("crash input missing: %v", err)
	}
	if !bytes.Equal(bin, input) {
		t.Errorf("crash bytes = %q, want %q", bin, input)
	}

	sidecar, err := os.ReadFile(filepath.Join(CrashesDir(workdir), hashName(input, "json")))
	if err != nil {
		t.Fatalf("crash sidecar missing: %v", err)
	}
	var doc CrashParams
	if err := json.Unmarshal(sidecar, &doc); err != nil {
		t.Fatalf("sidecar is not valid JSON: %v", err)
	}
	if doc.Input != 0x2000 || doc.InputSize != 32 {
		t.Errorf("sidecar = %+v", doc)
	}
}
