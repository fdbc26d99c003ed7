package fuzz

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func hashName(input []byte, ext string) string {
	return fmt.Sprintf("%x.%s", Hash(input), ext)
}

func TestCorpusLoadRoundTrip(t *testing.T) {
	workdir := t.TempDir()
	corpus, err := NewCorpus(workdir)
	if err != nil {
		t.Fatalf("NewCorpus: %v", err)
	}

	for name, data := range map[string][]byte{
		"a.bin":     {1, 2, 3},
		"b.bin":     {4, 5},
		"notes.txt": {9}, // non-.bin files are left alone
	} {
		if err := os.WriteFile(filepath.Join(CorpusDir(workdir), name), data, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	total, err := corpus.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if total != 2 {
		t.Errorf("loaded = %d, want 2", total)
	}
	if corpus.WorklistSize() != 2 {
		t.Errorf("worklist = %d, want 2", corpus.WorklistSize())
	}

	// Loaded files are consumed from disk exactly once.
	entries, err := os.ReadDir(CorpusDir(workdir))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "notes.txt" {
		t.Errorf("corpus dir after load = %v, want only notes.txt", entries)
	}
}

func TestCorpusAddPersists(t *testing.T) {
	workdir := t.TempDir()
	corpus, err := NewCorpus(workdir)
	if err != nil {
		t.Fatal(err)
	}

	input := []byte("interesting input")
	if err := corpus.Add(3, input); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if corpus.QueueSize() != 1 {
		t.Errorf("queue = %d, want 1", corpus.QueueSize())
	}

	path := filepath.Join(CorpusDir(workdir), hashName(input, "bin"))
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("persisted input missing: %v", err)
	}
	if !bytes.Equal(data, input) {
		t.Errorf("persisted bytes = %q, want %q", data, input)
	}
}

func TestCorpusNoveltyCollisionOverwrites(t *testing.T) {
	workdir := t.TempDir()
	corpus, err := NewCorpus(workdir)
	if err != nil {
		t.Fatal(err)
	}

	if err := corpus.Add(2, []byte("first")); err != nil {
		t.Fatal(err)
	}
	if err := corpus.Add(2, []byte("second")); err != nil {
		t.Fatal(err)
	}

	// Same novelty score: one queue entry, the later input wins.
	if corpus.QueueSize() != 1 {
		t.Errorf("queue = %d, want 1", corpus.QueueSize())
	}
	if got := corpus.queue[2]; !bytes.Equal(got, []byte("second")) {
		t.Errorf("queue[2] = %q, want %q", got, "second")
	}
}

func TestWorklistRefillOrder(t *testing.T) {
	workdir := t.TempDir()
	corpus, err := NewCorpus(workdir)
	if err != nil {
		t.Fatal(err)
	}
	strategy := NewRandomStrategy(1)

	if err := corpus.Add(1, []byte("low")); err != nil {
		t.Fatal(err)
	}
	if err := corpus.Add(7, []byte("high")); err != nil {
		t.Fatal(err)
	}

	// Worklist empty: the refill enumerates the queue in admission
	// order and pop takes from the tail.
	got := strategy.NextInput(corpus)
	if !bytes.Equal(got, []byte("high")) {
		t.Errorf("NextInput = %q, want %q", got, "high")
	}
	got = strategy.NextInput(corpus)
	if !bytes.Equal(got, []byte("low")) {
		t.Errorf("NextInput = %q, want %q", got, "low")
	}
}

func TestNextInputEmptyCorpus(t *testing.T) {
	workdir := t.TempDir()
	corpus, err := NewCorpus(workdir)
	if err != nil {
		t.Fatal(err)
	}
	if got := NewRandomStrategy(1).NextInput(corpus); got != nil {
		t.Errorf("NextInput on empty corpus = %q, want nil", got)
	}
}

func TestHashStable(t *testing.T) {
	a := Hash([]byte("input"))
	if b := Hash([]byte("input")); a != b {
		t.Errorf("hash not stable: %x != %x", a, b)
	}
	if b := Hash([]byte("other")); a == b {
		t.Errorf("distinct inputs collided at %x", a)
	}
}
