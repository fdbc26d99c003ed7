// Package fuzz owns the corpus of inputs, the mutation strategy and
// the iteration harness that drives the tracer over mutated inputs.
package fuzz

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Corpus keys accepted inputs by the novelty score they had at
// admission, keeps a worklist of inputs still to try, and holds the
// union of all coverage seen across the session. Two inputs with the
// same novelty score collide and the later one overwrites the earlier.
type Corpus struct {
	workdir string

	queue      map[int][]byte
	queueOrder []int

	worklist [][]byte
	coverage map[uint64]struct{}
}

// NewCorpus roots a corpus at workdir, creating the corpus and crashes
// directories.
func NewCorpus(workdir string) (*Corpus, error) {
	for _, dir := range []string{CorpusDir(workdir), CrashesDir(workdir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return &Corpus{
		workdir:  workdir,
		queue:    make(map[int][]byte),
		coverage: make(map[uint64]struct{}),
	}, nil
}

// CorpusDir returns the accepted-inputs directory under workdir.
func CorpusDir(workdir string) string {
	return filepath.Join(workdir, "corpus")
}

// CrashesDir returns the crash-artifacts directory under workdir.
func CrashesDir(workdir string) string {
	return filepath.Join(workdir, "crashes")
}

// Load consumes every .bin file under the corpus directory into the
// worklist, removing each file once read. Returns how many files were
// loaded.
func (c *Corpus) Load() (int, error) {
	entries, err := os.ReadDir(CorpusDir(c.workdir))
	if err != nil {
		return 0, fmt.Errorf("reading corpus dir: %w", err)
	}
	total := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".bin") {
			continue
		}
		path := filepath.Join(CorpusDir(c.workdir), entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return total, fmt.Errorf("reading corpus file: %w", err)
		}
		if err := os.Remove(path); err != nil {
			return total, fmt.Errorf("removing corpus file: %w", err)
		}
		c.worklist = append(c.worklist, data)
		total++
	}
	return total, nil
}

// Add admits an input with its novelty score and persists it under the
// corpus directory, named by content hash.
func (c *Corpus) Add(novelty int, input []byte) error {
	if _, ok := c.queue[novelty]; !ok {
		c.queueOrder = append(c.queueOrder, novelty)
	}
	c.queue[novelty] = append([]byte(nil), input...)

	path := filepath.Join(CorpusDir(c.workdir), fmt.Sprintf("%x.bin", Hash(input)))
	if err := os.WriteFile(path, input, 0o644); err != nil {
		return fmt.Errorf("persisting corpus input: %w", err)
	}
	return nil
}

// PushWorklist queues an input for a future iteration.
func (c *Corpus) PushWorklist(input []byte) {
	c.worklist = append(c.worklist, input)
}

// popWorklist removes and returns the most recently pushed input, or
// nil.
func (c *Corpus) popWorklist() []byte {
	if len(c.worklist) == 0 {
		return nil
	}
	input := c.worklist[len(c.worklist)-1]
	c.worklist = c.worklist[:len(c.worklist)-1]
	return input
}

// refillWorklist pushes every queued input, in admission order.
func (c *Corpus) refillWorklist() {
	for _, novelty := range c.queueOrder {
		c.worklist = append(c.worklist, c.queue[novelty])
	}
}

// addCoverage merges addresses into the session coverage set and
// returns how many were new.
func (c *Corpus) addCoverage(seen map[uint64]struct{}) int {
	added := 0
	for addr := range seen {
		if _, ok := c.coverage[addr]; !ok {
			c.coverage[addr] = struct{}{}
			added++
		}
	}
	return added
}

// CoverageSize returns the size of the session coverage set.
func (c *Corpus) CoverageSize() int { return len(c.coverage) }

// QueueSize returns the number of admitted inputs.
func (c *Corpus) QueueSize() int { return len(c.queue) }

// WorklistSize returns the number of pending inputs.
func (c *Corpus) WorklistSize() int { return len(c.worklist) }

// Hash is the stable 64-bit content hash used for corpus and crash
// file names. Collisions overwrite silently.
func Hash(data []byte) uint64 {
	h := fnv.New64a()
	if _, err := h.Write(data); err != nil {
		log.Warnf("hashing input: %v", err)
	}
	return h.Sum64()
}
