package fuzz

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/quarkslab/whvp/internal/trace"
	"github.com/quarkslab/whvp/internal/watch"
)

// ErrCorpusEmpty ends a session whose strategy has no further inputs.
var ErrCorpusEmpty = errors.New("corpus is empty")

// Tracer is the surface the fuzz loop needs from the tracing engine.
type Tracer interface {
	SetInitialContext(state *trace.ProcessorState) error
	Run(params *trace.Params) (*trace.Trace, error)
	RestoreSnapshot() (int, error)
	ReadGva(cr3 uint64, gva uint64, buf []byte) error
	WriteGva(cr3 uint64, gva uint64, data []byte) error
	Cr3() (uint64, error)
	CodePages() int
	DataPages() int
}

// Fuzzer owns the seed-watcher channel and drives the per-iteration
// harness.
type Fuzzer struct {
	workdir string
	seeds   <-chan []byte

	// Output receives the periodic stats lines; nil silences them.
	Output io.Writer
}

// NewFuzzer roots a fuzzer at workdir and starts the background seed
// watcher. The watcher stops when ctx is canceled.
func NewFuzzer(ctx context.Context, workdir string) (*Fuzzer, error) {
	seeds := make(chan []byte, 64)
	if err := watch.Watch(ctx, workdir, seeds); err != nil {
		return nil, fmt.Errorf("starting seed watcher: %w", err)
	}
	return &Fuzzer{workdir: workdir, seeds: seeds}, nil
}

// Run fuzzes until a stop condition: the corpus runs dry, a crash with
// StopOnCrash set, or the configured iteration/duration bounds.
func (f *Fuzzer) Run(strategy Strategy, params *Params, tracer Tracer, state *trace.ProcessorState, traceParams *trace.Params) (*Stats, error) {
	stats := NewStats(params.DisplayDelay)

	corpus, err := NewCorpus(f.workdir)
	if err != nil {
		return nil, err
	}
	files, err := corpus.Load()
	if err != nil {
		return nil, err
	}
	log.Infof("loaded %d file(s) to corpus", files)

	log.Info("first execution to map memory")
	if err := tracer.SetInitialContext(state); err != nil {
		return nil, err
	}
	warmup, err := tracer.Run(traceParams)
	if err != nil {
		return nil, err
	}
	if warmup.Status != trace.StatusSuccess {
		return nil, fmt.Errorf("first execution failed with status %s", warmup.Status)
	}

	log.Info("reading input")
	data := make([]byte, params.InputSize)
	cr3, err := tracer.Cr3()
	if err != nil {
		return nil, err
	}
	if err := tracer.ReadGva(cr3, params.Input, data); err != nil {
		return nil, err
	}

	log.Info("add first trace to corpus")
	if _, err := strategy.Apply(params, data, warmup, corpus); err != nil {
		return nil, err
	}

	log.Info("start fuzzing")

	for {
		// Externally dropped seeds enter the worklist between
		// iterations.
		draining := true
		for draining {
			select {
			case seed := <-f.seeds:
				log.Info("add file to worklist")
				corpus.PushWorklist(seed)
			default:
				draining = false
			}
		}

		next := strategy.NextInput(corpus)
		if next == nil {
			log.Error("no more input, stop")
			return stats, ErrCorpusEmpty
		}

		input := strategy.Mutate(next)
		if uint64(len(input)) > params.InputSize {
			input = input[:params.InputSize]
		}

		if err := tracer.WriteGva(cr3, params.Input, input); err != nil {
			log.Errorf("can't write fuzzer input: %v", err)
			return stats, fmt.Errorf("can't write fuzzer input: %w", err)
		}

		if err := tracer.SetInitialContext(state); err != nil {
			return stats, err
		}
		if _, err := tracer.RestoreSnapshot(); err != nil {
			return stats, err
		}

		tr, err := tracer.Run(traceParams)
		if err != nil {
			return stats, err
		}

		added, err := strategy.Apply(params, input, tr, corpus)
		if err != nil {
			return stats, err
		}

		if tr.Status == trace.StatusForbiddenAddress {
			stats.Crashes++
			if params.StopOnCrash {
				break
			}
		}

		stats.Iterations++
		stats.TotalIterations++
		stats.Coverage += uint64(added)
		stats.TotalCoverage = uint64(corpus.CoverageSize())
		stats.CodePages = tracer.CodePages()
		stats.DataPages = tracer.DataPages()
		stats.CorpusSize = corpus.QueueSize()
		stats.WorklistSize = corpus.WorklistSize()
		if f.Output != nil {
			stats.MaybeDisplay(f.Output)
		}

		if params.MaxDuration != 0 && time.Since(stats.TotalStart) > params.MaxDuration {
			break
		}
		if params.MaxIterations != 0 && stats.TotalIterations >= params.MaxIterations {
			break
		}
	}

	log.Infof("fuzzing session ended after %s and %d iteration(s)",
		time.Since(stats.TotalStart).Round(time.Millisecond), stats.TotalIterations)
	return stats, nil
}
