package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/quarkslab/whvp/internal/config"
	"github.com/quarkslab/whvp/internal/hv"
	"github.com/quarkslab/whvp/internal/snapshot"
	"github.com/quarkslab/whvp/internal/trace"
)

// tracerOptions are the flags shared by every command that runs the
// tracer: where the snapshot lives, the captured processor state, the
// trace parameters, and the per-run overrides.
type tracerOptions struct {
	snapshotPath string
	contextPath  string
	paramsPath   string

	coverage         string
	limit            uint64
	maxDuration      uint64
	saveContext      bool
	saveInstructions bool
}

func (o *tracerOptions) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&o.snapshotPath, "snapshot", "", "Raw guest-memory dump backing the snapshot")
	flags.StringVar(&o.contextPath, "context", "", "Processor-state JSON document")
	flags.StringVar(&o.paramsPath, "params", "", "Trace-parameters JSON document")
	flags.StringVar(&o.coverage, "coverage", "", "Coverage mode: no, instrs or hit")
	flags.Uint64Var(&o.limit, "limit", 0, "Per-run exit cap (0 = unlimited)")
	flags.Uint64Var(&o.maxDuration, "max-duration", 0, "Per-run timeout in seconds")
	flags.BoolVar(&o.saveContext, "save-context", false, "Capture registers per coverage point")
	flags.BoolVar(&o.saveInstructions, "save-instructions", false, "Record formatted instructions")
	cmd.MarkFlagRequired("snapshot")
	cmd.MarkFlagRequired("context")
	cmd.MarkFlagRequired("params")
}

// build loads the documents, applies config-file defaults under the
// flags, and assembles a ready tracer. The caller owns the returned
// tracer and snapshot source.
func (o *tracerOptions) build(cmd *cobra.Command, cfg *config.Config) (*trace.Tracer, *snapshot.FileSource, *trace.ProcessorState, *trace.Params, error) {
	state, err := trace.LoadState(o.contextPath)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	params, err := trace.LoadParams(o.paramsPath)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	coverage := o.coverage
	if !cmd.Flags().Changed("coverage") && cfg.Coverage != "" {
		coverage = cfg.Coverage
	}
	if coverage != "" {
		mode, err := trace.ParseCoverageMode(coverage)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		params.CoverageMode = mode
	}

	params.Limit = o.limit
	if !cmd.Flags().Changed("limit") && cfg.Limit != 0 {
		params.Limit = cfg.Limit
	}
	if cmd.Flags().Changed("max-duration") {
		params.MaxDuration = time.Duration(o.maxDuration) * time.Second
	} else if params.MaxDuration == 0 && cfg.MaxDuration != 0 {
		params.MaxDuration = time.Duration(cfg.MaxDuration) * time.Second
	}
	params.SaveContext = o.saveContext || cfg.SaveContext
	params.SaveInstructions = o.saveInstructions || cfg.SaveInstructions

	src, err := snapshot.OpenFile(o.snapshotPath)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	sys, err := hv.Open()
	if err != nil {
		src.Close()
		return nil, nil, nil, nil, fmt.Errorf("opening hypervisor partition: %w", err)
	}

	return trace.NewTracer(sys, src), src, state, params, nil
}

// parseAddress accepts decimal or 0x-prefixed guest addresses.
func parseAddress(s string) (uint64, error) {
	addr, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return addr, nil
}
