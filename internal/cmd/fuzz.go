package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/quarkslab/whvp/internal/config"
	"github.com/quarkslab/whvp/internal/fuzz"
)

func addFuzzCommand(parent *cobra.Command) {
	opts := &tracerOptions{}
	var (
		inputFlag         string
		inputSizeFlag     uint64
		maxIterationsFlag uint64
		maxDurationFlag   uint64
		stopOnCrashFlag   bool
		displayFlag       uint64
		seedFlag          uint64
	)

	fuzzCmd := &cobra.Command{
		Use:   "fuzz <workdir>",
		Short: "Run a fuzzing session rooted at a workdir",
		Long: `Run the fuzzing loop: load the corpus under <workdir>/corpus, trace
the unmutated path once to prime the page cache, then mutate the guest
input buffer every iteration. New-coverage inputs are persisted to the
corpus; inputs reaching a forbidden address are saved under
<workdir>/crashes. Files dropped into the workdir while the session
runs are picked up as seeds.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workdir := args[0]

			cfg, err := config.Load(workdir)
			if err != nil {
				return err
			}

			tracer, src, state, traceParams, err := opts.build(cmd, cfg)
			if err != nil {
				return err
			}
			defer tracer.Close()
			defer src.Close()

			params := &fuzz.Params{
				InputSize:     inputSizeFlag,
				MaxIterations: maxIterationsFlag,
				MaxDuration:   time.Duration(maxDurationFlag) * time.Second,
				StopOnCrash:   stopOnCrashFlag,
				DisplayDelay:  time.Duration(displayFlag) * time.Second,
			}
			if inputFlag != "" {
				if params.Input, err = parseAddress(inputFlag); err != nil {
					return err
				}
			} else {
				params.Input = cfg.Fuzz.Input
			}
			if !cmd.Flags().Changed("input-size") && cfg.Fuzz.InputSize != 0 {
				params.InputSize = cfg.Fuzz.InputSize
			}
			if !cmd.Flags().Changed("max-iterations") && cfg.Fuzz.MaxIterations != 0 {
				params.MaxIterations = cfg.Fuzz.MaxIterations
			}
			if !cmd.Flags().Changed("fuzz-max-duration") && cfg.Fuzz.MaxDuration != 0 {
				params.MaxDuration = time.Duration(cfg.Fuzz.MaxDuration) * time.Second
			}
			if !cmd.Flags().Changed("display") && cfg.Fuzz.Display != 0 {
				params.DisplayDelay = time.Duration(cfg.Fuzz.Display) * time.Second
			}
			params.StopOnCrash = params.StopOnCrash || cfg.Fuzz.StopOnCrash
			if params.Input == 0 || params.InputSize == 0 {
				return fmt.Errorf("the input address and size must be provided (--input/--input-size or fuzz.toml)")
			}

			// Ctrl-C ends the process promptly; no in-flight state
			// survives a signal-initiated exit.
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt)
			go func() {
				<-sigCh
				log.Warn("interrupted, exiting")
				os.Exit(130)
			}()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			fuzzer, err := fuzz.NewFuzzer(ctx, workdir)
			if err != nil {
				return err
			}
			fuzzer.Output = os.Stderr

			seed := seedFlag
			if seed == 0 {
				seed = uint64(time.Now().UnixNano())
			}
			strategy := fuzz.NewRandomStrategy(seed)

			stats, err := fuzzer.Run(strategy, params, tracer, state, traceParams)
			if stats != nil {
				stats.Display(os.Stderr)
			}
			return err
		},
	}

	opts.register(fuzzCmd)
	flags := fuzzCmd.Flags()
	flags.StringVar(&inputFlag, "input", "", "Guest-virtual address of the fuzzed buffer")
	flags.Uint64Var(&inputSizeFlag, "input-size", 0, "Size of the fuzzed buffer in bytes")
	flags.Uint64Var(&maxIterationsFlag, "max-iterations", 0, "Stop after this many iterations (0 = unbounded)")
	flags.Uint64Var(&maxDurationFlag, "fuzz-max-duration", 0, "Stop the session after this many seconds (0 = unbounded)")
	flags.BoolVar(&stopOnCrashFlag, "stop-on-crash", false, "End the session at the first crash")
	flags.Uint64Var(&displayFlag, "display", 1, "Seconds between stats lines")
	flags.Uint64Var(&seedFlag, "seed", 0, "Mutation seed (0 = time-based)")

	parent.AddCommand(fuzzCmd)
}
