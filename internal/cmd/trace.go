package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quarkslab/whvp/internal/config"
)

func addTraceCommand(parent *cobra.Command) {
	opts := &tracerOptions{}
	var savePath string

	traceCmd := &cobra.Command{
		Use:   "trace [workdir]",
		Short: "Trace the captured function slice once",
		Long: `Install the captured processor state, run to the return address and
report what the run touched. The optional workdir supplies fuzz.toml
defaults. Use --save to dump the full trace document.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := &config.Config{}
			if len(args) == 1 {
				var err error
				if cfg, err = config.Load(args[0]); err != nil {
					return err
				}
			}

			tracer, src, state, params, err := opts.build(cmd, cfg)
			if err != nil {
				return err
			}
			defer tracer.Close()
			defer src.Close()

			if err := tracer.SetInitialContext(state); err != nil {
				return err
			}
			tr, err := tracer.Run(params)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "status: %s\n", tr.Status)
			fmt.Fprintf(cmd.OutOrStdout(), "unique addresses: %d\n", len(tr.Seen))
			fmt.Fprintf(cmd.OutOrStdout(), "coverage points: %d\n", len(tr.Coverage))
			fmt.Fprintf(cmd.OutOrStdout(), "pages: %d code, %d data\n", tracer.CodePages(), tracer.DataPages())
			fmt.Fprintf(cmd.OutOrStdout(), "duration: %s\n", tr.End.Sub(tr.Start).Round(0))

			if savePath != "" {
				if err := tr.Save(savePath); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "trace saved to %s\n", savePath)
			}
			return nil
		},
	}

	opts.register(traceCmd)
	traceCmd.Flags().StringVar(&savePath, "save", "", "Write the trace JSON document to this path")

	parent.AddCommand(traceCmd)
}
