package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quarkslab/whvp/internal/trace"
)

func addRegsCommand(parent *cobra.Command) {
	var contextPath string

	regsCmd := &cobra.Command{
		Use:   "regs",
		Short: "Pretty-print a processor-state document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := trace.LoadState(contextPath)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "rax %016x rcx %016x rdx %016x rbx %016x\n", state.Rax, state.Rcx, state.Rdx, state.Rbx)
			fmt.Fprintf(w, "rsp %016x rbp %016x rsi %016x rdi %016x\n", state.Rsp, state.Rbp, state.Rsi, state.Rdi)
			fmt.Fprintf(w, "r8  %016x r9  %016x r10 %016x r11 %016x\n", state.R8, state.R9, state.R10, state.R11)
			fmt.Fprintf(w, "r12 %016x r13 %016x r14 %016x r15 %016x\n", state.R12, state.R13, state.R14, state.R15)
			fmt.Fprintf(w, "rip %016x rflags %016x\n", state.Rip, state.Rflags)
			fmt.Fprintf(w, "cr0 %016x cr3 %016x cr4 %016x cr8 %016x\n", state.Cr0, state.Cr3, state.Cr4, state.Cr8)
			fmt.Fprintf(w, "efer %016x\n", state.Efer)
			fmt.Fprintf(w, "gdtr %016x:%04x idtr %016x:%04x\n", state.Gdtr, state.Gdtl, state.Idtr, state.Idtl)
			fmt.Fprintf(w, "cs %04x ss %04x ds %04x es %04x fs %04x gs %04x\n",
				state.Cs.Selector, state.Ss.Selector, state.Ds.Selector,
				state.Es.Selector, state.Fs.Selector, state.Gs.Selector)
			fmt.Fprintf(w, "fs_base %016x gs_base %016x kernel_gs_base %016x\n",
				state.FsBase, state.GsBase, state.KernelGsBase)
			fmt.Fprintf(w, "star %016x lstar %016x cstar %016x\n", state.Star, state.Lstar, state.Cstar)
			return nil
		},
	}

	regsCmd.Flags().StringVar(&contextPath, "context", "", "Processor-state JSON document")
	regsCmd.MarkFlagRequired("context")

	parent.AddCommand(regsCmd)
}
