package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	elfsplice "github.com/xyproto/elfsplice"
)

var (
	verbose bool
	dryRun  bool
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "elfsplice TO_EXTEND SOURCE [OUTPUT]",
		Short: "Extend a target ELF executable's dynamic-linking metadata with a source's",
		Long: `elfsplice merges the dynamic symbol table, relocations, and symbol
versioning of SOURCE into a copy of TO_EXTEND, without relocating or
modifying either input's existing code or data. OUTPUT defaults to stdout
("-").`,
		Args: cobra.RangeArgs(2, 3),
		RunE: runMerge,
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug-level logging")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute and print the merge layout without writing output")
	return cmd
}

func runMerge(cmd *cobra.Command, args []string) error {
	elfsplice.SetVerbose(verbose)

	toExtend := args[0]
	source := args[1]
	output := "-"
	if len(args) == 3 {
		output = args[2]
	}

	return elfsplice.Run(toExtend, source, output, dryRun, cmd.OutOrStdout())
}

func main() {
	cmd := newRootCmd()
	if err := cmd.Execute(); err != nil {
		kind := elfsplice.KindOf(err)
		fmt.Fprintln(os.Stderr, "elfsplice:", err)
		os.Exit(kind.ExitCode())
	}
}
