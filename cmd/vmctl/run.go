package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	runFrames     int
	runSpacePages int
)

func init() {
	cmd := newRunCmd()
	cmd.Flags().IntVar(&runFrames, "frames", 256, "Physical frames in the simulated pool")
	cmd.Flags().IntVar(&runSpacePages, "pages", 1024, "Pages in the simulated address space")
	rootCmd.AddCommand(cmd)
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <script>",
		Short: "Run a VM operation script against a fresh simulated space",
		Long: `The run command executes a script of area/cache operations, one per
line, against a fresh address space. Page numbers are relative to the
space base.

Script commands:
  map <name> <pages> [private] [wired] [at <page>]
  cut <name> <startPage> <pages>
  fault <name> <page> [w]
  unmap <startPage> <pages>
  show

Example script:
  map heap 8
  fault heap 0 w
  cut heap 2 2
  show`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScript(args[0])
		},
	}
}

func runScript(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open script: %w", err)
	}
	defer f.Close()

	s, err := newSim(runFrames, runSpacePages)
	if err != nil {
		return fmt.Errorf("failed to create simulation: %w", err)
	}
	defer s.close()

	printVerbose("Simulated space: %d pages over %d frames\n", runSpacePages, runFrames)
	return s.run(f, os.Stdout)
}
