package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newDemoCmd())
}

func newDemoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run a canned walkthrough of the area/cache operations",
		Long: `The demo command maps a few areas into a simulated address space,
faults pages in, cuts one area apart, and prints the layout after each
step. It is the quickest way to see the library at work.

Example:
  vmctl demo
  vmctl demo --json -q`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo()
		},
	}
}

const demoScript = `
# A heap-like region, faulted in on demand.
map heap 8
fault heap 0 w
fault heap 1 w
fault heap 7 w

# A wired buffer: every page backed and mapped at bind time.
map buffer 4 wired at 16

# Punch a hole in the heap; the far side becomes heap.1.
cut heap 2 2
show

# Unmap the buffer and the front of the heap.
unmap 16 4
cut heap 0 2
show
`

func runDemo() error {
	s, err := newSim(64, 64)
	if err != nil {
		return fmt.Errorf("failed to create simulation: %w", err)
	}
	defer s.close()

	printInfo("Running demo script:\n%s\n", demoScript)
	return s.run(strings.NewReader(demoScript), os.Stdout)
}
