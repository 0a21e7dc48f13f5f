package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/loomworks/loom/internal/config"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Dependency-ordered coding-agent orchestrator",
	Long: `Loom drives parallel, dependency-ordered execution of a plan of stages,
each running as a coding agent in an isolated git worktree, with a
progressive merge into the base branch as stages complete.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command, printing one line per failure plus any
// hints attached to the error.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "loom: %v\n", err)
		var he *hintedError
		if errors.As(err, &he) {
			fmt.Fprintln(os.Stderr, "Hint:")
			for _, h := range he.hints {
				fmt.Fprintf(os.Stderr, "  %s\n", h)
			}
		}
	}
	return err
}

func init() {
	cobra.OnInitialize(func() {
		if err := config.Init(); err != nil {
			fmt.Fprintf(os.Stderr, "loom: config: %v\n", err)
		}
	})
}

// hintedError carries follow-up suggestions printed under the failure
// line.
type hintedError struct {
	err   error
	hints []string
}

func (e *hintedError) Error() string { return e.err.Error() }
func (e *hintedError) Unwrap() error { return e.err }

func withHints(err error, hints ...string) error {
	if err == nil {
		return nil
	}
	return &hintedError{err: err, hints: hints}
}
