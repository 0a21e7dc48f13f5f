package cmd

import (
	"fmt"

	"github.com/loomworks/loom/internal/daemon"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show plan progress",
	Long: `Render the plan's dependency graph progress from the workspace state
files. Works with or without a running daemon.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var statusFlags struct {
	compact bool
	tui     bool
}

func init() {
	statusCmd.Flags().BoolVar(&statusFlags.compact, "compact", false, "one line per stage")
	statusCmd.Flags().BoolVar(&statusFlags.tui, "tui", false, "live updating view")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	w, err := openWorkspace()
	if err != nil {
		return err
	}
	if statusFlags.tui {
		return runStatusTUI(w)
	}
	snap, err := daemon.Snapshot(w.store)
	if err != nil {
		return err
	}
	if len(snap.Stages) == 0 {
		fmt.Println("No stages. Run loom init first.")
		return nil
	}
	if statusFlags.compact {
		fmt.Print(renderCompact(snap))
		return nil
	}
	fmt.Print(renderStatus(snap))
	return nil
}
