package cmd

import (
	"fmt"

	"github.com/loomworks/loom/internal/daemon"
	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the workspace daemon",
	Long: `Ask the running daemon to shut down. Agent sessions keep running and
stay attachable; only orchestration stops.`,
	Args: cobra.NoArgs,
	RunE: runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	w, err := openWorkspace()
	if err != nil {
		return err
	}
	client, err := daemon.Dial(w.root)
	if err != nil {
		if _, ok := daemon.RunningPid(w.root); !ok {
			return fmt.Errorf("no daemon is running in this workspace")
		}
		return withHints(err,
			"a daemon pid file exists but the socket is unreachable",
			"if the process is gone, remove .work/orchestrator.pid and .work/orchestrator.sock")
	}
	defer client.Close()
	if err := client.Stop(); err != nil {
		return err
	}
	fmt.Println("Daemon stopping.")
	return nil
}
