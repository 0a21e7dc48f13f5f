package cmd

import (
	"fmt"

	"github.com/loomworks/loom/internal/daemon"
	"github.com/loomworks/loom/internal/errors"
	"github.com/loomworks/loom/internal/handoff"
	"github.com/loomworks/loom/internal/model"
	"github.com/spf13/cobra"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <stage-id>",
	Short: "Continue an interrupted stage from its latest handoff",
	Long: `Requeue a stage whose session ran out of context or crashed. The next
session spawned for the stage receives a pointer to the latest handoff
document in its signal file.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	w, err := openWorkspace()
	if err != nil {
		return err
	}
	stage, err := w.store.LoadStage(args[0])
	if err != nil {
		return err
	}
	if !handoff.CanResume(stage.Status) {
		return fmt.Errorf("stage %s is %s and cannot be resumed", stage.ID, stage.Status)
	}

	handoffs := handoff.NewStore(w.root)
	doc, err := handoffs.Latest(stage.ID)
	if err != nil && !errors.Is(err, errors.ErrNotFound) {
		return err
	}

	switch stage.Status {
	case model.StatusNeedsHandoff:
		if err := stage.TryMarkQueued(); err != nil {
			return err
		}
	case model.StatusBlocked:
		if err := stage.TryRetry(false); err != nil {
			return err
		}
	}
	if err := w.store.SaveStage(stage); err != nil {
		return err
	}

	if doc != nil {
		fmt.Printf("Stage %s queued for continuation from %s.\n", stage.ID, doc.Path)
	} else {
		fmt.Printf("Stage %s queued for continuation (no handoff document found).\n", stage.ID)
	}
	if _, running := daemon.RunningPid(w.root); !running {
		fmt.Println("No orchestrator is running; start one with loom run.")
	}
	return nil
}
