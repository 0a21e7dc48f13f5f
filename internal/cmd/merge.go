package cmd

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/internal/merge"
	"github.com/spf13/cobra"
)

var mergeCmd = &cobra.Command{
	Use:   "merge <stage-id>",
	Short: "Merge a completed stage into the base branch",
	Long: `Land a completed-but-unmerged stage. This is the manual merge path
when auto-merge is off, and the recovery path after an interrupted
merge session.`,
	Args: cobra.ExactArgs(1),
	RunE: runMerge,
}

func init() {
	rootCmd.AddCommand(mergeCmd)
}

func runMerge(cmd *cobra.Command, args []string) error {
	w, err := openWorkspace()
	if err != nil {
		return err
	}
	stage, err := w.store.LoadStage(args[0])
	if err != nil {
		return err
	}
	orch, err := stageOrchestrator(w)
	if err != nil {
		return err
	}

	// A stage already mid-conflict goes through the resolution check
	// instead of a second merge attempt.
	if stage.MergeConflict {
		if err := orch.MergeResolved(stage.ID); err != nil {
			return withHints(err,
				"resolve the conflicted files in the main repository and commit,",
				"then re-run: loom merge "+stage.ID)
		}
		fmt.Printf("Stage %s merged after conflict resolution.\n", stage.ID)
		return nil
	}

	res, err := orch.MergeCompleted(context.Background(), stage.ID)
	if err != nil {
		return err
	}
	switch res.Outcome {
	case merge.Merged:
		fmt.Printf("Stage %s merged into %s.\n", stage.ID, res.BaseBranch)
	case merge.Conflicted:
		return withHints(
			fmt.Errorf("merge of stage %s conflicts: %v", stage.ID, res.ConflictingFiles),
			"resolve the conflict in the main repository and commit,",
			"then run: loom stage "+stage.ID+" merge-complete")
	default:
		return fmt.Errorf("merge of stage %s blocked: %v", stage.ID, res.Err)
	}
	return nil
}
