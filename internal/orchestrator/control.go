package orchestrator

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/internal/merge"
	"github.com/loomworks/loom/internal/model"
)

// CLI entry points. Unlike the event handlers these report errors to the
// caller instead of logging and moving on.

// MergeCompleted lands a Completed-but-unmerged stage. Recovery path for
// interrupted merges and the manual path when auto-merge is off.
func (o *Orchestrator) MergeCompleted(ctx context.Context, stageID string) (*merge.Result, error) {
	stage, err := o.store.LoadStage(stageID)
	if err != nil {
		return nil, err
	}
	if stage.Merged {
		return nil, fmt.Errorf("stage %s is already merged", stageID)
	}
	if stage.Status != model.StatusCompleted && stage.Status != model.StatusVerified {
		return nil, fmt.Errorf("stage %s is %s, only completed stages can merge", stageID, stage.Status)
	}
	if stage.IsKnowledge() {
		stage.Merged = true
		stage.Touch()
		return &merge.Result{Outcome: merge.Merged}, o.store.SaveStage(stage)
	}
	base, err := o.baseBranch()
	if err != nil {
		return nil, err
	}
	res := o.merger.MergeStage(ctx, stage, base)
	switch res.Outcome {
	case merge.Merged:
		stage.Merged = true
		stage.MergeConflict = false
		stage.Worktree = ""
		o.closeStageSession(stage)
		stage.ReleaseSession()
		stage.Touch()
		if err := o.store.SaveStage(stage); err != nil {
			return &res, err
		}
		o.monitor.ResetFailures(stage.ID)
		return &res, nil
	case merge.Conflicted:
		stage.MergeConflict = true
		stage.Touch()
		if err := o.store.SaveStage(stage); err != nil {
			return &res, err
		}
		o.spawnMergeResolution(stage, base, res.ConflictingFiles)
		return &res, nil
	default:
		return &res, res.Err
	}
}

// MergeResolved confirms that a conflicted merge has been resolved and
// committed, then finishes the stage's bookkeeping.
func (o *Orchestrator) MergeResolved(stageID string) error {
	stage, err := o.store.LoadStage(stageID)
	if err != nil {
		return err
	}
	if !stage.MergeConflict {
		return fmt.Errorf("stage %s has no merge conflict to resolve", stageID)
	}
	base, err := o.baseBranch()
	if err != nil {
		return err
	}
	ok, err := o.merger.VerifyResolved(stage, base)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("merge for stage %s is not finished: resolve the conflicts and commit, then re-run", stageID)
	}
	if stage.Status == model.StatusMergeConflict {
		if err := stage.TryCompleteMerge(); err != nil {
			return err
		}
	} else {
		stage.Merged = true
		stage.MergeConflict = false
		stage.Touch()
	}
	if err := o.store.SaveStage(stage); err != nil {
		return err
	}
	o.monitor.ResetFailures(stageID)
	o.log.Info("merge conflict resolved", "stage", stageID)
	return nil
}
