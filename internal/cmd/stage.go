package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/loomworks/loom/internal/accept"
	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/notify"
	"github.com/loomworks/loom/internal/orchestrator"
	"github.com/loomworks/loom/internal/plan"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/terminal"
	"github.com/spf13/cobra"
)

var stageCmd = &cobra.Command{
	Use:   "stage <id> <action> [args]",
	Short: "Drive a stage through its state machine",
	Long: `User-driven stage transitions. Actions:

  complete            run acceptance, then merge into the base branch
  block <reason>      mark an executing stage blocked
  ready               queue a waiting stage
  reset               restore the stage to its plan definition
  retry [--force]     requeue a blocked or failed stage
  skip [<reason>]     close the stage without running it
  verify              re-run acceptance on a completed stage, then mark verified
  dispute-criteria <reason>
                      flag the acceptance criteria for human review
  merge-complete      confirm a resolved merge conflict
  check-acceptance    run acceptance commands without changing state

Every action enforces the stage transition relation; an illegal edge
fails and leaves the stage unchanged.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runStage,
}

var stageFlags struct {
	force  bool
	reason string
}

func init() {
	stageCmd.Flags().BoolVar(&stageFlags.force, "force", false, "retry: reset the retry counter")
	stageCmd.Flags().StringVar(&stageFlags.reason, "reason", "", "reason for block, skip or dispute-criteria")
	rootCmd.AddCommand(stageCmd)
}

var stageActions = map[string]bool{
	"complete": true, "block": true, "ready": true, "reset": true,
	"retry": true, "skip": true, "verify": true, "dispute-criteria": true,
	"merge-complete": true, "check-acceptance": true,
}

func runStage(cmd *cobra.Command, args []string) error {
	// Accept both "stage <id> <action>" and "stage <action> <id>".
	id, action := args[0], args[1]
	if stageActions[id] && !stageActions[action] {
		id, action = action, id
	}
	if !stageActions[action] {
		return fmt.Errorf("unknown stage action %q", action)
	}
	rest := args[2:]

	w, err := openWorkspace()
	if err != nil {
		return err
	}
	stage, err := w.store.LoadStage(id)
	if err != nil {
		return withHints(err, "list stages with: loom status --compact")
	}

	reason := stageFlags.reason
	if reason == "" && len(rest) > 0 {
		reason = strings.Join(rest, " ")
	}

	switch action {
	case "complete":
		return stageComplete(w, stage)
	case "block":
		if reason == "" {
			return fmt.Errorf("block requires a reason")
		}
		if err := stage.TryMarkBlocked(); err != nil {
			return err
		}
		stage.CloseReason = reason
		if err := w.store.SaveStage(stage); err != nil {
			return err
		}
		fmt.Printf("Stage %s blocked: %s\n", stage.ID, reason)
		return nil
	case "ready":
		if err := stage.TryMarkQueued(); err != nil {
			return err
		}
		if err := w.store.SaveStage(stage); err != nil {
			return err
		}
		fmt.Printf("Stage %s queued.\n", stage.ID)
		return nil
	case "reset":
		return stageReset(w, stage)
	case "retry":
		if err := stage.TryRetry(stageFlags.force); err != nil {
			return err
		}
		if err := w.store.SaveStage(stage); err != nil {
			return err
		}
		fmt.Printf("Stage %s requeued (attempt %d).\n", stage.ID, stage.RetryCount+1)
		return nil
	case "skip":
		if err := stage.TrySkip(reason); err != nil {
			return err
		}
		if err := w.store.SaveStage(stage); err != nil {
			return err
		}
		fmt.Printf("Stage %s skipped. Its dependents will never become ready.\n", stage.ID)
		return nil
	case "verify":
		return stageVerify(w, stage)
	case "dispute-criteria":
		if reason == "" {
			return fmt.Errorf("dispute-criteria requires a reason")
		}
		if err := stage.TryMarkNeedsHumanReview(reason); err != nil {
			return err
		}
		if err := w.store.SaveStage(stage); err != nil {
			return err
		}
		notify.New(w.logger()).HumanReviewNeeded(stage.ID, reason)
		fmt.Printf("Stage %s flagged for human review.\n", stage.ID)
		return nil
	case "merge-complete":
		orch, err := stageOrchestrator(w)
		if err != nil {
			return err
		}
		if err := orch.MergeResolved(stage.ID); err != nil {
			return err
		}
		fmt.Printf("Stage %s merged after conflict resolution.\n", stage.ID)
		return nil
	case "check-acceptance":
		res := runAcceptance(w, stage)
		printAcceptance(res)
		if !res.AllPassed {
			return fmt.Errorf("%d of %d acceptance criteria failed", len(res.Failures()), len(res.Results))
		}
		return nil
	}
	return nil
}

// stageOrchestrator builds an orchestrator for one-shot stage commands.
// Falls back to the native backend in manual mode when tmux is missing,
// since these commands only spawn sessions on a merge conflict.
func stageOrchestrator(w *workspace) (*orchestrator.Orchestrator, error) {
	opts := orchestrator.Options{}
	backend, err := w.backend()
	if err != nil {
		backend, err = terminal.NewNative(w.cfg.Terminal.AgentCommand, store.WorkDir(w.root))
		if err != nil {
			return nil, err
		}
		opts.Manual = true
	}
	return orchestrator.New(w.store, w.wt, backend, w.cfg, w.ws, w.logger(), opts), nil
}

func stageComplete(w *workspace, stage *model.Stage) error {
	orch, err := stageOrchestrator(w)
	if err != nil {
		return err
	}
	res, err := orch.CompleteStage(context.Background(), stage.ID)
	if res != nil && !res.AllPassed {
		printAcceptance(res)
	}
	if err != nil {
		return err
	}
	updated, lerr := w.store.LoadStage(stage.ID)
	if lerr != nil {
		return lerr
	}
	switch {
	case updated.Merged:
		fmt.Printf("Stage %s completed and merged.\n", stage.ID)
	case updated.Status == model.StatusMergeConflict:
		return withHints(
			fmt.Errorf("stage %s completed but its merge conflicts", stage.ID),
			"resolve the conflict in the main repository, commit it,",
			"then run: loom stage "+stage.ID+" merge-complete")
	case updated.Status == model.StatusCompletedWithFailures:
		return withHints(
			fmt.Errorf("stage %s finished with failing acceptance criteria", stage.ID),
			"fix the stage in its worktree, then retry: loom stage "+stage.ID+" retry")
	default:
		fmt.Printf("Stage %s is now %s.\n", stage.ID, updated.Status)
	}
	return nil
}

// stageReset restores the stage to its plan definition: session killed,
// worktree and branch removed, counters cleared.
func stageReset(w *workspace, stage *model.Stage) error {
	src := w.ws.Plan.SourcePath
	p, err := plan.Load(src)
	if err != nil {
		return withHints(err, "the plan file recorded in .work/config.toml could not be loaded")
	}
	var def *plan.StageDefinition
	for i := range p.Metadata.Loom.Stages {
		if p.Metadata.Loom.Stages[i].ID == stage.ID {
			def = &p.Metadata.Loom.Stages[i]
			break
		}
	}
	if def == nil {
		return fmt.Errorf("stage %s is no longer defined in %s", stage.ID, src)
	}

	if stage.Session != "" {
		if sess, err := w.store.LoadSession(stage.Session); err == nil {
			if backend, berr := w.backend(); berr == nil {
				_ = backend.KillSession(sess)
			}
		}
	}
	if w.wt.Exists(stage.ID) {
		if err := w.wt.Remove(stage.ID); err != nil {
			return err
		}
	}
	if w.wt.BranchExists(stage.BranchName()) {
		_ = w.wt.DeleteBranch(stage.BranchName())
	}

	fresh, err := def.ToStage()
	if err != nil {
		return err
	}
	fresh.CreatedAt = stage.CreatedAt
	if err := w.store.SaveStage(fresh); err != nil {
		return err
	}
	fmt.Printf("Stage %s reset to its plan definition.\n", stage.ID)
	return nil
}

// stageVerify re-runs acceptance against the merged tree and promotes
// Completed to Verified on success.
func stageVerify(w *workspace, stage *model.Stage) error {
	if stage.Status != model.StatusCompleted {
		return fmt.Errorf("stage %s is %s, only completed stages can be verified", stage.ID, stage.Status)
	}
	res := runAcceptance(w, stage)
	printAcceptance(res)
	if !res.AllPassed {
		return fmt.Errorf("verification failed: %d of %d criteria failed", len(res.Failures()), len(res.Results))
	}
	if err := stage.TryVerify(); err != nil {
		return err
	}
	if err := w.store.SaveStage(stage); err != nil {
		return err
	}
	fmt.Printf("Stage %s verified.\n", stage.ID)
	return nil
}

func runAcceptance(w *workspace, stage *model.Stage) *accept.Result {
	workdir := stage.Worktree
	if workdir == "" {
		workdir = w.root
	}
	aCtx := accept.Context{
		Worktree:    workdir,
		ProjectRoot: w.root,
		StageID:     stage.ID,
	}
	cfg := accept.Config{CommandTimeout: w.cfg.Acceptance.CommandTimeout()}
	return accept.Run(stage.Acceptance, stage.Setup, workdir, aCtx, cfg)
}

func printAcceptance(res *accept.Result) {
	if res == nil {
		return
	}
	for _, cr := range res.Results {
		mark := doneStyle.Render("pass")
		if !cr.Success {
			mark = failStyle.Render("FAIL")
			if cr.TimedOut {
				mark = failStyle.Render("TIMEOUT")
			}
		}
		fmt.Printf("  [%s] %s (%.1fs)\n", mark, cr.Command, cr.Duration.Seconds())
		if !cr.Success && strings.TrimSpace(cr.Stderr) != "" {
			fmt.Println(dimStyle.Render(indent(strings.TrimSpace(cr.Stderr), "        ")))
		}
	}
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
