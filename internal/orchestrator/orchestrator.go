// Package orchestrator is the hub that turns monitor events and user
// commands into graph updates, merges, and session spawns.
package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/loomworks/loom/internal/accept"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/errors"
	"github.com/loomworks/loom/internal/graph"
	"github.com/loomworks/loom/internal/handoff"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/merge"
	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/monitor"
	"github.com/loomworks/loom/internal/notify"
	"github.com/loomworks/loom/internal/signal"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/terminal"
	"github.com/loomworks/loom/internal/worktree"
)

// Options configure one orchestrator run.
type Options struct {
	// Manual writes signals and worktrees but never spawns agents.
	Manual bool
	// StageFilter restricts scheduling to one stage id when set.
	StageFilter string
	// MaxParallel overrides config when > 0.
	MaxParallel int
	// AutoMerge overrides the workspace setting when set.
	AutoMerge *bool
}

// Orchestrator drives plan execution. All methods are called from the
// run loop or from CLI commands; the only shared mutable state is the
// shutdown flag and the monitor's event buffer.
type Orchestrator struct {
	store    *store.Store
	wt       *worktree.Manager
	merger   *merge.Merger
	signals  *signal.Generator
	backend  terminal.Backend
	monitor  *monitor.Monitor
	handoffs *handoff.Store
	notifier *notify.Notifier
	cfg      *config.Config
	ws       *config.Workspace
	log      *logging.Logger
	opts     Options

	// retryAt schedules requeues for auto-retried failures.
	retryAt  map[string]time.Time
	shutdown atomic.Bool
}

// New wires an orchestrator from its parts.
func New(st *store.Store, wt *worktree.Manager, backend terminal.Backend, cfg *config.Config, ws *config.Workspace, log *logging.Logger, opts Options) *Orchestrator {
	if log == nil {
		log = logging.Discard()
	}
	if opts.MaxParallel > 0 {
		cfg.Orchestrator.MaxParallelSessions = opts.MaxParallel
	}
	merger := merge.New(wt, log, cfg.Merge.Timeout())
	return &Orchestrator{
		store:    st,
		wt:       wt,
		merger:   merger,
		signals:  signal.New(st, wt.RepoRoot()),
		backend:  backend,
		monitor:  monitor.New(st, backend, cfg.Monitor, cfg.Orchestrator.MaxFailuresBeforeEscalation, log),
		handoffs: handoff.NewStore(st.Root()),
		notifier: notify.New(log),
		cfg:      cfg,
		ws:       ws,
		log:      log,
		opts:     opts,
		retryAt:  make(map[string]time.Time),
	}
}

// Monitor exposes the orchestrator's monitor for status consumers.
func (o *Orchestrator) Monitor() *monitor.Monitor { return o.monitor }

// Shutdown asks the run loop to stop at the next tick boundary.
// In-flight sessions are left running; they are reattachable.
func (o *Orchestrator) Shutdown() { o.shutdown.Store(true) }

// Run executes ticks until the context is cancelled, Shutdown is
// called, or every stage reaches a terminal state.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.wt.Prune(); err != nil {
		o.log.Warn("worktree prune failed", "error", err)
	}
	ticker := time.NewTicker(o.cfg.Monitor.PollInterval())
	defer ticker.Stop()
	nudge := o.monitor.Watch(ctx)

	for {
		if o.shutdown.Load() {
			o.log.Info("shutdown requested")
			return nil
		}
		done, err := o.Tick(ctx)
		if err != nil {
			o.log.Error("tick failed", "error", err)
		}
		if done {
			o.log.Info("all stages settled")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-nudge:
		}
	}
}

// Tick performs one scheduling pass and reports whether the plan has
// settled (no stage can make further progress).
func (o *Orchestrator) Tick(ctx context.Context) (bool, error) {
	o.monitor.Scan()
	for _, e := range o.monitor.Drain() {
		o.dispatch(ctx, e)
	}
	o.requeueDue()
	o.mergePending(ctx)

	stages, err := o.store.ListStages()
	if err != nil {
		return false, err
	}
	g, err := graph.Build(stages)
	if err != nil {
		return false, err
	}

	// Persist WaitingForDeps -> Queued for stages whose deps satisfied.
	for _, id := range g.UpdateReady() {
		stage, err := o.store.LoadStage(id)
		if err != nil {
			continue
		}
		if stage.Status != model.StatusWaitingForDeps {
			continue
		}
		if err := stage.TryMarkQueued(); err == nil {
			_ = o.store.SaveStage(stage)
			o.log.Info("stage ready", "stage", id)
		}
	}

	o.schedule(ctx, g)
	return o.settled(), nil
}

// dispatch routes one monitor event.
func (o *Orchestrator) dispatch(ctx context.Context, e monitor.Event) {
	switch e.Kind {
	case monitor.EventStageCompleted:
		o.handleCompleted(ctx, e.StageID)
	case monitor.EventSessionCrashed, monitor.EventSessionHung:
		o.handleCrash(e)
	case monitor.EventNeedsHandoff:
		o.handleHandoff(e)
	case monitor.EventWaitingForInput:
		o.handleWaitingForInput(e)
	case monitor.EventInputReceived:
		o.handleInputReceived(e.StageID)
	case monitor.EventMergeSessionCompleted:
		o.handleMergeResolved(e.StageID)
	case monitor.EventContextWarning:
		o.log.Warn("context usage high", "stage", e.StageID, "usage", e.ContextUsage)
	case monitor.EventContextCritical:
		o.log.Warn("context usage critical", "stage", e.StageID, "usage", e.ContextUsage)
	case monitor.EventHumanReview:
		o.notifier.HumanReviewNeeded(e.StageID, e.Evidence)
	}
}

// handleCompleted merges a stage that reached Completed without its
// work landing yet. Knowledge stages have nothing to merge.
func (o *Orchestrator) handleCompleted(ctx context.Context, stageID string) {
	stage, err := o.store.LoadStage(stageID)
	if err != nil || stage.Status != model.StatusCompleted || stage.Merged {
		return
	}
	if stage.IsKnowledge() {
		stage.Merged = true
		_ = o.store.SaveStage(stage)
		return
	}
	if !o.autoMerge() {
		o.log.Info("stage completed, waiting for manual merge", "stage", stageID)
		return
	}
	o.mergeCompleted(ctx, stage)
}

// mergeCompleted lands an already-Completed stage. The stage keeps its
// status through a conflict; only the merged and merge_conflict flags
// move, so dependents stay blocked until resolution.
func (o *Orchestrator) mergeCompleted(ctx context.Context, stage *model.Stage) {
	base, err := o.baseBranch()
	if err != nil {
		o.log.Error("cannot resolve base branch", "stage", stage.ID, "error", err)
		return
	}
	res := o.merger.MergeStage(ctx, stage, base)
	switch res.Outcome {
	case merge.Merged:
		stage.Merged = true
		stage.MergeConflict = false
		o.closeStageSession(stage)
		stage.ReleaseSession()
		stage.Touch()
		_ = o.store.SaveStage(stage)
		o.monitor.ResetFailures(stage.ID)
	case merge.Conflicted:
		stage.MergeConflict = true
		stage.Touch()
		_ = o.store.SaveStage(stage)
		o.spawnMergeResolution(stage, base, res.ConflictingFiles)
	default:
		o.log.Error("merge blocked", "stage", stage.ID, "error", res.Err)
	}
}

// mergePending retries merges for completed stages whose work never
// landed: a restart between completion and merge, or an attempt that
// hit the merge lock during another stage's conflict window. Status
// changes are only observed as transitions, so these stages would
// otherwise stall the plan forever.
func (o *Orchestrator) mergePending(ctx context.Context) {
	if !o.autoMerge() || o.activeMergeSessionExists() {
		return
	}
	stages, err := o.store.ListStages()
	if err != nil {
		return
	}
	for _, stage := range stages {
		if stage.Status != model.StatusCompleted || stage.Merged || stage.MergeConflict {
			continue
		}
		if stage.IsKnowledge() {
			stage.Merged = true
			stage.Touch()
			_ = o.store.SaveStage(stage)
			continue
		}
		o.mergeCompleted(ctx, stage)
	}
}

// handleCrash classifies a crash or hang and either schedules a retry
// with backoff or blocks the stage.
func (o *Orchestrator) handleCrash(e monitor.Event) {
	stage, err := o.store.LoadStage(e.StageID)
	if err != nil {
		return
	}
	switch stage.Status {
	case model.StatusExecuting:
	case model.StatusWaitingForInput:
		// A crash while parked for input is still a crash.
		_ = stage.TryMarkExecuting()
	default:
		return
	}

	// Hung sessions are still alive; kill them before requeueing so a
	// retry never shares the worktree with the stuck agent.
	if e.Kind == monitor.EventSessionHung {
		if sess, serr := o.store.LoadSession(e.SessionID); serr == nil {
			_ = o.backend.KillSession(sess)
			_ = sess.TryTransition(model.SessionCrashed)
			_ = o.store.SaveSession(sess)
		}
	}

	ft := ClassifyFailure(e.Evidence)
	var evidence []string
	if e.Evidence != "" {
		evidence = []string{e.Evidence}
	}
	stage.RecordFailure(ft, evidence)
	stage.ReleaseSession()

	if err := stage.TryMarkBlocked(); err != nil {
		o.log.Error("cannot block crashed stage", "stage", stage.ID, "error", err)
		return
	}

	if !e.Escalate && shouldRetry(stage, ft) {
		delay := o.backoff(stage.RetryCount)
		o.retryAt[stage.ID] = time.Now().Add(delay)
		o.log.Warn("stage failed, retry scheduled",
			"stage", stage.ID, "failure", ft, "attempt", stage.RetryCount+1, "delay", delay)
	} else {
		o.log.Error("stage blocked permanently", "stage", stage.ID, "failure", ft)
		o.notifier.Send("critical", "loom: stage blocked", "Stage "+stage.ID+" failed: "+string(ft))
	}
	_ = o.store.SaveStage(stage)
}

// handleHandoff moves a stage through NeedsHandoff back to Queued so
// the scheduler spawns a continuation session.
func (o *Orchestrator) handleHandoff(e monitor.Event) {
	stage, err := o.store.LoadStage(e.StageID)
	if err != nil || stage.Status != model.StatusExecuting {
		return
	}
	if sess, serr := o.store.LoadSession(stage.Session); serr == nil {
		_ = o.backend.KillSession(sess)
		_ = sess.TryTransition(model.SessionContextExhausted)
		_ = o.store.SaveSession(sess)
	}
	stage.ReleaseSession()
	if err := stage.TryMarkNeedsHandoff(); err != nil {
		return
	}
	_ = stage.TryMarkQueued()
	_ = o.store.SaveStage(stage)
	o.log.Info("handoff accepted", "stage", stage.ID, "handoff", e.HandoffPath)
}

// handleWaitingForInput parks an executing stage whose agent reports
// itself idle. The session stays alive; only the stage status moves so
// the operator sees where attention is needed.
func (o *Orchestrator) handleWaitingForInput(e monitor.Event) {
	stage, err := o.store.LoadStage(e.StageID)
	if err != nil || stage.Status != model.StatusExecuting {
		return
	}
	if err := stage.TryMarkWaitingForInput(); err != nil {
		return
	}
	_ = o.store.SaveStage(stage)
	o.log.Info("stage waiting for input", "stage", stage.ID, "activity", e.Evidence)
	o.notifier.Send("normal", "loom: input needed", "Stage "+stage.ID+" is waiting for input; attach with loom attach "+stage.ID)
}

// handleInputReceived resumes a parked stage once its agent reports
// activity again.
func (o *Orchestrator) handleInputReceived(stageID string) {
	stage, err := o.store.LoadStage(stageID)
	if err != nil || stage.Status != model.StatusWaitingForInput {
		return
	}
	if err := stage.TryMarkExecuting(); err != nil {
		return
	}
	_ = o.store.SaveStage(stage)
	o.log.Info("stage resumed", "stage", stageID)
}

// handleMergeResolved re-checks the main repo after a merge-resolution
// session finishes.
func (o *Orchestrator) handleMergeResolved(stageID string) {
	stage, err := o.store.LoadStage(stageID)
	if err != nil || !stage.MergeConflict {
		return
	}
	base, err := o.baseBranch()
	if err != nil {
		return
	}
	ok, err := o.merger.VerifyResolved(stage, base)
	if err != nil || !ok {
		o.log.Warn("merge resolution incomplete", "stage", stageID, "error", err)
		o.notifier.Send("critical", "loom: merge needs attention",
			"Stage "+stageID+"'s conflict resolution did not finish cleanly.")
		return
	}
	if stage.Status == model.StatusMergeConflict {
		if err := stage.TryCompleteMerge(); err != nil {
			o.log.Error("cannot complete merge", "stage", stageID, "error", err)
			return
		}
	} else {
		stage.Merged = true
		stage.MergeConflict = false
		stage.Touch()
	}
	_ = o.store.SaveStage(stage)
	o.monitor.ResetFailures(stageID)
	o.log.Info("merge conflict resolved", "stage", stageID)
}

// requeueDue returns blocked stages whose retry backoff elapsed to
// Queued.
func (o *Orchestrator) requeueDue() {
	now := time.Now()
	for id, at := range o.retryAt {
		if now.Before(at) {
			continue
		}
		delete(o.retryAt, id)
		stage, err := o.store.LoadStage(id)
		if err != nil || stage.Status != model.StatusBlocked {
			continue
		}
		if err := stage.TryRetry(false); err == nil {
			_ = o.store.SaveStage(stage)
			o.log.Info("stage requeued after backoff", "stage", id, "attempt", stage.RetryCount)
		}
	}
}

// schedule spawns sessions for queued stages up to the parallelism cap.
// The cap counts live sessions, not Executing stages: a stage parked at
// waiting-for-input or in a conflict window still holds its session.
func (o *Orchestrator) schedule(ctx context.Context, g *graph.ExecutionGraph) {
	stages, err := o.store.ListStages()
	if err != nil {
		return
	}
	byID := make(map[string]*model.Stage, len(stages))
	for _, s := range stages {
		byID[s.ID] = s
	}

	sessions, err := o.store.ListSessions()
	if err != nil {
		return
	}
	active := 0
	for _, sess := range sessions {
		if !sess.Status.IsTerminal() {
			active++
		}
	}

	for _, id := range g.Queued() {
		if active >= o.cfg.Orchestrator.MaxParallelSessions {
			return
		}
		if o.opts.StageFilter != "" && id != o.opts.StageFilter {
			continue
		}
		stage := byID[id]
		if stage == nil || stage.Status != model.StatusQueued {
			continue
		}
		if err := o.startStage(ctx, stage, byID); err != nil {
			o.log.Warn("could not start stage", "stage", id, "error", err)
			continue
		}
		active++
	}
}

// startStage prepares the worktree and signal for a queued stage and,
// unless in manual mode, spawns the agent.
func (o *Orchestrator) startStage(ctx context.Context, stage *model.Stage, byID map[string]*model.Stage) error {
	deps := make([]*model.Stage, 0, len(stage.Dependencies))
	for _, dep := range stage.Dependencies {
		d := byID[dep]
		if d == nil {
			return fmt.Errorf("unknown dependency %s", dep)
		}
		deps = append(deps, d)
	}

	var wtPath string
	if stage.IsKnowledge() {
		wtPath = o.wt.RepoRoot()
	} else {
		base, err := o.wt.ResolveBase(stage, deps, o.ws.Plan.BaseBranch)
		if err != nil {
			// Typically a dependency that completed but has not merged
			// yet; the merge queue drains and a later tick succeeds.
			return err
		}
		stage.ResolvedBase = base
		if o.wt.Exists(stage.ID) {
			wtPath = o.wt.Path(stage.ID)
		} else {
			wtPath, err = o.wt.Create(stage.ID, base)
			if err != nil {
				return err
			}
		}
	}
	stage.Worktree = wtPath

	session := model.NewSession(stage.ID, model.SessionTypeStage)
	session.WorktreePath = wtPath

	var handoffPath string
	if doc, err := o.handoffs.Latest(stage.ID); err == nil {
		handoffPath = doc.Path
	}

	allStages := make([]*model.Stage, 0, len(byID))
	for _, s := range byID {
		allStages = append(allStages, s)
	}
	signalPath, err := o.signals.Generate(stage, session, allStages, wtPath, handoffPath)
	if err != nil {
		return err
	}

	if !o.opts.Manual {
		if err := o.backend.SpawnSession(stage, wtPath, session, signalPath); err != nil {
			return err
		}
	}
	_ = session.TryTransition(model.SessionRunning)
	if err := o.store.SaveSession(session); err != nil {
		return err
	}

	stage.AssignSession(session.ID)
	if err := stage.TryMarkExecuting(); err != nil {
		return err
	}
	if err := o.store.SaveStage(stage); err != nil {
		return err
	}
	o.log.Info("stage started", "stage", stage.ID, "session", session.ID,
		"manual", o.opts.Manual, "signal", signalPath)
	return nil
}

// CompleteStage runs acceptance and the progressive merge for an
// executing stage. This is the path behind `stage complete`: on passing
// acceptance the stage merges into the base branch and only then counts
// as done for its dependents.
func (o *Orchestrator) CompleteStage(ctx context.Context, stageID string) (*accept.Result, error) {
	stage, err := o.store.LoadStage(stageID)
	if err != nil {
		return nil, err
	}
	if stage.Status != model.StatusExecuting {
		return nil, errors.NewTransitionError("stage", stage.ID, string(stage.Status), string(model.StatusCompleted))
	}

	workdir := stage.Worktree
	if workdir == "" {
		workdir = o.wt.RepoRoot()
	}
	res := accept.Run(stage.Acceptance, stage.Setup, resolveWorkingDir(workdir, stage.WorkingDir), accept.Context{
		Worktree:    workdir,
		ProjectRoot: o.wt.RepoRoot(),
		StageID:     stage.ID,
	}, accept.Config{CommandTimeout: o.cfg.Acceptance.CommandTimeout()})

	if !res.AllPassed {
		evidence := make([]string, 0, len(res.Failures()))
		for _, f := range res.Failures() {
			evidence = append(evidence, fmt.Sprintf("%s: exit %d", f.Command, f.ExitCode))
		}
		stage.RecordFailure(model.FailureTest, evidence)
		if err := stage.TryCompleteWithFailures(); err != nil {
			return res, err
		}
		return res, o.store.SaveStage(stage)
	}

	if stage.IsKnowledge() {
		if err := stage.TryComplete(); err != nil {
			return res, err
		}
		stage.Merged = true
		o.closeStageSession(stage)
		stage.ReleaseSession()
		return res, o.store.SaveStage(stage)
	}

	base, err := o.baseBranch()
	if err != nil {
		return res, err
	}
	mres := o.merger.MergeStage(ctx, stage, base)
	switch mres.Outcome {
	case merge.Merged:
		if err := stage.TryComplete(); err != nil {
			return res, err
		}
		stage.Merged = true
		stage.Worktree = ""
		o.closeStageSession(stage)
		stage.ReleaseSession()
		o.monitor.ResetFailures(stage.ID)
	case merge.Conflicted:
		if err := stage.TryMarkMergeConflict(); err != nil {
			return res, err
		}
		if err := o.store.SaveStage(stage); err != nil {
			return res, err
		}
		o.spawnMergeResolution(stage, base, mres.ConflictingFiles)
		return res, nil
	default:
		if err := stage.TryMarkMergeBlocked(); err != nil {
			return res, err
		}
		if err := o.store.SaveStage(stage); err != nil {
			return res, err
		}
		return res, mres.Err
	}
	return res, o.store.SaveStage(stage)
}

// closeStageSession marks a finished stage's session file completed so
// it stops counting against the parallelism cap. Manual sessions have
// no process for the monitor to observe, so this is their only exit.
func (o *Orchestrator) closeStageSession(stage *model.Stage) {
	if stage.Session == "" {
		return
	}
	sess, err := o.store.LoadSession(stage.Session)
	if err != nil || sess.Status.IsTerminal() {
		return
	}
	_ = sess.TryTransition(model.SessionCompleted)
	_ = o.store.SaveSession(sess)
}

// spawnMergeResolution starts the conflict-resolution agent in the main
// repo. At most one merge session exists at a time.
func (o *Orchestrator) spawnMergeResolution(stage *model.Stage, base string, conflicting []string) {
	if o.activeMergeSessionExists() {
		o.log.Warn("merge session already active, not spawning another", "stage", stage.ID)
		return
	}
	session := model.NewMergeSession(stage.ID, stage.BranchName(), base)
	signalPath, err := o.signals.GenerateMerge(stage, session, conflicting)
	if err != nil {
		o.log.Error("merge signal generation failed", "stage", stage.ID, "error", err)
		return
	}
	if o.opts.Manual {
		_ = o.store.SaveSession(session)
		o.log.Info("merge conflict: resolve manually", "stage", stage.ID, "signal", signalPath)
		o.notifier.MergeConflict(stage.ID)
		return
	}
	if err := o.backend.SpawnMergeSession(stage, session, signalPath, o.wt.RepoRoot()); err != nil {
		o.log.Error("merge session spawn failed", "stage", stage.ID, "error", err)
		return
	}
	_ = session.TryTransition(model.SessionRunning)
	_ = o.store.SaveSession(session)
	o.notifier.MergeConflict(stage.ID)
	o.log.Info("merge resolution session started", "stage", stage.ID, "session", session.ID)
}

func (o *Orchestrator) activeMergeSessionExists() bool {
	sessions, err := o.store.ListSessions()
	if err != nil {
		return false
	}
	for _, s := range sessions {
		if s.IsMergeSession() && !s.Status.IsTerminal() {
			return true
		}
	}
	return false
}

// settled reports whether no stage can make further progress: every
// stage is terminal, or waits on a dependency that can never satisfy.
func (o *Orchestrator) settled() bool {
	stages, err := o.store.ListStages()
	if err != nil {
		return false
	}
	if len(o.retryAt) > 0 {
		return false
	}
	for _, s := range stages {
		switch s.Status {
		case model.StatusSkipped, model.StatusVerified, model.StatusBlocked:
		case model.StatusCompleted:
			if !s.Merged && o.autoMerge() {
				return false
			}
		case model.StatusWaitingForDeps:
			if o.depsCanStillSatisfy(s, stages) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// depsCanStillSatisfy reports whether every dependency of s can still
// end up Completed-and-merged.
func (o *Orchestrator) depsCanStillSatisfy(s *model.Stage, all []*model.Stage) bool {
	byID := make(map[string]*model.Stage, len(all))
	for _, st := range all {
		byID[st.ID] = st
	}
	for _, dep := range s.Dependencies {
		d := byID[dep]
		if d == nil {
			return false
		}
		if d.SatisfiesDependents() {
			continue
		}
		switch d.Status {
		case model.StatusSkipped, model.StatusBlocked:
			return false
		case model.StatusCompleted, model.StatusVerified:
			if !d.Merged && !o.autoMerge() {
				return false
			}
		}
	}
	return true
}

// baseBranch resolves the integration branch for merges.
func (o *Orchestrator) baseBranch() (string, error) {
	return o.wt.DefaultBranch(o.ws.Plan.BaseBranch)
}

func (o *Orchestrator) autoMerge() bool {
	if o.opts.AutoMerge != nil {
		return *o.opts.AutoMerge
	}
	return o.ws.Plan.AutoMerge || o.cfg.Merge.AutoMerge
}

// backoff computes min(base * 2^attempt, max).
func (o *Orchestrator) backoff(attempt int) time.Duration {
	d := o.cfg.Orchestrator.RetryBackoffBase()
	ceiling := o.cfg.Orchestrator.RetryBackoffMax()
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

// resolveWorkingDir joins the stage's working_dir onto the worktree.
func resolveWorkingDir(worktree, workingDir string) string {
	if workingDir == "" || workingDir == "." {
		return worktree
	}
	return filepath.Join(worktree, workingDir)
}
