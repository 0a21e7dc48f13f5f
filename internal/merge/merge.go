// Package merge lands completed stage branches on the base branch.
// Merges are serialised by a process-wide lock; at most one merge (and
// at most one merge-resolution session) exists at a time.
package merge

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/loomworks/loom/internal/errors"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/worktree"
)

// DefaultTimeout bounds a single git merge invocation.
const DefaultTimeout = 2 * time.Minute

// Outcome is the result of one merge attempt.
type Outcome int

const (
	// Merged means the stage branch landed cleanly on the base branch.
	Merged Outcome = iota
	// Conflicted means the merge stopped with unmerged files; the
	// repository is left mid-merge for a resolution session.
	Conflicted
	// Blocked means a non-conflict git failure or a timeout.
	Blocked
)

func (o Outcome) String() string {
	switch o {
	case Merged:
		return "merged"
	case Conflicted:
		return "conflicted"
	case Blocked:
		return "blocked"
	}
	return "unknown"
}

// Result describes a completed merge attempt.
type Result struct {
	Outcome          Outcome
	BaseBranch       string
	StageBranch      string
	ConflictingFiles []string
	Output           string
	Err              error
}

// Merger merges stage branches into the base branch in the main repo.
type Merger struct {
	mu      sync.Mutex
	wt      *worktree.Manager
	log     *logging.Logger
	timeout time.Duration
}

// New creates a Merger. A zero timeout uses DefaultTimeout.
func New(wt *worktree.Manager, log *logging.Logger, timeout time.Duration) *Merger {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Merger{wt: wt, log: log, timeout: timeout}
}

// TryLock acquires the merge lock without blocking. Callers that spawn
// a merge-resolution session hold the lock until the session resolves.
func (m *Merger) TryLock() bool { return m.mu.TryLock() }

// Unlock releases the merge lock.
func (m *Merger) Unlock() { m.mu.Unlock() }

// MergeStage merges the stage's branch into base with --no-ff, holding
// the merge lock for the duration of the attempt. On a clean merge the
// stage's worktree and branch are removed. On conflict the main repo is
// left mid-merge with MERGE_HEAD present so a resolution session can
// finish it; the caller keeps the stage in its conflict state until
// that session exits.
func (m *Merger) MergeStage(ctx context.Context, stage *model.Stage, base string) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mergeLocked(ctx, stage, base)
}

func (m *Merger) mergeLocked(ctx context.Context, stage *model.Stage, base string) Result {
	branch := stage.BranchName()
	res := Result{BaseBranch: base, StageBranch: branch}
	log := m.log.WithStage(stage.ID)

	root := m.wt.RepoRoot()
	if m.wt.MergeHeadExists(root) {
		res.Outcome = Blocked
		res.Err = errors.ErrMergeInProgress
		return res
	}

	if out, err := m.git(ctx, "checkout", base); err != nil {
		res.Outcome = Blocked
		res.Output = out
		res.Err = errors.NewGitError("checkout "+base, err, out)
		return res
	}

	mergeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	msg := fmt.Sprintf("Merge stage %s (%s)", stage.ID, stage.Name)
	out, err := m.git(mergeCtx, "merge", "--no-ff", "-m", msg, branch)
	if err == nil {
		log.Info("stage merged", "base", base, "branch", branch)
		m.cleanup(stage)
		res.Outcome = Merged
		res.Output = out
		return res
	}

	if mergeCtx.Err() == context.DeadlineExceeded {
		log.Warn("merge timed out", "branch", branch, "timeout", m.timeout)
		_, _ = m.git(context.Background(), "merge", "--abort")
		res.Outcome = Blocked
		res.Output = out
		res.Err = errors.NewGitError("merge --no-ff", mergeCtx.Err(), out)
		return res
	}

	if m.wt.MergeHeadExists(root) {
		files, ferr := m.wt.ConflictingFiles(root)
		if ferr != nil {
			log.Warn("could not list conflicting files", "error", ferr)
		}
		log.Warn("merge conflict", "branch", branch, "files", len(files))
		res.Outcome = Conflicted
		res.ConflictingFiles = files
		res.Output = out
		res.Err = errors.NewGitConflict("merge --no-ff", out)
		return res
	}

	res.Outcome = Blocked
	res.Output = out
	res.Err = errors.NewGitError("merge --no-ff", err, out)
	return res
}

// VerifyResolved checks the main repo after a merge-resolution session
// exits: the merge counts as finished when MERGE_HEAD is gone, the tree
// is clean, and the stage branch is reachable from the base tip.
func (m *Merger) VerifyResolved(stage *model.Stage, base string) (bool, error) {
	root := m.wt.RepoRoot()
	if m.wt.MergeHeadExists(root) {
		return false, nil
	}
	dirty, err := m.wt.HasUncommittedChanges(root)
	if err != nil {
		return false, err
	}
	if dirty {
		return false, nil
	}
	if !m.wt.BranchIsAncestor(stage.BranchName(), base) {
		return false, nil
	}
	m.cleanup(stage)
	return true, nil
}

// AbortInProgress aborts an interrupted merge in the main repo.
func (m *Merger) AbortInProgress(ctx context.Context) error {
	if !m.wt.MergeHeadExists(m.wt.RepoRoot()) {
		return nil
	}
	if out, err := m.git(ctx, "merge", "--abort"); err != nil {
		return errors.NewGitError("merge --abort", err, out)
	}
	return nil
}

// cleanup removes the stage's worktree and branch after its work is
// reachable from the base branch. Both steps are best-effort.
func (m *Merger) cleanup(stage *model.Stage) {
	log := m.log.WithStage(stage.ID)
	if m.wt.Exists(stage.ID) {
		if err := m.wt.Remove(stage.ID); err != nil {
			log.Warn("could not remove worktree", "error", err)
		}
	}
	if m.wt.BranchExists(stage.BranchName()) {
		if err := m.wt.DeleteBranch(stage.BranchName()); err != nil {
			log.Warn("could not delete branch", "branch", stage.BranchName(), "error", err)
		}
	}
}

func (m *Merger) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = m.wt.RepoRoot()
	out, err := cmd.CombinedOutput()
	return strings.TrimRight(string(out), "\n"), err
}
