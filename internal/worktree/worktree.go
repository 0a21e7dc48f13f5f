// Package worktree manages the per-stage git worktrees and branches.
// Each stage executes in .worktrees/<stage-id> on branch loom/<stage-id>,
// created off the stage's resolved base commit. The .work and .claude
// directories are symlinked from the main repository so every session
// shares workspace state and agent configuration.
package worktree

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/loomworks/loom/internal/errors"
	"github.com/loomworks/loom/internal/store"
)

// sharedLinks are symlinked from the main repo into every worktree.
var sharedLinks = []string{store.WorkDirName, ".claude"}

// Manager handles git worktree operations for one repository.
type Manager struct {
	repoRoot string
}

// FindGitRoot walks up from startDir to the directory containing .git.
// .git may be a directory (normal clone) or a file (worktree).
func FindGitRoot(startDir string) (string, error) {
	dir := startDir
	for {
		gitPath := filepath.Join(dir, ".git")
		if info, err := os.Stat(gitPath); err == nil {
			if info.IsDir() || info.Mode().IsRegular() {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("not a git repository (or any parent up to mount point)")
		}
		dir = parent
	}
}

// New creates a Manager rooted at the repository containing repoDir.
func New(repoDir string) (*Manager, error) {
	root, err := FindGitRoot(repoDir)
	if err != nil {
		return nil, fmt.Errorf("not a git repository: %s", repoDir)
	}
	if _, err := exec.LookPath("git"); err != nil {
		return nil, &errors.GitError{Kind: errors.GitUnavailable, Op: "lookup", Err: err}
	}
	return &Manager{repoRoot: root}, nil
}

// RepoRoot returns the main repository root.
func (m *Manager) RepoRoot() string { return m.repoRoot }

// Path returns the worktree path for a stage id.
func (m *Manager) Path(stageID string) string {
	return filepath.Join(store.WorktreesDir(m.repoRoot), stageID)
}

// Exists reports whether a stage's worktree directory exists.
func (m *Manager) Exists(stageID string) bool {
	info, err := os.Stat(m.Path(stageID))
	return err == nil && info.IsDir()
}

// Create creates the worktree for a stage: branch loom/<stage-id> off
// base, checked out at .worktrees/<stage-id>, with shared symlinks in
// place. If the branch already exists it is reused when the worktree
// can be attached to it, otherwise the call fails.
func (m *Manager) Create(stageID, base string) (string, error) {
	path := m.Path(stageID)
	branch := "loom/" + stageID

	if err := os.MkdirAll(store.WorktreesDir(m.repoRoot), 0o755); err != nil {
		return "", fmt.Errorf("failed to create worktrees directory: %w", err)
	}

	if m.BranchExists(branch) {
		// Reuse only a branch that still descends from the resolved
		// base; attaching to a stale one would resurrect old work.
		if _, err := m.git("merge-base", "--is-ancestor", base, branch); err != nil {
			return "", fmt.Errorf("branch %s already exists but is not based on %s; delete it or reset it before retrying", branch, base)
		}
		if out, err := m.git("worktree", "add", path, branch); err != nil {
			return "", errors.NewGitError("worktree add", err, out)
		}
	} else {
		if out, err := m.git("worktree", "add", "-b", branch, path, base); err != nil {
			return "", errors.NewGitError("worktree add -b", err, out)
		}
	}

	if err := m.linkShared(path); err != nil {
		return "", err
	}
	return path, nil
}

// linkShared symlinks the shared directories from the main repo into the
// worktree. Links that already exist are left alone; a failure to link
// .claude is non-fatal (the directory may not exist).
func (m *Manager) linkShared(worktreePath string) error {
	for _, name := range sharedLinks {
		source := filepath.Join(m.repoRoot, name)
		target := filepath.Join(worktreePath, name)

		if _, err := os.Lstat(target); err == nil {
			continue
		}
		if _, err := os.Stat(source); err != nil {
			continue
		}
		if err := os.Symlink(source, target); err != nil {
			if name == store.WorkDirName {
				return fmt.Errorf("failed to link %s into worktree: %w", name, err)
			}
		}
	}
	return nil
}

// Remove removes a stage's worktree, falling back to manual cleanup and
// a prune when git refuses.
func (m *Manager) Remove(stageID string) error {
	path := m.Path(stageID)
	if out, err := m.git("worktree", "remove", "--force", path); err != nil {
		_ = os.RemoveAll(path)
		_, _ = m.git("worktree", "prune")
		return errors.NewGitError("worktree remove", err, out)
	}
	return nil
}

// Prune removes dangling worktree references. Run before orchestration
// starts so a previous crash does not block worktree creation.
func (m *Manager) Prune() error {
	if out, err := m.git("worktree", "prune"); err != nil {
		return errors.NewGitError("worktree prune", err, out)
	}
	return nil
}

// List returns the paths of all registered worktrees.
func (m *Manager) List() ([]string, error) {
	out, err := m.git("worktree", "list", "--porcelain")
	if err != nil {
		return nil, errors.NewGitError("worktree list", err, out)
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "worktree ") {
			paths = append(paths, strings.TrimPrefix(line, "worktree "))
		}
	}
	return paths, nil
}

// BranchExists reports whether a local branch exists.
func (m *Manager) BranchExists(branch string) bool {
	_, err := m.git("rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// DeleteBranch force-deletes a local branch.
func (m *Manager) DeleteBranch(branch string) error {
	if out, err := m.git("branch", "-D", branch); err != nil {
		return errors.NewGitError("branch -D", err, out)
	}
	return nil
}

// HasUncommittedChanges reports whether the tree at path is dirty.
func (m *Manager) HasUncommittedChanges(path string) (bool, error) {
	out, err := m.gitIn(path, "status", "--porcelain")
	if err != nil {
		return false, errors.NewGitError("status", err, out)
	}
	return strings.TrimSpace(out) != "", nil
}

// BranchIsAncestor reports whether branch is reachable from the tip of
// target (i.e. fully merged into it).
func (m *Manager) BranchIsAncestor(branch, target string) bool {
	_, err := m.git("merge-base", "--is-ancestor", branch, target)
	return err == nil
}

// CurrentBranch returns the branch checked out at path.
func (m *Manager) CurrentBranch(path string) (string, error) {
	out, err := m.gitIn(path, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", errors.NewGitError("rev-parse", err, out)
	}
	return strings.TrimSpace(out), nil
}

// MergeHeadExists reports whether an interrupted merge is in progress
// in the repository at path.
func (m *Manager) MergeHeadExists(path string) bool {
	// In worktrees .git is a file; resolve through git itself.
	out, err := m.gitIn(path, "rev-parse", "-q", "--verify", "MERGE_HEAD")
	return err == nil && strings.TrimSpace(out) != ""
}

// ConflictingFiles returns files with unresolved merge conflicts at path.
func (m *Manager) ConflictingFiles(path string) ([]string, error) {
	out, err := m.gitIn(path, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, errors.NewGitError("diff --diff-filter=U", err, out)
	}
	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return nil, nil
	}
	return strings.Split(trimmed, "\n"), nil
}

// git runs a git command in the main repository.
func (m *Manager) git(args ...string) (string, error) {
	return m.gitIn(m.repoRoot, args...)
}

// gitIn runs a git command in dir and returns combined output.
func (m *Manager) gitIn(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}
