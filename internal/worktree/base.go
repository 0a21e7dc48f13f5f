package worktree

import (
	"fmt"

	"github.com/loomworks/loom/internal/errors"
	"github.com/loomworks/loom/internal/model"
)

// defaultBranchCandidates are tried in order when no branch is configured.
var defaultBranchCandidates = []string{"main", "master", "trunk"}

// DefaultBranch returns the repository's integration branch. A configured
// name wins; otherwise the first of main, master, trunk that exists.
func (m *Manager) DefaultBranch(configured string) (string, error) {
	if configured != "" {
		if !m.BranchExists(configured) {
			return "", fmt.Errorf("configured base branch %q does not exist", configured)
		}
		return configured, nil
	}
	for _, name := range defaultBranchCandidates {
		if m.BranchExists(name) {
			return name, nil
		}
	}
	return "", errors.New("no default branch found (tried main, master, trunk)")
}

// ResolveBase picks the commit-ish a stage's worktree branches from.
//
// With no dependencies the stage branches from the default branch. With
// one dependency the stage branches from the default branch when the
// dependency has merged, or directly from the dependency's stage branch
// when it completed without merging yet. With multiple dependencies all
// of them must be merged into the default branch before the stage can
// start; stacking on several unmerged branches is not attempted.
func (m *Manager) ResolveBase(stage *model.Stage, deps []*model.Stage, configured string) (string, error) {
	def, err := m.DefaultBranch(configured)
	if err != nil {
		return "", err
	}

	switch len(deps) {
	case 0:
		return def, nil
	case 1:
		dep := deps[0]
		if dep.Merged {
			return def, nil
		}
		branch := dep.BranchName()
		if !m.BranchExists(branch) {
			return "", fmt.Errorf("dependency %s completed but branch %s not found", dep.ID, branch)
		}
		return branch, nil
	default:
		for _, dep := range deps {
			if !dep.Merged {
				return "", fmt.Errorf("stage %s waits for dependency %s to merge before branching", stage.ID, dep.ID)
			}
		}
		return def, nil
	}
}
