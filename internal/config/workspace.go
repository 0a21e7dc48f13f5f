package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/loomworks/loom/internal/errors"
	"github.com/loomworks/loom/internal/store"
)

// Workspace is the per-repository configuration written by init to
// .work/config.toml.
type Workspace struct {
	Plan WorkspacePlan `toml:"plan"`
}

// WorkspacePlan records where the plan came from and how it merges.
type WorkspacePlan struct {
	// SourcePath is the plan markdown file init was given.
	SourcePath string `toml:"source_path"`
	// BaseBranch overrides default-branch detection when set.
	BaseBranch string `toml:"base_branch,omitempty"`
	// AutoMerge mirrors the plan metadata's auto_merge flag.
	AutoMerge bool `toml:"auto_merge"`
}

// LoadWorkspace reads .work/config.toml under root.
func LoadWorkspace(root string) (*Workspace, error) {
	data, err := os.ReadFile(store.ConfigPath(root))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("workspace not initialised (run init first): %w", errors.ErrNotFound)
		}
		return nil, err
	}
	var ws Workspace
	if err := toml.Unmarshal(data, &ws); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", store.ConfigFileName, errors.Join(errors.ErrParse, err))
	}
	return &ws, nil
}

// SaveWorkspace writes .work/config.toml under root.
func SaveWorkspace(root string, ws *Workspace) error {
	data, err := toml.Marshal(ws)
	if err != nil {
		return err
	}
	return os.WriteFile(store.ConfigPath(root), data, 0o644)
}
