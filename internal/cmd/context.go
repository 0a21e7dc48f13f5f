package cmd

import (
	"fmt"
	"os"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/terminal"
	"github.com/loomworks/loom/internal/worktree"
)

// workspace bundles everything a command needs to operate on the
// current repository.
type workspace struct {
	root  string
	store *store.Store
	wt    *worktree.Manager
	cfg   *config.Config
	ws    *config.Workspace
}

// openWorkspace locates the git root from the working directory and
// loads the initialised loom workspace there.
func openWorkspace() (*workspace, error) {
	w, err := openRepo()
	if err != nil {
		return nil, err
	}
	if !w.store.Initialized() {
		return nil, withHints(
			fmt.Errorf("workspace not initialised"),
			"run: loom init <plan-path>")
	}
	ws, err := config.LoadWorkspace(w.root)
	if err != nil {
		return nil, err
	}
	w.ws = ws
	return w, nil
}

// openRepo is openWorkspace without the initialisation requirement;
// init uses it before .work exists.
func openRepo() (*workspace, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	wt, err := worktree.New(cwd)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	root := wt.RepoRoot()
	return &workspace{
		root:  root,
		store: store.New(root),
		wt:    wt,
		cfg:   cfg,
	}, nil
}

// backend builds the configured terminal backend.
func (w *workspace) backend() (terminal.Backend, error) {
	agent := w.cfg.Terminal.AgentCommand
	switch w.cfg.Terminal.Backend {
	case "native":
		return terminal.NewNative(agent, store.WorkDir(w.root))
	default:
		b, err := terminal.NewTmux(agent)
		if err != nil {
			return nil, withHints(err,
				"install tmux, or set terminal.backend to \"native\" in your loom config")
		}
		return b, nil
	}
}

// logger opens the workspace orchestrator log.
func (w *workspace) logger() *logging.Logger {
	log, err := logging.New(store.LogPath(w.root), w.cfg.Logging.Level)
	if err != nil {
		return logging.Discard()
	}
	return log
}
