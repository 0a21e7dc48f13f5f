package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/loomworks/loom/internal/store"
	"github.com/spf13/cobra"
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove leftovers of merged stages",
	Long: `Remove worktrees and branches of merged stages, prune dangling
worktree registrations, and delete heartbeats and sessions that no
longer have a live process. --all additionally removes the stage files
themselves, returning the workspace to a pre-init state.`,
	Args: cobra.NoArgs,
	RunE: runClean,
}

var cleanAll bool

func init() {
	cleanCmd.Flags().BoolVar(&cleanAll, "all", false, "also remove stage, session and handoff files")
	rootCmd.AddCommand(cleanCmd)
}

func runClean(cmd *cobra.Command, args []string) error {
	w, err := openWorkspace()
	if err != nil {
		return err
	}
	stages, err := w.store.ListStages()
	if err != nil {
		return err
	}

	removed := 0
	for _, stage := range stages {
		if !stage.Merged && !cleanAll {
			continue
		}
		if w.wt.Exists(stage.ID) {
			if err := w.wt.Remove(stage.ID); err != nil {
				fmt.Printf("worktree %s: %v\n", stage.ID, err)
				continue
			}
			removed++
		}
		if w.wt.BranchExists(stage.BranchName()) {
			if err := w.wt.DeleteBranch(stage.BranchName()); err == nil {
				removed++
			}
		}
		_ = w.store.DeleteHeartbeat(stage.ID)
	}
	if err := w.wt.Prune(); err != nil {
		fmt.Printf("worktree prune: %v\n", err)
	}

	// Terminal sessions keep no process; their heartbeats are stale.
	sessions, err := w.store.ListSessions()
	if err == nil {
		for _, sess := range sessions {
			if sess.Status.IsTerminal() {
				_ = w.store.DeleteSignal(sess.ID)
				if cleanAll {
					_ = w.store.DeleteSession(sess.ID)
				}
			}
		}
	}

	if cleanAll {
		for _, stage := range stages {
			_ = w.store.DeleteStage(stage.ID)
		}
		for _, dir := range []string{store.HandoffsDir(w.root), store.HeartbeatDir(w.root)} {
			entries, err := os.ReadDir(dir)
			if err != nil {
				continue
			}
			for _, e := range entries {
				_ = os.Remove(filepath.Join(dir, e.Name()))
			}
		}
		fmt.Printf("Workspace cleaned, %d stages removed.\n", len(stages))
		return nil
	}
	fmt.Printf("Cleaned %d worktrees and branches of merged stages.\n", removed)
	return nil
}
