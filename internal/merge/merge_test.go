package merge

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loomworks/loom/internal/errors"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/worktree"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func run(t *testing.T, dir string, name string, args ...string) {
	t.Helper()
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("%s %s: %v\n%s", name, strings.Join(args, " "), err, out)
	}
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run(t, dir, "git", "init", "-b", "main")
	run(t, dir, "git", "config", "user.email", "test@example.com")
	run(t, dir, "git", "config", "user.name", "test")
	writeFile(t, dir, "README.md", "readme\n")
	run(t, dir, "git", "add", ".")
	run(t, dir, "git", "commit", "-m", "initial")
	return dir
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newStage(t *testing.T, id string) *model.Stage {
	t.Helper()
	s, err := model.NewStage(id, id)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestMergeStageClean(t *testing.T) {
	requireGit(t)
	root := initRepo(t)
	wt, err := worktree.New(root)
	if err != nil {
		t.Fatal(err)
	}
	stage := newStage(t, "feature-a")

	path, err := wt.Create(stage.ID, "main")
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, path, "feature.txt", "feature work\n")
	run(t, path, "git", "add", ".")
	run(t, path, "git", "commit", "-m", "add feature")

	m := New(wt, logging.Discard(), 0)
	res := m.MergeStage(context.Background(), stage, "main")
	if res.Outcome != Merged {
		t.Fatalf("outcome = %v, want Merged (err: %v)", res.Outcome, res.Err)
	}
	if _, err := os.Stat(filepath.Join(root, "feature.txt")); err != nil {
		t.Error("merged file not present on main")
	}
	if wt.Exists(stage.ID) {
		t.Error("worktree not cleaned up after merge")
	}
	if wt.BranchExists(stage.BranchName()) {
		t.Error("stage branch not deleted after merge")
	}
}

func TestMergeStageConflict(t *testing.T) {
	requireGit(t)
	root := initRepo(t)
	wt, err := worktree.New(root)
	if err != nil {
		t.Fatal(err)
	}
	stage := newStage(t, "feature-b")

	path, err := wt.Create(stage.ID, "main")
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, path, "shared.txt", "branch version\n")
	run(t, path, "git", "add", ".")
	run(t, path, "git", "commit", "-m", "branch change")

	// Diverge main on the same file.
	writeFile(t, root, "shared.txt", "main version\n")
	run(t, root, "git", "add", ".")
	run(t, root, "git", "commit", "-m", "main change")

	m := New(wt, logging.Discard(), 0)
	res := m.MergeStage(context.Background(), stage, "main")
	if res.Outcome != Conflicted {
		t.Fatalf("outcome = %v, want Conflicted (err: %v)", res.Outcome, res.Err)
	}
	if !errors.IsConflict(res.Err) {
		t.Errorf("error not classified as conflict: %v", res.Err)
	}
	if len(res.ConflictingFiles) != 1 || res.ConflictingFiles[0] != "shared.txt" {
		t.Errorf("conflicting files = %v, want [shared.txt]", res.ConflictingFiles)
	}
	if !wt.MergeHeadExists(root) {
		t.Error("MERGE_HEAD should remain for a resolution session")
	}

	// A second attempt while mid-merge is blocked, not retried.
	other := newStage(t, "feature-c")
	res2 := m.MergeStage(context.Background(), other, "main")
	if res2.Outcome != Blocked || !errors.Is(res2.Err, errors.ErrMergeInProgress) {
		t.Errorf("mid-merge attempt: outcome=%v err=%v", res2.Outcome, res2.Err)
	}

	if err := m.AbortInProgress(context.Background()); err != nil {
		t.Fatalf("AbortInProgress: %v", err)
	}
	if wt.MergeHeadExists(root) {
		t.Error("MERGE_HEAD still present after abort")
	}
}

func TestVerifyResolved(t *testing.T) {
	requireGit(t)
	root := initRepo(t)
	wt, err := worktree.New(root)
	if err != nil {
		t.Fatal(err)
	}
	stage := newStage(t, "feature-d")

	path, err := wt.Create(stage.ID, "main")
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, path, "shared.txt", "branch version\n")
	run(t, path, "git", "add", ".")
	run(t, path, "git", "commit", "-m", "branch change")
	writeFile(t, root, "shared.txt", "main version\n")
	run(t, root, "git", "add", ".")
	run(t, root, "git", "commit", "-m", "main change")

	m := New(wt, logging.Discard(), 0)
	res := m.MergeStage(context.Background(), stage, "main")
	if res.Outcome != Conflicted {
		t.Fatalf("setup merge: outcome = %v", res.Outcome)
	}

	ok, err := m.VerifyResolved(stage, "main")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("mid-merge tree reported as resolved")
	}

	// Resolve the way an agent would: fix the file, commit the merge.
	writeFile(t, root, "shared.txt", "resolved version\n")
	run(t, root, "git", "add", "shared.txt")
	run(t, root, "git", "commit", "--no-edit")

	ok, err = m.VerifyResolved(stage, "main")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("committed resolution not detected")
	}
	if wt.Exists(stage.ID) {
		t.Error("worktree not cleaned up after resolution")
	}
}

func TestMergeTimeout(t *testing.T) {
	requireGit(t)
	root := initRepo(t)
	wt, err := worktree.New(root)
	if err != nil {
		t.Fatal(err)
	}
	m := New(wt, logging.Discard(), time.Nanosecond)
	stage := newStage(t, "feature-e")
	if _, err := wt.Create(stage.ID, "main"); err != nil {
		t.Fatal(err)
	}
	res := m.MergeStage(context.Background(), stage, "main")
	if res.Outcome != Blocked {
		t.Fatalf("outcome = %v, want Blocked on timeout", res.Outcome)
	}
}

func TestTryLock(t *testing.T) {
	requireGit(t)
	root := initRepo(t)
	wt, err := worktree.New(root)
	if err != nil {
		t.Fatal(err)
	}
	m := New(wt, logging.Discard(), 0)
	if !m.TryLock() {
		t.Fatal("first TryLock failed")
	}
	if m.TryLock() {
		t.Error("second TryLock succeeded while held")
	}
	m.Unlock()
	if !m.TryLock() {
		t.Error("TryLock failed after Unlock")
	}
	m.Unlock()
}
