package handoff

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loomworks/loom/internal/errors"
	"github.com/loomworks/loom/internal/model"
)

func TestWriteAssignsSequence(t *testing.T) {
	s := NewStore(t.TempDir())

	first, err := s.Write(&Document{StageID: "stage-a", SessionID: "session-1"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(first, "stage-a-handoff-001.md") {
		t.Errorf("first handoff path = %q", first)
	}

	second, err := s.Write(&Document{StageID: "stage-a", SessionID: "session-2"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(second, "stage-a-handoff-002.md") {
		t.Errorf("second handoff path = %q", second)
	}

	// Another stage gets its own sequence.
	other, err := s.Write(&Document{StageID: "stage-b"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(other, "stage-b-handoff-001.md") {
		t.Errorf("other stage path = %q", other)
	}
}

func TestLatestRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())

	doc := &Document{
		StageID:        "stage-a",
		SessionID:      "session-9",
		ContextPercent: 87.5,
		CompletedTasks: []string{"implemented parser", "wrote tests"},
		KeyDecisions:   []string{"kept the v1 wire format"},
		Commits:        []string{"abc1234"},
		FilesChanged:   []string{"internal/parser/parser.go"},
	}
	if _, err := s.Write(doc); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Write(&Document{StageID: "stage-a", SessionID: "session-10", ContextPercent: 90}); err != nil {
		t.Fatal(err)
	}

	latest, err := s.Latest("stage-a")
	if err != nil {
		t.Fatal(err)
	}
	if latest.Version != 2 || latest.SessionID != "session-10" {
		t.Errorf("latest = version %d session %s", latest.Version, latest.SessionID)
	}
	if latest.ContextPercent != 90 {
		t.Errorf("context_percent = %v", latest.ContextPercent)
	}
	if !strings.HasSuffix(latest.Path, "stage-a-handoff-002.md") {
		t.Errorf("latest path = %q", latest.Path)
	}
}

func TestLatestMissing(t *testing.T) {
	s := NewStore(t.TempDir())
	if _, err := s.Latest("no-such-stage"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestLoadV1Fallback(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)
	dir := filepath.Join(root, ".work", "handoffs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "stage-old-handoff-001.md")
	content := "# Handoff notes\n\nFinished the parser, tests remain.\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	doc, err := s.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Version != 1 {
		t.Errorf("version = %d, want 1", doc.Version)
	}
	if doc.Raw != content {
		t.Error("raw content not preserved for v1 handoff")
	}

	// A v1 file does not break sequence numbering.
	next, err := s.Write(&Document{StageID: "stage-old"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(next, "stage-old-handoff-002.md") {
		t.Errorf("next path = %q", next)
	}
}

func TestCanResume(t *testing.T) {
	yes := []model.StageStatus{
		model.StatusNeedsHandoff, model.StatusBlocked,
		model.StatusQueued, model.StatusExecuting,
	}
	for _, st := range yes {
		if !CanResume(st) {
			t.Errorf("CanResume(%s) = false", st)
		}
	}
	no := []model.StageStatus{
		model.StatusWaitingForDeps, model.StatusCompleted,
		model.StatusSkipped, model.StatusVerified, model.StatusMergeConflict,
	}
	for _, st := range no {
		if CanResume(st) {
			t.Errorf("CanResume(%s) = true", st)
		}
	}
}

func TestWriteRequiresStageID(t *testing.T) {
	s := NewStore(t.TempDir())
	if _, err := s.Write(&Document{}); err == nil {
		t.Error("expected validation error for missing stage id")
	}
}
