package model

import (
	"testing"

	"github.com/loomworks/loom/internal/errors"
)

func newTestStage(t *testing.T, status StageStatus) *Stage {
	t.Helper()
	s, err := NewStage("test-stage", "Test stage")
	if err != nil {
		t.Fatalf("NewStage: %v", err)
	}
	s.Status = status
	return s
}

func TestStageCanTransitionTo(t *testing.T) {
	tests := []struct {
		name string
		from StageStatus
		to   StageStatus
		want bool
	}{
		{"waiting to queued", StatusWaitingForDeps, StatusQueued, true},
		{"waiting to skipped", StatusWaitingForDeps, StatusSkipped, true},
		{"waiting to executing forbidden", StatusWaitingForDeps, StatusExecuting, false},
		{"queued to executing", StatusQueued, StatusExecuting, true},
		{"queued to skipped", StatusQueued, StatusSkipped, true},
		{"queued to completed forbidden", StatusQueued, StatusCompleted, false},
		{"executing to completed", StatusExecuting, StatusCompleted, true},
		{"executing to completed-with-failures", StatusExecuting, StatusCompletedWithFailures, true},
		{"executing to merge-conflict", StatusExecuting, StatusMergeConflict, true},
		{"executing to merge-blocked", StatusExecuting, StatusMergeBlocked, true},
		{"executing to needs-handoff", StatusExecuting, StatusNeedsHandoff, true},
		{"executing to needs-human-review", StatusExecuting, StatusNeedsHumanReview, true},
		{"executing to waiting-for-input", StatusExecuting, StatusWaitingForInput, true},
		{"executing to blocked", StatusExecuting, StatusBlocked, true},
		{"executing to skipped forbidden", StatusExecuting, StatusSkipped, false},
		{"executing to verified forbidden", StatusExecuting, StatusVerified, false},
		{"waiting-for-input back to executing", StatusWaitingForInput, StatusExecuting, true},
		{"waiting-for-input to completed forbidden", StatusWaitingForInput, StatusCompleted, false},
		{"needs-handoff to queued", StatusNeedsHandoff, StatusQueued, true},
		{"needs-handoff to executing forbidden", StatusNeedsHandoff, StatusExecuting, false},
		{"merge-conflict to completed", StatusMergeConflict, StatusCompleted, true},
		{"merge-conflict to blocked", StatusMergeConflict, StatusBlocked, true},
		{"merge-conflict to queued forbidden", StatusMergeConflict, StatusQueued, false},
		{"cwf retry via executing", StatusCompletedWithFailures, StatusExecuting, true},
		{"cwf retry via queued", StatusCompletedWithFailures, StatusQueued, true},
		{"cwf reverify to completed", StatusCompletedWithFailures, StatusCompleted, true},
		{"cwf to skipped forbidden", StatusCompletedWithFailures, StatusSkipped, false},
		{"merge-blocked retry via executing", StatusMergeBlocked, StatusExecuting, true},
		{"merge-blocked retry via queued", StatusMergeBlocked, StatusQueued, true},
		{"blocked to queued", StatusBlocked, StatusQueued, true},
		{"blocked to skipped", StatusBlocked, StatusSkipped, true},
		{"blocked to executing forbidden", StatusBlocked, StatusExecuting, false},
		{"completed to verified", StatusCompleted, StatusVerified, true},
		{"completed to queued forbidden", StatusCompleted, StatusQueued, false},
		{"skipped is terminal", StatusSkipped, StatusQueued, false},
		{"verified is terminal", StatusVerified, StatusQueued, false},
		{"same status is a no-op", StatusExecuting, StatusExecuting, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
				t.Errorf("CanTransitionTo(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestTryTransitionRejectsAndPreservesState(t *testing.T) {
	s := newTestStage(t, StatusWaitingForDeps)
	err := s.TryTransition(StatusExecuting)
	if err == nil {
		t.Fatal("expected error for WaitingForDeps -> Executing")
	}
	if !errors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if s.Status != StatusWaitingForDeps {
		t.Errorf("status changed on failed transition: %s", s.Status)
	}
}

func TestTryMarkExecutingPreservesStartTime(t *testing.T) {
	s := newTestStage(t, StatusQueued)
	if err := s.TryMarkExecuting(); err != nil {
		t.Fatalf("TryMarkExecuting: %v", err)
	}
	if s.StartedAt == nil {
		t.Fatal("started_at not set on first execution")
	}
	first := *s.StartedAt

	// Simulate a retry cycle, then re-execute.
	s.Status = StatusQueued
	if err := s.TryMarkExecuting(); err != nil {
		t.Fatalf("TryMarkExecuting after retry: %v", err)
	}
	if !s.StartedAt.Equal(first) {
		t.Error("started_at should be preserved across retries")
	}
}

func TestTryCompleteRecordsTimestamps(t *testing.T) {
	s := newTestStage(t, StatusQueued)
	if err := s.TryMarkExecuting(); err != nil {
		t.Fatalf("TryMarkExecuting: %v", err)
	}
	if err := s.TryComplete(); err != nil {
		t.Fatalf("TryComplete: %v", err)
	}
	if s.CompletedAt == nil {
		t.Error("completed_at not set")
	}
	if s.DurationSecs == nil {
		t.Error("duration_secs not computed")
	}
}

func TestMergeConflictWorkflow(t *testing.T) {
	s := newTestStage(t, StatusExecuting)
	if err := s.TryMarkMergeConflict(); err != nil {
		t.Fatalf("TryMarkMergeConflict: %v", err)
	}
	if !s.MergeConflict {
		t.Error("merge_conflict flag not set")
	}
	if err := s.TryCompleteMerge(); err != nil {
		t.Fatalf("TryCompleteMerge: %v", err)
	}
	if s.MergeConflict {
		t.Error("merge_conflict flag not cleared")
	}
	if !s.Merged {
		t.Error("merged not set after conflict resolution")
	}
	if s.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", s.Status)
	}
}

func TestTryRetry(t *testing.T) {
	s := newTestStage(t, StatusBlocked)
	s.RetryCount = 2

	if err := s.TryRetry(false); err != nil {
		t.Fatalf("TryRetry: %v", err)
	}
	if s.Status != StatusQueued {
		t.Errorf("status = %s, want queued", s.Status)
	}
	if s.RetryCount != 3 {
		t.Errorf("retry_count = %d, want 3", s.RetryCount)
	}

	s.Status = StatusBlocked
	if err := s.TryRetry(true); err != nil {
		t.Fatalf("TryRetry force: %v", err)
	}
	if s.RetryCount != 0 {
		t.Errorf("retry_count = %d after force, want 0", s.RetryCount)
	}
}

func TestTrySkipRecordsReason(t *testing.T) {
	s := newTestStage(t, StatusWaitingForDeps)
	if err := s.TrySkip("not needed"); err != nil {
		t.Fatalf("TrySkip: %v", err)
	}
	if s.CloseReason != "not needed" {
		t.Errorf("close_reason = %q", s.CloseReason)
	}
	if !s.Status.IsTerminal() {
		t.Error("skipped should be terminal")
	}
}

func TestSatisfiesDependents(t *testing.T) {
	tests := []struct {
		name   string
		status StageStatus
		merged bool
		want   bool
	}{
		{"completed and merged", StatusCompleted, true, true},
		{"verified and merged", StatusVerified, true, true},
		{"completed but unmerged", StatusCompleted, false, false},
		{"skipped never satisfies", StatusSkipped, true, false},
		{"executing never satisfies", StatusExecuting, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStage(t, tt.status)
			s.Merged = tt.merged
			if got := s.SatisfiesDependents(); got != tt.want {
				t.Errorf("SatisfiesDependents() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNormalizeStageStatus(t *testing.T) {
	if NormalizeStageStatus("pending") != StatusWaitingForDeps {
		t.Error("pending alias not normalized")
	}
	if NormalizeStageStatus("ready") != StatusQueued {
		t.Error("ready alias not normalized")
	}
	if NormalizeStageStatus("executing") != StatusExecuting {
		t.Error("canonical value changed by normalization")
	}
}

func TestSessionTransitions(t *testing.T) {
	sess := NewSession("test-stage", SessionTypeStage)
	if err := sess.TryTransition(SessionRunning); err != nil {
		t.Fatalf("spawning -> running: %v", err)
	}
	if err := sess.TryTransition(SessionPaused); err != nil {
		t.Fatalf("running -> paused: %v", err)
	}
	if err := sess.TryTransition(SessionRunning); err != nil {
		t.Fatalf("paused -> running: %v", err)
	}
	if err := sess.TryTransition(SessionContextExhausted); err != nil {
		t.Fatalf("running -> context-exhausted: %v", err)
	}
	if err := sess.TryTransition(SessionRunning); err == nil {
		t.Fatal("terminal session status should not transition")
	}
}

func TestValidStageID(t *testing.T) {
	valid := []string{"a", "stage-1", "auth_backend", "Stage2"}
	invalid := []string{"", "-leading", "has space", "semi;colon", "dot.dot"}
	for _, id := range valid {
		if !ValidStageID(id) {
			t.Errorf("ValidStageID(%q) = false, want true", id)
		}
	}
	for _, id := range invalid {
		if ValidStageID(id) {
			t.Errorf("ValidStageID(%q) = true, want false", id)
		}
	}
}
