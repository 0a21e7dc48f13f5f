package model

import (
	"time"

	"github.com/loomworks/loom/internal/errors"
)

// validStageTransitions is the complete transition relation. A status not
// present here, or a target not in its slice, is forbidden. Same-status
// transitions are vacuously allowed by CanTransitionTo.
var validStageTransitions = map[StageStatus][]StageStatus{
	StatusWaitingForDeps: {StatusQueued, StatusSkipped},
	StatusQueued:         {StatusExecuting, StatusSkipped},
	StatusExecuting: {
		StatusCompleted,
		StatusCompletedWithFailures,
		StatusMergeConflict,
		StatusMergeBlocked,
		StatusNeedsHandoff,
		StatusNeedsHumanReview,
		StatusWaitingForInput,
		StatusBlocked,
	},
	StatusWaitingForInput:       {StatusExecuting},
	StatusNeedsHandoff:          {StatusQueued},
	StatusNeedsHumanReview:      {StatusExecuting, StatusCompleted, StatusBlocked},
	StatusMergeConflict:         {StatusCompleted, StatusBlocked},
	StatusCompletedWithFailures: {StatusExecuting, StatusQueued, StatusCompleted},
	StatusMergeBlocked:          {StatusExecuting, StatusQueued},
	StatusBlocked:               {StatusQueued, StatusSkipped},
	StatusCompleted:             {StatusVerified},
	StatusSkipped:               nil,
	StatusVerified:              nil,
}

// CanTransitionTo reports whether moving from s to target is legal.
func (s StageStatus) CanTransitionTo(target StageStatus) bool {
	if s == target {
		return true
	}
	for _, allowed := range validStageTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// ValidTransitions returns the statuses reachable from s in one step.
func (s StageStatus) ValidTransitions() []StageStatus {
	out := make([]StageStatus, len(validStageTransitions[s]))
	copy(out, validStageTransitions[s])
	return out
}

// TryTransition validates the edge and applies it, updating the stage's
// modification timestamp. There is no force path: an edge outside the
// relation always fails and leaves the stage unchanged.
func (s *Stage) TryTransition(target StageStatus) error {
	if !s.Status.CanTransitionTo(target) {
		return errors.NewTransitionError("stage", s.ID, string(s.Status), string(target))
	}
	s.Status = target
	s.Touch()
	return nil
}

// TryMarkQueued transitions to Queued.
func (s *Stage) TryMarkQueued() error {
	return s.TryTransition(StatusQueued)
}

// TryMarkExecuting transitions to Executing. started_at is set on first
// execution only, so it survives retries.
func (s *Stage) TryMarkExecuting() error {
	if err := s.TryTransition(StatusExecuting); err != nil {
		return err
	}
	if s.StartedAt == nil {
		now := time.Now().UTC()
		s.StartedAt = &now
	}
	return nil
}

// TryComplete marks the stage Completed, recording completed_at and the
// wall duration from first execution.
func (s *Stage) TryComplete() error {
	if err := s.TryTransition(StatusCompleted); err != nil {
		return err
	}
	now := time.Now().UTC()
	s.CompletedAt = &now
	if s.StartedAt != nil {
		secs := int64(now.Sub(*s.StartedAt).Seconds())
		s.DurationSecs = &secs
	}
	return nil
}

// TryCompleteMerge finishes merge-conflict resolution: Completed with the
// conflict flag cleared and merged set.
func (s *Stage) TryCompleteMerge() error {
	if err := s.TryComplete(); err != nil {
		return err
	}
	s.MergeConflict = false
	s.Merged = true
	return nil
}

// TryMarkMergeConflict transitions to MergeConflict and sets the flag. The
// stage's work is done but cannot land until the conflict is resolved.
func (s *Stage) TryMarkMergeConflict() error {
	if err := s.TryTransition(StatusMergeConflict); err != nil {
		return err
	}
	s.MergeConflict = true
	return nil
}

// TryMarkMergeBlocked transitions to MergeBlocked (merge failed with a
// non-conflict git error).
func (s *Stage) TryMarkMergeBlocked() error {
	return s.TryTransition(StatusMergeBlocked)
}

// TryCompleteWithFailures records that execution finished but acceptance
// criteria failed.
func (s *Stage) TryCompleteWithFailures() error {
	return s.TryTransition(StatusCompletedWithFailures)
}

// TryMarkNeedsHandoff transitions to NeedsHandoff after context exhaustion.
func (s *Stage) TryMarkNeedsHandoff() error {
	return s.TryTransition(StatusNeedsHandoff)
}

// TryMarkNeedsHumanReview transitions to NeedsHumanReview, recording why
// the acceptance criteria are disputed.
func (s *Stage) TryMarkNeedsHumanReview(reason string) error {
	if err := s.TryTransition(StatusNeedsHumanReview); err != nil {
		return err
	}
	s.ReviewReason = reason
	return nil
}

// TryMarkWaitingForInput transitions to WaitingForInput.
func (s *Stage) TryMarkWaitingForInput() error {
	return s.TryTransition(StatusWaitingForInput)
}

// TryMarkBlocked transitions to Blocked with failure context.
func (s *Stage) TryMarkBlocked() error {
	return s.TryTransition(StatusBlocked)
}

// TrySkip transitions to Skipped and records the close reason. Skipped
// stages never satisfy dependencies.
func (s *Stage) TrySkip(reason string) error {
	if err := s.TryTransition(StatusSkipped); err != nil {
		return err
	}
	s.CloseReason = reason
	return nil
}

// TryVerify transitions a Completed stage to Verified after the human gate
// approved the verification run.
func (s *Stage) TryVerify() error {
	return s.TryTransition(StatusVerified)
}

// TryRetry returns a Blocked, CompletedWithFailures or MergeBlocked stage
// to Queued, incrementing the retry counter. force resets the counter to
// zero first.
func (s *Stage) TryRetry(force bool) error {
	if err := s.TryTransition(StatusQueued); err != nil {
		return err
	}
	if force {
		s.RetryCount = 0
	} else {
		s.RetryCount++
	}
	return nil
}
