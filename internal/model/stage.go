// Package model defines the persisted entities loom orchestrates: stages,
// sessions and heartbeats, together with their status state machines.
// Entities are plain structs with YAML tags; the store package owns how
// they are written to disk.
package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// StageStatus is the lifecycle state of a stage. The legal transitions
// between states are defined in stage_transitions.go; every status change
// must go through TryTransition.
type StageStatus string

const (
	StatusWaitingForDeps        StageStatus = "waiting-for-deps"
	StatusQueued                StageStatus = "queued"
	StatusExecuting             StageStatus = "executing"
	StatusWaitingForInput       StageStatus = "waiting-for-input"
	StatusNeedsHandoff          StageStatus = "needs-handoff"
	StatusNeedsHumanReview      StageStatus = "needs-human-review"
	StatusCompleted             StageStatus = "completed"
	StatusCompletedWithFailures StageStatus = "completed-with-failures"
	StatusMergeConflict         StageStatus = "merge-conflict"
	StatusMergeBlocked          StageStatus = "merge-blocked"
	StatusBlocked               StageStatus = "blocked"
	StatusSkipped               StageStatus = "skipped"
	StatusVerified              StageStatus = "verified"
)

// NormalizeStageStatus maps legacy aliases found in older stage files to
// their canonical status. Unknown values are returned unchanged so the
// store can reject them with a parse error.
func NormalizeStageStatus(s string) StageStatus {
	switch s {
	case "pending":
		return StatusWaitingForDeps
	case "ready":
		return StatusQueued
	default:
		return StageStatus(s)
	}
}

// IsKnown reports whether the status is one of the defined values.
func (s StageStatus) IsKnown() bool {
	switch s {
	case StatusWaitingForDeps, StatusQueued, StatusExecuting, StatusWaitingForInput,
		StatusNeedsHandoff, StatusNeedsHumanReview, StatusCompleted,
		StatusCompletedWithFailures, StatusMergeConflict, StatusMergeBlocked,
		StatusBlocked, StatusSkipped, StatusVerified:
		return true
	}
	return false
}

// IsTerminal reports whether no transition leads out of this status.
func (s StageStatus) IsTerminal() bool {
	return s == StatusSkipped || s == StatusVerified
}

func (s StageStatus) String() string { return string(s) }

// StageType selects the signal template and controls whether the stage's
// work is merged. Knowledge stages run in-repo and skip merge entirely.
type StageType string

const (
	StageTypeStandard   StageType = "standard"
	StageTypeKnowledge  StageType = "knowledge"
	StageTypeCodeReview StageType = "code-review"
)

// FailureType classifies why a stage failed; see the orchestrator's
// classification table for how evidence text maps to these values.
type FailureType string

const (
	FailureTest             FailureType = "test-failure"
	FailureBuild            FailureType = "build-failure"
	FailureTimeout          FailureType = "timeout"
	FailureSessionCrash     FailureType = "session-crash"
	FailureCodeError        FailureType = "code-error"
	FailureMergeConflict    FailureType = "merge-conflict"
	FailureContextExhausted FailureType = "context-exhausted"
	FailureUnknown          FailureType = "unknown"
)

// AutoRetryable reports whether the orchestrator may retry this failure
// without user intervention. Unknown failures are retried but callers cap
// them at a single attempt.
func (f FailureType) AutoRetryable() bool {
	switch f {
	case FailureTimeout, FailureSessionCrash, FailureUnknown:
		return true
	}
	return false
}

// FailureInfo records details about a stage failure.
type FailureInfo struct {
	FailureType FailureType `yaml:"failure_type"`
	DetectedAt  time.Time   `yaml:"detected_at"`
	Evidence    []string    `yaml:"evidence,omitempty"`
}

// Stage is one node in the plan. It is persisted as
// .work/stages/<id>.md with this struct as YAML frontmatter.
type Stage struct {
	ID            string      `yaml:"id"`
	Name          string      `yaml:"name"`
	Description   string      `yaml:"description,omitempty"`
	Status        StageStatus `yaml:"status"`
	Dependencies  []string    `yaml:"dependencies,omitempty"`
	ParallelGroup string      `yaml:"parallel_group,omitempty"`
	Acceptance    []string    `yaml:"acceptance,omitempty"`
	Setup         []string    `yaml:"setup,omitempty"`
	Files         []string    `yaml:"files,omitempty"`
	WorkingDir    string      `yaml:"working_dir,omitempty"`
	StageType     StageType   `yaml:"stage_type,omitempty"`

	// Merged means the stage's work is reachable from the base branch tip.
	// A dependency is satisfied only when the dep is Completed or Verified
	// AND merged.
	Merged        bool   `yaml:"merged"`
	MergeConflict bool   `yaml:"merge_conflict,omitempty"`
	Worktree      string `yaml:"worktree,omitempty"`
	ResolvedBase  string `yaml:"resolved_base,omitempty"`
	Session       string `yaml:"session,omitempty"`

	RetryCount    int          `yaml:"retry_count"`
	MaxRetries    *int         `yaml:"max_retries,omitempty"`
	FailureInfo   *FailureInfo `yaml:"failure_info,omitempty"`
	LastFailureAt *time.Time   `yaml:"last_failure_at,omitempty"`

	ReviewReason string `yaml:"review_reason,omitempty"`
	CloseReason  string `yaml:"close_reason,omitempty"`

	CreatedAt    time.Time  `yaml:"created_at"`
	UpdatedAt    time.Time  `yaml:"updated_at"`
	StartedAt    *time.Time `yaml:"started_at,omitempty"`
	CompletedAt  *time.Time `yaml:"completed_at,omitempty"`
	DurationSecs *int64     `yaml:"duration_secs,omitempty"`
}

// DefaultMaxRetries applies when a stage does not set max_retries.
const DefaultMaxRetries = 3

// stageIDPattern is the identifier charset for stage ids: slug-like,
// starting with a letter or digit.
var stageIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// ValidStageID reports whether id matches the stage identifier charset.
func ValidStageID(id string) bool {
	return stageIDPattern.MatchString(id)
}

// NewStage creates a stage in WaitingForDeps with timestamps set.
func NewStage(id, name string) (*Stage, error) {
	if !ValidStageID(id) {
		return nil, fmt.Errorf("invalid stage id %q", id)
	}
	now := time.Now().UTC()
	return &Stage{
		ID:         id,
		Name:       name,
		Status:     StatusWaitingForDeps,
		StageType:  StageTypeStandard,
		WorkingDir: ".",
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// EffectiveMaxRetries returns max_retries or the global default.
func (s *Stage) EffectiveMaxRetries() int {
	if s.MaxRetries != nil {
		return *s.MaxRetries
	}
	return DefaultMaxRetries
}

// SatisfiesDependents reports whether this stage counts as a satisfied
// dependency: Completed or Verified, with the work merged into the base
// branch. Skipped never satisfies.
func (s *Stage) SatisfiesDependents() bool {
	return (s.Status == StatusCompleted || s.Status == StatusVerified) && s.Merged
}

// IsKnowledge reports whether this stage runs in-repo with no merge.
// Stages are knowledge stages when typed so explicitly, or when their id
// or name mentions knowledge (plan authors rely on this convention).
func (s *Stage) IsKnowledge() bool {
	if s.StageType == StageTypeKnowledge {
		return true
	}
	return strings.Contains(strings.ToLower(s.ID), "knowledge") ||
		strings.Contains(strings.ToLower(s.Name), "knowledge")
}

// BranchName returns the stage's git branch, loom/<id>.
func (s *Stage) BranchName() string {
	return "loom/" + s.ID
}

// Touch updates the modification timestamp.
func (s *Stage) Touch() {
	s.UpdatedAt = time.Now().UTC()
}

// AssignSession records the session currently working the stage.
func (s *Stage) AssignSession(sessionID string) {
	s.Session = sessionID
	s.Touch()
}

// ReleaseSession clears the session binding.
func (s *Stage) ReleaseSession() {
	s.Session = ""
	s.Touch()
}

// RecordFailure stores failure details and bumps the failure timestamp
// used for backoff calculation.
func (s *Stage) RecordFailure(ft FailureType, evidence []string) {
	now := time.Now().UTC()
	s.FailureInfo = &FailureInfo{FailureType: ft, DetectedAt: now, Evidence: evidence}
	s.LastFailureAt = &now
	s.Touch()
}
