package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/errors"
)

// SessionStatus is the lifecycle state of a coding-agent session.
type SessionStatus string

const (
	SessionSpawning         SessionStatus = "spawning"
	SessionRunning          SessionStatus = "running"
	SessionPaused           SessionStatus = "paused"
	SessionCompleted        SessionStatus = "completed"
	SessionCrashed          SessionStatus = "crashed"
	SessionContextExhausted SessionStatus = "context-exhausted"
)

// IsTerminal reports whether the session can never run again.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionCompleted, SessionCrashed, SessionContextExhausted:
		return true
	}
	return false
}

// Sessions move Spawning -> Running -> {Paused, Completed, Crashed,
// ContextExhausted} and Paused -> Running. Terminal states have no
// exits.
var validSessionTransitions = map[SessionStatus][]SessionStatus{
	SessionSpawning: {SessionRunning, SessionCrashed},
	SessionRunning:  {SessionPaused, SessionCompleted, SessionCrashed, SessionContextExhausted},
	SessionPaused:   {SessionRunning, SessionCompleted, SessionCrashed},
}

// CanTransitionTo reports whether moving from s to target is legal.
func (s SessionStatus) CanTransitionTo(target SessionStatus) bool {
	if s == target {
		return true
	}
	for _, allowed := range validSessionTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// SessionType distinguishes normal stage sessions from merge-resolution
// sessions spawned by the progressive merger.
type SessionType string

const (
	SessionTypeStage        SessionType = "stage"
	SessionTypeMerge        SessionType = "merge"
	SessionTypeBaseConflict SessionType = "base-conflict"
)

// DefaultContextLimit is the assumed context window when the agent does
// not report one.
const DefaultContextLimit = 200_000

// Session records a running (or terminated) coding-agent instance.
// Persisted as .work/sessions/<id>.md.
type Session struct {
	ID          string        `yaml:"id"`
	StageID     string        `yaml:"stage_id,omitempty"`
	SessionType SessionType   `yaml:"session_type"`
	Status      SessionStatus `yaml:"status"`

	// Backend binding: exactly one of TmuxSession or PID is set after spawn.
	TmuxSession string `yaml:"tmux_session,omitempty"`
	PID         int    `yaml:"pid,omitempty"`

	WorktreePath string `yaml:"worktree_path,omitempty"`

	ContextTokens int `yaml:"context_tokens"`
	ContextLimit  int `yaml:"context_limit"`

	// Merge-resolution sessions record the branches being reconciled.
	MergeSourceBranch string `yaml:"merge_source_branch,omitempty"`
	MergeTargetBranch string `yaml:"merge_target_branch,omitempty"`

	CreatedAt time.Time `yaml:"created_at"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

// NewSessionID generates a session id of the form
// session-<uuid-prefix>-<unix-ts>.
func NewSessionID() string {
	return fmt.Sprintf("session-%s-%d", uuid.NewString()[:8], time.Now().Unix())
}

// NewSession creates a Spawning session for a stage.
func NewSession(stageID string, st SessionType) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:           NewSessionID(),
		StageID:      stageID,
		SessionType:  st,
		Status:       SessionSpawning,
		ContextLimit: DefaultContextLimit,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// NewMergeSession creates a merge-resolution session for the given
// source and target branches.
func NewMergeSession(stageID, sourceBranch, targetBranch string) *Session {
	s := NewSession(stageID, SessionTypeMerge)
	s.MergeSourceBranch = sourceBranch
	s.MergeTargetBranch = targetBranch
	return s
}

// TryTransition validates and applies a session status change.
func (s *Session) TryTransition(target SessionStatus) error {
	if !s.Status.CanTransitionTo(target) {
		return errors.NewTransitionError("session", s.ID, string(s.Status), string(target))
	}
	s.Status = target
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// ContextUsage returns context_tokens / context_limit, or 0 when the
// limit is unknown.
func (s *Session) ContextUsage() float64 {
	if s.ContextLimit <= 0 {
		return 0
	}
	return float64(s.ContextTokens) / float64(s.ContextLimit)
}

// IsMergeSession reports whether this session resolves a merge rather
// than working a stage.
func (s *Session) IsMergeSession() bool {
	return s.SessionType == SessionTypeMerge || s.SessionType == SessionTypeBaseConflict
}
