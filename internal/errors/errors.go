// Package errors provides centralized error definitions for loom.
// It defines sentinel errors for the state store and state machines,
// domain-specific error types for git and session spawning, and
// classification helpers used by the orchestrator's retry logic.
package errors

import (
	"errors"
	"fmt"
)

// Re-export standard library functions so callers can import only this
// package for error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Store and entity sentinel errors.
var (
	// ErrNotFound indicates that a persisted entity could not be found.
	ErrNotFound = New("not found")
	// ErrAlreadyExists indicates that an entity with the same id already exists.
	ErrAlreadyExists = New("already exists")
	// ErrParse indicates that an entity file is malformed or missing required fields.
	ErrParse = New("parse error")
)

// State machine sentinel errors.
var (
	// ErrInvalidTransition indicates a transition not present in the relation.
	ErrInvalidTransition = New("invalid status transition")
)

// Orchestration sentinel errors.
var (
	// ErrDaemonRunning indicates another orchestrator daemon owns this workspace.
	ErrDaemonRunning = New("daemon already running")
	// ErrDaemonNotRunning indicates no daemon is listening on the workspace socket.
	ErrDaemonNotRunning = New("daemon not running")
	// ErrMergeInProgress indicates the merge lock is held by another merge.
	ErrMergeInProgress = New("merge already in progress")
)

// TransitionError describes a rejected stage or session status transition.
type TransitionError struct {
	Entity string // "stage" or "session"
	ID     string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid %s status transition for %s: %s -> %s", e.Entity, e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// NewTransitionError creates a TransitionError for the given entity.
func NewTransitionError(entity, id, from, to string) *TransitionError {
	return &TransitionError{Entity: entity, ID: id, From: from, To: to}
}

// GitErrorKind distinguishes merge conflicts from every other git failure.
// The progressive merger routes conflicts to the MergeConflict path and
// everything else to MergeBlocked.
type GitErrorKind int

const (
	// GitOther is any git failure that is not a merge conflict.
	GitOther GitErrorKind = iota
	// GitConflict is a merge that stopped with unmerged files.
	GitConflict
	// GitUnavailable means the git binary could not be run at all.
	GitUnavailable
)

// GitError wraps a failed git command with its captured output.
type GitError struct {
	Kind   GitErrorKind
	Op     string // e.g. "merge", "worktree add"
	Output string
	Err    error
}

func (e *GitError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("git %s failed: %v\n%s", e.Op, e.Err, e.Output)
	}
	return fmt.Sprintf("git %s failed: %v", e.Op, e.Err)
}

func (e *GitError) Unwrap() error { return e.Err }

// NewGitError creates a GitError with GitOther kind.
func NewGitError(op string, err error, output string) *GitError {
	return &GitError{Kind: GitOther, Op: op, Err: err, Output: output}
}

// NewGitConflict creates a GitError marking a merge conflict.
func NewGitConflict(op string, output string) *GitError {
	return &GitError{Kind: GitConflict, Op: op, Err: New("merge conflict"), Output: output}
}

// IsConflict reports whether err is a git merge conflict.
func IsConflict(err error) bool {
	var ge *GitError
	return As(err, &ge) && ge.Kind == GitConflict
}

// SpawnError describes a failed attempt to start a coding-agent session.
type SpawnError struct {
	Backend string // "tmux" or "native"
	Reason  string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("%s backend failed to spawn session: %s", e.Backend, e.Reason)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ValidationError describes invalid user or plan input. Validation errors
// are fatal to the triggering command and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsRetryable reports whether err represents a transient condition that
// the orchestrator may retry. Validation, parse and transition errors are
// never retryable; git conflicts are handled by their own path.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ve *ValidationError
	if As(err, &ve) {
		return false
	}
	if Is(err, ErrInvalidTransition) || Is(err, ErrParse) || IsConflict(err) {
		return false
	}
	var se *SpawnError
	return As(err, &se)
}
