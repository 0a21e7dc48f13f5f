// Package terminal spawns coding-agent sessions in a terminal backend.
// The tmux backend runs the agent as the first command of a detached
// tmux session named loom-<stage-id>. The native backend launches a GUI
// terminal emulator and tracks the agent PID through a wrapper script,
// falling back to a pty when no display is available.
package terminal

import (
	"fmt"

	"github.com/loomworks/loom/internal/model"
)

// Backend starts, inspects, and stops agent sessions.
type Backend interface {
	// SpawnSession starts the agent for a stage inside its worktree and
	// fills the session's PID or tmux session name.
	SpawnSession(stage *model.Stage, worktreePath string, session *model.Session, signalPath string) error

	// SpawnMergeSession starts a conflict-resolution agent in the main
	// repository working tree.
	SpawnMergeSession(stage *model.Stage, session *model.Session, signalPath, repoRoot string) error

	// KillSession terminates a session. Killing an already-dead session
	// is not an error.
	KillSession(session *model.Session) error

	// SessionIsAlive reports whether the session's agent still runs.
	SessionIsAlive(session *model.Session) bool

	// AttachCommand returns the argv a user runs to attach to the
	// session, for display and for exec.
	AttachCommand(session *model.Session) ([]string, error)

	// Name identifies the backend ("tmux" or "native").
	Name() string
}

// SessionName returns the terminal session name for a stage.
func SessionName(stageID string) string {
	return "loom-" + stageID
}

// agentCommand builds the shell command line that starts the agent with
// the stage's signal file as its prompt source.
func agentCommand(agent []string, signalPath string) string {
	cmd := ""
	for i, part := range agent {
		if i > 0 {
			cmd += " "
		}
		cmd += shellQuote(part)
	}
	return fmt.Sprintf("%s %s", cmd, shellQuote(signalPath))
}

// shellQuote single-quotes a string for sh.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r == '-' || r == '_' || r == '.' || r == '/' || r == '=' ||
			('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || ('0' <= r && r <= '9')) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	quoted := "'"
	for _, r := range s {
		if r == '\'' {
			quoted += `'\''`
		} else {
			quoted += string(r)
		}
	}
	return quoted + "'"
}
