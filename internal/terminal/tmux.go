package terminal

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/loomworks/loom/internal/errors"
	"github.com/loomworks/loom/internal/model"
)

// SessionPrefix marks the tmux sessions this backend owns.
const SessionPrefix = "loom-"

// TmuxBackend runs agents as the first command of detached tmux
// sessions so they survive orchestrator restarts and remain attachable.
type TmuxBackend struct {
	agent []string // agent argv, e.g. ["claude"]
}

// NewTmux creates a tmux backend. It fails when tmux is not installed.
func NewTmux(agent []string) (*TmuxBackend, error) {
	if _, err := exec.LookPath("tmux"); err != nil {
		return nil, &errors.SpawnError{Backend: "tmux", Reason: "tmux not found in PATH", Err: err}
	}
	if len(agent) == 0 {
		return nil, &errors.SpawnError{Backend: "tmux", Reason: "no agent command configured"}
	}
	return &TmuxBackend{agent: agent}, nil
}

func (b *TmuxBackend) Name() string { return "tmux" }

// SpawnSession starts the agent in a detached tmux session named
// loom-<stage-id>, with the stage worktree as the working directory.
// A stale session under the same name from a previous run is killed
// first.
func (b *TmuxBackend) SpawnSession(stage *model.Stage, worktreePath string, session *model.Session, signalPath string) error {
	return b.spawn(SessionName(stage.ID), worktreePath, session, signalPath)
}

// SpawnMergeSession starts the resolution agent in the main repository
// under the session name loom-merge-<stage-id>.
func (b *TmuxBackend) SpawnMergeSession(stage *model.Stage, session *model.Session, signalPath, repoRoot string) error {
	return b.spawn(SessionName("merge-"+stage.ID), repoRoot, session, signalPath)
}

func (b *TmuxBackend) spawn(name, workdir string, session *model.Session, signalPath string) error {
	_ = exec.Command("tmux", "kill-session", "-t", name).Run()

	cmd := exec.Command("tmux",
		"new-session",
		"-d",
		"-s", name,
		"-c", workdir,
		"-x", "200",
		"-y", "50",
		"sh", "-c", agentCommand(b.agent, signalPath),
	)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	if out, err := cmd.CombinedOutput(); err != nil {
		return &errors.SpawnError{
			Backend: "tmux",
			Reason:  fmt.Sprintf("new-session failed: %s", strings.TrimSpace(string(out))),
			Err:     err,
		}
	}

	_ = exec.Command("tmux", "set-option", "-t", name, "history-limit", "10000").Run()

	session.TmuxSession = name
	return nil
}

// KillSession kills the tmux session. A missing session is fine.
func (b *TmuxBackend) KillSession(session *model.Session) error {
	if session.TmuxSession == "" {
		return nil
	}
	if !b.SessionIsAlive(session) {
		return nil
	}
	return exec.Command("tmux", "kill-session", "-t", session.TmuxSession).Run()
}

// SessionIsAlive reports whether the tmux session still exists.
func (b *TmuxBackend) SessionIsAlive(session *model.Session) bool {
	if session.TmuxSession == "" {
		return false
	}
	return exec.Command("tmux", "has-session", "-t", session.TmuxSession).Run() == nil
}

// CaptureOutput returns the session's visible pane plus scrollback.
// Used to gather crash evidence; an empty result is fine.
func (b *TmuxBackend) CaptureOutput(session *model.Session) (string, error) {
	if session.TmuxSession == "" {
		return "", nil
	}
	out, err := exec.Command("tmux",
		"capture-pane", "-t", session.TmuxSession, "-p", "-S", "-", "-E", "-").Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// AttachCommand returns the tmux attach argv for the session.
func (b *TmuxBackend) AttachCommand(session *model.Session) ([]string, error) {
	if session.TmuxSession == "" {
		return nil, errors.New("session has no tmux session name")
	}
	return []string{"tmux", "attach", "-t", session.TmuxSession}, nil
}

// ListSessions returns all tmux sessions this backend owns.
func ListSessions() ([]string, error) {
	out, err := exec.Command("tmux", "list-sessions", "-F", "#{session_name}").Output()
	if err != nil {
		// tmux exits non-zero when no server runs.
		return nil, nil
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if strings.HasPrefix(line, SessionPrefix) {
			names = append(names, line)
		}
	}
	return names, nil
}
