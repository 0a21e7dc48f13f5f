package terminal

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/loomworks/loom/internal/errors"
	"github.com/loomworks/loom/internal/model"
)

// terminalPreference is tried in order when no emulator is configured
// and xdg-terminal-exec is absent.
var terminalPreference = []string{
	"gnome-terminal",
	"konsole",
	"cosmic-term",
	"alacritty",
	"kitty",
	"wezterm",
	"foot",
	"xterm",
}

// NativeBackend spawns agents in a GUI terminal emulator. The agent
// runs under a wrapper that records its PID to a file so liveness can
// be checked later; when no display is available the agent runs on a
// pty instead.
type NativeBackend struct {
	agent   []string
	pidDir  string // directory for <session-id>.pid files
	display bool
}

// NewNative creates a native backend writing PID files under pidDir.
func NewNative(agent []string, pidDir string) (*NativeBackend, error) {
	if len(agent) == 0 {
		return nil, &errors.SpawnError{Backend: "native", Reason: "no agent command configured"}
	}
	if err := os.MkdirAll(pidDir, 0o755); err != nil {
		return nil, &errors.SpawnError{Backend: "native", Reason: "cannot create pid directory", Err: err}
	}
	display := os.Getenv("DISPLAY") != "" || os.Getenv("WAYLAND_DISPLAY") != ""
	return &NativeBackend{agent: agent, pidDir: pidDir, display: display}, nil
}

func (b *NativeBackend) Name() string { return "native" }

func (b *NativeBackend) SpawnSession(stage *model.Stage, worktreePath string, session *model.Session, signalPath string) error {
	return b.spawn(worktreePath, session, signalPath)
}

func (b *NativeBackend) SpawnMergeSession(stage *model.Stage, session *model.Session, signalPath, repoRoot string) error {
	return b.spawn(repoRoot, session, signalPath)
}

func (b *NativeBackend) spawn(workdir string, session *model.Session, signalPath string) error {
	pidFile := b.pidFile(session.ID)
	_ = os.Remove(pidFile)

	// The wrapper records the agent PID before exec'ing it.
	wrapper := fmt.Sprintf("echo $$ > %s; exec %s",
		shellQuote(pidFile), agentCommand(b.agent, signalPath))

	if !b.display {
		return b.spawnHeadless(workdir, session, wrapper, pidFile)
	}

	emulator, args, err := detectEmulator()
	if err != nil {
		return b.spawnHeadless(workdir, session, wrapper, pidFile)
	}

	argv := append(args, "sh", "-c", wrapper)
	cmd := exec.Command(emulator, argv...)
	cmd.Dir = workdir
	cmd.Env = os.Environ()
	if err := cmd.Start(); err != nil {
		return &errors.SpawnError{Backend: "native", Reason: "terminal emulator failed to start", Err: err}
	}
	// The emulator forks; the PID we need is the wrapper's, read from
	// the file it writes.
	go func() { _ = cmd.Wait() }()

	pid, err := waitForPidFile(pidFile, 5*time.Second)
	if err != nil {
		return &errors.SpawnError{Backend: "native", Reason: "agent did not report a PID", Err: err}
	}
	session.PID = pid
	return nil
}

// spawnHeadless runs the agent on a pty when no display is available.
// The pty keeps agents happy that refuse to run without a terminal.
func (b *NativeBackend) spawnHeadless(workdir string, session *model.Session, wrapper, pidFile string) error {
	cmd := exec.Command("sh", "-c", wrapper)
	cmd.Dir = workdir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 50, Cols: 200})
	if err != nil {
		return &errors.SpawnError{Backend: "native", Reason: "pty start failed", Err: err}
	}
	// Drain the pty so the agent never blocks on a full buffer.
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, rerr := f.Read(buf); rerr != nil {
				_ = f.Close()
				return
			}
		}
	}()
	go func() { _ = cmd.Wait() }()

	pid, err := waitForPidFile(pidFile, 5*time.Second)
	if err != nil {
		// The shell may exec before we read; fall back to the child PID.
		pid = cmd.Process.Pid
	}
	session.PID = pid
	return nil
}

// KillSession signals the recorded PID. Already-gone processes are fine.
func (b *NativeBackend) KillSession(session *model.Session) error {
	if session.PID <= 0 {
		return nil
	}
	err := syscall.Kill(session.PID, syscall.SIGTERM)
	if err == syscall.ESRCH {
		return nil
	}
	_ = os.Remove(b.pidFile(session.ID))
	return err
}

// SessionIsAlive checks the PID with signal 0.
func (b *NativeBackend) SessionIsAlive(session *model.Session) bool {
	if session.PID <= 0 {
		return false
	}
	return syscall.Kill(session.PID, 0) == nil
}

// AttachCommand focuses the session's terminal window when a window
// management tool is available. Native sessions cannot be re-entered
// like tmux ones; focusing the window is the best attach we can offer.
func (b *NativeBackend) AttachCommand(session *model.Session) ([]string, error) {
	if session.PID <= 0 {
		return nil, errors.New("session has no recorded PID")
	}
	if _, err := exec.LookPath("wmctrl"); err == nil {
		return []string{"wmctrl", "-a", SessionName(session.StageID)}, nil
	}
	if _, err := exec.LookPath("xdotool"); err == nil {
		return []string{"xdotool", "search", "--pid", strconv.Itoa(session.PID), "windowactivate"}, nil
	}
	return nil, errors.New("no window activation tool (wmctrl or xdotool) available")
}

func (b *NativeBackend) pidFile(sessionID string) string {
	return filepath.Join(b.pidDir, sessionID+".pid")
}

// detectEmulator picks the terminal emulator and the argument list that
// precedes the command to run. Priority: $TERMINAL, xdg-terminal-exec,
// then a fixed preference list.
func detectEmulator() (string, []string, error) {
	if term := os.Getenv("TERMINAL"); term != "" {
		if path, err := exec.LookPath(term); err == nil {
			return path, emulatorExecArgs(filepath.Base(path)), nil
		}
	}
	if path, err := exec.LookPath("xdg-terminal-exec"); err == nil {
		return path, nil, nil
	}
	for _, name := range terminalPreference {
		if path, err := exec.LookPath(name); err == nil {
			return path, emulatorExecArgs(name), nil
		}
	}
	return "", nil, errors.New("no terminal emulator found")
}

// emulatorExecArgs returns the flag that separates emulator options
// from the command for a known emulator.
func emulatorExecArgs(name string) []string {
	switch name {
	case "gnome-terminal":
		return []string{"--"}
	case "konsole", "xterm", "foot", "alacritty", "kitty":
		return []string{"-e"}
	case "wezterm":
		return []string{"start", "--"}
	}
	return []string{"-e"}
}

// waitForPidFile polls for the wrapper's PID file.
func waitForPidFile(path string, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil {
			pid, perr := strconv.Atoi(strings.TrimSpace(string(data)))
			if perr == nil && pid > 0 {
				return pid, nil
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return 0, fmt.Errorf("pid file %s not written within %s", path, timeout)
}
