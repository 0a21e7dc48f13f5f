package store

import "path/filepath"

// Workspace layout under the repository root. All loom state lives in
// .work/; per-stage git worktrees live in .worktrees/.
const (
	WorkDirName      = ".work"
	WorktreesDirName = ".worktrees"

	stagesDirName    = "stages"
	sessionsDirName  = "sessions"
	signalsDirName   = "signals"
	heartbeatDirName = "heartbeat"
	handoffsDirName  = "handoffs"

	ConfigFileName = "config.toml"
	SocketFileName = "orchestrator.sock"
	PidFileName    = "orchestrator.pid"
	LogFileName    = "orchestrator.log"
)

// WorkDir returns <root>/.work.
func WorkDir(root string) string { return filepath.Join(root, WorkDirName) }

// WorktreesDir returns <root>/.worktrees.
func WorktreesDir(root string) string { return filepath.Join(root, WorktreesDirName) }

// StagesDir returns the stage file directory.
func StagesDir(root string) string { return filepath.Join(WorkDir(root), stagesDirName) }

// SessionsDir returns the session file directory.
func SessionsDir(root string) string { return filepath.Join(WorkDir(root), sessionsDirName) }

// SignalsDir returns the signal file directory.
func SignalsDir(root string) string { return filepath.Join(WorkDir(root), signalsDirName) }

// HeartbeatDir returns the heartbeat directory.
func HeartbeatDir(root string) string { return filepath.Join(WorkDir(root), heartbeatDirName) }

// HandoffsDir returns the handoff directory.
func HandoffsDir(root string) string { return filepath.Join(WorkDir(root), handoffsDirName) }

// ConfigPath returns the workspace config.toml path.
func ConfigPath(root string) string { return filepath.Join(WorkDir(root), ConfigFileName) }

// SocketPath returns the daemon socket path.
func SocketPath(root string) string { return filepath.Join(WorkDir(root), SocketFileName) }

// PidPath returns the daemon pid file path.
func PidPath(root string) string { return filepath.Join(WorkDir(root), PidFileName) }

// LogPath returns the orchestrator log path.
func LogPath(root string) string { return filepath.Join(WorkDir(root), LogFileName) }
