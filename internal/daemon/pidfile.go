package daemon

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/loomworks/loom/internal/errors"
	"github.com/loomworks/loom/internal/store"
)

// RunningPid reports the pid recorded in the workspace pid file, if the
// process is still alive. A stale pid file is not an error.
func RunningPid(root string) (int, bool) {
	data, err := os.ReadFile(store.PidPath(root))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	if syscall.Kill(pid, 0) != nil {
		return 0, false
	}
	return pid, true
}

// acquirePidFile claims the workspace for this process. One daemon per
// workspace: a live pid in the file means another daemon owns it.
func acquirePidFile(root string) error {
	if pid, ok := RunningPid(root); ok {
		return fmt.Errorf("%w (pid %d)", errors.ErrDaemonRunning, pid)
	}
	path := store.PidPath(root)
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

func releasePidFile(root string) {
	os.Remove(store.PidPath(root))
}
