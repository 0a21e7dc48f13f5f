package accept

import (
	"runtime"
	"testing"
	"time"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell commands differ on windows")
	}
}

func TestExpand(t *testing.T) {
	ctx := Context{
		Worktree:    "/repo/.worktrees/stage-1",
		ProjectRoot: "/repo",
		StageID:     "stage-1",
	}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"worktree", "test -f ${WORKTREE}/done", "test -f /repo/.worktrees/stage-1/done"},
		{"project root", "cat ${PROJECT_ROOT}/README.md", "cat /repo/README.md"},
		{"stage id", "echo ${STAGE_ID}", "echo stage-1"},
		{"unknown var preserved", "echo ${NOT_A_VAR}", "echo ${NOT_A_VAR}"},
		{"multiple", "${STAGE_ID}:${STAGE_ID}", "stage-1:stage-1"},
		{"no vars", "go test ./...", "go test ./..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ctx.Expand(tt.in); got != tt.want {
				t.Errorf("Expand(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRunAllPassed(t *testing.T) {
	skipOnWindows(t)
	res := Run([]string{"true", "true"}, nil, t.TempDir(), Context{}, DefaultConfig())
	if !res.AllPassed {
		t.Fatalf("expected pass, got %+v", res)
	}
	if len(res.Results) != 2 {
		t.Errorf("got %d results", len(res.Results))
	}
}

func TestRunEmptyAcceptancePassesVacuously(t *testing.T) {
	res := Run(nil, nil, "", Context{}, DefaultConfig())
	if !res.AllPassed || len(res.Results) != 0 {
		t.Errorf("empty acceptance should pass vacuously: %+v", res)
	}
}

func TestRunCapturesFailure(t *testing.T) {
	skipOnWindows(t)
	res := Run([]string{"true", "exit 3", "true"}, nil, t.TempDir(), Context{}, DefaultConfig())
	if res.AllPassed {
		t.Fatal("expected failure")
	}
	failures := res.Failures()
	if len(failures) != 1 {
		t.Fatalf("got %d failures", len(failures))
	}
	if failures[0].ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", failures[0].ExitCode)
	}
	// Later criteria still ran.
	if len(res.Results) != 3 {
		t.Errorf("got %d results, want 3", len(res.Results))
	}
}

func TestRunSetupPrepended(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	res := Run(
		[]string{"test -f marker"},
		[]string{"touch marker"},
		dir, Context{}, DefaultConfig(),
	)
	if !res.AllPassed {
		t.Fatalf("setup not prepended: %+v", res.Results)
	}
}

func TestRunTimeout(t *testing.T) {
	skipOnWindows(t)
	cfg := Config{CommandTimeout: 100 * time.Millisecond}
	// The trailing command forces the shell to fork sleep as a child
	// that inherits the output pipes; the whole group must die at the
	// deadline, not just the shell.
	tests := []struct {
		name    string
		command string
	}{
		{"direct", "sleep 10"},
		{"forked child holds pipes", "sleep 10; true"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := time.Now()
			res := Run([]string{tt.command}, nil, t.TempDir(), Context{}, cfg)
			elapsed := time.Since(start)

			if res.AllPassed {
				t.Fatal("expected timeout failure")
			}
			cr := res.Results[0]
			if !cr.TimedOut {
				t.Error("timed_out flag not set")
			}
			if cr.Success {
				t.Error("success should be false on timeout")
			}
			if elapsed > time.Second {
				t.Errorf("command not killed promptly: %v", elapsed)
			}
		})
	}
}

func TestRunCapturesOutput(t *testing.T) {
	skipOnWindows(t)
	res := Run([]string{"echo out; echo err >&2"}, nil, t.TempDir(), Context{}, DefaultConfig())
	cr := res.Results[0]
	if cr.Stdout != "out\n" {
		t.Errorf("stdout = %q", cr.Stdout)
	}
	if cr.Stderr != "err\n" {
		t.Errorf("stderr = %q", cr.Stderr)
	}
}

func TestRunExpandsStageID(t *testing.T) {
	skipOnWindows(t)
	res := Run([]string{`test "${STAGE_ID}" = "stage-9"`}, nil, t.TempDir(), Context{StageID: "stage-9"}, DefaultConfig())
	if !res.AllPassed {
		t.Fatalf("stage id not expanded: %+v", res.Results)
	}
}
