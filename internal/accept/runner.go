// Package accept runs a stage's shell acceptance commands. Each command
// is executed through the system shell in the stage's resolved working
// directory, after variable expansion and with a per-command timeout.
package accept

import (
	"bytes"
	"context"
	"os/exec"
	"runtime"
	"strings"
	"syscall"
	"time"
)

// DefaultCommandTimeout bounds each acceptance command.
const DefaultCommandTimeout = 5 * time.Minute

// Context supplies the values substituted into acceptance commands.
// Unknown ${VAR} references are left literal.
type Context struct {
	Worktree    string // absolute path of the stage worktree
	ProjectRoot string // absolute path of the main repository
	StageID     string
}

// Expand rewrites ${WORKTREE}, ${PROJECT_ROOT} and ${STAGE_ID} in cmd.
func (c Context) Expand(cmd string) string {
	r := strings.NewReplacer(
		"${WORKTREE}", c.Worktree,
		"${PROJECT_ROOT}", c.ProjectRoot,
		"${STAGE_ID}", c.StageID,
	)
	return r.Replace(cmd)
}

// CriterionResult records the outcome of one acceptance command.
type CriterionResult struct {
	Command  string
	Success  bool
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
}

// Result aggregates all criterion results for a stage.
type Result struct {
	AllPassed bool
	Results   []CriterionResult
}

// Failures returns the failing criterion results.
func (r *Result) Failures() []CriterionResult {
	var out []CriterionResult
	for _, cr := range r.Results {
		if !cr.Success {
			out = append(out, cr)
		}
	}
	return out
}

// Config tunes the runner.
type Config struct {
	CommandTimeout time.Duration
}

// DefaultConfig returns the default runner configuration.
func DefaultConfig() Config {
	return Config{CommandTimeout: DefaultCommandTimeout}
}

// Run executes acceptance commands in order, prepending the expanded
// setup commands to each with "&&". A stage without acceptance passes
// vacuously. Commands that exceed the timeout are killed and marked
// timed_out; a timeout fails that criterion only, and later criteria
// still run.
func Run(acceptance, setup []string, workingDir string, aCtx Context, cfg Config) *Result {
	res := &Result{AllPassed: true}
	if len(acceptance) == 0 {
		return res
	}
	timeout := cfg.CommandTimeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}

	var setupPrefix string
	if len(setup) > 0 {
		expanded := make([]string, len(setup))
		for i, s := range setup {
			expanded[i] = aCtx.Expand(s)
		}
		setupPrefix = strings.Join(expanded, " && ")
	}

	for _, raw := range acceptance {
		command := aCtx.Expand(raw)
		if setupPrefix != "" {
			command = setupPrefix + " && " + command
		}
		cr := runOne(command, workingDir, timeout)
		cr.Command = raw
		if !cr.Success {
			res.AllPassed = false
		}
		res.Results = append(res.Results, cr)
	}
	return res
}

// runOne executes a single shell command with a timeout.
func runOne(command, workingDir string, timeout time.Duration) CriterionResult {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/C", command)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", command)
		// The shell's children inherit the output pipes, so killing
		// only the shell would leave Run blocked until they exit.
		// Kill the whole process group on timeout instead.
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		cmd.Cancel = func() error {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
	}
	cmd.WaitDelay = time.Second
	if workingDir != "" {
		cmd.Dir = workingDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	result := CriterionResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}

	if ctx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.ExitCode = -1
		return result
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
			result.Stderr = err.Error()
		}
		return result
	}
	result.Success = true
	return result
}
