package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/loomworks/loom/internal/daemon"
	"github.com/loomworks/loom/internal/orchestrator"
	"github.com/loomworks/loom/internal/store"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the plan",
	Long: `Run the orchestrator: queue stages whose dependencies are merged,
spawn agent sessions up to the parallel limit, and merge completed
stages into the base branch. Runs in the foreground unless --detach
is given.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

var runFlags struct {
	stage       string
	manual      bool
	maxParallel int
	autoMerge   bool
	watch       bool
	detach      bool
}

func init() {
	runCmd.Flags().StringVar(&runFlags.stage, "stage", "", "restrict scheduling to one stage id")
	runCmd.Flags().BoolVar(&runFlags.manual, "manual", false, "prepare worktrees and signals but spawn no agents")
	runCmd.Flags().IntVar(&runFlags.maxParallel, "max-parallel", 0, "maximum concurrent sessions (default from config)")
	runCmd.Flags().BoolVar(&runFlags.autoMerge, "auto-merge", false, "merge stages as soon as they complete")
	runCmd.Flags().BoolVar(&runFlags.watch, "watch", false, "stream status updates after starting a daemon")
	runCmd.Flags().BoolVar(&runFlags.detach, "detach", false, "run the orchestrator as a background daemon")
	rootCmd.AddCommand(runCmd)
}

func runConfigFromFlags(cmd *cobra.Command) daemon.RunConfig {
	rc := daemon.RunConfig{
		MaxParallel: runFlags.maxParallel,
		StageFilter: runFlags.stage,
		Manual:      runFlags.manual,
	}
	if cmd.Flags().Changed("auto-merge") {
		v := runFlags.autoMerge
		rc.AutoMerge = &v
	}
	return rc
}

func runRun(cmd *cobra.Command, args []string) error {
	w, err := openWorkspace()
	if err != nil {
		return err
	}
	rc := runConfigFromFlags(cmd)
	if runFlags.detach {
		return startDaemon(w, rc)
	}
	return runForeground(w, rc)
}

func buildOrchestrator(w *workspace, rc daemon.RunConfig) (*orchestrator.Orchestrator, error) {
	backend, err := w.backend()
	if err != nil {
		return nil, err
	}
	opts := orchestrator.Options{
		Manual:      rc.Manual,
		StageFilter: rc.StageFilter,
		MaxParallel: rc.MaxParallel,
		AutoMerge:   rc.AutoMerge,
	}
	return orchestrator.New(w.store, w.wt, backend, w.cfg, w.ws, w.logger(), opts), nil
}

// runForeground drives the orchestrator in-process. The control socket
// is still served so status and stop work from other shells.
func runForeground(w *workspace, rc daemon.RunConfig) error {
	orch, err := buildOrchestrator(w, rc)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := daemon.NewServer(w.root, w.store, orch, w.logger())
	if err := srv.Listen(); err != nil {
		return withHints(err, "stop it first: loom stop")
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		srv.Serve(ctx)
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		<-sigs
		fmt.Println("\nshutting down, sessions keep running")
		orch.Shutdown()
	}()

	err = orch.Run(ctx)
	cancel()
	wg.Wait()
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// startDaemon spawns the hidden daemon process, hands it the run
// configuration over the socket, and optionally stays attached to the
// status stream.
func startDaemon(w *workspace, rc daemon.RunConfig) error {
	if pid, ok := daemon.RunningPid(w.root); ok {
		return withHints(
			fmt.Errorf("daemon already running (pid %d)", pid),
			"stop it first: loom stop")
	}

	exe, err := os.Executable()
	if err != nil {
		return err
	}
	logFile, err := os.OpenFile(store.LogPath(w.root), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer logFile.Close()

	child := exec.Command(exe, "daemon")
	child.Dir = w.root
	child.Stdout = logFile
	child.Stderr = logFile
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return err
	}
	go child.Wait()

	client, err := waitForDaemon(w.root, 5*time.Second)
	if err != nil {
		return withHints(err, "check .work/orchestrator.log for startup errors")
	}
	defer client.Close()

	if err := client.StartWithConfig(rc); err != nil {
		return err
	}
	fmt.Printf("Daemon started (pid %d).\n", child.Process.Pid)

	if runFlags.watch {
		return streamStatus(client)
	}
	return nil
}

func waitForDaemon(root string, timeout time.Duration) (*daemon.Client, error) {
	deadline := time.Now().Add(timeout)
	for {
		client, err := daemon.Dial(root)
		if err == nil {
			if perr := client.Ping(); perr == nil {
				return client, nil
			}
			client.Close()
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("daemon did not come up within %s", timeout)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// streamStatus prints compact status lines from a subscription until
// the daemon goes away or the user interrupts.
func streamStatus(client *daemon.Client) error {
	if err := client.SubscribeStatus(); err != nil {
		return err
	}
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	frames := make(chan *daemon.Response)
	errs := make(chan error, 1)
	go func() {
		for {
			resp, err := client.Next()
			if err != nil {
				errs <- err
				return
			}
			frames <- resp
		}
	}()

	var last string
	for {
		select {
		case <-sigs:
			return nil
		case err := <-errs:
			fmt.Println("daemon connection closed")
			_ = err
			return nil
		case resp := <-frames:
			snap, err := daemon.DecodeStatus(resp)
			if err != nil {
				continue
			}
			line := renderCompact(snap)
			if line != last {
				fmt.Print(line)
				last = line
			}
		}
	}
}
