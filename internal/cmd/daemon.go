package cmd

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/loomworks/loom/internal/daemon"
	"github.com/loomworks/loom/internal/orchestrator"
	"github.com/spf13/cobra"
)

// daemonCmd is the background half of "run --detach". It listens on the
// workspace socket and starts orchestrating once the parent delivers the
// run configuration over StartWithConfig.
var daemonCmd = &cobra.Command{
	Use:    "daemon",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

// daemonControl forwards shutdown to the orchestrator once one exists.
type daemonControl struct {
	mu   sync.Mutex
	orch *orchestrator.Orchestrator
}

func (c *daemonControl) set(o *orchestrator.Orchestrator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orch = o
}

func (c *daemonControl) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.orch != nil {
		c.orch.Shutdown()
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	w, err := openWorkspace()
	if err != nil {
		return err
	}
	log := w.logger()
	defer log.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctrl := &daemonControl{}
	srv := daemon.NewServer(w.root, w.store, ctrl, log)
	srv.OnStart = func(rc daemon.RunConfig) error {
		orch, err := buildOrchestrator(w, rc)
		if err != nil {
			return err
		}
		ctrl.set(orch)
		go func() {
			if err := orch.Run(ctx); err != nil && err != context.Canceled {
				log.Error("orchestrator exited", "error", err)
			}
			cancel()
		}()
		return nil
	}
	if err := srv.Listen(); err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		select {
		case <-sigs:
			ctrl.Shutdown()
			cancel()
		case <-ctx.Done():
		}
	}()

	log.Info("daemon listening", "workspace", w.root)
	return srv.Serve(ctx)
}
