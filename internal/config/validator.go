package config

import "fmt"

// Validate checks config values that would break orchestration.
func (c *Config) Validate() error {
	if c.Orchestrator.MaxParallelSessions < 1 {
		return fmt.Errorf("orchestrator.max_parallel_sessions must be >= 1, got %d", c.Orchestrator.MaxParallelSessions)
	}
	if c.Orchestrator.RetryBackoffBaseSecs < 1 {
		return fmt.Errorf("orchestrator.retry_backoff_base_secs must be >= 1, got %d", c.Orchestrator.RetryBackoffBaseSecs)
	}
	if c.Orchestrator.RetryBackoffMaxSecs < c.Orchestrator.RetryBackoffBaseSecs {
		return fmt.Errorf("orchestrator.retry_backoff_max_secs (%d) below base (%d)",
			c.Orchestrator.RetryBackoffMaxSecs, c.Orchestrator.RetryBackoffBaseSecs)
	}
	if c.Monitor.PollIntervalSecs < 1 {
		return fmt.Errorf("monitor.poll_interval_secs must be >= 1, got %d", c.Monitor.PollIntervalSecs)
	}
	if c.Monitor.ContextWarningThreshold <= 0 || c.Monitor.ContextWarningThreshold >= 1 {
		return fmt.Errorf("monitor.context_warning_threshold must be in (0, 1), got %v", c.Monitor.ContextWarningThreshold)
	}
	if c.Monitor.ContextCriticalThreshold <= c.Monitor.ContextWarningThreshold || c.Monitor.ContextCriticalThreshold >= 1 {
		return fmt.Errorf("monitor.context_critical_threshold must be in (warning, 1), got %v", c.Monitor.ContextCriticalThreshold)
	}
	switch c.Terminal.Backend {
	case "tmux", "native":
	default:
		return fmt.Errorf("terminal.backend must be tmux or native, got %q", c.Terminal.Backend)
	}
	if len(c.Terminal.AgentCommand) == 0 {
		return fmt.Errorf("terminal.agent_command must not be empty")
	}
	return nil
}
