// Package config holds loom's two configuration layers: the user-level
// config (viper: defaults, ~/.config/loom/config.yaml, LOOM_* env) and
// the per-workspace .work/config.toml written by init.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the user-level orchestration configuration.
type Config struct {
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Monitor      MonitorConfig      `mapstructure:"monitor"`
	Merge        MergeConfig        `mapstructure:"merge"`
	Terminal     TerminalConfig     `mapstructure:"terminal"`
	Acceptance   AcceptanceConfig   `mapstructure:"acceptance"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// OrchestratorConfig controls scheduling and retry behavior.
type OrchestratorConfig struct {
	// MaxParallelSessions bounds concurrently executing stages.
	MaxParallelSessions int `mapstructure:"max_parallel_sessions"`
	// RetryBackoffBaseSecs is the first retry delay; doubles per attempt.
	RetryBackoffBaseSecs int `mapstructure:"retry_backoff_base_secs"`
	// RetryBackoffMaxSecs caps the retry delay.
	RetryBackoffMaxSecs int `mapstructure:"retry_backoff_max_secs"`
	// MaxFailuresBeforeEscalation is the consecutive-failure count after
	// which a stage is blocked permanently.
	MaxFailuresBeforeEscalation int `mapstructure:"max_failures_before_escalation"`
}

// MonitorConfig controls session health checking.
type MonitorConfig struct {
	// PollIntervalSecs is the monitor tick period.
	PollIntervalSecs int `mapstructure:"poll_interval_secs"`
	// HungTimeoutSecs is the heartbeat age past which a live session
	// counts as hung.
	HungTimeoutSecs int `mapstructure:"hung_timeout_secs"`
	// ContextWarningThreshold and ContextCriticalThreshold are fractions
	// of the context window.
	ContextWarningThreshold  float64 `mapstructure:"context_warning_threshold"`
	ContextCriticalThreshold float64 `mapstructure:"context_critical_threshold"`
}

// MergeConfig controls the progressive merger.
type MergeConfig struct {
	// TimeoutSecs bounds one git merge invocation.
	TimeoutSecs int `mapstructure:"timeout_secs"`
	// AutoMerge merges stages as they complete without asking.
	AutoMerge bool `mapstructure:"auto_merge"`
}

// TerminalConfig selects and parameterises the terminal backend.
type TerminalConfig struct {
	// Backend is "tmux" or "native".
	Backend string `mapstructure:"backend"`
	// AgentCommand is the coding-agent argv; the signal path is appended.
	AgentCommand []string `mapstructure:"agent_command"`
}

// AcceptanceConfig controls criterion execution.
type AcceptanceConfig struct {
	// CommandTimeoutSecs bounds each acceptance command.
	CommandTimeoutSecs int `mapstructure:"command_timeout_secs"`
}

// LoggingConfig controls the orchestrator log.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			MaxParallelSessions:         4,
			RetryBackoffBaseSecs:        30,
			RetryBackoffMaxSecs:         300,
			MaxFailuresBeforeEscalation: 3,
		},
		Monitor: MonitorConfig{
			PollIntervalSecs:         5,
			HungTimeoutSecs:          120,
			ContextWarningThreshold:  0.75,
			ContextCriticalThreshold: 0.85,
		},
		Merge: MergeConfig{
			TimeoutSecs: 120,
			AutoMerge:   false,
		},
		Terminal: TerminalConfig{
			Backend:      "tmux",
			AgentCommand: []string{"claude"},
		},
		Acceptance: AcceptanceConfig{
			CommandTimeoutSecs: 300,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// SetDefaults registers defaults with viper.
func SetDefaults() {
	d := Default()

	viper.SetDefault("orchestrator.max_parallel_sessions", d.Orchestrator.MaxParallelSessions)
	viper.SetDefault("orchestrator.retry_backoff_base_secs", d.Orchestrator.RetryBackoffBaseSecs)
	viper.SetDefault("orchestrator.retry_backoff_max_secs", d.Orchestrator.RetryBackoffMaxSecs)
	viper.SetDefault("orchestrator.max_failures_before_escalation", d.Orchestrator.MaxFailuresBeforeEscalation)

	viper.SetDefault("monitor.poll_interval_secs", d.Monitor.PollIntervalSecs)
	viper.SetDefault("monitor.hung_timeout_secs", d.Monitor.HungTimeoutSecs)
	viper.SetDefault("monitor.context_warning_threshold", d.Monitor.ContextWarningThreshold)
	viper.SetDefault("monitor.context_critical_threshold", d.Monitor.ContextCriticalThreshold)

	viper.SetDefault("merge.timeout_secs", d.Merge.TimeoutSecs)
	viper.SetDefault("merge.auto_merge", d.Merge.AutoMerge)

	viper.SetDefault("terminal.backend", d.Terminal.Backend)
	viper.SetDefault("terminal.agent_command", d.Terminal.AgentCommand)

	viper.SetDefault("acceptance.command_timeout_secs", d.Acceptance.CommandTimeoutSecs)

	viper.SetDefault("logging.level", d.Logging.Level)
}

// Init wires viper to the user config file and environment. Missing
// config files are fine; defaults apply.
func Init() error {
	SetDefaults()
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(Dir())
	viper.SetEnvPrefix("LOOM")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
	}
	return nil
}

// Load unmarshals and validates the current viper state.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Get returns the current configuration, falling back to defaults.
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Dir returns the user config directory, honoring XDG_CONFIG_HOME.
func Dir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "loom")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".loom"
	}
	return filepath.Join(home, ".config", "loom")
}

func (c *MonitorConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSecs) * time.Second
}

func (c *MonitorConfig) HungTimeout() time.Duration {
	return time.Duration(c.HungTimeoutSecs) * time.Second
}

func (c *MergeConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

func (c *AcceptanceConfig) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutSecs) * time.Second
}

func (c *OrchestratorConfig) RetryBackoffBase() time.Duration {
	return time.Duration(c.RetryBackoffBaseSecs) * time.Second
}

func (c *OrchestratorConfig) RetryBackoffMax() time.Duration {
	return time.Duration(c.RetryBackoffMaxSecs) * time.Second
}
