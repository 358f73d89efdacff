// Package config provides configuration loading for swarmd.
package config

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// Config is the complete agent configuration.
type Config struct {
	Store         StoreConfig         `koanf:"store"`
	Lease         LeaseConfig         `koanf:"lease"`
	Retry         RetryConfig         `koanf:"retry"`
	Validation    ValidationConfig    `koanf:"validation"`
	Worker        WorkerConfig        `koanf:"worker"`
	Planner       PlannerConfig       `koanf:"planner"`
	Agent         AgentConfig         `koanf:"agent"`
	Liveness      LivenessConfig      `koanf:"liveness"`
	Guard         GuardConfig         `koanf:"guard"`
	Status        StatusConfig        `koanf:"status"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// StoreConfig locates the shared repository.
type StoreConfig struct {
	URL             string   `koanf:"url"`
	Branch          string   `koanf:"branch"`
	Workdir         string   `koanf:"workdir"`
	StateDir        string   `koanf:"state_dir"`
	Username        string   `koanf:"username"`
	Token           Secret   `koanf:"token"`
	AuthorName      string   `koanf:"author_name"`
	AuthorEmail     string   `koanf:"author_email"`
	MinSyncInterval Duration `koanf:"min_sync_interval"`
	Watch           bool     `koanf:"watch"`
}

// LeaseConfig controls lease expiry.
type LeaseConfig struct {
	TTLMinutes int `koanf:"ttl_minutes"`
}

// TTL returns the lease time-to-live.
func (c LeaseConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

// RetryConfig bounds task attempts and optimistic append retries.
type RetryConfig struct {
	MaxAttempts    int `koanf:"max_attempts"`
	AppendAttempts int `koanf:"append_attempts"`
}

// ValidationConfig bounds the validation phase.
type ValidationConfig struct {
	MaxRounds int `koanf:"max_rounds"`
}

// WorkerConfig describes the external worker CLI.
type WorkerConfig struct {
	Command      string   `koanf:"command"`
	Model        string   `koanf:"model"`
	Args         string   `koanf:"args"`
	Timeout      Duration `koanf:"timeout"`
	SetupCommand string   `koanf:"setup_command"`
}

// ExtraArgs splits Args on whitespace.
func (c WorkerConfig) ExtraArgs() []string {
	return strings.Fields(c.Args)
}

// PlannerConfig selects how the backlog is seeded.
type PlannerConfig struct {
	PlanFile string `koanf:"plan_file"`
	// Brief is a file in the workdir describing the project for the AI planner.
	Brief string `koanf:"brief"`
}

// AgentConfig controls the orchestrator loop.
type AgentConfig struct {
	Holder         string `koanf:"holder"`
	MaxIterations  int    `koanf:"max_iterations"`
	TerminalPrefix string `koanf:"terminal_prefix"`
	// MaxPhaseFailures stops the agent after this many consecutive planner
	// or validator errors in one phase.
	MaxPhaseFailures int      `koanf:"max_phase_failures"`
	BackoffMin       Duration `koanf:"backoff_min"`
	BackoffMax       Duration `koanf:"backoff_max"`
}

// Liveness probe kinds.
const (
	ProbeHost = "host"
	ProbeNATS = "nats"
	ProbeNone = "none"
)

// LivenessConfig selects the liveness probe.
type LivenessConfig struct {
	Probe   string   `koanf:"probe"`
	NATSURL string   `koanf:"nats_url"`
	Timeout Duration `koanf:"timeout"`
}

// GuardConfig controls scanning of worker output before it is published.
type GuardConfig struct {
	ScanSecrets bool `koanf:"scan_secrets"`
}

// StatusConfig configures the optional status HTTP server. Port 0 disables it.
type StatusConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// ObservabilityConfig holds logging and telemetry settings.
type ObservabilityConfig struct {
	LogLevel        string `koanf:"log_level"`
	LogFormat       string `koanf:"log_format"`
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	OTLPEndpoint    string `koanf:"otlp_endpoint"`
	ServiceName     string `koanf:"service_name"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults fills zero values.
func applyDefaults(cfg *Config) {
	if cfg.Store.Branch == "" {
		cfg.Store.Branch = "main"
	}
	if cfg.Store.Workdir == "" {
		cfg.Store.Workdir = "."
	}
	if cfg.Store.StateDir == "" {
		cfg.Store.StateDir = ".swarm"
	}
	if cfg.Store.Username == "" {
		cfg.Store.Username = "git"
	}
	if cfg.Store.AuthorName == "" {
		cfg.Store.AuthorName = "swarmd"
	}
	if cfg.Store.AuthorEmail == "" {
		cfg.Store.AuthorEmail = "swarmd@localhost"
	}

	if cfg.Lease.TTLMinutes == 0 {
		cfg.Lease.TTLMinutes = 30
	}

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.AppendAttempts == 0 {
		cfg.Retry.AppendAttempts = 5
	}

	if cfg.Validation.MaxRounds == 0 {
		cfg.Validation.MaxRounds = 2
	}

	if cfg.Worker.Command == "" {
		cfg.Worker.Command = "claude"
	}

	if cfg.Agent.TerminalPrefix == "" {
		cfg.Agent.TerminalPrefix = "final-"
	}
	if cfg.Agent.MaxPhaseFailures == 0 {
		cfg.Agent.MaxPhaseFailures = 3
	}
	if cfg.Agent.BackoffMin == 0 {
		cfg.Agent.BackoffMin = Duration(2 * time.Second)
	}
	if cfg.Agent.BackoffMax == 0 {
		cfg.Agent.BackoffMax = Duration(time.Minute)
	}

	if cfg.Liveness.Probe == "" {
		cfg.Liveness.Probe = ProbeHost
	}
	if cfg.Liveness.Timeout == 0 {
		cfg.Liveness.Timeout = Duration(2 * time.Second)
	}

	if cfg.Status.Host == "" {
		cfg.Status.Host = "127.0.0.1"
	}
	if cfg.Status.ShutdownTimeout == 0 {
		cfg.Status.ShutdownTimeout = Duration(5 * time.Second)
	}

	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.LogFormat == "" {
		cfg.Observability.LogFormat = "json"
	}
	if cfg.Observability.OTLPEndpoint == "" {
		cfg.Observability.OTLPEndpoint = "localhost:4317"
	}
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "swarmd"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Store.Branch == "" {
		errs = append(errs, errors.New("store.branch is required"))
	}
	if c.Store.StateDir == "" || path.IsAbs(c.Store.StateDir) || strings.HasPrefix(path.Clean(c.Store.StateDir), "..") {
		errs = append(errs, fmt.Errorf("store.state_dir must be a relative path inside the repository, got %q", c.Store.StateDir))
	}
	if c.Lease.TTLMinutes <= 0 {
		errs = append(errs, fmt.Errorf("lease.ttl_minutes must be positive, got %d", c.Lease.TTLMinutes))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts))
	}
	if c.Retry.AppendAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.append_attempts must be at least 1, got %d", c.Retry.AppendAttempts))
	}
	if c.Validation.MaxRounds < 1 {
		errs = append(errs, fmt.Errorf("validation.max_rounds must be at least 1, got %d", c.Validation.MaxRounds))
	}
	if c.Agent.MaxIterations < 0 {
		errs = append(errs, fmt.Errorf("agent.max_iterations cannot be negative, got %d", c.Agent.MaxIterations))
	}
	if c.Agent.MaxPhaseFailures < 1 {
		errs = append(errs, fmt.Errorf("agent.max_phase_failures must be at least 1, got %d", c.Agent.MaxPhaseFailures))
	}
	if c.Agent.BackoffMax.Duration() < c.Agent.BackoffMin.Duration() {
		errs = append(errs, fmt.Errorf("agent.backoff_max (%s) is below agent.backoff_min (%s)",
			c.Agent.BackoffMax.Duration(), c.Agent.BackoffMin.Duration()))
	}

	switch c.Liveness.Probe {
	case ProbeHost, ProbeNone:
	case ProbeNATS:
		if c.Liveness.NATSURL == "" {
			errs = append(errs, errors.New("liveness.nats_url is required when liveness.probe is nats"))
		}
	default:
		errs = append(errs, fmt.Errorf("liveness.probe must be one of host, nats, none, got %q", c.Liveness.Probe))
	}

	if c.Status.Port < 0 || c.Status.Port > 65535 {
		errs = append(errs, fmt.Errorf("status.port out of range: %d", c.Status.Port))
	}

	switch c.Observability.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("observability.log_format must be json or console, got %q", c.Observability.LogFormat))
	}
	if c.Observability.EnableTelemetry && c.Observability.OTLPEndpoint == "" {
		errs = append(errs, errors.New("observability.otlp_endpoint is required when telemetry is enabled"))
	}

	return errors.Join(errs...)
}
