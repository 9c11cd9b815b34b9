// Package config provides configuration loading for guidesmith.
//
// Configuration is read from a YAML file and overridden by GUIDESMITH_*
// environment variables. See LoadWithFile for precedence rules.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds the complete guidesmith configuration.
type Config struct {
	Storage      StorageConfig      `koanf:"storage"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Agent        AgentConfig        `koanf:"agent"`
	Evaluator    EvaluatorConfig    `koanf:"evaluator"`
	History      HistoryConfig      `koanf:"history"`
	Tools        ToolsConfig        `koanf:"tools"`
	Secrets      SecretsConfig      `koanf:"secrets"`
	Events       EventsConfig       `koanf:"events"`
	Server       ServerConfig       `koanf:"server"`
	Logging      LoggingConfig      `koanf:"logging"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Backend     string `koanf:"backend"` // "file" or "redis"
	Path        string `koanf:"path"`
	RedisURL    Secret `koanf:"redis_url"`
	RedisPrefix string `koanf:"redis_prefix"`
}

// OrchestratorConfig bounds a single improvement run.
type OrchestratorConfig struct {
	MaxIterations     int      `koanf:"max_iterations"`
	PlateauIterations int      `koanf:"plateau_iterations"`
	RecentWindow      int      `koanf:"recent_window"`
	RetryDelay        Duration `koanf:"retry_delay"`
	MaxDuration       Duration `koanf:"max_duration"` // 0 disables the wall-clock budget
	StopOnPerfect     *bool    `koanf:"stop_on_perfect"`
	SeedDocument      string   `koanf:"seed_document"`
	SeedPath          string   `koanf:"seed_path"`

	// StabilityRuns is how many extra evaluations must also pass before a
	// perfect score counts. Refinement proposals are evaluated this many
	// times in total.
	StabilityRuns     *int  `koanf:"stability_runs"`
	Refine            *bool `koanf:"refine"`
	RefineMaxFailures int   `koanf:"refine_max_failures"`
}

// ShouldStopOnPerfect reports whether a run ends once every eval passes.
func (c OrchestratorConfig) ShouldStopOnPerfect() bool {
	return c.StopOnPerfect == nil || *c.StopOnPerfect
}

// StabilityChecks defaults to 3 when unset; negative values disable it.
func (c OrchestratorConfig) StabilityChecks() int {
	if c.StabilityRuns == nil {
		return 3
	}
	return max(*c.StabilityRuns, 0)
}

// ShouldRefine reports whether a perfect run continues with the
// simplification phase. Defaults to true.
func (c OrchestratorConfig) ShouldRefine() bool {
	return c.Refine == nil || *c.Refine
}

// AgentConfig configures the external agent. Provider "anthropic" calls
// the Messages API; "command" runs Command once per step.
type AgentConfig struct {
	Provider          string   `koanf:"provider"`
	Command           []string `koanf:"command"`
	Model             string   `koanf:"model"`
	APIKey            Secret   `koanf:"api_key"`
	BaseURL           string   `koanf:"base_url"`
	MaxTokens         int      `koanf:"max_tokens"`
	RequestsPerMinute int      `koanf:"requests_per_minute"`
	Timeout           Duration `koanf:"timeout"`
	MaxRetries        int      `koanf:"max_retries"`
}

// EvaluatorConfig configures the external eval command.
type EvaluatorConfig struct {
	Command []string `koanf:"command"`
	Timeout Duration `koanf:"timeout"`
	WorkDir string   `koanf:"work_dir"`
	Filter  string   `koanf:"filter"` // passed to the command as TEST_FILTER
}

// HistoryConfig controls iteration history retention.
type HistoryConfig struct {
	MaxRecords int `koanf:"max_records"` // 0 keeps every record
}

// ToolsConfig limits what the agent may submit through the tool surface.
type ToolsConfig struct {
	MaxProposalBytes int `koanf:"max_proposal_bytes"`
}

// SecretsConfig controls redaction of agent-produced documents.
type SecretsConfig struct {
	Enabled       *bool  `koanf:"enabled"`
	AllowlistPath string `koanf:"allowlist_path"`
}

// IsEnabled defaults to true when unset.
func (c SecretsConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// EventsConfig configures the NATS run-event publisher.
type EventsConfig struct {
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// ServerConfig holds status HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds the user-facing logging settings.
// logging.FromSettings expands these into a full logging.Config.
type LoggingConfig struct {
	Level    string `koanf:"level"`
	Format   string `koanf:"format"`
	RunLog   *bool  `koanf:"run_log"`
	OTEL     bool   `koanf:"otel"`
	Sampling bool   `koanf:"sampling"`
}

// RunLogEnabled defaults to true when unset.
func (c LoggingConfig) RunLogEnabled() bool {
	return c.RunLog == nil || *c.RunLog
}

// TelemetryConfig holds the user-facing OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled      bool     `koanf:"enabled"`
	Endpoint     string   `koanf:"endpoint"`
	Protocol     string   `koanf:"protocol"`
	Insecure     bool     `koanf:"insecure"`
	ServiceName  string   `koanf:"service_name"`
	SampleRate   float64  `koanf:"sample_rate"`
	ExportPeriod Duration `koanf:"export_period"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "file"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = ".guidesmith"
	}
	if cfg.Storage.RedisPrefix == "" {
		cfg.Storage.RedisPrefix = "guidesmith:"
	}

	if cfg.Orchestrator.MaxIterations == 0 {
		cfg.Orchestrator.MaxIterations = 50
	}
	if cfg.Orchestrator.PlateauIterations == 0 {
		cfg.Orchestrator.PlateauIterations = 5
	}
	if cfg.Orchestrator.RecentWindow == 0 {
		cfg.Orchestrator.RecentWindow = 5
	}
	if cfg.Orchestrator.RefineMaxFailures == 0 {
		cfg.Orchestrator.RefineMaxFailures = 10
	}
	if cfg.Orchestrator.RetryDelay == 0 {
		cfg.Orchestrator.RetryDelay = Duration(2 * time.Second)
	}

	if cfg.Agent.Provider == "" {
		cfg.Agent.Provider = "anthropic"
	}
	if cfg.Agent.Model == "" {
		cfg.Agent.Model = "claude-3-5-haiku-latest"
	}
	if cfg.Agent.MaxTokens == 0 {
		cfg.Agent.MaxTokens = 8192
	}
	if cfg.Agent.RequestsPerMinute == 0 {
		cfg.Agent.RequestsPerMinute = 30
	}
	if cfg.Agent.Timeout == 0 {
		cfg.Agent.Timeout = Duration(5 * time.Minute)
	}
	if cfg.Agent.MaxRetries == 0 {
		cfg.Agent.MaxRetries = 3
	}

	if cfg.Evaluator.Timeout == 0 {
		cfg.Evaluator.Timeout = Duration(30 * time.Minute)
	}

	if cfg.Tools.MaxProposalBytes == 0 {
		cfg.Tools.MaxProposalBytes = 256 * 1024
	}

	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "guidesmith.runs"
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9464
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "guidesmith"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
	if cfg.Telemetry.ExportPeriod == 0 {
		cfg.Telemetry.ExportPeriod = Duration(15 * time.Second)
	}
}

// Validate validates the configuration.
//
// The evaluator command is not required here because only the run
// command needs it; see ValidateForRun.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Backend {
	case "file":
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required for the file backend"))
		}
	case "redis":
		if !c.Storage.RedisURL.IsSet() {
			errs = append(errs, errors.New("storage.redis_url is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend must be 'file' or 'redis', got %q", c.Storage.Backend))
	}

	o := c.Orchestrator
	if o.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("orchestrator.max_iterations must be >= 1, got %d", o.MaxIterations))
	}
	if o.PlateauIterations < 1 {
		errs = append(errs, fmt.Errorf("orchestrator.plateau_iterations must be >= 1, got %d", o.PlateauIterations))
	}
	if o.RecentWindow < 0 {
		errs = append(errs, fmt.Errorf("orchestrator.recent_window must be >= 0, got %d", o.RecentWindow))
	}
	if o.RefineMaxFailures < 1 {
		errs = append(errs, fmt.Errorf("orchestrator.refine_max_failures must be >= 1, got %d", o.RefineMaxFailures))
	}
	if o.SeedDocument != "" && o.SeedPath != "" {
		errs = append(errs, errors.New("orchestrator.seed_document and orchestrator.seed_path are mutually exclusive"))
	}

	switch c.Agent.Provider {
	case "anthropic":
	case "command":
		if len(c.Agent.Command) == 0 {
			errs = append(errs, errors.New("agent.command is required for the command provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("agent.provider must be 'anthropic' or 'command', got %q", c.Agent.Provider))
	}
	if c.Agent.MaxTokens < 1 {
		errs = append(errs, fmt.Errorf("agent.max_tokens must be >= 1, got %d", c.Agent.MaxTokens))
	}
	if c.Agent.RequestsPerMinute < 0 {
		errs = append(errs, fmt.Errorf("agent.requests_per_minute must be >= 0, got %d", c.Agent.RequestsPerMinute))
	}
	if c.Agent.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("agent.max_retries must be >= 0, got %d", c.Agent.MaxRetries))
	}

	if c.History.MaxRecords < 0 {
		errs = append(errs, fmt.Errorf("history.max_records must be >= 0, got %d", c.History.MaxRecords))
	}
	if c.Tools.MaxProposalBytes < 1 {
		errs = append(errs, fmt.Errorf("tools.max_proposal_bytes must be >= 1, got %d", c.Tools.MaxProposalBytes))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port))
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format))
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %f", c.Telemetry.SampleRate))
	}

	return errors.Join(errs...)
}

// ValidateForRun adds the checks only the run command needs.
func (c *Config) ValidateForRun() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if len(c.Evaluator.Command) == 0 {
		return errors.New("evaluator.command is required to run the orchestrator")
	}
	if c.Agent.Provider == "anthropic" && !c.Agent.APIKey.IsSet() {
		return errors.New("agent.api_key (or ANTHROPIC_API_KEY) is required for the anthropic provider")
	}
	return nil
}
