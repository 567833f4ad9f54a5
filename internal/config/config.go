// Package config provides configuration loading for reviewd.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root reviewd configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
	CodeHost  CodeHostConfig  `koanf:"codehost"`
	Ticketing TicketingConfig `koanf:"ticketing"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	Identity  IdentityConfig  `koanf:"identity"`
	Gateway   GatewayConfig   `koanf:"gateway"`
	Store     StoreConfig     `koanf:"store"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// TelemetryConfig holds OpenTelemetry settings. Metrics are always exposed
// on /metrics; tracing export is opt-in.
type TelemetryConfig struct {
	Enabled        bool     `koanf:"enabled"`
	Endpoint       string   `koanf:"endpoint"`
	Protocol       string   `koanf:"protocol"`
	ServiceName    string   `koanf:"service_name"`
	ServiceVersion string   `koanf:"service_version"`
	Insecure       bool     `koanf:"insecure"`
	SamplingRate   float64  `koanf:"sampling_rate"`
	ShutdownWait   Duration `koanf:"shutdown_wait"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`

	// BaseURL is the externally reachable address used in links published
	// to the code host and tracker. Empty disables run links.
	BaseURL string `koanf:"base_url"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// CodeHostConfig holds code-host (GitHub) settings.
type CodeHostConfig struct {
	Token         Secret `koanf:"token"`
	WebhookSecret Secret `koanf:"webhook_secret"`
	BaseURL       string `koanf:"base_url"`
}

// TicketingConfig holds issue-tracker settings.
type TicketingConfig struct {
	BaseURL   string   `koanf:"base_url"`
	Token     Secret   `koanf:"token"`
	Project   string   `koanf:"project"`
	IssueType string   `koanf:"issue_type"`
	Labels    []string `koanf:"labels"`
}

// StepConfig declares a single pipeline step.
type StepConfig struct {
	// Name identifies the step (e.g. "StandardsCheck").
	Name string `koanf:"name"`

	// Endpoint is the checker service URL. Empty for HumanReview.
	Endpoint string `koanf:"endpoint"`

	// Timeout bounds the step's cumulative wall-clock, retries included.
	Timeout Duration `koanf:"timeout"`

	// Required steps must pass (or be skipped) for approval.
	Required bool `koanf:"required"`

	// Condition is a predicate over the previous step's hint.
	// Empty means the step always runs. "hint:novel_pattern" runs the
	// step only when the previous executed step hinted novel_pattern.
	Condition string `koanf:"condition"`
}

// ReviewConfig holds human-review settings.
type ReviewConfig struct {
	Deadline     Duration `koanf:"deadline"`
	MinApprovals int      `koanf:"min_approvals"`
}

// PipelineConfig declares step order and workflow-level deadlines.
type PipelineConfig struct {
	Steps                []StepConfig `koanf:"steps"`
	WorkflowDeadline     Duration     `koanf:"workflow_deadline"`
	Review               ReviewConfig `koanf:"review"`
	MaxConcurrentPerRepo int          `koanf:"max_concurrent_per_repo"`
}

// OwnershipRule maps a path prefix to an owning assignee identifier.
type OwnershipRule struct {
	PathPrefix string `koanf:"path_prefix"`
	Assignee   string `koanf:"assignee"`
}

// IdentityConfig holds identity-resolution settings.
type IdentityConfig struct {
	CacheTTL        Duration          `koanf:"cache_ttl"`
	DefaultAssignee string            `koanf:"default_assignee"`
	UsernamePattern string            `koanf:"username_pattern"`
	StaticMap       map[string]string `koanf:"static_map"`
	Ownership       []OwnershipRule   `koanf:"ownership"`
}

// GatewayConfig holds retry and circuit-breaker settings for outbound calls.
type GatewayConfig struct {
	MaxAttempts      int      `koanf:"max_attempts"`
	InitialBackoff   Duration `koanf:"initial_backoff"`
	MaxBackoff       Duration `koanf:"max_backoff"`
	RequestTimeout   Duration `koanf:"request_timeout"`
	BreakerThreshold int      `koanf:"breaker_threshold"`
	BreakerCooldown  Duration `koanf:"breaker_cooldown"`
}

// StoreConfig holds durable-state settings.
type StoreConfig struct {
	Path string `koanf:"path"`
}

// HumanReviewStep is the reserved step name that parks a workflow in
// WaitingReview instead of invoking a checker.
const HumanReviewStep = "HumanReview"

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8470
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

	if cfg.Ticketing.IssueType == "" {
		cfg.Ticketing.IssueType = "Bug"
	}

	if len(cfg.Pipeline.Steps) == 0 {
		cfg.Pipeline.Steps = DefaultSteps()
	}
	for i := range cfg.Pipeline.Steps {
		if cfg.Pipeline.Steps[i].Timeout == 0 {
			cfg.Pipeline.Steps[i].Timeout = Duration(5 * time.Minute)
		}
	}
	if cfg.Pipeline.WorkflowDeadline == 0 {
		cfg.Pipeline.WorkflowDeadline = Duration(2 * time.Hour)
	}
	if cfg.Pipeline.Review.Deadline == 0 {
		cfg.Pipeline.Review.Deadline = Duration(8 * time.Hour)
	}
	if cfg.Pipeline.Review.MinApprovals == 0 {
		cfg.Pipeline.Review.MinApprovals = 1
	}
	if cfg.Pipeline.MaxConcurrentPerRepo == 0 {
		cfg.Pipeline.MaxConcurrentPerRepo = 4
	}

	if cfg.Identity.CacheTTL == 0 {
		cfg.Identity.CacheTTL = Duration(24 * time.Hour)
	}

	if cfg.Gateway.MaxAttempts == 0 {
		cfg.Gateway.MaxAttempts = 4
	}
	if cfg.Gateway.InitialBackoff == 0 {
		cfg.Gateway.InitialBackoff = Duration(time.Second)
	}
	if cfg.Gateway.MaxBackoff == 0 {
		cfg.Gateway.MaxBackoff = Duration(30 * time.Second)
	}
	if cfg.Gateway.RequestTimeout == 0 {
		cfg.Gateway.RequestTimeout = Duration(30 * time.Second)
	}
	if cfg.Gateway.BreakerThreshold == 0 {
		cfg.Gateway.BreakerThreshold = 5
	}
	if cfg.Gateway.BreakerCooldown == 0 {
		cfg.Gateway.BreakerCooldown = Duration(time.Minute)
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = "reviewd-state.jsonl"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "reviewd"
	}
	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = "0.1.0"
	}
	if cfg.Telemetry.SamplingRate == 0 {
		cfg.Telemetry.SamplingRate = 1.0
	}
	if cfg.Telemetry.ShutdownWait == 0 {
		cfg.Telemetry.ShutdownWait = Duration(5 * time.Second)
	}
}

// DefaultSteps returns the standard review pipeline: standards and
// architecture checks always run; design-alignment and catalog checks
// only run when the architecture check reports a novel pattern.
func DefaultSteps() []StepConfig {
	return []StepConfig{
		{Name: "StandardsCheck", Required: true, Timeout: Duration(5 * time.Minute)},
		{Name: "ArchitectureCheck", Required: true, Timeout: Duration(5 * time.Minute)},
		{Name: "DesignAlignmentCheck", Required: true, Timeout: Duration(5 * time.Minute), Condition: "hint:novel_pattern"},
		{Name: "CatalogCheck", Required: false, Timeout: Duration(5 * time.Minute), Condition: "hint:novel_pattern"},
		{Name: HumanReviewStep, Required: true, Timeout: Duration(8 * time.Hour)},
	}
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be in 1-65535, got %d", c.Server.Port)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging format must be 'json' or 'console', got %q", c.Logging.Format)
	}

	seen := make(map[string]bool, len(c.Pipeline.Steps))
	for i, step := range c.Pipeline.Steps {
		if step.Name == "" {
			return fmt.Errorf("pipeline step %d has no name", i)
		}
		if seen[step.Name] {
			return fmt.Errorf("duplicate pipeline step %q", step.Name)
		}
		seen[step.Name] = true
		if step.Condition != "" && !strings.HasPrefix(step.Condition, "hint:") {
			return fmt.Errorf("step %q condition must be of form hint:<value>, got %q", step.Name, step.Condition)
		}
	}

	if c.Pipeline.Review.MinApprovals < 1 {
		return fmt.Errorf("review min_approvals must be >= 1, got %d", c.Pipeline.Review.MinApprovals)
	}
	if c.Pipeline.MaxConcurrentPerRepo < 1 {
		return fmt.Errorf("max_concurrent_per_repo must be >= 1, got %d", c.Pipeline.MaxConcurrentPerRepo)
	}
	if c.Gateway.MaxAttempts < 1 {
		return fmt.Errorf("gateway max_attempts must be >= 1, got %d", c.Gateway.MaxAttempts)
	}
	if c.Gateway.BreakerThreshold < 1 {
		return fmt.Errorf("gateway breaker_threshold must be >= 1, got %d", c.Gateway.BreakerThreshold)
	}
	if c.Identity.UsernamePattern != "" && !strings.Contains(c.Identity.UsernamePattern, "%s") {
		return fmt.Errorf("identity username_pattern must contain %%s placeholder, got %q", c.Identity.UsernamePattern)
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry endpoint is required when telemetry is enabled")
		}
		if c.Telemetry.Protocol != "grpc" && c.Telemetry.Protocol != "http/protobuf" {
			return fmt.Errorf("telemetry protocol must be 'grpc' or 'http/protobuf', got %q", c.Telemetry.Protocol)
		}
	}
	if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
		return fmt.Errorf("telemetry sampling_rate must be between 0 and 1, got %f", c.Telemetry.SamplingRate)
	}
	return nil
}
