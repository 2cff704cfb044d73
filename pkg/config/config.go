// Package config defines the immutable configuration for the Atlas
// orchestrator. The config is constructed once at startup, validated,
// and passed explicitly to every component.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration.
type Config struct {
	Server       ServerConfig              `yaml:"server,omitempty"`
	Logging      LoggingConfig             `yaml:"logging,omitempty"`
	Services     map[string]ServiceConfig  `yaml:"services,omitempty"`
	Stages       map[string]StageConfig    `yaml:"stages,omitempty"`
	Providers    map[string]ProviderConfig `yaml:"providers,omitempty"`
	Workflow     WorkflowConfig            `yaml:"workflow,omitempty"`
	Gateway      GatewayConfig             `yaml:"gateway,omitempty"`
	Validation   ValidationConfig          `yaml:"validation,omitempty"`
	History      HistoryConfig             `yaml:"history,omitempty"`
	Inspector    InspectorConfig           `yaml:"inspector,omitempty"`
	Session      SessionConfig             `yaml:"session,omitempty"`
	Mode         ModeConfig                `yaml:"mode,omitempty"`
	Verification VerificationConfig        `yaml:"verification,omitempty"`
	Voice        VoiceConfig               `yaml:"voice,omitempty"`
	Dev          DevConfig                 `yaml:"dev,omitempty"`
}

// Stage names used as keys in Config.Stages.
const (
	StageModeRouter        = "mode_router"
	StagePlanning          = "planning"
	StageProviderSelection = "provider_selection"
	StageToolPlanning      = "tool_planning"
	StageVerification      = "verification"
	StageAdjust            = "adjust"
	StageReplan            = "replan"
	StageSummary           = "summary"
	StageSemantic          = "semantic"
)

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`
}

// LoggingConfig configures the slog backend.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level,omitempty"`
	// Format is "simple" or "verbose".
	Format string `yaml:"format,omitempty"`
	// File is an optional log file path; empty logs to stderr.
	File string `yaml:"file,omitempty"`
}

// ServiceConfig configures one LLM service behind the gateway.
type ServiceConfig struct {
	// Provider is the API dialect; only openai-compatible is built in.
	Provider string `yaml:"provider,omitempty"`
	// APIKey supports ${VAR} expansion.
	APIKey string `yaml:"api_key,omitempty"`
	// BaseURL overrides the default endpoint.
	BaseURL string `yaml:"base_url,omitempty"`
	// Model is the default model for stages bound to this service.
	Model string `yaml:"model,omitempty"`
	// RateLimit overrides the gateway defaults for this service.
	RateLimit *RateLimitConfig `yaml:"rate_limit,omitempty"`
	// Circuit overrides the gateway circuit defaults for this service.
	Circuit *CircuitConfig `yaml:"circuit,omitempty"`
}

// StageConfig binds one workflow stage to a service, model and
// temperature.
type StageConfig struct {
	Service     string  `yaml:"service,omitempty"`
	Model       string  `yaml:"model,omitempty"`
	Temperature float64 `yaml:"temperature,omitempty"`
	MaxTokens   int     `yaml:"max_tokens,omitempty"`
	TimeoutMs   int     `yaml:"timeout_ms,omitempty"`
}

// Timeout returns the per-call deadline for the stage.
func (c StageConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// ProviderConfig is one entry of the capability provider registry.
type ProviderConfig struct {
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	Enabled     *bool             `yaml:"enabled,omitempty"`
	Description string            `yaml:"description,omitempty"`
	// Required providers abort startup when they fail to spawn.
	Required bool `yaml:"required,omitempty"`

	InitTimeoutMs int `yaml:"init_timeout_ms,omitempty"`
	CallTimeoutMs int `yaml:"call_timeout_ms,omitempty"`
}

// IsEnabled treats a missing flag as enabled.
func (c ProviderConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

func (c ProviderConfig) InitTimeout() time.Duration {
	return time.Duration(c.InitTimeoutMs) * time.Millisecond
}

func (c ProviderConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutMs) * time.Millisecond
}

// WorkflowConfig bounds the executor's retry and replan loops.
type WorkflowConfig struct {
	MaxItemAttempts              int `yaml:"max_item_attempts,omitempty"`
	MaxReplans                   int `yaml:"max_replans,omitempty"`
	BlockedCheckThresholdResolve int `yaml:"blocked_check_threshold_resolve,omitempty"`
	BlockedCheckThresholdSkip    int `yaml:"blocked_check_threshold_skip,omitempty"`
	MaxStageRetries              int `yaml:"max_stage_retries,omitempty"`
	LLMTimeoutMs                 int `yaml:"llm_timeout_ms,omitempty"`
	// DefaultProvider is the fallback when provider selection is
	// unparseable.
	DefaultProvider string `yaml:"default_provider,omitempty"`
}

func (c WorkflowConfig) LLMTimeout() time.Duration {
	return time.Duration(c.LLMTimeoutMs) * time.Millisecond
}

// RateLimitConfig drives the gateway's adaptive throttle.
type RateLimitConfig struct {
	MinDelayMs int `yaml:"min_delay_ms,omitempty"`
	MaxDelayMs int `yaml:"max_delay_ms,omitempty"`
	QueueCap   int `yaml:"queue_cap,omitempty"`
	// AdaptThreshold is the queue depth above which spacing shortens.
	AdaptThreshold int `yaml:"adapt_threshold,omitempty"`
}

func (c RateLimitConfig) MinDelay() time.Duration {
	return time.Duration(c.MinDelayMs) * time.Millisecond
}

func (c RateLimitConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMs) * time.Millisecond
}

// CircuitConfig drives the gateway circuit breaker.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold,omitempty"`
	ResetMs          int `yaml:"reset_ms,omitempty"`
}

func (c CircuitConfig) Reset() time.Duration {
	return time.Duration(c.ResetMs) * time.Millisecond
}

// GatewayConfig holds the gateway-wide defaults; per-service values in
// ServiceConfig override them.
type GatewayConfig struct {
	RateLimit  RateLimitConfig `yaml:"rate_limit,omitempty"`
	Circuit    CircuitConfig   `yaml:"circuit,omitempty"`
	MaxRetries int             `yaml:"max_retries,omitempty"`
}

// ValidationConfig tunes the tool-call validation pipeline.
type ValidationConfig struct {
	EarlyRejection          *bool   `yaml:"early_rejection,omitempty"`
	SimilarityThreshold     float64 `yaml:"similarity_threshold,omitempty"`
	HistoryFailureThreshold int     `yaml:"history_failure_threshold,omitempty"`
	SemanticEnabled         bool    `yaml:"semantic_enabled,omitempty"`
	AggregateTimeoutMs      int     `yaml:"aggregate_timeout_ms,omitempty"`
}

func (c ValidationConfig) EarlyRejectionEnabled() bool {
	return c.EarlyRejection == nil || *c.EarlyRejection
}

func (c ValidationConfig) AggregateTimeout() time.Duration {
	return time.Duration(c.AggregateTimeoutMs) * time.Millisecond
}

// HistoryConfig bounds the tool call history ring.
type HistoryConfig struct {
	MaxSize int `yaml:"max_size,omitempty"`
}

// PatternConfig is one dangerous-call pattern for the inspector.
type PatternConfig struct {
	Pattern  string `yaml:"pattern"`
	Severity string `yaml:"severity,omitempty"`
	Reason   string `yaml:"reason,omitempty"`
}

// InspectorConfig tunes the safety/permission/repetition gate.
type InspectorConfig struct {
	MaxConsecutive       int             `yaml:"max_consecutive,omitempty"`
	MaxTotal             int             `yaml:"max_total,omitempty"`
	DangerousPatterns    []PatternConfig `yaml:"dangerous_patterns,omitempty"`
	AllowedWritePrefixes []string        `yaml:"allowed_write_prefixes,omitempty"`
	ApprovalTimeoutMs    int             `yaml:"approval_timeout_ms,omitempty"`
}

func (c InspectorConfig) ApprovalTimeout() time.Duration {
	return time.Duration(c.ApprovalTimeoutMs) * time.Millisecond
}

// SessionConfig tunes the in-memory session store.
type SessionConfig struct {
	IdleTimeoutMs   int `yaml:"idle_timeout_ms,omitempty"`
	SweepIntervalMs int `yaml:"sweep_interval_ms,omitempty"`
}

func (c SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMs) * time.Millisecond
}

func (c SessionConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMs) * time.Millisecond
}

// ModeConfig tunes the chat/task/dev mode router.
type ModeConfig struct {
	// AccessCode enables dev mode when present in the user message.
	AccessCode string `yaml:"access_code,omitempty"`
	// Keywords is a per-locale deterministic overlay; a hit forces the
	// mapped mode regardless of the classifier.
	Keywords map[string][]string `yaml:"keywords,omitempty"`
	// DefaultMode is used when the classifier is unparseable.
	DefaultMode string `yaml:"default_mode,omitempty"`
}

// VerificationConfig externalizes the verifier decision rules.
type VerificationConfig struct {
	// MatchKeywords trigger the verified=false override; localized and
	// tuned empirically, so kept as data.
	MatchKeywords []string `yaml:"match_keywords,omitempty"`
	// AcceptConfidence accepts verified=true at or above this value.
	AcceptConfidence float64 `yaml:"accept_confidence,omitempty"`
	// OverrideConfidence is the floor for the false-but-matches override.
	OverrideConfidence float64 `yaml:"override_confidence,omitempty"`
	// RouteConfidence gates the data/visual routing LLM override.
	RouteConfidence float64 `yaml:"route_confidence,omitempty"`
}

// VoiceConfig configures speech output.
type VoiceConfig struct {
	Enabled bool   `yaml:"enabled,omitempty"`
	Voice   string `yaml:"voice,omitempty"`
	// Phrases maps phrase points (executing, verified, adjusting,
	// replanning, summary) to localized templates.
	Phrases map[string]string `yaml:"phrases,omitempty"`
}

// DevConfig configures the dev self-analysis mode.
type DevConfig struct {
	LogDir    string `yaml:"log_dir,omitempty"`
	ConfigDir string `yaml:"config_dir,omitempty"`
}

// SetDefaults fills every unset field with its default value.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8811
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "simple"
	}

	if c.Workflow.MaxItemAttempts == 0 {
		c.Workflow.MaxItemAttempts = 2
	}
	if c.Workflow.MaxReplans == 0 {
		c.Workflow.MaxReplans = 3
	}
	if c.Workflow.BlockedCheckThresholdResolve == 0 {
		c.Workflow.BlockedCheckThresholdResolve = 5
	}
	if c.Workflow.BlockedCheckThresholdSkip == 0 {
		c.Workflow.BlockedCheckThresholdSkip = 10
	}
	if c.Workflow.MaxStageRetries == 0 {
		c.Workflow.MaxStageRetries = 3
	}
	if c.Workflow.LLMTimeoutMs == 0 {
		c.Workflow.LLMTimeoutMs = 60000
	}

	if c.Gateway.RateLimit.MinDelayMs == 0 {
		c.Gateway.RateLimit.MinDelayMs = 200
	}
	if c.Gateway.RateLimit.MaxDelayMs == 0 {
		c.Gateway.RateLimit.MaxDelayMs = 10000
	}
	if c.Gateway.RateLimit.QueueCap == 0 {
		c.Gateway.RateLimit.QueueCap = 50
	}
	if c.Gateway.RateLimit.AdaptThreshold == 0 {
		c.Gateway.RateLimit.AdaptThreshold = 20
	}
	if c.Gateway.Circuit.FailureThreshold == 0 {
		c.Gateway.Circuit.FailureThreshold = 3
	}
	if c.Gateway.Circuit.ResetMs == 0 {
		c.Gateway.Circuit.ResetMs = 60000
	}
	if c.Gateway.MaxRetries == 0 {
		c.Gateway.MaxRetries = 3
	}

	if c.Validation.SimilarityThreshold == 0 {
		c.Validation.SimilarityThreshold = 0.8
	}
	if c.Validation.HistoryFailureThreshold == 0 {
		c.Validation.HistoryFailureThreshold = 3
	}
	if c.Validation.AggregateTimeoutMs == 0 {
		c.Validation.AggregateTimeoutMs = 15000
	}

	if c.History.MaxSize == 0 {
		c.History.MaxSize = 1000
	}

	if c.Inspector.MaxConsecutive == 0 {
		c.Inspector.MaxConsecutive = 3
	}
	if c.Inspector.MaxTotal == 0 {
		c.Inspector.MaxTotal = 10
	}
	if c.Inspector.ApprovalTimeoutMs == 0 {
		c.Inspector.ApprovalTimeoutMs = 60000
	}

	if c.Session.IdleTimeoutMs == 0 {
		c.Session.IdleTimeoutMs = 1800000
	}
	if c.Session.SweepIntervalMs == 0 {
		c.Session.SweepIntervalMs = 60000
	}

	if c.Mode.DefaultMode == "" {
		c.Mode.DefaultMode = "chat"
	}

	if len(c.Verification.MatchKeywords) == 0 {
		c.Verification.MatchKeywords = []string{
			"matches", "correct", "updated", "відповід", "успішно",
		}
	}
	if c.Verification.AcceptConfidence == 0 {
		c.Verification.AcceptConfidence = 60
	}
	if c.Verification.OverrideConfidence == 0 {
		c.Verification.OverrideConfidence = 80
	}
	if c.Verification.RouteConfidence == 0 {
		c.Verification.RouteConfidence = 0.7
	}

	for name, p := range c.Providers {
		if p.InitTimeoutMs == 0 {
			p.InitTimeoutMs = 15000
		}
		if p.CallTimeoutMs == 0 {
			p.CallTimeoutMs = 60000
		}
		c.Providers[name] = p
	}

	for name, s := range c.Stages {
		if s.TimeoutMs == 0 {
			s.TimeoutMs = c.Workflow.LLMTimeoutMs
		}
		if s.MaxTokens == 0 {
			s.MaxTokens = 4096
		}
		c.Stages[name] = s
	}
}

// Validate checks cross-field consistency. Any error here is fatal at
// startup (exit code 2).
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}

	for name, s := range c.Stages {
		if s.Service != "" {
			if _, ok := c.Services[s.Service]; !ok {
				return fmt.Errorf("stage %q references unknown service %q", name, s.Service)
			}
		}
	}

	if c.Workflow.DefaultProvider != "" {
		if _, ok := c.Providers[c.Workflow.DefaultProvider]; !ok {
			return fmt.Errorf("workflow.default_provider %q is not a configured provider", c.Workflow.DefaultProvider)
		}
	}

	for name, p := range c.Providers {
		if p.IsEnabled() && p.Command == "" {
			return fmt.Errorf("provider %q has no command", name)
		}
	}

	if c.Validation.SimilarityThreshold < 0 || c.Validation.SimilarityThreshold > 1 {
		return fmt.Errorf("validation.similarity_threshold must be in [0,1], got %v", c.Validation.SimilarityThreshold)
	}

	return nil
}

// StageFor resolves the effective stage configuration, falling back to
// the bound service's model when the stage does not name one.
func (c *Config) StageFor(name string) StageConfig {
	s := c.Stages[name]
	if s.Model == "" && s.Service != "" {
		if svc, ok := c.Services[s.Service]; ok {
			s.Model = svc.Model
		}
	}
	if s.TimeoutMs == 0 {
		s.TimeoutMs = c.Workflow.LLMTimeoutMs
	}
	return s
}
