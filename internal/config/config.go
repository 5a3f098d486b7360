// Package config loads the declarative patchpilot configuration: the model
// routing table keyed by task category, provider quota caps, patch
// validation thresholds, and execution limits. Configuration is loaded once
// at run start and may be overridden per run.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Strategy names for routing policies.
const (
	StrategyBestFirst   = "best_first"
	StrategyProgressive = "progressive"
	StrategyCheapFirst  = "cheap_first"
)

// ModelRef names a concrete provider/model pair.
type ModelRef struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// RoutingPolicy configures how models are selected for one task category.
type RoutingPolicy struct {
	Strategy        string     `yaml:"strategy"`
	Primary         ModelRef   `yaml:"primary"`
	EscalationChain []ModelRef `yaml:"escalation_chain,omitempty"`
	// EscalateAfter is the failed-attempt count that moves progressive and
	// cheap_first strategies one step up the escalation chain.
	EscalateAfter int  `yaml:"escalate_after,omitempty"`
	MaxAttempts   int  `yaml:"max_attempts,omitempty"`
	DualAudit     bool `yaml:"dual_audit,omitempty"`
}

// ProviderConfig holds per-provider connection and quota settings.
type ProviderConfig struct {
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
	BaseURL   string `yaml:"base_url,omitempty"`
	// SoftTokenCap is the windowed token budget beyond which cheap_first and
	// progressive strategies route around this provider.
	SoftTokenCap int64 `yaml:"soft_token_cap,omitempty"`
	// QuotaWindow bounds the usage aggregation window for the soft cap.
	QuotaWindow time.Duration `yaml:"quota_window,omitempty"`
	// DisableAfterInfraErrors disables the provider for the rest of a run
	// after this many infrastructure-class errors.
	DisableAfterInfraErrors int `yaml:"disable_after_infra_errors,omitempty"`
	Timeout                 time.Duration `yaml:"timeout,omitempty"`
}

// ValidatorConfig holds patch validation thresholds.
type ValidatorConfig struct {
	// FullFileLineThreshold forces full-file replacement mode for files
	// longer than this many lines; hunk arithmetic is rejected above it.
	FullFileLineThreshold int `yaml:"full_file_line_threshold"`
	// MaxSymbolLossRatio is the fraction of top-level declarations a
	// replacement may drop before it is rejected.
	MaxSymbolLossRatio float64 `yaml:"max_symbol_loss_ratio"`
	// MinSimilarityRatio is the structural-similarity floor for large files.
	MinSimilarityRatio float64 `yaml:"min_similarity_ratio"`
	// LargeFileLines is the size at which the similarity check engages.
	LargeFileLines int `yaml:"large_file_lines"`
}

// DoctorConfig holds self-healing limits.
type DoctorConfig struct {
	// ReplanAfterFailures is the consumed-attempt count that triggers a replan.
	ReplanAfterFailures int `yaml:"replan_after_failures"`
	// MaxReplansPerPhase bounds replans for a single phase.
	MaxReplansPerPhase int `yaml:"max_replans_per_phase"`
	// MaxReplansPerRun bounds replans across a run.
	MaxReplansPerRun int `yaml:"max_replans_per_run"`
	// RetryBackoffBase/Max bound the transient-failure backoff.
	RetryBackoffBase time.Duration `yaml:"retry_backoff_base"`
	RetryBackoffMax  time.Duration `yaml:"retry_backoff_max"`
}

// SupervisorConfig holds execution loop limits.
type SupervisorConfig struct {
	MaxIterations  int           `yaml:"max_iterations"`
	AgentTimeout   time.Duration `yaml:"agent_timeout"`
	HeartbeatEvery time.Duration `yaml:"heartbeat_every"`
}

// Config is the root configuration document.
type Config struct {
	Debug       bool                      `yaml:"debug,omitempty"`
	Providers   map[string]ProviderConfig `yaml:"providers"`
	Routing     map[string]RoutingPolicy  `yaml:"routing"`
	// ComplexityDefaults maps a complexity class to its default policy when
	// no category-specific policy matches.
	ComplexityDefaults map[string]RoutingPolicy `yaml:"complexity_defaults"`
	Validator          ValidatorConfig          `yaml:"validator"`
	Doctor             DoctorConfig             `yaml:"doctor"`
	Supervisor         SupervisorConfig         `yaml:"supervisor"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Providers: map[string]ProviderConfig{},
		Routing:   map[string]RoutingPolicy{},
		ComplexityDefaults: map[string]RoutingPolicy{},
		Validator: ValidatorConfig{
			FullFileLineThreshold: 400,
			MaxSymbolLossRatio:    0.3,
			MinSimilarityRatio:    0.6,
			LargeFileLines:        200,
		},
		Doctor: DoctorConfig{
			ReplanAfterFailures: 2,
			MaxReplansPerPhase:  2,
			MaxReplansPerRun:    6,
			RetryBackoffBase:    5 * time.Second,
			RetryBackoffMax:     5 * time.Minute,
		},
		Supervisor: SupervisorConfig{
			MaxIterations:  500,
			AgentTimeout:   10 * time.Minute,
			HeartbeatEvery: time.Minute,
		},
	}
}

// Load reads a YAML config file, layering it over defaults, then applies
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies PATCHPILOT_* environment variables on top of
// the file-based configuration.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PATCHPILOT_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Debug = b
		}
	}
	if v := os.Getenv("PATCHPILOT_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Supervisor.MaxIterations = n
		}
	}
	if v := os.Getenv("PATCHPILOT_AGENT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.Supervisor.AgentTimeout = d
		}
	}
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	for cat, policy := range c.Routing {
		switch policy.Strategy {
		case StrategyBestFirst, StrategyProgressive, StrategyCheapFirst:
		default:
			return fmt.Errorf("routing %q: unknown strategy %q", cat, policy.Strategy)
		}
		if policy.Primary.Provider == "" || policy.Primary.Model == "" {
			return fmt.Errorf("routing %q: primary model is required", cat)
		}
	}
	if c.Validator.MaxSymbolLossRatio <= 0 || c.Validator.MaxSymbolLossRatio >= 1 {
		return fmt.Errorf("validator: max_symbol_loss_ratio must be in (0,1)")
	}
	if c.Validator.MinSimilarityRatio <= 0 || c.Validator.MinSimilarityRatio >= 1 {
		return fmt.Errorf("validator: min_similarity_ratio must be in (0,1)")
	}
	return nil
}

// PolicyFor resolves the routing policy for a category and complexity:
// category policy first, then the complexity default.
func (c *Config) PolicyFor(category, complexity string) (RoutingPolicy, bool) {
	if p, ok := c.Routing[category]; ok {
		return p, true
	}
	if p, ok := c.ComplexityDefaults[complexity]; ok {
		return p, true
	}
	return RoutingPolicy{}, false
}
