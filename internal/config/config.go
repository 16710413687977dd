package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the core orchestration engine's configuration surface: run
// concurrency and budget defaults, the RAG/selector/breaker/rate-limit
// tunables, HITL policy, per-stage deadlines, and the ambient LLM,
// logging, and observability sections.
type Config struct {
	Runtime     RuntimeConfig      `yaml:"runtime"`
	Retriever   RetrieverConfig    `yaml:"retriever"`
	Selector    SelectorConfig     `yaml:"selector"`
	Breaker     BreakerConfig      `yaml:"breaker"`
	RateLimit   RateLimitConfig    `yaml:"rate_limit"`
	HITL        HITLConfig         `yaml:"hitl"`
	Deadlines   DeadlinesConfig    `yaml:"deadlines"`
	Cost        CostConfig         `yaml:"cost"`
	LLM         LLMConfig          `yaml:"llm"`
	Logging     LoggingConfig      `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
	Flags       FlagsConfig        `yaml:"flags"`
}

// RuntimeConfig bounds how many runs execute concurrently and how much
// of a run's budget a single turn may spend (spec §5 resource model).
type RuntimeConfig struct {
	// MaxConcurrentRuns caps in-flight runs system-wide.
	MaxConcurrentRuns int `yaml:"max_concurrent_runs"`

	// PerTurnMaxTokens caps model output tokens in a single turn,
	// independent of the run's overall cost budget.
	PerTurnMaxTokens int `yaml:"per_turn_max_tokens"`
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{MaxConcurrentRuns: 16, PerTurnMaxTokens: 4096}
}

// RetrieverConfig tunes the Retriever (L6).
type RetrieverConfig struct {
	TopK           int           `yaml:"top_k"`
	ScoreThreshold float64       `yaml:"score_threshold"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	CacheMaxSize   int           `yaml:"cache_max_size"`
}

func DefaultRetrieverConfig() RetrieverConfig {
	return RetrieverConfig{TopK: 5, ScoreThreshold: 0.7, CacheTTL: 5 * time.Minute, CacheMaxSize: 512}
}

// SelectorConfig tunes the Speaker Selector (M3).
type SelectorConfig struct {
	Window           int     `yaml:"window"`
	OverlapThreshold float64 `yaml:"overlap_threshold"`
	Weights          SelectorWeightsConfig `yaml:"weights"`
}

// SelectorWeightsConfig mirrors selector.Weights for YAML configurability.
type SelectorWeightsConfig struct {
	PhaseMatch   float64 `yaml:"phase_match"`
	TopicalFit   float64 `yaml:"topical_fit"`
	Diversity    float64 `yaml:"diversity"`
	CriticDemand float64 `yaml:"critic_demand"`
	BudgetFit    float64 `yaml:"budget_fit"`
}

func DefaultSelectorConfig() SelectorConfig {
	return SelectorConfig{
		Window:           3,
		OverlapThreshold: 0.95,
		Weights: SelectorWeightsConfig{
			PhaseMatch: 0.25, TopicalFit: 0.25, Diversity: 0.2, CriticDemand: 0.2, BudgetFit: 0.1,
		},
	}
}

// BreakerConfig tunes the Circuit Breaker (L3) per dependency key.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Window           time.Duration `yaml:"window"`
	OpenCooldown     time.Duration `yaml:"open_cooldown"`
	MaxCooldown      time.Duration `yaml:"max_cooldown"`
	HalfOpenProbes   int           `yaml:"half_open_probes"`
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Window:           time.Minute,
		OpenCooldown:     2 * time.Second,
		MaxCooldown:      2 * time.Minute,
		HalfOpenProbes:   1,
	}
}

// RateLimitConfig tunes the token-bucket Rate Limiter (L4) per
// (tenant, category).
type RateLimitConfig struct {
	Capacity float64                    `yaml:"capacity"`
	Refill   float64                    `yaml:"refill_per_second"`
	Override map[string]RateLimitRule   `yaml:"overrides"`
}

// RateLimitRule overrides capacity/refill for one category.
type RateLimitRule struct {
	Capacity float64 `yaml:"capacity"`
	Refill   float64 `yaml:"refill_per_second"`
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{Capacity: 60, Refill: 1}
}

// HITLConfig tunes the HITL Approval Store (L9).
type HITLConfig struct {
	// DefaultTTL is how long a pending approval remains awaitable before
	// the expiry sweep marks it Expired.
	DefaultTTL time.Duration `yaml:"default_ttl"`

	// TokenSecret signs pause/resume tokens (HMAC via golang-jwt/jwt/v5).
	TokenSecret string `yaml:"token_secret"`

	// SweepSchedule is a robfig/cron/v3 expression for the expiry sweep.
	SweepSchedule string `yaml:"sweep_schedule"`

	// AutoApproveRules lists tool-name patterns that bypass HITL entirely
	// regardless of the safety tier the Guardian would otherwise assign.
	AutoApproveRules []string `yaml:"auto_approve_rules"`
}

func DefaultHITLConfig() HITLConfig {
	return HITLConfig{DefaultTTL: 24 * time.Hour, SweepSchedule: "*/5 * * * *"}
}

// DeadlinesConfig bounds every blocking stage of a run (spec §5).
type DeadlinesConfig struct {
	Run   time.Duration `yaml:"run"`
	Turn  time.Duration `yaml:"turn"`
	Tool  time.Duration `yaml:"tool"`
	Model time.Duration `yaml:"model"`
}

func DefaultDeadlinesConfig() DeadlinesConfig {
	return DeadlinesConfig{
		Run:   30 * time.Minute,
		Turn:  3 * time.Minute,
		Tool:  60 * time.Second,
		Model: 90 * time.Second,
	}
}

// CostConfig tunes the Cost Ledger (L2) thresholds and flat-rate
// fallback estimator.
type CostConfig struct {
	SoftThreshold float64 `yaml:"soft_threshold"`
	NearThreshold float64 `yaml:"near_threshold"`
	HardThreshold float64 `yaml:"hard_threshold"`
}

func DefaultCostConfig() CostConfig {
	return CostConfig{SoftThreshold: 0.70, NearThreshold: 0.90, HardThreshold: 1.0}
}

// FlagsConfig seeds the Feature Flags registry (T2) at startup.
type FlagsConfig struct {
	Verbosity      string `yaml:"verbosity"`
	RAGEnabled     *bool  `yaml:"rag_enabled"`
	ConflictChecks *bool  `yaml:"conflict_checks"`
}

// Load reads, expands environment variables in, and validates the
// configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Runtime.MaxConcurrentRuns == 0 {
		cfg.Runtime.MaxConcurrentRuns = DefaultRuntimeConfig().MaxConcurrentRuns
	}
	if cfg.Runtime.PerTurnMaxTokens == 0 {
		cfg.Runtime.PerTurnMaxTokens = DefaultRuntimeConfig().PerTurnMaxTokens
	}

	if cfg.Retriever.TopK == 0 {
		cfg.Retriever.TopK = DefaultRetrieverConfig().TopK
	}
	if cfg.Retriever.ScoreThreshold == 0 {
		cfg.Retriever.ScoreThreshold = DefaultRetrieverConfig().ScoreThreshold
	}
	if cfg.Retriever.CacheTTL == 0 {
		cfg.Retriever.CacheTTL = DefaultRetrieverConfig().CacheTTL
	}
	if cfg.Retriever.CacheMaxSize == 0 {
		cfg.Retriever.CacheMaxSize = DefaultRetrieverConfig().CacheMaxSize
	}

	if cfg.Selector.Window == 0 {
		cfg.Selector.Window = DefaultSelectorConfig().Window
	}
	if cfg.Selector.OverlapThreshold == 0 {
		cfg.Selector.OverlapThreshold = DefaultSelectorConfig().OverlapThreshold
	}
	if (cfg.Selector.Weights == SelectorWeightsConfig{}) {
		cfg.Selector.Weights = DefaultSelectorConfig().Weights
	}

	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.Breaker.Window == 0 {
		cfg.Breaker.Window = DefaultBreakerConfig().Window
	}
	if cfg.Breaker.OpenCooldown == 0 {
		cfg.Breaker.OpenCooldown = DefaultBreakerConfig().OpenCooldown
	}
	if cfg.Breaker.MaxCooldown == 0 {
		cfg.Breaker.MaxCooldown = DefaultBreakerConfig().MaxCooldown
	}
	if cfg.Breaker.HalfOpenProbes == 0 {
		cfg.Breaker.HalfOpenProbes = DefaultBreakerConfig().HalfOpenProbes
	}

	if cfg.RateLimit.Capacity == 0 {
		cfg.RateLimit.Capacity = DefaultRateLimitConfig().Capacity
	}
	if cfg.RateLimit.Refill == 0 {
		cfg.RateLimit.Refill = DefaultRateLimitConfig().Refill
	}

	if cfg.HITL.DefaultTTL == 0 {
		cfg.HITL.DefaultTTL = DefaultHITLConfig().DefaultTTL
	}
	if cfg.HITL.SweepSchedule == "" {
		cfg.HITL.SweepSchedule = DefaultHITLConfig().SweepSchedule
	}

	if cfg.Deadlines.Run == 0 {
		cfg.Deadlines.Run = DefaultDeadlinesConfig().Run
	}
	if cfg.Deadlines.Turn == 0 {
		cfg.Deadlines.Turn = DefaultDeadlinesConfig().Turn
	}
	if cfg.Deadlines.Tool == 0 {
		cfg.Deadlines.Tool = DefaultDeadlinesConfig().Tool
	}
	if cfg.Deadlines.Model == 0 {
		cfg.Deadlines.Model = DefaultDeadlinesConfig().Model
	}

	if cfg.Cost.SoftThreshold == 0 {
		cfg.Cost.SoftThreshold = DefaultCostConfig().SoftThreshold
	}
	if cfg.Cost.NearThreshold == 0 {
		cfg.Cost.NearThreshold = DefaultCostConfig().NearThreshold
	}
	if cfg.Cost.HardThreshold == 0 {
		cfg.Cost.HardThreshold = DefaultCostConfig().HardThreshold
	}

	applyLLMDefaults(&cfg.LLM)
	applyLoggingDefaults(&cfg.Logging)

	if cfg.Flags.Verbosity == "" {
		cfg.Flags.Verbosity = "normal"
	}
}

func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}
	if value := strings.TrimSpace(os.Getenv("CORE_HITL_TOKEN_SECRET")); value != "" {
		cfg.HITL.TokenSecret = value
	}
	if value := strings.TrimSpace(os.Getenv("CORE_MAX_CONCURRENT_RUNS")); value != "" {
		var n int
		if _, err := fmt.Sscanf(value, "%d", &n); err == nil && n > 0 {
			cfg.Runtime.MaxConcurrentRuns = n
		}
	}
}

type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	var issues []string

	if cfg.Runtime.MaxConcurrentRuns <= 0 {
		issues = append(issues, "runtime.max_concurrent_runs must be > 0")
	}
	if cfg.Runtime.PerTurnMaxTokens <= 0 {
		issues = append(issues, "runtime.per_turn_max_tokens must be > 0")
	}
	if cfg.Retriever.TopK <= 0 {
		issues = append(issues, "retriever.top_k must be > 0")
	}
	if cfg.Retriever.ScoreThreshold < 0 || cfg.Retriever.ScoreThreshold > 1 {
		issues = append(issues, "retriever.score_threshold must be between 0 and 1")
	}
	if cfg.Selector.OverlapThreshold < 0 || cfg.Selector.OverlapThreshold > 1 {
		issues = append(issues, "selector.overlap_threshold must be between 0 and 1")
	}
	if cfg.Breaker.FailureThreshold <= 0 {
		issues = append(issues, "breaker.failure_threshold must be > 0")
	}
	if cfg.RateLimit.Capacity <= 0 {
		issues = append(issues, "rate_limit.capacity must be > 0")
	}
	if cfg.HITL.DefaultTTL <= 0 {
		issues = append(issues, "hitl.default_ttl must be > 0")
	}
	if !(cfg.Cost.SoftThreshold < cfg.Cost.NearThreshold && cfg.Cost.NearThreshold <= cfg.Cost.HardThreshold) {
		issues = append(issues, "cost thresholds must satisfy soft < near <= hard")
	}

	defaultProvider := strings.ToLower(strings.TrimSpace(cfg.LLM.DefaultProvider))
	if defaultProvider != "" {
		if _, ok := cfg.LLM.Providers[defaultProvider]; !ok {
			if _, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]; !ok {
				issues = append(issues, fmt.Sprintf("llm.providers missing entry for default_provider %q", cfg.LLM.DefaultProvider))
			}
		}
	}

	if jwtSecret := strings.TrimSpace(cfg.HITL.TokenSecret); jwtSecret != "" && len(jwtSecret) < 32 {
		issues = append(issues, "hitl.token_secret must be at least 32 characters for security")
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}
