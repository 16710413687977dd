package config

import "time"

// LLMConfig configures the model providers the Decision Engine and
// Orchestrator route generation calls to, mirroring internal/llm's
// Anthropic/Bedrock/OpenAI adapters plus the fallback Router.
type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`

	// FallbackChain specifies provider IDs to try if the default
	// provider's candidate fails with a retryable/unavailable error.
	// Providers are tried in order until one succeeds.
	FallbackChain []string `yaml:"fallback_chain"`

	// Bedrock configures AWS Bedrock model discovery for the bedrock
	// provider entry.
	Bedrock BedrockConfig `yaml:"bedrock"`

	// Routing configures rule-based intent-to-model routing, consumed by
	// the Decision Engine's source-profile selection.
	Routing LLMRoutingConfig `yaml:"routing"`
}

type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
	APIVersion   string `yaml:"api_version"`
}

// LLMRoutingConfig configures provider routing rules layered on top of
// the Decision Engine's intent classification.
type LLMRoutingConfig struct {
	Enabled           bool          `yaml:"enabled"`
	UnhealthyCooldown time.Duration `yaml:"unhealthy_cooldown"`
	Rules             []RoutingRule `yaml:"rules"`
	Fallback          RoutingTarget `yaml:"fallback"`
}

// RoutingRule defines a routing rule.
type RoutingRule struct {
	Name   string        `yaml:"name"`
	Match  RoutingMatch  `yaml:"match"`
	Target RoutingTarget `yaml:"target"`
}

// RoutingMatch defines rule matching criteria.
type RoutingMatch struct {
	Patterns []string `yaml:"patterns"`
	Tags     []string `yaml:"tags"`
}

// RoutingTarget defines a routing destination.
type RoutingTarget struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// BedrockConfig configures AWS Bedrock model discovery.
type BedrockConfig struct {
	// Enabled enables automatic discovery of Bedrock foundation models.
	Enabled bool `yaml:"enabled"`

	// Region is the AWS region to query for models. Default: us-east-1.
	Region string `yaml:"region"`

	// RefreshInterval is how often to refresh the model list.
	RefreshInterval time.Duration `yaml:"refresh_interval"`

	// ProviderFilter limits discovery to specific model providers, e.g.
	// ["anthropic", "amazon", "meta"]. Empty means all providers.
	ProviderFilter []string `yaml:"provider_filter"`

	// DefaultContextWindow is used when the model doesn't report context size.
	DefaultContextWindow int `yaml:"default_context_window"`

	// DefaultMaxTokens is used when the model doesn't report max output.
	DefaultMaxTokens int `yaml:"default_max_tokens"`
}

func applyLLMDefaults(cfg *LLMConfig) {
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = "anthropic"
	}
	if cfg.Bedrock.Region == "" {
		cfg.Bedrock.Region = "us-east-1"
	}
	if cfg.Bedrock.RefreshInterval == 0 {
		cfg.Bedrock.RefreshInterval = time.Hour
	}
	if cfg.Bedrock.DefaultContextWindow == 0 {
		cfg.Bedrock.DefaultContextWindow = 32000
	}
	if cfg.Bedrock.DefaultMaxTokens == 0 {
		cfg.Bedrock.DefaultMaxTokens = 4096
	}
}
