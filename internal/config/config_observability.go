package config

import "time"

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
}

// ObservabilityConfig configures tracing and other observability features.
type ObservabilityConfig struct {
	Tracing  TracingConfig  `yaml:"tracing"`
	Security SecurityConfig `yaml:"security"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled        bool              `yaml:"enabled"`
	Endpoint       string            `yaml:"endpoint"`
	ServiceName    string            `yaml:"service_name"`
	ServiceVersion string            `yaml:"service_version"`
	Environment    string            `yaml:"environment"`
	SamplingRate   float64           `yaml:"sampling_rate"`
	Insecure       bool              `yaml:"insecure"`
	Attributes     map[string]string `yaml:"attributes"`
}

// SecurityConfig configures security posture auditing of the core's own
// runtime (config file permissions, exposed sockets), distinct from the
// per-tool Safety Guardian (L5).
type SecurityConfig struct {
	Posture SecurityPostureConfig `yaml:"posture"`
}

// SecurityPostureConfig controls continuous security posture auditing.
type SecurityPostureConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Interval          time.Duration `yaml:"interval"`
	IncludeFilesystem *bool         `yaml:"include_filesystem"`
	IncludeConfig     *bool         `yaml:"include_config"`
	CheckSymlinks     *bool         `yaml:"check_symlinks"`
	EmitEvents        *bool         `yaml:"emit_events"`
}
