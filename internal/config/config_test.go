package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
runtime:
  max_concurrent_runs: 8
  extra: true
llm:
  default_provider: anthropic
  providers:
    anthropic: {}
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadValidatesDefaultProvider(t *testing.T) {
	path := writeConfig(t, `
llm:
  default_provider: openai
  providers:
    anthropic: {}
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "default_provider") {
		t.Fatalf("expected default_provider error, got %v", err)
	}
}

func TestLoadValidatesCostThresholds(t *testing.T) {
	path := writeConfig(t, `
cost:
  soft_threshold: 0.9
  near_threshold: 0.5
  hard_threshold: 1.0
llm:
  default_provider: anthropic
  providers:
    anthropic: {}
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "cost thresholds") {
		t.Fatalf("expected cost threshold error, got %v", err)
	}
}

func TestLoadValidatesHITLTokenSecretLength(t *testing.T) {
	path := writeConfig(t, `
hitl:
  token_secret: "too-short"
llm:
  default_provider: anthropic
  providers:
    anthropic: {}
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "token_secret") {
		t.Fatalf("expected token_secret error, got %v", err)
	}
}

func TestLoadValidatesMaxConcurrentRuns(t *testing.T) {
	path := writeConfig(t, `
runtime:
  max_concurrent_runs: -1
llm:
  default_provider: anthropic
  providers:
    anthropic: {}
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "max_concurrent_runs") {
		t.Fatalf("expected max_concurrent_runs error, got %v", err)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
llm:
  default_provider: anthropic
  providers:
    anthropic: {}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("expected config to load, got %v", err)
	}
	if cfg.Runtime.MaxConcurrentRuns != DefaultRuntimeConfig().MaxConcurrentRuns {
		t.Fatalf("expected default max_concurrent_runs, got %d", cfg.Runtime.MaxConcurrentRuns)
	}
	if cfg.Retriever.TopK != DefaultRetrieverConfig().TopK {
		t.Fatalf("expected default retriever.top_k, got %d", cfg.Retriever.TopK)
	}
	if cfg.Selector.Weights.PhaseMatch != DefaultSelectorConfig().Weights.PhaseMatch {
		t.Fatalf("expected default selector weights, got %+v", cfg.Selector.Weights)
	}
	if cfg.HITL.SweepSchedule != DefaultHITLConfig().SweepSchedule {
		t.Fatalf("expected default hitl.sweep_schedule, got %q", cfg.HITL.SweepSchedule)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, `
runtime:
  max_concurrent_runs: 4
llm:
  default_provider: anthropic
  providers:
    anthropic: {}
`)

	t.Setenv("CORE_MAX_CONCURRENT_RUNS", "32")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("expected config to load, got %v", err)
	}
	if cfg.Runtime.MaxConcurrentRuns != 32 {
		t.Fatalf("expected env override, got %d", cfg.Runtime.MaxConcurrentRuns)
	}
}

func TestLoadWithIncludes(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.yaml")
	overridePath := filepath.Join(dir, "override.yaml")

	if err := os.WriteFile(overridePath, []byte(`
runtime:
  max_concurrent_runs: 2
`), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := os.WriteFile(basePath, []byte(`
$include: override.yaml
llm:
  default_provider: anthropic
  providers:
    anthropic: {}
`), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := LoadWithIncludes(basePath)
	if err != nil {
		t.Fatalf("LoadWithIncludes() error = %v", err)
	}
	if cfg.Runtime.MaxConcurrentRuns != 2 {
		t.Fatalf("expected included override to apply, got %d", cfg.Runtime.MaxConcurrentRuns)
	}
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "core.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}
