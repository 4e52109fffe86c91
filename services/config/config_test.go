package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Executor.MaxPoolSize != 16 {
		t.Errorf("expected MaxPoolSize 16, got %d", cfg.Executor.MaxPoolSize)
	}
	if cfg.Subgraph.MaxExpansionDepth != 10 {
		t.Errorf("expected MaxExpansionDepth 10, got %d", cfg.Subgraph.MaxExpansionDepth)
	}
	if cfg.Error.Policy != "FAIL" {
		t.Errorf("expected default policy FAIL, got %q", cfg.Error.Policy)
	}
	if cfg.Validation.StrictJoins {
		t.Error("expected StrictJoins false by default")
	}
}

func TestLoad_MissingFileFallsBackToDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != Default() {
		t.Errorf("expected Default() when file is absent, got %+v", cfg)
	}
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := `
workflow:
  executor:
    core-pool-size: 8
    max-pool-size: 32
  validation:
    strict-joins: true
  subgraph:
    max-expansion-depth: 20
  error:
    policy: STOP
`
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Executor.CorePoolSize != 8 {
		t.Errorf("expected CorePoolSize 8, got %d", cfg.Executor.CorePoolSize)
	}
	if cfg.Executor.MaxPoolSize != 32 {
		t.Errorf("expected MaxPoolSize 32, got %d", cfg.Executor.MaxPoolSize)
	}
	if !cfg.Validation.StrictJoins {
		t.Error("expected StrictJoins true from YAML override")
	}
	if cfg.Subgraph.MaxExpansionDepth != 20 {
		t.Errorf("expected MaxExpansionDepth 20, got %d", cfg.Subgraph.MaxExpansionDepth)
	}
	if cfg.Error.Policy != "STOP" {
		t.Errorf("expected policy STOP, got %q", cfg.Error.Policy)
	}
	// fields untouched by the fixture keep their defaults.
	if cfg.Executor.QueueCapacity != 256 {
		t.Errorf("expected QueueCapacity to keep default 256, got %d", cfg.Executor.QueueCapacity)
	}
}

func TestLoad_EnvOverridesWinOverYAML(t *testing.T) {
	t.Setenv("WORKFLOW_EXECUTOR_MAX_POOL_SIZE", "64")
	t.Setenv("WORKFLOW_ERROR_POLICY", "COMPENSATE_AND_FAIL")

	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlContent := `
workflow:
  executor:
    max-pool-size: 32
  error:
    policy: STOP
`
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Executor.MaxPoolSize != 64 {
		t.Errorf("expected env override MaxPoolSize 64, got %d", cfg.Executor.MaxPoolSize)
	}
	if cfg.Error.Policy != "COMPENSATE_AND_FAIL" {
		t.Errorf("expected env override policy, got %q", cfg.Error.Policy)
	}
}

func TestLoad_InvalidEnvValueIsIgnored(t *testing.T) {
	t.Setenv("WORKFLOW_EXECUTOR_MAX_POOL_SIZE", "not-a-number")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Executor.MaxPoolSize != Default().Executor.MaxPoolSize {
		t.Errorf("expected default to survive invalid env value, got %d", cfg.Executor.MaxPoolSize)
	}
}
