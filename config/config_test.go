package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/josephsenior/Metasop-sub003/agent"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Model.Provider != "ollama" {
		t.Errorf("expected default provider ollama, got %s", cfg.Model.Provider)
	}
	if cfg.Model.Endpoint != "http://localhost:11434" {
		t.Errorf("expected default endpoint http://localhost:11434, got %s", cfg.Model.Endpoint)
	}
	if cfg.Model.Temperature != 0.2 {
		t.Errorf("expected default temperature 0.2, got %f", cfg.Model.Temperature)
	}
	if cfg.Queue.Stubs != "none" {
		t.Errorf("expected no stub backend by default, got %s", cfg.Queue.Stubs)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing provider",
			modify:  func(c *Config) { c.Model.Provider = "" },
			wantErr: true,
		},
		{
			name:    "missing model",
			modify:  func(c *Config) { c.Model.Model = "" },
			wantErr: true,
		},
		{
			name:    "temperature out of range",
			modify:  func(c *Config) { c.Model.Temperature = 1.5 },
			wantErr: true,
		},
		{
			name:    "unknown stub backend",
			modify:  func(c *Config) { c.Queue.Stubs = "redis" },
			wantErr: true,
		},
		{
			name: "file stubs without spool dir",
			modify: func(c *Config) {
				c.Queue.Stubs = "file"
			},
			wantErr: true,
		},
		{
			name: "file store without dir",
			modify: func(c *Config) {
				c.Store.Backend = "file"
			},
			wantErr: true,
		},
		{
			name: "unknown retry preset",
			modify: func(c *Config) {
				c.Steps = map[string]StepConfig{"pm_spec": {Retry: "forever"}}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	other := &Config{
		Model: ModelConfig{
			Provider: "anthropic",
			Model:    "claude-sonnet-4",
			Timeout:  time.Minute,
		},
		Steps: map[string]StepConfig{
			"qa_verification": {Timeout: 10 * time.Minute},
		},
	}

	base.Merge(other)

	if base.Model.Provider != "anthropic" {
		t.Errorf("expected merged provider anthropic, got %s", base.Model.Provider)
	}
	if base.Model.Timeout != time.Minute {
		t.Errorf("expected merged timeout 1m, got %s", base.Model.Timeout)
	}
	// Untouched fields keep their defaults
	if base.Model.Temperature != 0.2 {
		t.Errorf("merge should not clobber temperature, got %f", base.Model.Temperature)
	}
	if base.Server.Addr != ":8080" {
		t.Errorf("merge should not clobber server addr, got %s", base.Server.Addr)
	}
	if _, ok := base.Steps["qa_verification"]; !ok {
		t.Error("expected step override to merge in")
	}
}

func TestStepSettings_ExactAndGlob(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Steps = map[string]StepConfig{
		"*":               {Retry: RetryFast},
		"qa_verification": {Retry: RetryAggressive, Timeout: 10 * time.Minute},
		"ui_*":            {Disabled: true},
	}

	qa, ok := cfg.StepSettings("qa_verification")
	if !ok || qa.Retry != RetryAggressive {
		t.Errorf("exact match should win, got %+v", qa)
	}

	ui, ok := cfg.StepSettings("ui_design")
	if !ok {
		t.Fatal("expected ui_design to match")
	}
	if !ui.Disabled {
		t.Error("ui_* should disable ui_design")
	}
	// The catch-all still contributes its retry preset
	if ui.Retry != RetryFast {
		t.Errorf("expected catch-all retry to apply, got %q", ui.Retry)
	}

	pm, ok := cfg.StepSettings("pm_spec")
	if !ok || pm.Retry != RetryFast || pm.Disabled {
		t.Errorf("expected only the catch-all for pm_spec, got %+v", pm)
	}

	cfg.Steps = nil
	if _, ok := cfg.StepSettings("pm_spec"); ok {
		t.Error("no patterns should mean no match")
	}
}

func TestOrchestratorConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Model.Timeout = 2 * time.Minute
	cfg.Refine.MaxCascadeDepth = 5
	cfg.Steps = map[string]StepConfig{
		"ui_design":       {Disabled: true},
		"qa_verification": {Retry: RetryAggressive},
	}

	oc, err := cfg.OrchestratorConfig()
	if err != nil {
		t.Fatalf("OrchestratorConfig() error = %v", err)
	}

	if oc.DefaultTimeout != 2*time.Minute {
		t.Errorf("expected default timeout 2m, got %s", oc.DefaultTimeout)
	}
	if oc.MaxCascadeDepth != 5 {
		t.Errorf("expected cascade depth 5, got %d", oc.MaxCascadeDepth)
	}
	if !oc.Steps[agent.StepUIDesign].Disabled {
		t.Error("expected ui_design disabled")
	}
	qa := oc.Steps[agent.StepQA]
	if qa.Policy == nil || qa.Policy.MaxRetries != 5 {
		t.Errorf("expected aggressive retry policy for qa_verification, got %+v", qa.Policy)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metasop.yaml")
	content := `
model:
  provider: anthropic
  model: claude-sonnet-4
  endpoint: https://api.anthropic.com
steps:
  engineer_impl:
    timeout: 10m
    retry: fast
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if cfg.Model.Provider != "anthropic" {
		t.Errorf("expected provider anthropic, got %s", cfg.Model.Provider)
	}
	step := cfg.Steps["engineer_impl"]
	if step.Timeout != 10*time.Minute || step.Retry != RetryFast {
		t.Errorf("unexpected step config %+v", step)
	}
}

func TestLoaderProjectDiscovery(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	content := "model:\n  model: from-project\n"
	if err := os.WriteFile(filepath.Join(root, ProjectConfigFile), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(nil, WithWorkDir(nested))
	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Model.Model != "from-project" {
		t.Errorf("expected project config to apply, got %s", cfg.Model.Model)
	}
	// Defaults still fill the rest
	if cfg.Model.Provider != "ollama" {
		t.Errorf("expected default provider, got %s", cfg.Model.Provider)
	}
}
