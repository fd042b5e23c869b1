package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Budgets["error_fix"] != 10 {
		t.Errorf("expected default error_fix budget 10, got %d", cfg.Budgets["error_fix"])
	}
	if cfg.CooldownWindow.Std() != time.Hour {
		t.Errorf("expected default cooldown 1h, got %v", cfg.CooldownWindow.Std())
	}
}

func TestLoad_ParsesDurationsAndBudgets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentboard.yaml")
	content := `
listen_addr: "0.0.0.0:9000"
budgets:
  error_fix: 3
  prd_investigate: 1
  prd_implement: 1
cooldown_window: "30m"
fix_monitor_window: "48h"
run_timeout: "90m"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:9000" {
		t.Errorf("expected listen addr override, got %q", cfg.ListenAddr)
	}
	if cfg.Budgets["error_fix"] != 3 {
		t.Errorf("expected budget 3, got %d", cfg.Budgets["error_fix"])
	}
	if cfg.CooldownWindow.Std() != 30*time.Minute {
		t.Errorf("expected 30m cooldown, got %v", cfg.CooldownWindow.Std())
	}
	if cfg.FixMonitorWindow.Std() != 48*time.Hour {
		t.Errorf("expected 48h monitor window, got %v", cfg.FixMonitorWindow.Std())
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentboard.yaml")
	os.WriteFile(path, []byte(`cooldown_window: "soon"`), 0o644)

	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid duration")
	}
}

func TestLoad_EnvOverridesSecret(t *testing.T) {
	t.Setenv("AGENTBOARD_LINEAR_WEBHOOK_SECRET", "from-env")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Linear.WebhookSecret != "from-env" {
		t.Errorf("expected env secret, got %q", cfg.Linear.WebhookSecret)
	}
}
