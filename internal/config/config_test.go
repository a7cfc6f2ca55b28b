package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.Mode != "cycle" {
		t.Errorf("expected cycle, got %s", cfg.Mode)
	}
	if cfg.SuperegoAuditInterval != 5 {
		t.Errorf("expected audit interval 5, got %d", cfg.SuperegoAuditInterval)
	}
	if cfg.Agora.Security.UnknownSenderPolicy != "allow" {
		t.Errorf("expected allow, got %s", cfg.Agora.Security.UnknownSenderPolicy)
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
substrate_path = "/srv/substrate"
mode = "tick"

[watchdog]
stall_threshold_ms = 5000
`), 0644)

	cfg := Load(path)
	if cfg.SubstratePath != "/srv/substrate" {
		t.Errorf("expected /srv/substrate, got %s", cfg.SubstratePath)
	}
	if cfg.Mode != "tick" {
		t.Errorf("expected tick, got %s", cfg.Mode)
	}
	if cfg.Watchdog.StallThresholdMs != 5000 {
		t.Errorf("expected 5000, got %d", cfg.Watchdog.StallThresholdMs)
	}
	// Defaults preserved
	if cfg.Port != 8420 {
		t.Errorf("default port should be preserved, got %d", cfg.Port)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("SUBSTRATE_PATH", "/env/substrate")
	t.Setenv("PORT", "9000")
	t.Setenv("AGORA_RELAY_JWT_SECRET", "env-secret")

	cfg := Load("/nonexistent/path.toml")
	if cfg.SubstratePath != "/env/substrate" {
		t.Errorf("expected /env/substrate, got %s", cfg.SubstratePath)
	}
	if cfg.Port != 9000 {
		t.Errorf("expected 9000, got %d", cfg.Port)
	}
	if cfg.Agora.JWTSecret != "env-secret" {
		t.Errorf("expected env-secret, got %s", cfg.Agora.JWTSecret)
	}
}

func TestModelFallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`model = "base-model"`), 0644)

	cfg := Load(path)
	if cfg.StrategicModel != "base-model" {
		t.Errorf("expected strategic fallback to base-model, got %s", cfg.StrategicModel)
	}
	if cfg.TacticalModel != "base-model" {
		t.Errorf("expected tactical fallback to base-model, got %s", cfg.TacticalModel)
	}
}

func TestInvalidModeFallsBack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`mode = "warp"`), 0644)

	cfg := Load(path)
	if cfg.Mode != "cycle" {
		t.Errorf("expected cycle fallback, got %s", cfg.Mode)
	}
}
