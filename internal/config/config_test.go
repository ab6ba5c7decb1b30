package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadRequiresCredentialsOutsideTestMode(t *testing.T) {
	t.Setenv("ENGINE_API_KEY", "")
	t.Setenv("ENGINE_SECRET_KEY", "")
	t.Setenv("ENGINE_TEST_MODE", "false")
	t.Setenv("ENGINE_RUNNERS_FILE", filepath.Join(t.TempDir(), "missing.json"))

	if _, err := Load(); err == nil {
		t.Fatal("expected Load to require credentials outside test mode")
	}
}

func TestLoadAllowsMissingCredentialsInTestMode(t *testing.T) {
	t.Setenv("ENGINE_API_KEY", "")
	t.Setenv("ENGINE_SECRET_KEY", "")
	t.Setenv("ENGINE_TEST_MODE", "true")
	t.Setenv("ENGINE_RUNNERS_FILE", filepath.Join(t.TempDir(), "missing.json"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.TestMode {
		t.Fatal("expected TestMode to be true")
	}
	if cfg.Runners != nil {
		t.Fatalf("expected no runners from a missing file, got %+v", cfg.Runners)
	}
}

func TestLoadParsesRunnersFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runners.json")
	body := `[{"strategy_id":"s1","strategy_type":"ema_crossover","symbol":"BTCUSDT","interval":"5m","risk_per_trade":0.01}]`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	t.Setenv("ENGINE_TEST_MODE", "true")
	t.Setenv("ENGINE_RUNNERS_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Runners) != 1 || cfg.Runners[0].Symbol != "BTCUSDT" {
		t.Fatalf("unexpected runners: %+v", cfg.Runners)
	}
}
