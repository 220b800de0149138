package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

func TestReloader_Current(t *testing.T) {
	cfg := Default()
	cfg.Gateway.Port = 9999

	r := NewReloader("", "", cfg)
	got := r.Current()
	if got.Gateway.Port != 9999 {
		t.Errorf("Current().Gateway.Port = %d, want 9999", got.Gateway.Port)
	}
}

func TestReloader_Reload(t *testing.T) {
	dir := t.TempDir()
	dotenvPath := filepath.Join(dir, ".env")
	configPath := filepath.Join(dir, "config.jsonc")

	t.Setenv("TS_RELOAD_LEVEL", "info")

	// Write initial .env
	if err := os.WriteFile(dotenvPath, []byte("TS_RELOAD_LEVEL=info\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	configContent := `{"log": {"level": "${{ .Env.TS_RELOAD_LEVEL }}"}}`
	if err := os.WriteFile(configPath, []byte(configContent), 0o644); err != nil {
		t.Fatal(err)
	}

	initial := Default()
	r := NewReloader(configPath, dotenvPath, initial)

	// Track listener invocations
	var callCount atomic.Int32
	var seenLevel atomic.Value
	r.OnReload(func(cfg *Config) {
		callCount.Add(1)
		seenLevel.Store(cfg.Log.Level)
	})

	// Update .env
	if err := os.WriteFile(dotenvPath, []byte("TS_RELOAD_LEVEL=debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := r.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	if os.Getenv("TS_RELOAD_LEVEL") != "debug" {
		t.Errorf("TS_RELOAD_LEVEL = %q, want 'debug'", os.Getenv("TS_RELOAD_LEVEL"))
	}
	if callCount.Load() != 1 {
		t.Errorf("listener called %d times, want 1", callCount.Load())
	}
	if seenLevel.Load() != "debug" {
		t.Errorf("listener saw level %v, want debug", seenLevel.Load())
	}

	// New config is available
	got := r.Current()
	if got == initial {
		t.Error("Current() still returns initial config after reload")
	}
}

func TestReloader_ReloadMissingFiles(t *testing.T) {
	dir := t.TempDir()
	r := NewReloader(filepath.Join(dir, "config.jsonc"), filepath.Join(dir, ".env"), Default())

	// Missing .env and config fall back to defaults.
	if err := r.Reload(); err != nil {
		t.Fatalf("Reload with missing files: %v", err)
	}
	if r.Current().Store.Backend != BackendFile {
		t.Errorf("expected default backend, got %s", r.Current().Store.Backend)
	}
}

func TestReloader_ReloadInvalidKeepsCurrent(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.jsonc")
	if err := os.WriteFile(configPath, []byte(`{"store": {"backend": "nope"}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	initial := Default()
	r := NewReloader(configPath, filepath.Join(dir, ".env"), initial)
	if err := r.Reload(); err == nil {
		t.Fatal("expected error for invalid config")
	}
	if r.Current() != initial {
		t.Error("invalid reload replaced the current config")
	}
}
