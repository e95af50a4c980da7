package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeTemp(t, `
name: talker
masterHost: 10.0.0.5
masterPort: 11311
dispatcher:
  maxRetry: 7
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Name != "talker" {
		t.Fatalf("expect name talker, got %q", cfg.Name)
	}
	if cfg.MasterHost != "10.0.0.5" {
		t.Fatalf("expect overridden masterHost, got %q", cfg.MasterHost)
	}
	if cfg.Dispatcher.MaxRetry != 7 {
		t.Fatalf("expect overridden maxRetry, got %d", cfg.Dispatcher.MaxRetry)
	}
	if cfg.Timing.LoopBudgetUsec != Default().Timing.LoopBudgetUsec {
		t.Fatalf("expect unset field to keep its default")
	}
}

func TestLoadRequiresName(t *testing.T) {
	path := writeTemp(t, `
name: ""
masterHost: 10.0.0.5
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expect missing name to be rejected")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expect missing file to error")
	}
}
