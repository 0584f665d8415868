package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Worker.Count != 1 {
		t.Errorf("expected default worker count 1, got %d", cfg.Worker.Count)
	}
}

func TestLoadOverridesOnlySpecifiedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlContent := `
worker:
  count: 4
storage:
  object_dir: /custom/objects
`
	if err := os.WriteFile(path, []byte(yamlContent), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Worker.Count != 4 {
		t.Errorf("expected overridden worker count 4, got %d", cfg.Worker.Count)
	}
	if cfg.Storage.ObjectDir != "/custom/objects" {
		t.Errorf("expected overridden object dir, got %s", cfg.Storage.ObjectDir)
	}
	// Unspecified fields should retain their defaults.
	if cfg.Watcher.IdleTimeout != 10*time.Minute {
		t.Errorf("expected default idle timeout preserved, got %s", cfg.Watcher.IdleTimeout)
	}
	if cfg.Analyzer.Command != "claude" {
		t.Errorf("expected default analyzer command preserved, got %s", cfg.Analyzer.Command)
	}
}

func TestLoadInvalidYAMLReturnsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("not: [valid yaml"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid YAML")
	}
}
