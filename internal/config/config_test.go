package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("A missing config file must not be an error, got: %v", err)
	}
	def := Default()
	if cfg.Scheduler.Concurrency != def.Scheduler.Concurrency || cfg.LLM.Backend != def.LLM.Backend {
		t.Errorf("Loaded config differs from defaults: %+v", cfg)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caseline.yaml")
	content := `
log_path: /tmp/case.log
llm:
  backend: ollama
  model: phi4:latest
scheduler:
  concurrency: 2
  feedback_timeout_seconds: 30
  feedback_fallback: abort
documents:
  - id: contract
    path: docs/contract.html
    html: true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LLM.Backend != "ollama" || cfg.Scheduler.Concurrency != 2 {
		t.Errorf("Overrides not applied: %+v", cfg)
	}
	if cfg.Scheduler.FeedbackTimeout() != 30*time.Second {
		t.Errorf("FeedbackTimeout = %v", cfg.Scheduler.FeedbackTimeout())
	}
	if cfg.Scheduler.FeedbackFallback != "abort" {
		t.Errorf("FeedbackFallback = %q", cfg.Scheduler.FeedbackFallback)
	}
	// Untouched keys keep their defaults.
	if cfg.StorePath != Default().StorePath {
		t.Errorf("StorePath = %q, expected default", cfg.StorePath)
	}
	if len(cfg.Documents) != 1 || !cfg.Documents[0].HTML {
		t.Errorf("Documents = %+v", cfg.Documents)
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("scheduler: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Expected a parse error")
	}
}

func TestLoadRepairsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caseline.yaml")
	if err := os.WriteFile(path, []byte("scheduler:\n  concurrency: -1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Scheduler.Concurrency != Default().Scheduler.Concurrency {
		t.Errorf("Negative concurrency not repaired: %d", cfg.Scheduler.Concurrency)
	}
}
