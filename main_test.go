package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunReturnsStartupErrors(t *testing.T) {
	t.Setenv("LITELLM_API_KEY", "")
	t.Setenv("PIPELINES_DB", "")
	t.Setenv("REDIS_ADDR", "")

	missing := filepath.Join(t.TempDir(), "absent.yaml")
	t.Setenv("OWUI_PIPELINES_CONFIG", missing)
	if err := run(); err == nil || !strings.Contains(err.Error(), "load config") {
		t.Fatalf("expected load config error, got %v", err)
	}

	// The journal opens before the pipeline fails, so run must unwind
	// through its deferred close instead of exiting.
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	cfg := `basic_config:
  journal: sqlite
databases:
  sqlite:
    dsn: ":memory:"
pipelines:
  - id: summarization-pipeline
    type: pipe
    task: summary
    strategy: chat_model
    provider: claude
`
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("OWUI_PIPELINES_CONFIG", cfgPath)
	if err := run(); err == nil || !strings.Contains(err.Error(), "init pipeline") {
		t.Fatalf("expected init pipeline error, got %v", err)
	}
}
