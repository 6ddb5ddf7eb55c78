package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/olivergale/metis-portal2-sub002/pkg/reasoning"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestParse_OverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
database:
  path: /var/lib/metis/metis.db
monitor:
  interval: 1m
  stuck_after: 45m
  read_only_tools: [read_file, grep]
escalation:
  policy_paths: [policies/]
  watch: true
diagnostician:
  batch_size: 3
  auto_submit: false
reasoner:
  endpoint: https://reasoner.example.com/v1/diagnose
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Database.Path != "/var/lib/metis/metis.db" {
		t.Errorf("database path = %q", cfg.Database.Path)
	}
	if cfg.Monitor.Interval != time.Minute || cfg.Monitor.StuckAfter != 45*time.Minute {
		t.Errorf("monitor windows not applied: %+v", cfg.Monitor)
	}
	if len(cfg.Monitor.ReadOnlyTools) != 2 {
		t.Errorf("read-only tools should be replaced, got %v", cfg.Monitor.ReadOnlyTools)
	}
	if cfg.Monitor.OrphanAfter != 10*time.Minute {
		t.Errorf("unset keys should keep defaults, orphan_after = %v", cfg.Monitor.OrphanAfter)
	}
	if cfg.Diagnostician.BatchSize != 3 || cfg.Diagnostician.AutoSubmit {
		t.Errorf("diagnostician overrides not applied: %+v", cfg.Diagnostician)
	}
	if cfg.Diagnostician.ClaimTTL != 15*time.Minute {
		t.Errorf("claim TTL default lost: %v", cfg.Diagnostician.ClaimTTL)
	}
	if !cfg.Escalation.Watch || len(cfg.Escalation.PolicyPaths) != 1 {
		t.Errorf("escalation not applied: %+v", cfg.Escalation)
	}
	if cfg.Server.Address != "127.0.0.1:8420" {
		t.Errorf("server default lost: %q", cfg.Server.Address)
	}
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("empty document should yield defaults: %v", err)
	}
	if cfg.Diagnostician.BatchSize != 5 {
		t.Errorf("batch size = %d, want 5", cfg.Diagnostician.BatchSize)
	}
}

func TestParse_SchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		path string
	}{
		{"unknown section", "scheduler:\n  workers: 4\n", "scheduler"},
		{"unknown field", "monitor:\n  stuck_afer: 30m\n", "stuck_afer"},
		{"batch size out of range", "diagnostician:\n  batch_size: 0\n", "batch_size"},
		{"duration as number", "monitor:\n  interval: 300\n", "interval"},
		{"bad duration", "monitor:\n  interval: five minutes\n", "interval"},
		{"bad log level", "telemetry:\n  logging:\n    level: loud\n", "level"},
		{"bad ratio", "monitor:\n  spiral_read_only_ratio: 1.5\n", "spiral_read_only_ratio"},
		{"bad endpoint", "reasoner:\n  endpoint: ftp://reasoner\n", "endpoint"},
		{"correlation too small", "monitor:\n  min_correlation_size: 1\n", "min_correlation_size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			var schemaErr *SchemaError
			if !errors.As(err, &schemaErr) {
				t.Fatalf("expected schema error, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.path) {
				t.Errorf("error %q should name %q", err, tt.path)
			}
		})
	}
}

func TestParse_StructRules(t *testing.T) {
	// The quiet window may not exceed the stuck threshold; only the struct
	// validator sees both fields together.
	_, err := Parse([]byte("monitor:\n  stuck_after: 10m\n  quiet_window: 20m\n"))
	if err == nil {
		t.Fatal("expected validation error")
	}
	var schemaErr *SchemaError
	if errors.As(err, &schemaErr) {
		t.Errorf("expected struct validation error, got schema error %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Monitor.Interval != 5*time.Minute {
		t.Errorf("expected defaults, got interval %v", cfg.Monitor.Interval)
	}
}

func TestLoad_EnvAPIKey(t *testing.T) {
	t.Setenv(reasoning.APIKeyEnv, "from-env")
	path := filepath.Join(t.TempDir(), "metis.yaml")
	if err := os.WriteFile(path, []byte("reasoner:\n  api_key: from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Reasoner.APIKey != "from-env" {
		t.Errorf("api key = %q, want env override", cfg.Reasoner.APIKey)
	}
}

func TestWriteThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "metis.yaml")
	cfg := DefaultConfig()
	cfg.Monitor.StuckAfter = time.Hour
	cfg.Reasoner.APIKey = "secret"

	if err := Write(path, cfg); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "secret") {
		t.Error("api key must not be written")
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("written config should load: %v", err)
	}
	if loaded.Monitor.StuckAfter != time.Hour {
		t.Errorf("stuck_after = %v, want 1h", loaded.Monitor.StuckAfter)
	}
	if loaded.Diagnostician != cfg.Diagnostician {
		t.Errorf("diagnostician section changed: %+v", loaded.Diagnostician)
	}
	if loaded.Server != cfg.Server {
		t.Errorf("server section changed: %+v", loaded.Server)
	}
}

func TestWatcher_Reloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metis.yaml")
	if err := os.WriteFile(path, []byte("diagnostician:\n  batch_size: 2\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	changes := make(chan *Config, 16)
	w := NewWatcher(path, func(cfg *Config) error {
		changes <- cfg
		return nil
	}, nil)
	w.delay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for reloaded := false; !reloaded; {
		if err := os.WriteFile(path, []byte("diagnostician:\n  batch_size: 7\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		select {
		case cfg := <-changes:
			if cfg.Diagnostician.BatchSize != 7 {
				t.Fatalf("batch size = %d, want 7", cfg.Diagnostician.BatchSize)
			}
			reloaded = true
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			t.Fatal("config change was not picked up")
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
}
