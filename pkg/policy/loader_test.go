package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const spiralRego = `# Escalate spirals straight away.
package metis.spiral

import rego.v1

escalate contains decision if {
	some entry in input.entries
	entry.triage_type == "spiral"
	decision := {"entry_id": entry.id, "reason": "spiral"}
}
`

func newTestLoader() *Loader {
	return NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
}

func writePolicy(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func TestLoadFromFile(t *testing.T) {
	loader := newTestLoader()
	path := writePolicy(t, t.TempDir(), "spiral.rego", spiralRego)

	policy, err := loader.loadFromFile(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "spiral" {
		t.Errorf("Expected name 'spiral', got '%s'", policy.Name)
	}
	if policy.Package != "metis.spiral" {
		t.Errorf("Expected package 'metis.spiral', got '%s'", policy.Package)
	}
	if policy.Description != "Escalate spirals straight away." {
		t.Errorf("Unexpected description %q", policy.Description)
	}
	if policy.Source != path {
		t.Errorf("Expected source %s, got %s", path, policy.Source)
	}
	if !policy.Enabled || policy.Builtin {
		t.Error("Loaded policy should be enabled and not builtin")
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	loader := newTestLoader()
	dir := t.TempDir()

	tests := []struct {
		name string
		path string
	}{
		{"unsupported extension", writePolicy(t, dir, "notes.txt", "package x")},
		{"missing package", writePolicy(t, dir, "empty.rego", "# nothing here\n")},
		{"nonexistent", filepath.Join(dir, "absent.rego")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := loader.loadFromFile(context.Background(), tt.path); err == nil {
				t.Error("Expected an error")
			}
		})
	}
}

func TestLoadFromDirectory_SkipsNonPolicies(t *testing.T) {
	loader := newTestLoader()
	dir := t.TempDir()
	sub := filepath.Join(dir, "extra")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("Failed to create subdirectory: %v", err)
	}

	writePolicy(t, dir, "spiral.rego", spiralRego)
	writePolicy(t, sub, "orphan.rego", "package metis.orphan\n\nimport rego.v1\n\nescalate := set()\n")
	writePolicy(t, dir, "spiral_test.rego", "package metis.spiral_test\n")
	writePolicy(t, dir, "README.md", "# Policies")

	loaded, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("Failed to load directory: %v", err)
	}
	if len(loaded) != 2 {
		t.Errorf("Expected 2 policies, got %d", len(loaded))
	}
}

func TestLoadFromPaths_NonExistent(t *testing.T) {
	loader := newTestLoader()

	if _, err := loader.LoadFromPaths(context.Background(), []string{"/nonexistent/policies"}); err == nil {
		t.Error("Expected error for non-existent path")
	}
}

func TestLeadingComment(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected string
	}{
		{"single line", "# Escalate spirals\npackage x", "Escalate spirals"},
		{"multi line", "# Escalate spirals\n# after ten steps\npackage x", "Escalate spirals after ten steps"},
		{"none", "package x\nescalate := set()", ""},
		{"blank comment lines", "# First\n#\n# Second\npackage x", "First Second"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := leadingComment(tt.content); got != tt.expected {
				t.Errorf("Expected description %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	loader := newTestLoader()
	loader.delay = 10 * time.Millisecond
	dir := t.TempDir()
	writePolicy(t, dir, "spiral.rego", spiralRego)

	reloads := make(chan []Policy, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- loader.Watch(ctx, []string{dir}, func(p []Policy) error {
			reloads <- p
			return nil
		})
	}()

	deadline := time.After(5 * time.Second)
	for got := false; !got; {
		writePolicy(t, dir, "orphan.rego", "package metis.orphan\n\nimport rego.v1\n\nescalate := set()\n")
		select {
		case policies := <-reloads:
			if len(policies) != 2 {
				t.Fatalf("Expected 2 policies after reload, got %d", len(policies))
			}
			got = true
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			t.Fatal("Policy change was not picked up")
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch returned %v", err)
	}
}

func TestWatch_MissingPath(t *testing.T) {
	loader := newTestLoader()
	err := loader.Watch(context.Background(), []string{"/nonexistent/policies"}, func([]Policy) error { return nil })
	if err == nil {
		t.Error("Expected error for non-existent path")
	}
}
