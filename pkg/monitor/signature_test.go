package monitor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSignatureScript_Match(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		script  string
		step    Step
		want    *Signature
		wantErr bool
	}{
		{
			name: "returns dict",
			script: `
def signature(step):
    if "quota" in step["detail"]:
        return {"type": "quota", "signature": step["detail"].lower()}
    return None
`,
			step: Step{Detail: "API quota exceeded"},
			want: &Signature{Type: "quota", Key: "api quota exceeded"},
		},
		{
			name: "declines with None",
			script: `
def signature(step):
    return None
`,
			step: Step{Detail: "anything"},
			want: nil,
		},
		{
			name: "sees tool names",
			script: `
def signature(step):
    if "deploy" in step["tool_names"]:
        return struct(type = "deploy", signature = step["phase"])
    return None
`,
			step: Step{Phase: "tool_call", ToolNames: []string{"deploy"}},
			want: &Signature{Type: "deploy", Key: "tool_call"},
		},
		{
			name: "re_sub helper",
			script: `
def signature(step):
    return {"type": "t", "signature": re_sub("[0-9]+", "N", step["detail"])}
`,
			step: Step{Detail: "retry 3 of 5"},
			want: &Signature{Type: "t", Key: "retry N of N"},
		},
		{
			name: "missing type is an error",
			script: `
def signature(step):
    return {"signature": "x"}
`,
			step:    Step{Detail: "x"},
			wantErr: true,
		},
		{
			name: "wrong return type is an error",
			script: `
def signature(step):
    return 42
`,
			step:    Step{Detail: "x"},
			wantErr: true,
		},
		{
			name: "runtime error",
			script: `
def signature(step):
    return step["missing"]
`,
			step:    Step{Detail: "x"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			script, err := CompileSignatureScript("test.star", tt.script, time.Second)
			if err != nil {
				t.Fatalf("compile failed: %v", err)
			}

			got, err := script.Match(ctx, tt.step)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Match() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}

			switch {
			case tt.want == nil && got != nil:
				t.Errorf("expected no signature, got %+v", got)
			case tt.want != nil && got == nil:
				t.Errorf("expected %+v, got nil", tt.want)
			case tt.want != nil && *got != *tt.want:
				t.Errorf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestCompileSignatureScript_Errors(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   string
	}{
		{"syntax error", "def signature(step)\n    return None\n", "starlark execution failed"},
		{"no function", "x = 1\n", "does not define signature"},
		{"not callable", "signature = 1\n", "not a function"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileSignatureScript("bad.star", tt.script, time.Second)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestSignatureScript_StepLimit(t *testing.T) {
	script, err := CompileSignatureScript("loop.star", `
def signature(step):
    n = 0
    for i in range(100000000):
        n += i
    return None
`, 5*time.Second)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	script.maxSteps = 10000

	if _, err := script.Match(context.Background(), Step{}); err == nil {
		t.Error("expected step limit error")
	}
}

func TestSignatureScript_Cancelled(t *testing.T) {
	script, err := CompileSignatureScript("loop.star", `
def signature(step):
    n = 0
    for i in range(100000000):
        n += i
    return None
`, time.Minute)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := script.Match(ctx, Step{}); err == nil {
		t.Error("expected cancellation error")
	}
}

func TestLoadSignatureScript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.star")
	src := "def signature(step):\n    return None\n"
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	script, err := LoadSignatureScript(path, 0)
	if err != nil {
		t.Fatalf("LoadSignatureScript failed: %v", err)
	}
	if script.Name() != "rules.star" {
		t.Errorf("expected name rules.star, got %s", script.Name())
	}

	if _, err := LoadSignatureScript(filepath.Join(t.TempDir(), "missing.star"), 0); err == nil {
		t.Error("expected error for missing file")
	}
}
