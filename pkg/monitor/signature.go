package monitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// defaultScriptSteps caps the Starlark operations one signature call may run.
const defaultScriptSteps = 1_000_000

// Signature is the causal fingerprint of one failing execution step.
type Signature struct {
	// Type is the correlation type, e.g. "external_dependency".
	Type string

	// Key groups steps that share a cause. Steps with the same Type and Key
	// correlate.
	Key string

	// RootCause is a human-readable summary. Empty means derive one from the
	// step detail.
	RootCause string
}

// Step is the view of a failing execution-log row handed to signature rules.
type Step struct {
	WorkOrderID string
	Phase       string
	ToolNames   []string
	Detail      string
}

func (s Step) toMap() map[string]interface{} {
	tools := make([]interface{}, len(s.ToolNames))
	for i, t := range s.ToolNames {
		tools[i] = t
	}
	return map[string]interface{}{
		"work_order_id": s.WorkOrderID,
		"phase":         s.Phase,
		"tool_names":    tools,
		"detail":        s.Detail,
	}
}

// SignatureScript is a compiled Starlark file defining
//
//	def signature(step):
//	    return None or {"type": ..., "signature": ..., "root_cause": ...}
//
// The script globals are frozen after loading so one script may be called
// from several sweeps at once.
type SignatureScript struct {
	name     string
	fn       starlark.Callable
	timeout  time.Duration
	maxSteps uint64
}

// LoadSignatureScript reads and compiles a Starlark signature script.
func LoadSignatureScript(path string, timeout time.Duration) (*SignatureScript, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signature script: %w", err)
	}
	return CompileSignatureScript(filepath.Base(path), string(src), timeout)
}

// CompileSignatureScript compiles Starlark source defining signature(step).
func CompileSignatureScript(name, src string, timeout time.Duration) (*SignatureScript, error) {
	if timeout == 0 {
		timeout = time.Second
	}

	thread := newScriptThread(name)
	globals, err := starlark.ExecFile(thread, name, src, scriptPredeclared())
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}
	globals.Freeze()

	v, ok := globals["signature"]
	if !ok {
		return nil, fmt.Errorf("script %s does not define signature(step)", name)
	}
	fn, ok := v.(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("script %s: signature is a %s, not a function", name, v.Type())
	}

	return &SignatureScript{
		name:     name,
		fn:       fn,
		timeout:  timeout,
		maxSteps: defaultScriptSteps,
	}, nil
}

// Name returns the script's file name.
func (s *SignatureScript) Name() string {
	return s.name
}

// Match runs signature(step). A nil signature means the script did not
// recognise the step.
func (s *SignatureScript) Match(ctx context.Context, step Step) (*Signature, error) {
	arg, err := toStarlarkValue(step.toMap())
	if err != nil {
		return nil, fmt.Errorf("failed to convert step: %w", err)
	}

	thread := newScriptThread(s.name)
	thread.SetMaxExecutionSteps(s.maxSteps)

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	stop := context.AfterFunc(callCtx, func() {
		thread.Cancel(fmt.Sprintf("signature script %s: %v", s.name, callCtx.Err()))
	})
	defer stop()

	result, err := starlark.Call(thread, s.fn, starlark.Tuple{arg}, nil)
	if err != nil {
		return nil, fmt.Errorf("signature script %s failed: %w", s.name, err)
	}

	return decodeSignature(s.name, result)
}

// decodeSignature converts the script's return value.
func decodeSignature(name string, v starlark.Value) (*Signature, error) {
	goVal, err := fromStarlarkValue(v)
	if err != nil {
		return nil, fmt.Errorf("signature script %s: %w", name, err)
	}
	if goVal == nil {
		return nil, nil
	}

	m, ok := goVal.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("signature script %s returned %T, want dict or None", name, goVal)
	}

	str := func(key string) string {
		s, _ := m[key].(string)
		return s
	}

	sig := &Signature{
		Type:      str("type"),
		Key:       str("signature"),
		RootCause: str("root_cause"),
	}
	if sig.Type == "" || sig.Key == "" {
		return nil, fmt.Errorf("signature script %s: result needs non-empty type and signature", name)
	}
	return sig, nil
}

func newScriptThread(name string) *starlark.Thread {
	return &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			// print output is discarded
		},
	}
}

func scriptPredeclared() starlark.StringDict {
	return starlark.StringDict{
		"struct":    starlarkstruct.Default,
		"re_search": starlark.NewBuiltin("re_search", builtinReSearch),
		"re_sub":    starlark.NewBuiltin("re_sub", builtinReSub),
	}
}

// builtinReSearch implements re_search(pattern, text), returning the first
// match (or its first group when the pattern has one) or None.
func builtinReSearch(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, text string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "pattern", &pattern, "text", &text); err != nil {
		return nil, err
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}

	m := re.FindStringSubmatch(text)
	switch {
	case m == nil:
		return starlark.None, nil
	case len(m) > 1:
		return starlark.String(m[1]), nil
	default:
		return starlark.String(m[0]), nil
	}
}

// builtinReSub implements re_sub(pattern, repl, text).
func builtinReSub(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, repl, text string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "pattern", &pattern, "repl", &repl, "text", &text); err != nil {
		return nil, err
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.String(re.ReplaceAllString(text, repl)), nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, v := range val {
			starlarkVal, err := toStarlarkValue(v)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
