package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/olivergale/metis-portal2-sub002/pkg/triage"
)

// Engine evaluates the escalation policies against a sweep's findings.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy // keyed by Rego package
	store    storage.Store
	logger   zerolog.Logger
	loader   *Loader
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in escalation policy.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.New(),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	e.loader = NewLoader(e.logger)

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// Evaluate runs every enabled policy and returns one decision per escalated
// entry, ordered by entry ID. When several rules escalate the same entry the
// correlation decision wins, since it carries the root cause.
func (e *Engine) Evaluate(ctx context.Context, input Input) ([]Decision, error) {
	start := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	if input.Config.MinCorrelationSize <= 0 {
		input.Config.MinCorrelationSize = DefaultMinCorrelationSize
	}
	if input.Timestamp.IsZero() {
		input.Timestamp = time.Now().UTC()
	}

	byEntry := make(map[string]Decision)
	for _, pkg := range e.sortedPackages() {
		cp := e.policies[pkg]
		if !cp.policy.Enabled {
			continue
		}

		decisions, err := e.evaluatePolicy(ctx, cp, &input)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", cp.policy.Name, err)
		}

		for _, d := range decisions {
			existing, ok := byEntry[d.EntryID]
			if !ok || (existing.Correlation == "" && d.Correlation != "") {
				byEntry[d.EntryID] = d
			}
		}
	}

	result := make([]Decision, 0, len(byEntry))
	for _, d := range byEntry {
		result = append(result, d)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].EntryID < result[j].EntryID })

	e.logger.Debug().
		Str("sweep_id", input.SweepID).
		Int("entries", len(input.Entries)).
		Int("correlations", len(input.Correlations)).
		Int("decisions", len(result)).
		Dur("duration", time.Since(start)).
		Msg("Escalation policy evaluated")

	return result, nil
}

// evaluatePolicy evaluates a single policy against the input.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Decision, error) {
	rs, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("evaluation failed: %w", err)
	}

	var decisions []Decision
	for _, result := range rs {
		for _, expr := range result.Expressions {
			items, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, item := range items {
				d, err := decodeDecision(item)
				if err != nil {
					e.logger.Warn().Err(err).Str("policy", cp.policy.Name).Msg("Ignoring malformed decision")
					continue
				}
				d.Policy = cp.policy.Name
				decisions = append(decisions, d)
			}
		}
	}

	return decisions, nil
}

// decodeDecision converts one element of the escalate set.
func decodeDecision(v interface{}) (Decision, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return Decision{}, fmt.Errorf("decision is %T, not an object", v)
	}

	str := func(key string) string {
		s, _ := m[key].(string)
		return s
	}

	d := Decision{
		EntryID:     str("entry_id"),
		Target:      triage.Target(str("target")),
		Reason:      str("reason"),
		Correlation: str("correlation"),
	}
	if d.EntryID == "" {
		return Decision{}, fmt.Errorf("decision has no entry_id")
	}
	if d.Target == triage.TargetNone {
		d.Target = triage.TargetDiagnostician
	}
	return d, nil
}

// extractPackageName extracts the package name from Rego source.
func extractPackageName(src string) string {
	lines := strings.Split(src, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "package ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "package "))
		}
	}
	return ""
}

// compileAndStorePolicy compiles a policy and stores it under its package.
// A policy with the same package as an existing one replaces it.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	pkg := strings.TrimPrefix(module.Package.Path.String(), "data.")
	if pkg == "" {
		pkg = extractPackageName(policy.Rego)
	}
	policy.Package = pkg

	r := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Store(e.store),
		rego.Query(fmt.Sprintf("data.%s.escalate", pkg)),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[pkg] = &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Str("package", pkg).
		Bool("builtin", policy.Builtin).
		Msg("Policy compiled")

	return nil
}

// loadBuiltinPolicies loads all built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, p := range GetBuiltinPolicies() {
		policy := p
		if err := e.compileAndStorePolicy(ctx, &policy); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", policy.Name, err)
		}
	}

	return nil
}

// LoadPolicies loads .rego files from the given paths. Every file is compiled
// before any is installed, so a broken file leaves the engine unchanged.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}

	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	return e.installPolicies(ctx, policies)
}

// Watch reloads the policies whenever a .rego file under paths changes. It
// blocks until ctx is cancelled.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.installPolicies(ctx, policies)
	})
}

// installPolicies replaces the loaded policies with the built-ins plus the
// given set.
func (e *Engine) installPolicies(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	previous := e.policies
	e.policies = make(map[string]*compiledPolicy, len(previous)+len(policies))
	for _, p := range GetBuiltinPolicies() {
		policy := p
		if err := e.compileAndStorePolicy(ctx, &policy); err != nil {
			e.policies = previous
			return fmt.Errorf("failed to compile built-in policy %s: %w", policy.Name, err)
		}
	}
	for i := range policies {
		if err := e.compileAndStorePolicy(ctx, &policies[i]); err != nil {
			e.policies = previous
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().
		Int("loaded", len(policies)).
		Int("active", len(e.policies)).
		Msg("Escalation policies loaded")

	return nil
}

// GetPolicy returns the policy with the given name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, cp := range e.policies {
		if cp.policy.Name == name {
			p := *cp.policy
			return &p, nil
		}
	}
	return nil, fmt.Errorf("policy not found: %s", name)
}

// ListPolicies returns the active policies ordered by package.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, pkg := range e.sortedPackages() {
		policies = append(policies, *e.policies[pkg].policy)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, cp := range e.policies {
		if cp.policy.Name == name {
			cp.policy.Enabled = enabled
			e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")
			return nil
		}
	}
	return fmt.Errorf("policy not found: %s", name)
}

// sortedPackages must be called with e.mu held.
func (e *Engine) sortedPackages() []string {
	pkgs := make([]string, 0, len(e.policies))
	for pkg := range e.policies {
		pkgs = append(pkgs, pkg)
	}
	sort.Strings(pkgs)
	return pkgs
}
