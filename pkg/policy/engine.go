package policy

import (
	"context"
	"fmt"
	"os/user"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/macossetup/macossetup/pkg/engine"
)

// Engine evaluates plan actions against Rego deny rules. It implements
// engine.PlanGuard.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger

	protected ProtectedInput
	host      string
	user      string
	now       func() time.Time
}

var _ engine.PlanGuard = (*Engine)(nil)

// compiledPolicy is a policy with its prepared deny query.
type compiledPolicy struct {
	policy *Policy
	query  rego.PreparedEvalQuery
}

// Option configures an Engine.
type Option func(*Engine)

// WithProtectedItems sets the "kind:id" subjects that may never be removed.
func WithProtectedItems(items ...string) Option {
	return func(e *Engine) {
		e.protected.Items = append(e.protected.Items, items...)
	}
}

// WithProtectedDomains sets the preference domains that may never be
// written.
func WithProtectedDomains(domains ...string) Option {
	return func(e *Engine) {
		e.protected.Domains = append(e.protected.Domains, domains...)
	}
}

// WithHost names the target machine in the policy input.
func WithHost(host string) Option {
	return func(e *Engine) {
		e.host = host
	}
}

// NewEngine creates a guard loaded with the built-in policies.
func NewEngine(logger zerolog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		now:      time.Now,
	}
	if u, err := user.Current(); err == nil {
		e.user = u.Username
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	return e, nil
}

// Check evaluates every system action of the plan. Denied action IDs map to
// the joined violation messages. Any evaluation failure is returned as an
// error so the caller can refuse the whole plan.
func (e *Engine) Check(ctx context.Context, plan *engine.Plan) (map[string]string, error) {
	denied := make(map[string]string)
	for _, a := range plan.Actions {
		if !a.Type.TargetsSystem() {
			continue
		}
		res, err := e.EvaluateAction(ctx, a)
		if err != nil {
			return nil, err
		}
		for _, w := range res.Warnings {
			e.logger.Warn().
				Str("policy", w.Policy).
				Str("subject", w.Subject).
				Msg(w.Message)
		}
		if res.Allowed {
			continue
		}
		msgs := make([]string, len(res.Violations))
		for i, v := range res.Violations {
			msgs[i] = fmt.Sprintf("%s: %s", v.Policy, v.Message)
		}
		denied[a.ID] = strings.Join(msgs, "; ")
	}

	e.logger.Debug().
		Int("actions", len(plan.Actions)).
		Int("denied", len(denied)).
		Msg("Plan policy evaluation completed")
	return denied, nil
}

// EvaluateAction evaluates every enabled policy against one action.
func (e *Engine) EvaluateAction(ctx context.Context, a engine.Action) (*Result, error) {
	startTime := e.now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	input := Input{
		Action:    NewActionInput(a),
		Protected: e.protected,
		Context: ContextInput{
			User:      e.user,
			Host:      e.host,
			Timestamp: startTime,
		},
	}
	doc := input.document()

	result := &Result{Allowed: true}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, doc)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", name, err)
		}
		for _, v := range violations {
			v.ActionID = a.ID
			v.Subject = input.Action.Subject
			if v.Severity.Blocks() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}

	result.Duration = e.now().Sub(startTime)
	return result, nil
}

// evaluatePolicy runs the prepared deny query of one policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input map[string]any) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		// Sets come back as arrays.
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}
	return violations, nil
}

// createViolation converts one element of a deny set.
func createViolation(policy *Policy, result interface{}) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}
	return violation
}

// compilePolicy parses the module and prepares its deny query.
func (e *Engine) compilePolicy(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.Module(policy.Name+".rego", policy.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Msg("Policy compiled successfully")

	return &compiledPolicy{policy: policy, query: query}, nil
}

func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := BuiltinPolicies()
	for i := range builtins {
		cp, err := e.compilePolicy(ctx, &builtins[i])
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		e.policies[builtins[i].Name] = cp
	}
	return nil
}

// AddPolicies compiles and adds policies. Nothing is added when any of them
// fails to compile.
func (e *Engine) AddPolicies(ctx context.Context, policies []Policy) error {
	compiled := make([]*compiledPolicy, 0, len(policies))
	for i := range policies {
		p := policies[i]
		if p.Severity == "" {
			p.Severity = SeverityError
		}
		cp, err := e.compilePolicy(ctx, &p)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled = append(compiled, cp)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cp := range compiled {
		if existing, ok := e.policies[cp.policy.Name]; ok && existing.policy.Builtin {
			return fmt.Errorf("policy %s would replace a built-in policy", cp.policy.Name)
		}
	}
	for _, cp := range compiled {
		e.policies[cp.policy.Name] = cp
	}
	return nil
}

// LoadPolicies loads .rego and .json policies from files or directories.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	if err := e.AddPolicies(ctx, policies); err != nil {
		return err
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")
	return nil
}

// ReplaceUserPolicies drops every non-built-in policy and adds policies.
// It is the reload callback for Loader.Watch.
func (e *Engine) ReplaceUserPolicies(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	previous := e.policies
	e.policies = make(map[string]*compiledPolicy, len(previous))
	for name, cp := range previous {
		if cp.policy.Builtin {
			e.policies[name] = cp
		}
	}
	e.mu.Unlock()

	if err := e.AddPolicies(ctx, policies); err != nil {
		e.mu.Lock()
		e.policies = previous
		e.mu.Unlock()
		return err
	}
	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
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

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

// sortedNames must be called with mu held.
func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
