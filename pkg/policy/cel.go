package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/acgs-platform/agentbus/pkg/contracts"
)

// Rule is a named CEL expression that must evaluate to true for the
// request to pass.
type Rule struct {
	Name string
	Expr string
}

// DefaultRules is the built-in rule set. Deployments replace it with
// policy loaded from configuration.
var DefaultRules = []Rule{
	{
		Name: "principal_required",
		Expr: `principal != ""`,
	},
	{
		Name: "no_cross_tenant_commands",
		Expr: `action != "tenant_migration" || role == "judicial"`,
	},
}

// CELEngine evaluates requests against compiled CEL rules in-process.
// Compiled programs are cached per expression under a double-checked
// lock, matching hot-path reuse of the same rule set.
type CELEngine struct {
	env   *cel.Env
	rules []Rule

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewCELEngine creates a local engine. A nil rule slice uses
// DefaultRules.
func NewCELEngine(rules []Rule) (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("principal", cel.StringType),
		cel.Variable("role", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("resource", cel.StringType),
		cel.Variable("tenant_id", cel.StringType),
		cel.Variable("input", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: create CEL environment: %w", err)
	}
	if rules == nil {
		rules = DefaultRules
	}
	return &CELEngine{
		env:      env,
		rules:    rules,
		programs: make(map[string]cel.Program),
	}, nil
}

// Name identifies the engine in decision metadata.
func (e *CELEngine) Name() string { return "cel" }

// Evaluate runs every rule; any false rule is a violation and the
// verdict is deny. Compile or runtime errors are evaluation failures.
func (e *CELEngine) Evaluate(ctx context.Context, req *Request) (*Result, error) {
	input := map[string]any{
		"principal": req.Principal,
		"role":      req.Role,
		"action":    req.Action,
		"resource":  req.Resource,
		"tenant_id": req.TenantID,
		"input":     req.Input,
	}
	if input["input"] == nil {
		input["input"] = map[string]any{}
	}

	var violations []string
	for _, rule := range e.rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ok, err := e.evaluateExpr(rule.Expr, input)
		if err != nil {
			return nil, fmt.Errorf("policy: rule %q failed to evaluate: %w", rule.Name, err)
		}
		if !ok {
			violations = append(violations, rule.Name)
		}
	}

	result := &Result{
		Decision:   contracts.DecisionAllow,
		Violations: violations,
		Metadata:   map[string]any{"engine": e.Name(), "rules": len(e.rules)},
	}
	if len(violations) > 0 {
		result.Decision = contracts.DecisionDeny
	}
	return result, nil
}

func (e *CELEngine) evaluateExpr(expr string, input map[string]any) (bool, error) {
	e.mu.RLock()
	prg, hit := e.programs[expr]
	e.mu.RUnlock()

	if !hit {
		e.mu.Lock()
		if prg, hit = e.programs[expr]; !hit {
			ast, issues := e.env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("compile: %w", issues.Err())
			}
			var err error
			prg, err = e.env.Program(ast)
			if err != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("program: %w", err)
			}
			e.programs[expr] = prg
		}
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression yielded %T, want bool", out.Value())
	}
	return allowed, nil
}
