package eligibility

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Tier awards Value percent when Expr evaluates to true. Expr is a CEL
// boolean over `customer.total_spent` (double) and `customer.orders_count`
// (int).
type Tier struct {
	Expr  string  `yaml:"expr" json:"expr"`
	Value float64 `yaml:"value" json:"value"`
}

// DefaultTiers returns the spend ladder with the given top-tier value.
func DefaultTiers(top float64) []Tier {
	return []Tier{
		{Expr: "customer.total_spent > 1000.0", Value: top},
		{Expr: "customer.total_spent > 500.0", Value: 12},
	}
}

// ruleSet compiles tier expressions once and caches the programs.
type ruleSet struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

func newRuleSet() (*ruleSet, error) {
	env, err := cel.NewEnv(
		cel.Variable("customer", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &ruleSet{env: env, prgCache: make(map[string]cel.Program)}, nil
}

// compile validates expr and caches its program.
func (r *ruleSet) compile(expr string) (cel.Program, error) {
	r.mu.RLock()
	prg, hit := r.prgCache[expr]
	r.mu.RUnlock()
	if hit {
		return prg, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prg, hit = r.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := r.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("compile %q: result must be bool, got %s", expr, ast.OutputType())
	}
	p, err := r.env.Program(ast, cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expr, err)
	}
	r.prgCache[expr] = p
	return p, nil
}

func (r *ruleSet) match(expr string, input map[string]any) (bool, error) {
	prg, err := r.compile(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval %q: %w", expr, err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("eval %q: result not bool", expr)
	}
	return val, nil
}
