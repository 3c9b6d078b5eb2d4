package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// ConditionEvaluator compiles and runs sequence flow condition
// expressions against instance variables. Conditions are written as
// ${expr} and evaluated with CEL; compiled programs are cached per
// expression and variable set.
type ConditionEvaluator struct {
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewConditionEvaluator creates an evaluator with an empty program cache
func NewConditionEvaluator() *ConditionEvaluator {
	return &ConditionEvaluator{cache: map[string]cel.Program{}}
}

// stripWrapper removes the ${...} wrapper if present
func stripWrapper(expr string) string {
	expr = strings.TrimSpace(expr)
	if strings.HasPrefix(expr, "${") && strings.HasSuffix(expr, "}") {
		return strings.TrimSpace(expr[2 : len(expr)-1])
	}
	return expr
}

// Evaluate runs the condition against vars and returns its boolean
// result. A non-boolean result is an error, never a silent false.
func (e *ConditionEvaluator) Evaluate(condition string, vars map[string]interface{}) (bool, error) {
	expr := stripWrapper(condition)
	if expr == "" {
		return false, fmt.Errorf("empty condition expression")
	}

	prg, err := e.program(expr, vars)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", expr, err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition %q returned %T, want bool", expr, out.Value())
	}
	return result, nil
}

func (e *ConditionEvaluator) program(expr string, vars map[string]interface{}) (cel.Program, error) {
	key := cacheKey(expr, vars)

	e.mu.RLock()
	prg, ok := e.cache[key]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	opts := make([]cel.EnvOption, 0, len(vars))
	for name := range vars {
		opts = append(opts, cel.Variable(name, cel.DynType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("build condition environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile condition %q: %w", expr, issues.Err())
	}
	prg, err = env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build condition program: %w", err)
	}

	e.mu.Lock()
	e.cache[key] = prg
	e.mu.Unlock()
	return prg, nil
}

// cacheKey folds the variable names into the key because the compiled
// environment depends on which identifiers are declared.
func cacheKey(expr string, vars map[string]interface{}) string {
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return expr + "\x00" + strings.Join(names, ",")
}
