// Package formlogic evaluates the expressions a form schema attaches to its
// questions: showIf, requiredIf and custom validation rules.
//
// Expressions are expr-lang programs run against the answers of one scope
// (the whole response, or a roster row). Answers are reachable both as
// identifiers and through get(key):
//
//	umur >= 17 && get('status_kawin') == 'kawin'
//
// Older schemas hold statements of the form "return context.get('x') > 1;";
// these are rewritten to the equivalent expression before compiling. Nothing
// an expression does can reach outside its scope.
package formlogic

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator compiles expressions once and caches the programs. It is safe for
// concurrent use.
type Evaluator struct {
	mu       sync.RWMutex
	programs map[string]compiled
}

type compiled struct {
	program *vm.Program
	err     error
}

// New returns an empty Evaluator.
func New() *Evaluator {
	return &Evaluator{programs: make(map[string]compiled)}
}

// Normalize rewrites a legacy statement into an expression.
func Normalize(src string) string {
	s := strings.TrimSpace(src)
	s = strings.TrimPrefix(s, "return ")
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), ";"))
	s = strings.ReplaceAll(s, "context.get(", "get(")
	s = strings.ReplaceAll(s, "!==", "!=")
	s = strings.ReplaceAll(s, "===", "==")
	return s
}

func (e *Evaluator) compile(src string) (*vm.Program, error) {
	key := Normalize(src)
	e.mu.RLock()
	c, ok := e.programs[key]
	e.mu.RUnlock()
	if ok {
		return c.program, c.err
	}

	program, err := expr.Compile(key, expr.AllowUndefinedVariables())
	if err != nil {
		err = fmt.Errorf("failed to compile %q: %w", src, err)
	}
	e.mu.Lock()
	e.programs[key] = compiled{program: program, err: err}
	e.mu.Unlock()
	return program, err
}

// Eval runs src against answers and returns its result.
func (e *Evaluator) Eval(src string, answers map[string]any) (any, error) {
	if strings.TrimSpace(src) == "" {
		return nil, fmt.Errorf("empty expression")
	}
	program, err := e.compile(src)
	if err != nil {
		return nil, err
	}
	out, err := expr.Run(program, env(answers))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate %q: %w", src, err)
	}
	return out, nil
}

// Condition runs src and reports whether it yielded true. Failures and
// non-boolean results count as false.
func (e *Evaluator) Condition(src string, answers map[string]any) bool {
	out, err := e.Eval(src, answers)
	if err != nil {
		return false
	}
	b, ok := out.(bool)
	return ok && b
}

func env(answers map[string]any) map[string]any {
	m := make(map[string]any, len(answers)+1)
	for k, v := range answers {
		m[k] = v
	}
	m["get"] = func(key string) any { return answers[key] }
	return m
}
