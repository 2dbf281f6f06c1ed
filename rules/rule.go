package rules

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/jeremylerwick-max/omni-channel-crm/types"
)

// Evaluator defines the interface for evaluating predicate trees.
type Evaluator interface {
	Evaluate(p *types.Predicate, scope Scope) (bool, error)
}

var ErrInvalidPredicate = errors.New("invalid predicate")

// leafFunc is the only callable visible to compiled programs.
type leafFunc = func(int) bool

// ExprEvaluator compiles predicate trees into expr programs. The boolean
// structure lives in the program and each comparison is a leaf(i) call, so
// trees of the same shape share one cached program.
type ExprEvaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache: make(map[string]*vm.Program),
	}
}

// Evaluate evaluates p against scope. A nil predicate matches everything.
func (e *ExprEvaluator) Evaluate(p *types.Predicate, scope Scope) (bool, error) {
	if p == nil {
		return true, nil
	}
	var leaves []types.Condition
	source, err := compileSource(p, &leaves)
	if err != nil {
		return false, err
	}

	program, err := e.program(source)
	if err != nil {
		return false, err
	}

	env := map[string]interface{}{
		"leaf": func(i int) bool {
			return EvaluateCondition(leaves[i], scope)
		},
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}
	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("predicate '%s' did not evaluate to a boolean, got %T", source, result)
}

func (e *ExprEvaluator) program(source string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[source]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = e.cache[source]; ok {
		return program, nil
	}
	program, err := expr.Compile(source,
		expr.Env(map[string]interface{}{"leaf": leafFunc(func(int) bool { return false })}),
		expr.DisableAllBuiltins(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, err
	}
	e.cache[source] = program
	return program, nil
}

// compileSource renders the tree as an expr boolean expression, collecting
// comparisons into leaves in visit order.
func compileSource(p *types.Predicate, leaves *[]types.Condition) (string, error) {
	if err := checkNode(p); err != nil {
		return "", err
	}
	switch {
	case p.Condition != nil:
		*leaves = append(*leaves, *p.Condition)
		return "leaf(" + strconv.Itoa(len(*leaves)-1) + ")", nil
	case p.Not != nil:
		inner, err := compileSource(p.Not, leaves)
		if err != nil {
			return "", err
		}
		return "!(" + inner + ")", nil
	case len(p.All) > 0:
		return joinChildren(p.All, " && ", "true", leaves)
	default:
		return joinChildren(p.Any, " || ", "false", leaves)
	}
}

func joinChildren(children []types.Predicate, op, empty string, leaves *[]types.Condition) (string, error) {
	if len(children) == 0 {
		return empty, nil
	}
	parts := make([]string, 0, len(children))
	for i := range children {
		part, err := compileSource(&children[i], leaves)
		if err != nil {
			return "", err
		}
		parts = append(parts, part)
	}
	return "(" + strings.Join(parts, op) + ")", nil
}

func checkNode(p *types.Predicate) error {
	set := 0
	if p.Condition != nil {
		set++
	}
	if p.Not != nil {
		set++
	}
	if len(p.All) > 0 {
		set++
	}
	if len(p.Any) > 0 {
		set++
	}
	if set != 1 {
		return fmt.Errorf("%w: node must set exactly one of all, any, not, condition", ErrInvalidPredicate)
	}
	return nil
}

// ValidatePredicate checks tree structure, field paths and operator names.
func ValidatePredicate(p *types.Predicate) error {
	if p == nil {
		return nil
	}
	if err := checkNode(p); err != nil {
		return err
	}
	switch {
	case p.Condition != nil:
		c := p.Condition
		if c.Field == "" {
			return fmt.Errorf("%w: condition without field", ErrInvalidPredicate)
		}
		if !strings.Contains(c.Field, ".") {
			return fmt.Errorf("%w: field %q must be namespaced (contact., steps., event.)", ErrInvalidPredicate, c.Field)
		}
		if !KnownOperator(c.Operator) {
			return fmt.Errorf("%w: unknown operator %q", ErrInvalidPredicate, c.Operator)
		}
		if c.Operator != OpExists && c.Value == nil {
			return fmt.Errorf("%w: operator %q on %q needs a value", ErrInvalidPredicate, c.Operator, c.Field)
		}
		return nil
	case p.Not != nil:
		return ValidatePredicate(p.Not)
	}
	children := p.All
	if len(p.Any) > 0 {
		children = p.Any
	}
	for i := range children {
		if err := ValidatePredicate(&children[i]); err != nil {
			return err
		}
	}
	return nil
}
