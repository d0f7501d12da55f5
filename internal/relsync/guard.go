package relsync

import (
	"fmt"
	"slices"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"filtered-relation/internal/metadata"
)

// GuardEvaluator compiles transition guards once and evaluates them against a
// move environment.
type GuardEvaluator struct {
	mu    sync.Mutex
	cache map[string]*vm.Program
}

func NewGuardEvaluator() *GuardEvaluator {
	return &GuardEvaluator{cache: make(map[string]*vm.Program)}
}

// Allowed reports whether expression evaluates to true for env.
func (g *GuardEvaluator) Allowed(expression string, env map[string]any) (bool, error) {
	g.mu.Lock()
	prog, ok := g.cache[expression]
	if !ok {
		var err error
		prog, err = expr.Compile(expression, expr.AsBool())
		if err != nil {
			g.mu.Unlock()
			return false, fmt.Errorf("compile guard: %w", err)
		}
		g.cache[expression] = prog
	}
	g.mu.Unlock()

	result, err := expr.Run(prog, env)
	if err != nil {
		return false, fmt.Errorf("evaluate guard: %w", err)
	}
	allowed, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("guard did not return bool")
	}
	return allowed, nil
}

// CheckTransition validates a status change against the state machine governing
// the status field. A nil machine allows everything.
func (g *GuardEvaluator) CheckTransition(sm *metadata.StateMachine, from, to string, env map[string]any, user *metadata.UserContext) error {
	if sm == nil {
		return nil
	}
	t := sm.FindTransition(from, to)
	if t == nil {
		return transitionNotAllowed(from, to, "")
	}
	if len(t.Roles) > 0 && (user == nil || (!user.IsAdmin() && !slices.ContainsFunc(t.Roles, user.HasRole))) {
		return transitionNotAllowed(from, to, "role not permitted")
	}
	if t.Guard == "" {
		return nil
	}
	allowed, err := g.Allowed(t.Guard, env)
	if err != nil {
		return transitionNotAllowed(from, to, err.Error())
	}
	if !allowed {
		return transitionNotAllowed(from, to, "guard rejected the move")
	}
	return nil
}
