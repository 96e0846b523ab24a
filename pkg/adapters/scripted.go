package adapters

import (
	"context"
	"sync"

	"github.com/aaron031291/grace/pkg/contracts"
)

// ScriptedAdapter replays canned results in order, per action type. It
// backs executor tests and the demo loop; once the script runs out it
// keeps returning the last result.
type ScriptedAdapter struct {
	mu      sync.Mutex
	name    string
	scripts map[string][]Result
	cursor  map[string]int
	Calls   []contracts.StepAction
}

func NewScriptedAdapter(name string) *ScriptedAdapter {
	return &ScriptedAdapter{
		name:    name,
		scripts: make(map[string][]Result),
		cursor:  make(map[string]int),
	}
}

// Script appends results to replay for one action type.
func (s *ScriptedAdapter) Script(actionType string, results ...Result) *ScriptedAdapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[actionType] = append(s.scripts[actionType], results...)
	return s
}

func (s *ScriptedAdapter) Name() string { return s.name }

func (s *ScriptedAdapter) Execute(ctx context.Context, action contracts.StepAction) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, action)

	script, ok := s.scripts[action.Type]
	if !ok || len(script) == 0 {
		return Result{OK: true, Data: map[string]any{"action": action.Type}}, nil
	}
	i := s.cursor[action.Type]
	if i >= len(script) {
		i = len(script) - 1
	} else {
		s.cursor[action.Type]++
	}
	return script[i], nil
}

// CallCount returns how many times an action type was executed.
func (s *ScriptedAdapter) CallCount(actionType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.Calls {
		if c.Type == actionType {
			n++
		}
	}
	return n
}
