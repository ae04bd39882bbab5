// Package state implements the mutable run-scoped variable environment a
// single flow run executes against. Durable bindings live in a nested tree
// addressed by dotted paths (exposed to expressions as state.*); transient
// let bindings and loop variables live in a stack of block scopes and are
// removed when their block exits.
package state

import (
	"strings"

	"github.com/Jeffail/gabs/v2"
)

// LastOutputKey is the durable path that always holds the output of the most
// recently completed ai/agent/tool step.
const LastOutputKey = "last_output"

// Mutation records one durable write, used to replay the writes of a forked
// state back into its parent in a deterministic order.
type Mutation struct {
	Path  string
	Value any
}

// State is the variable environment for one flow run. It is owned by a single
// interpreter goroutine and is not safe for concurrent use; parallel loop
// branches work on forks and are merged back by the owner (see Fork).
type State struct {
	durable *gabs.Container
	scopes  []map[string]any
	journal []Mutation
	forked  bool
}

// New creates a State seeded with the given initial durable variables.
func New(initial map[string]any) *State {
	s := &State{
		durable: gabs.New(),
		scopes:  []map[string]any{{}},
	}
	for k, v := range initial {
		s.SetDurable(k, v)
	}
	return s
}

// SetDurable writes a value at a dotted path in the durable tree. The path is
// given without the "state." prefix ("user.name", not "state.user.name").
func (s *State) SetDurable(path string, v any) {
	s.durable.SetP(deepCopy(v), path)
	if s.forked {
		s.journal = append(s.journal, Mutation{Path: path, Value: deepCopy(v)})
	}
}

// GetDurable reads a value at a dotted path in the durable tree.
func (s *State) GetDurable(path string) (any, bool) {
	c := s.durable.Path(path)
	if c == nil {
		return nil, false
	}
	return c.Data(), true
}

// Set resolves an assignment target: "state.*" targets write to the durable
// tree, anything else becomes a binding in the innermost block scope.
func (s *State) Set(target string, v any) {
	if rest, ok := strings.CutPrefix(target, "state."); ok {
		s.SetDurable(rest, v)
		return
	}
	s.SetLocal(target, v)
}

// SetLocal binds a name in the innermost block scope.
func (s *State) SetLocal(name string, v any) {
	s.scopes[len(s.scopes)-1][name] = v
}

// Lookup resolves a block-local name, innermost scope first.
func (s *State) Lookup(name string) (any, bool) {
	for i := len(s.scopes) - 1; i >= 0; i-- {
		if v, ok := s.scopes[i][name]; ok {
			return v, true
		}
	}
	return nil, false
}

// PushScope opens a new block scope for let bindings and loop variables.
func (s *State) PushScope() {
	s.scopes = append(s.scopes, map[string]any{})
}

// PopScope closes the innermost block scope, discarding its bindings. The
// root scope is never popped.
func (s *State) PopScope() {
	if len(s.scopes) > 1 {
		s.scopes = s.scopes[:len(s.scopes)-1]
	}
}

// LastOutput returns the durable last_output value, or nil.
func (s *State) LastOutput() any {
	v, _ := s.GetDurable(LastOutputKey)
	return v
}

// Locals flattens all block scopes into one map, innermost binding winning.
func (s *State) Locals() map[string]any {
	merged := make(map[string]any)
	for _, scope := range s.scopes {
		for k, v := range scope {
			merged[k] = v
		}
	}
	return merged
}

// Tree returns the durable tree as a plain map. The returned map aliases the
// live tree; callers that hold onto it must use Snapshot instead.
func (s *State) Tree() map[string]any {
	if m, ok := s.durable.Data().(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// Snapshot returns a deep copy of the durable tree, safe to expose in a
// FlowRunResult after the run finishes.
func (s *State) Snapshot() map[string]any {
	return deepCopyMap(s.Tree())
}

// Fork returns an isolated copy of the state for a parallel loop iteration.
// The fork sees a snapshot of the durable tree and the current scopes, and
// records every durable write in a journal so the owning goroutine can merge
// iterations back in declared order with ApplyJournal.
func (s *State) Fork() *State {
	f := &State{
		durable: gabs.Wrap(deepCopyMap(s.Tree())),
		scopes:  make([]map[string]any, 0, len(s.scopes)+1),
		forked:  true,
	}
	for _, scope := range s.scopes {
		cp := make(map[string]any, len(scope))
		for k, v := range scope {
			cp[k] = v
		}
		f.scopes = append(f.scopes, cp)
	}
	if len(f.scopes) == 0 {
		f.scopes = []map[string]any{{}}
	}
	return f
}

// Journal returns the durable writes recorded by a forked state.
func (s *State) Journal() []Mutation {
	return s.journal
}

// ApplyJournal replays a fork's durable writes into this state.
func (s *State) ApplyJournal(journal []Mutation) {
	for _, m := range journal {
		s.SetDurable(m.Path, m.Value)
	}
}

// --- deep copy helpers ---

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopy(v)
	}
	return cp
}

func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopy(item)
		}
		return cp
	default:
		// Primitives are value types.
		return v
	}
}
