package actions

import (
	"sort"
	"sync"

	"github.com/rendis/taskpilot/pkg/schema"
)

// Registry is the concrete thread-safe ActionRegistry implementation.
type Registry struct {
	mu      sync.RWMutex
	actions map[schema.ActionKind]Action
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		actions: make(map[schema.ActionKind]Action),
	}
}

// NewDefaultRegistry returns a registry holding one handler per known kind.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, a := range builtins() {
		if err := r.Register(a); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds an action. Kinds outside the closed set and duplicates are rejected.
func (r *Registry) Register(action Action) error {
	if action == nil {
		return schema.NewError(schema.ErrCodeValidation, "action is nil")
	}
	kind := action.Kind()
	if !kind.Known() {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown action kind %q", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.actions[kind]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", kind)
	}

	r.actions[kind] = action
	return nil
}

// Get retrieves the handler for a kind.
func (r *Registry) Get(kind schema.ActionKind) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	action, ok := r.actions[kind]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "action %q not registered", kind)
	}
	return action, nil
}

// List returns info for all registered actions, sorted by kind.
func (r *Registry) List() []ActionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ActionInfo, 0, len(r.actions))
	for _, a := range r.actions {
		infos = append(infos, ActionInfo{
			Kind:        a.Kind(),
			Description: a.Schema().Description,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Kind < infos[j].Kind
	})
	return infos
}

// Has checks if a kind has a handler.
func (r *Registry) Has(kind schema.ActionKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[kind]
	return ok
}

// Count returns the number of registered actions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actions)
}

var _ ActionRegistry = (*Registry)(nil)
