package actions

import (
	"context"

	"github.com/rendis/taskpilot/internal/connector"
	"github.com/rendis/taskpilot/pkg/schema"
)

// Action performs one step kind through a connector capability.
type Action interface {
	Kind() schema.ActionKind
	Schema() ActionSchema
	Validate(params map[string]string) error
	Execute(ctx context.Context, input ActionInput) (*connector.Evidence, error)
}

// ActionRegistry manages lookup of the handlers for each kind.
type ActionRegistry interface {
	Register(action Action) error
	Get(kind schema.ActionKind) (Action, error)
	List() []ActionInfo
}

// ActionSchema describes the params an action reads.
type ActionSchema struct {
	Description    string   `json:"description,omitempty"`
	RequiredParams []string `json:"required_params,omitempty"`
	OptionalParams []string `json:"optional_params,omitempty"`
}

// ActionInput is the data provided to an action at execution time. Params
// are already interpolated.
type ActionInput struct {
	StepID     string
	Params     map[string]string
	Connectors connector.Set
}

// ActionInfo is a summary of a registered action for listing.
type ActionInfo struct {
	Kind        schema.ActionKind `json:"kind"`
	Description string            `json:"description,omitempty"`
}

// requireParams checks that every name is present and non-empty.
func requireParams(kind schema.ActionKind, params map[string]string, names ...string) error {
	var missing []string
	for _, n := range names {
		if params[n] == "" {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s requires params %v", kind, missing).
			WithDetails(map[string]any{"missing": missing})
	}
	return nil
}

func unavailable(capability string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodePermissionDenied, "%s capability is not configured", capability)
}
