package actions

import (
	"context"
	"strconv"
	"time"

	"github.com/rendis/taskpilot/internal/connector"
	"github.com/rendis/taskpilot/pkg/schema"
)

// Param names read by the built-in actions.
const (
	ParamURL           = "url"
	ParamTarget        = "target"
	ParamValue         = "value"
	ParamCondition     = "condition"
	ParamSenderFilter  = "sender_filter"
	ParamWindowMinutes = "window_minutes"
	ParamPattern       = "pattern"
	ParamSheet         = "sheet"
	ParamRow           = "row"
	ParamColumn        = "column"
)

func builtins() []Action {
	return []Action{
		&openTarget{},
		&fillField{},
		&click{},
		&waitFor{},
		&fetchOneTimeCode{},
		&writeCell{},
	}
}

// --- open-target ---

type openTarget struct{}

func (a *openTarget) Kind() schema.ActionKind { return schema.ActionOpenTarget }
func (a *openTarget) Schema() ActionSchema {
	return ActionSchema{Description: "Navigate the interactive target to a URL", RequiredParams: []string{ParamURL}}
}
func (a *openTarget) Validate(params map[string]string) error {
	return requireParams(a.Kind(), params, ParamURL)
}
func (a *openTarget) Execute(ctx context.Context, in ActionInput) (*connector.Evidence, error) {
	if in.Connectors.Interactive == nil {
		return nil, unavailable("interactive")
	}
	return in.Connectors.Interactive.Navigate(ctx, in.Params[ParamURL])
}

// --- fill-field ---

type fillField struct{}

func (a *fillField) Kind() schema.ActionKind { return schema.ActionFillField }
func (a *fillField) Schema() ActionSchema {
	return ActionSchema{Description: "Type a value into a field", RequiredParams: []string{ParamTarget, ParamValue}}
}
func (a *fillField) Validate(params map[string]string) error {
	return requireParams(a.Kind(), params, ParamTarget)
}
func (a *fillField) Execute(ctx context.Context, in ActionInput) (*connector.Evidence, error) {
	if in.Connectors.Interactive == nil {
		return nil, unavailable("interactive")
	}
	return in.Connectors.Interactive.Fill(ctx, in.Params[ParamTarget], in.Params[ParamValue])
}

// --- click ---

type click struct{}

func (a *click) Kind() schema.ActionKind { return schema.ActionClick }
func (a *click) Schema() ActionSchema {
	return ActionSchema{Description: "Click a control", RequiredParams: []string{ParamTarget}}
}
func (a *click) Validate(params map[string]string) error {
	return requireParams(a.Kind(), params, ParamTarget)
}
func (a *click) Execute(ctx context.Context, in ActionInput) (*connector.Evidence, error) {
	if in.Connectors.Interactive == nil {
		return nil, unavailable("interactive")
	}
	return in.Connectors.Interactive.Click(ctx, in.Params[ParamTarget])
}

// --- wait-for-condition ---

type waitFor struct{}

func (a *waitFor) Kind() schema.ActionKind { return schema.ActionWaitFor }
func (a *waitFor) Schema() ActionSchema {
	return ActionSchema{Description: "Wait until a condition is observed", RequiredParams: []string{ParamCondition}}
}
func (a *waitFor) Validate(params map[string]string) error {
	return requireParams(a.Kind(), params, ParamCondition)
}
func (a *waitFor) Execute(ctx context.Context, in ActionInput) (*connector.Evidence, error) {
	return Observe(ctx, in.Connectors, in.Params[ParamCondition])
}

// --- fetch-one-time-code ---

type fetchOneTimeCode struct{}

func (a *fetchOneTimeCode) Kind() schema.ActionKind { return schema.ActionFetchOneTime }
func (a *fetchOneTimeCode) Schema() ActionSchema {
	return ActionSchema{
		Description:    "Fetch a one-time code from the mailbox",
		OptionalParams: []string{ParamSenderFilter, ParamWindowMinutes, ParamPattern},
	}
}
func (a *fetchOneTimeCode) Validate(params map[string]string) error {
	if w := params[ParamWindowMinutes]; w != "" {
		if n, err := strconv.Atoi(w); err != nil || n <= 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s must be a positive integer, got %q", ParamWindowMinutes, w)
		}
	}
	return nil
}
func (a *fetchOneTimeCode) Execute(ctx context.Context, in ActionInput) (*connector.Evidence, error) {
	if in.Connectors.Codes == nil {
		return nil, unavailable("code fetcher")
	}
	return in.Connectors.Codes.FetchCode(ctx, connector.CodeQuery{
		SenderFilter: in.Params[ParamSenderFilter],
		Window:       CodeWindow(in.Params),
		Pattern:      in.Params[ParamPattern],
	})
}

// CodeWindow returns the OTP lookback window declared by a step's params.
func CodeWindow(params map[string]string) time.Duration {
	if n, err := strconv.Atoi(params[ParamWindowMinutes]); err == nil && n > 0 {
		return time.Duration(n) * time.Minute
	}
	return connector.DefaultCodeWindow
}

// --- write-cell ---

type writeCell struct{}

func (a *writeCell) Kind() schema.ActionKind { return schema.ActionWriteCell }
func (a *writeCell) Schema() ActionSchema {
	return ActionSchema{
		Description:    "Write a value into a sheet cell",
		RequiredParams: []string{ParamRow, ParamColumn, ParamValue},
		OptionalParams: []string{ParamSheet},
	}
}
func (a *writeCell) Validate(params map[string]string) error {
	return requireParams(a.Kind(), params, ParamRow, ParamColumn)
}
func (a *writeCell) Execute(ctx context.Context, in ActionInput) (*connector.Evidence, error) {
	if in.Connectors.Cells == nil {
		return nil, unavailable("cell writer")
	}
	return in.Connectors.Cells.WriteCell(ctx, CellRequest(in.Params))
}

// CellRequest builds the cell address a write-cell step targets.
func CellRequest(params map[string]string) connector.CellRequest {
	return connector.CellRequest{
		Sheet:  params[ParamSheet],
		Row:    params[ParamRow],
		Column: params[ParamColumn],
		Value:  params[ParamValue],
	}
}
