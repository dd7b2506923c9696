package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// WorkflowDefinition is the exchanged workflow document.
// Immutable once validated: edits must bump Version.
type WorkflowDefinition struct {
	WorkflowID  string            `json:"workflow_id" yaml:"workflow_id"`
	Name        string            `json:"name" yaml:"name"`
	Version     int               `json:"version" yaml:"version"`
	Mode        string            `json:"mode,omitempty" yaml:"mode,omitempty"`
	BusinessKey string            `json:"business_key,omitempty" yaml:"business_key,omitempty"`
	Steps       []Step            `json:"steps" yaml:"steps"`
	Bindings    map[string]string `json:"bindings,omitempty" yaml:"bindings,omitempty"` // record field -> placeholder
}

// Step describes one action of the procedure.
type Step struct {
	ID             string            `json:"id" yaml:"id"`
	Name           string            `json:"name,omitempty" yaml:"name,omitempty"`
	Action         ActionKind        `json:"action" yaml:"action"`
	Params         map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
	RequiredInputs []string          `json:"required_inputs,omitempty" yaml:"required_inputs,omitempty"`
	PreCheck       *Assertion        `json:"pre_check,omitempty" yaml:"pre_check,omitempty"`
	PostCheck      *Assertion        `json:"post_check,omitempty" yaml:"post_check,omitempty"`
	Retry          RetryPolicy       `json:"retry" yaml:"retry"`
	OnFailure      FailureRoute      `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	Captures       map[string]string `json:"captures,omitempty" yaml:"captures,omitempty"` // var -> jq over evidence
	Ambiguous      bool              `json:"ambiguous,omitempty" yaml:"ambiguous,omitempty"`
	Ambiguity      string            `json:"ambiguity,omitempty" yaml:"ambiguity,omitempty"`
	Confirmed      bool              `json:"confirmed,omitempty" yaml:"confirmed,omitempty"`
}

// Assertion is a verification clause evaluated through a connector capability.
// Condition is observed by the connector; Expect is a boolean expression over
// record, vars, params and evidence.
type Assertion struct {
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
	Expect    string `json:"expect,omitempty" yaml:"expect,omitempty"`
	Lang      string `json:"lang,omitempty" yaml:"lang,omitempty"` // cel | expr (default: cel)
}

// Empty reports whether the assertion declares nothing to verify.
func (a *Assertion) Empty() bool {
	return a == nil || (a.Condition == "" && a.Expect == "")
}

// RetryPolicy configures bounded retries with exponential backoff.
type RetryPolicy struct {
	MaxAttempts    int `json:"max_attempts" yaml:"max_attempts"`
	BackoffSeconds int `json:"backoff_seconds" yaml:"backoff_seconds"`
}

// FailureRoute is where a record goes after a step exhausts its attempts.
type FailureRoute string

const (
	RouteFailRecord  FailureRoute = "fail-record"
	RouteNeedsReview FailureRoute = "needs-review"
)

// ActionKind is the closed set of step actions.
type ActionKind string

const (
	ActionOpenTarget   ActionKind = "open-target"
	ActionFillField    ActionKind = "fill-field"
	ActionClick        ActionKind = "click"
	ActionWaitFor      ActionKind = "wait-for-condition"
	ActionFetchOneTime ActionKind = "fetch-one-time-code"
	ActionWriteCell    ActionKind = "write-cell"
)

// ActionKinds lists every known kind in declaration order.
var ActionKinds = []ActionKind{
	ActionOpenTarget,
	ActionFillField,
	ActionClick,
	ActionWaitFor,
	ActionFetchOneTime,
	ActionWriteCell,
}

// Known reports whether k is part of the closed set.
func (k ActionKind) Known() bool {
	for _, known := range ActionKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Mutating reports whether the action changes external state and therefore
// needs a post-check.
func (k ActionKind) Mutating() bool {
	switch k {
	case ActionFillField, ActionClick, ActionWriteCell:
		return true
	}
	return false
}

// Defaults applied by the compiler and the engine.
const (
	DefaultMaxAttempts    = 3
	DefaultBackoffSeconds = 2
	DefaultTimeoutSeconds = 30
	MaxTimeoutSeconds     = 600
	DefaultBusinessKey    = "email"
	DefaultMode           = "browser_first"
)

// Timeout returns the step's per-attempt deadline.
func (s *Step) Timeout() time.Duration {
	secs := s.TimeoutSeconds
	if secs <= 0 {
		secs = DefaultTimeoutSeconds
	}
	if secs > MaxTimeoutSeconds {
		secs = MaxTimeoutSeconds
	}
	return time.Duration(secs) * time.Second
}

// Route returns the declared failure route, defaulting to needs-review.
func (s *Step) Route() FailureRoute {
	if s.OnFailure == "" {
		return RouteNeedsReview
	}
	return s.OnFailure
}

// KeyField returns the record field used as the business key.
func (d *WorkflowDefinition) KeyField() string {
	if d.BusinessKey == "" {
		return DefaultBusinessKey
	}
	return d.BusinessKey
}

// StepIndex returns the position of the step with the given ID, or -1.
func (d *WorkflowDefinition) StepIndex(id string) int {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return i
		}
	}
	return -1
}

// Digest returns a content hash used to enforce version immutability.
func (d *WorkflowDefinition) Digest() (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
