package schema

import (
	"strings"
	"time"
)

// EventLog is a recorded teaching session: an arena of events addressed by
// position plus checkpoint markers that point into it by index.
type EventLog struct {
	SessionID   string             `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	Name        string             `json:"name,omitempty" yaml:"name,omitempty"`
	Events      []RecordedEvent    `json:"events" yaml:"events"`
	Checkpoints []CheckpointMarker `json:"checkpoints,omitempty" yaml:"checkpoints,omitempty"`
}

// RecordedEvent is one normalized user action.
type RecordedEvent struct {
	Kind      string            `json:"kind" yaml:"kind"`
	Target    TargetDescriptor  `json:"target" yaml:"target"`
	Payload   map[string]string `json:"payload,omitempty" yaml:"payload,omitempty"`
	Timestamp time.Time         `json:"timestamp" yaml:"timestamp"`
}

// TargetDescriptor identifies the control an event acted on. Matches is the
// number of elements the recorder found for the descriptor at capture time.
type TargetDescriptor struct {
	Selector string `json:"selector,omitempty" yaml:"selector,omitempty"`
	Role     string `json:"role,omitempty" yaml:"role,omitempty"`
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	Index    *int   `json:"index,omitempty" yaml:"index,omitempty"`
	Matches  int    `json:"matches,omitempty" yaml:"matches,omitempty"`
}

// Key returns the identity used to decide whether two events hit the same
// control: the selector when present, otherwise role and normalized name.
func (t TargetDescriptor) Key() string {
	if t.Selector != "" {
		return "sel:" + t.Selector
	}
	if t.Role == "" && t.Name == "" {
		return ""
	}
	return "role:" + strings.ToLower(t.Role) + "|" + strings.ToLower(strings.Join(strings.Fields(t.Name), " "))
}

// Locator returns the string handed to connectors to find the control.
func (t TargetDescriptor) Locator() string {
	if t.Selector != "" {
		return t.Selector
	}
	if t.Role != "" && t.Name != "" {
		return t.Role + "[name=" + t.Name + "]"
	}
	return t.Name
}

// CheckpointMarker is a user-marked boundary placed after event index After.
// Condition, when set, is what the user confirmed was visible at that point.
type CheckpointMarker struct {
	Name      string `json:"name" yaml:"name"`
	After     int    `json:"after" yaml:"after"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}
