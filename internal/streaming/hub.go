// Package streaming fans audit events out to live subscribers.
package streaming

import (
	"context"
	"encoding/json"
	"time"
)

// StreamEvent is the live copy of one appended audit event.
type StreamEvent struct {
	RunID     string          `json:"run_id"`
	RecordKey string          `json:"record_key,omitempty"`
	StepID    string          `json:"step_id,omitempty"`
	EventType string          `json:"event_type"`
	Sequence  int64           `json:"sequence"`
	ErrorCode string          `json:"error_code,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventFilter selects the events a subscriber receives. Zero fields match
// everything.
type EventFilter struct {
	RunID      string   `json:"run_id,omitempty"`
	RecordKey  string   `json:"record_key,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for live run events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
