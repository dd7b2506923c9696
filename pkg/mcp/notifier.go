package mcp

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/taskpilot/internal/streaming"
	"github.com/rendis/taskpilot/pkg/schema"
)

// OperatorNotifier pushes notifications to connected operators.
type OperatorNotifier interface {
	Notify(ctx context.Context, operator string, payload map[string]any) error
}

// MCPNotifier implements OperatorNotifier with MCP server push.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes over MCP sessions.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends payload to the operator's session. Returns nil when the
// operator is not connected.
func (n *MCPNotifier) Notify(_ context.Context, operator string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(operator)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// notifyEvents are the events an operator is told about.
var notifyEvents = []string{
	schema.EventRecordNeedsReview,
	schema.EventRunSafeStopped,
	schema.EventRunCompleted,
	schema.EventRunAborted,
}

// Watch forwards review and run-outcome events to the operator that started
// each run through taskpilot.run. It blocks until ctx is done.
func (s *Server) Watch(ctx context.Context) error {
	if s.hub == nil {
		return errors.New("no event hub configured")
	}
	ch, cancel, err := s.hub.Subscribe(ctx, streaming.EventFilter{EventTypes: notifyEvents})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return ctx.Err()
			}
			s.forward(ctx, ev)
		}
	}
}

func (s *Server) forward(ctx context.Context, ev streaming.StreamEvent) {
	operator := s.owner(ev.RunID)
	if operator == "" {
		return
	}
	payload := map[string]any{
		"run_id":     ev.RunID,
		"event_type": ev.EventType,
		"timestamp":  ev.Timestamp,
	}
	if ev.RecordKey != "" {
		payload["record_key"] = ev.RecordKey
	}
	if ev.StepID != "" {
		payload["step_id"] = ev.StepID
	}
	if ev.ErrorCode != "" {
		payload["error_code"] = ev.ErrorCode
	}
	if len(ev.Payload) > 0 {
		payload["details"] = json.RawMessage(ev.Payload)
	}
	if err := s.notifier.Notify(ctx, operator, payload); err != nil {
		s.logger.Warn("operator notification failed", "operator", operator, "run_id", ev.RunID, "error", err)
	}
	if ev.RecordKey == "" && ev.EventType != schema.EventRunSafeStopped {
		s.forget(ev.RunID)
	}
}

func (s *Server) claim(runID, operator string) {
	s.ownersMu.Lock()
	s.owners[runID] = operator
	s.ownersMu.Unlock()
}

func (s *Server) owner(runID string) string {
	s.ownersMu.RLock()
	defer s.ownersMu.RUnlock()
	return s.owners[runID]
}

func (s *Server) forget(runID string) {
	s.ownersMu.Lock()
	delete(s.owners, runID)
	s.ownersMu.Unlock()
}
