package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer(t *testing.T) {
	s := NewServer(ServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.compiler)
	assert.NotNil(t, s.sessions)
	assert.IsType(t, &MCPNotifier{}, s.notifier)
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
	}{
		{"run", "taskpilot.run", "Run a workflow over a batch of records"},
		{"status", "taskpilot.status", "Get the summary of a run"},
		{"review_list", "taskpilot.review_list", "List records awaiting an operator"},
		{"review_act", "taskpilot.review_act", "Retry, skip or resolve a record awaiting an operator"},
		{"kill", "taskpilot.kill", "Stop a run; records pause at their last checkpoint"},
		{"validate", "taskpilot.validate", "Validate a workflow definition and report every violation"},
		{"compile", "taskpilot.compile", "Compile a recorded event log into a draft workflow"},
	}

	s := NewServer(ServerDeps{})
	require.Len(t, s.mcpServer.ListTools(), len(tests))

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}

func TestRunToolRequiresOperator(t *testing.T) {
	tool := runTool()
	assert.Contains(t, tool.InputSchema.Required, "operator")
	assert.NotContains(t, tool.InputSchema.Required, "workflow")
}
