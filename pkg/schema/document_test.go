package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeWorkflow_YAMLAndJSON(t *testing.T) {
	yamlDoc := []byte(`
workflow_id: signup
version: 2
steps:
  - id: step_001
    action: open-target
    params: {url: "https://app.example.com"}
    retry: {max_attempts: 3, backoff_seconds: 2}
`)
	def, err := DecodeWorkflow(yamlDoc)
	require.NoError(t, err)
	assert.Equal(t, "signup", def.WorkflowID)
	assert.Equal(t, ActionOpenTarget, def.Steps[0].Action)

	jsonDoc, err := EncodeWorkflow(def, "json")
	require.NoError(t, err)
	again, err := DecodeWorkflow(jsonDoc)
	require.NoError(t, err)
	assert.Equal(t, def, again)

	yamlOut, err := EncodeWorkflow(def, "yaml")
	require.NoError(t, err)
	assert.Contains(t, string(yamlOut), "workflow_id: signup")
}

func TestDecodeWorkflow_UnknownField(t *testing.T) {
	_, err := DecodeWorkflow([]byte(`{"workflow_id":"w","version":1,"steps":[],"extra":true}`))
	require.Error(t, err)

	_, err = DecodeWorkflow([]byte("workflow_id: w\nversion: 1\nsteps: []\nextra: true\n"))
	require.Error(t, err)
}

func TestDecodeEventLog(t *testing.T) {
	doc := []byte(`
session_id: s-1
events:
  - kind: navigate
    target: {}
    payload: {url: "https://app.example.com"}
    timestamp: 2026-03-01T10:00:00Z
  - kind: input
    target: {selector: "#email", matches: 1}
    payload: {value: "ana@example.com"}
    timestamp: 2026-03-01T10:00:02Z
checkpoints:
  - name: filled
    after: 1
    condition: "visible:#email"
`)
	log, err := DecodeEventLog(doc)
	require.NoError(t, err)
	require.Len(t, log.Events, 2)
	assert.Equal(t, "#email", log.Events[1].Target.Selector)
	assert.Equal(t, 1, log.Checkpoints[0].After)
	assert.False(t, log.Events[0].Timestamp.IsZero())
}

func TestTargetDescriptor_KeyAndLocator(t *testing.T) {
	bySel := TargetDescriptor{Selector: "#go", Role: "button", Name: "Go"}
	assert.Equal(t, "sel:#go", bySel.Key())
	assert.Equal(t, "#go", bySel.Locator())

	byRole := TargetDescriptor{Role: "Button", Name: "  Save   changes "}
	assert.Equal(t, "role:button|save changes", byRole.Key())
	assert.Equal(t, "Button[name=  Save   changes ]", byRole.Locator())

	assert.Empty(t, TargetDescriptor{}.Key())
}
