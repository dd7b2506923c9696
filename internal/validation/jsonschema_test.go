package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/taskpilot/pkg/schema"
)

func TestNewJSONSchemaValidator(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	assert.NotNil(t, v.workflowSchema)
}

func TestJSONSchema_ValidDefinition(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	assert.True(t, v.ValidateDefinition(validDefinition()).Valid())
}

func TestJSONSchema_ShapeOnly(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	// Value rules are the semantic stage's concern.
	def := validDefinition()
	def.Steps[0].Action = "not-a-kind"
	def.Steps[0].Retry.MaxAttempts = 0
	assert.True(t, v.ValidateDefinition(def).Valid())
}

func TestJSONSchema_EmptySteps(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	def := validDefinition()
	def.Steps = []schema.Step{}
	result := v.ValidateDefinition(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Path, "/")
}

func TestJSONSchema_DocumentTypeErrors(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	result := v.ValidateDocument([]byte(`{"workflow_id":"w","version":"one","steps":[{"id":"s","action":"click","params":{"n":3}}]}`))
	require.False(t, result.Valid())
	assert.GreaterOrEqual(t, len(result.Errors), 2, "%+v", result.Errors)
}

func TestJSONSchema_NotADocument(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	result := v.ValidateDocument([]byte("{: nope"))
	assert.False(t, result.Valid())
}
