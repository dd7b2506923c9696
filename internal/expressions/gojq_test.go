package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/taskpilot/pkg/schema"
)

func TestGoJQ_ExtractField(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), `.code`, map[string]any{"code": "123456"})
	require.NoError(t, err)
	assert.Equal(t, "123456", out)
}

func TestGoJQ_NormalizesIntegers(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), `.count + 1`, map[string]any{"count": 2})
	require.NoError(t, err)
	assert.EqualValues(t, 3, out)
}

func TestGoJQ_MultipleOutputs(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), `.rows[]`, map[string]any{"rows": []any{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)
}

func TestGoJQ_EnvIsSandboxed(t *testing.T) {
	t.Setenv("TASKPILOT_SECRET", "leak")
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), `$ENV.TASKPILOT_SECRET`, map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_ParseError(t *testing.T) {
	e := NewGoJQEngine()
	_, err := e.Evaluate(context.Background(), `.[`, map[string]any{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}
