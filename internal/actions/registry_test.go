package actions

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/taskpilot/internal/connector"
	"github.com/rendis/taskpilot/pkg/schema"
)

// stubAction is a minimal Action for registry tests.
type stubAction struct {
	kind schema.ActionKind
	desc string
}

func (s *stubAction) Kind() schema.ActionKind { return s.kind }
func (s *stubAction) Schema() ActionSchema {
	return ActionSchema{Description: s.desc}
}
func (s *stubAction) Validate(_ map[string]string) error { return nil }
func (s *stubAction) Execute(_ context.Context, _ ActionInput) (*connector.Evidence, error) {
	return connector.NewEvidence("stub", nil), nil
}

func TestRegistry_Register_Success(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(&stubAction{kind: schema.ActionClick, desc: "A test action"})
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Count())
	assert.True(t, reg.Has(schema.ActionClick))
}

func TestRegistry_Register_Duplicate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAction{kind: schema.ActionClick}))

	err := reg.Register(&stubAction{kind: schema.ActionClick})
	require.Error(t, err)

	var se *schema.Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, schema.ErrCodeConflict, se.Code)
}

func TestRegistry_Register_Nil(t *testing.T) {
	err := NewRegistry().Register(nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestRegistry_Register_UnknownKind(t *testing.T) {
	err := NewRegistry().Register(&stubAction{kind: "drag-and-drop"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestRegistry_Get_NotFound(t *testing.T) {
	_, err := NewRegistry().Get(schema.ActionClick)
	require.Error(t, err)
}

func TestDefaultRegistry_CoversClosedSet(t *testing.T) {
	reg := NewDefaultRegistry()
	assert.Equal(t, len(schema.ActionKinds), reg.Count())
	for _, k := range schema.ActionKinds {
		a, err := reg.Get(k)
		require.NoError(t, err, k)
		assert.Equal(t, k, a.Kind())
	}

	list := reg.List()
	for i := 1; i < len(list); i++ {
		assert.Less(t, list[i-1].Kind, list[i].Kind)
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewDefaultRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.Get(schema.ActionFillField)
			assert.NoError(t, err)
			_ = reg.List()
		}()
	}
	wg.Wait()
}
