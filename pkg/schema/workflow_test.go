package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionKind_ClosedSet(t *testing.T) {
	for _, k := range ActionKinds {
		assert.True(t, k.Known(), k)
	}
	assert.False(t, ActionKind("drag-and-drop").Known())

	assert.True(t, ActionFillField.Mutating())
	assert.True(t, ActionClick.Mutating())
	assert.True(t, ActionWriteCell.Mutating())
	assert.False(t, ActionOpenTarget.Mutating())
	assert.False(t, ActionWaitFor.Mutating())
	assert.False(t, ActionFetchOneTime.Mutating())
}

func TestStep_Defaults(t *testing.T) {
	s := Step{}
	assert.Equal(t, 30*time.Second, s.Timeout())
	assert.Equal(t, RouteNeedsReview, s.Route())

	s.TimeoutSeconds = 5000
	assert.Equal(t, 600*time.Second, s.Timeout())

	s.OnFailure = RouteFailRecord
	assert.Equal(t, RouteFailRecord, s.Route())
}

func TestAssertion_Empty(t *testing.T) {
	var a *Assertion
	assert.True(t, a.Empty())
	assert.True(t, (&Assertion{Lang: "cel"}).Empty())
	assert.False(t, (&Assertion{Condition: "visible:#ok"}).Empty())
}

func TestWorkflowDefinition_Digest(t *testing.T) {
	def := &WorkflowDefinition{WorkflowID: "signup", Version: 1, Steps: []Step{{ID: "a", Action: ActionClick}}}
	d1, err := def.Digest()
	require.NoError(t, err)

	def.Steps[0].Params = map[string]string{"selector": "#go"}
	d2, err := def.Digest()
	require.NoError(t, err)

	assert.NotEqual(t, d1, d2)
	assert.Equal(t, "email", def.KeyField())
	assert.Equal(t, 0, def.StepIndex("a"))
	assert.Equal(t, -1, def.StepIndex("b"))
}
