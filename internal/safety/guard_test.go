package safety

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/taskpilot/internal/store"
	"github.com/rendis/taskpilot/pkg/schema"
)

type fakeLookup struct {
	terminal map[string]*store.Checkpoint
	err      error
	calls    int
}

func (f *fakeLookup) PriorTerminal(_ context.Context, target, key, exclude string) (*store.Checkpoint, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.terminal[target+"/"+key], nil
}

func TestNormalizeKey(t *testing.T) {
	assert.Equal(t, "ana@example.com", NormalizeKey("  Ana@Example.COM \t"))
}

func TestGuard_DuplicateInBatch(t *testing.T) {
	g := NewGuard("run-1", "", schema.ScopeRun, nil)
	ctx := context.Background()

	a, err := g.Admit(ctx, "a@x.com", 0)
	require.NoError(t, err)
	assert.True(t, a.Admitted)

	a, err = g.Admit(ctx, "b@x.com", 1)
	require.NoError(t, err)
	assert.True(t, a.Admitted)

	a, err = g.Admit(ctx, " A@X.com", 2)
	require.NoError(t, err)
	assert.False(t, a.Admitted)
	assert.Equal(t, ReasonDuplicateInBatch, a.Reason)
	assert.Equal(t, 0, a.FirstPosition)
	assert.True(t, schema.IsCode(a.Err("a@x.com"), schema.ErrCodeDuplicateRecord))
	assert.Equal(t, 2, g.Claimed())
}

func TestGuard_MarkTerminal(t *testing.T) {
	g := NewGuard("run-1", "", "", nil)
	g.MarkTerminal("a@x.com", 0)
	a, err := g.Admit(context.Background(), "a@x.com", 3)
	require.NoError(t, err)
	assert.False(t, a.Admitted)
}

func TestGuard_TargetScope(t *testing.T) {
	lookup := &fakeLookup{terminal: map[string]*store.Checkpoint{
		"crm/a@x.com": {RunID: "run-0", RecordKey: "a@x.com", Status: schema.RecordStatusSuccess},
	}}
	ctx := context.Background()

	g := NewGuard("run-1", "crm", schema.ScopeTarget, lookup)
	a, err := g.Admit(ctx, "a@x.com", 0)
	require.NoError(t, err)
	assert.False(t, a.Admitted)
	assert.Equal(t, ReasonPriorRun, a.Reason)
	assert.Equal(t, "run-0", a.Prior.RunID)
	assert.Contains(t, a.Err("a@x.com").Error(), "run-0")

	a, err = g.Admit(ctx, "b@x.com", 1)
	require.NoError(t, err)
	assert.True(t, a.Admitted)

	// Run scope never looks at other runs.
	g = NewGuard("run-2", "crm", schema.ScopeRun, lookup)
	lookup.calls = 0
	a, err = g.Admit(ctx, "a@x.com", 0)
	require.NoError(t, err)
	assert.True(t, a.Admitted)
	assert.Zero(t, lookup.calls)
}

func TestGuard_LookupError(t *testing.T) {
	g := NewGuard("run-1", "crm", schema.ScopeTarget, &fakeLookup{err: errors.New("db down")})
	_, err := g.Admit(context.Background(), "a@x.com", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}
