package connector

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/taskpilot/internal/logging"
	"github.com/rendis/taskpilot/pkg/schema"
)

func TestDryRun_EchoesFilledValuePerRecord(t *testing.T) {
	d := NewDryRun()
	ctxA := logging.WithRecordKey(context.Background(), "a@x.com")
	ctxB := logging.WithRecordKey(context.Background(), "b@x.com")

	ev, err := d.Fill(ctxA, "#email", "a@x.com")
	require.NoError(t, err)
	assert.False(t, ev.Empty())
	assert.Equal(t, true, ev.Observed["dry_run"])
	assert.Equal(t, "fill", ev.Observed["action"])

	_, err = d.Fill(ctxB, "#email", "b@x.com")
	require.NoError(t, err)

	ev, err = d.WaitForCondition(ctxA, "value:#email")
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", ev.Observed["value"])
}

func TestDryRun_FetchCode(t *testing.T) {
	ev, err := NewDryRun().FetchCode(context.Background(), CodeQuery{SenderFilter: "zoom"})
	require.NoError(t, err)
	assert.Equal(t, DryRunCode, ev.Observed["code"])
}

func TestDryRun_Cells(t *testing.T) {
	d := NewDryRun()
	ctx := logging.WithRecordKey(context.Background(), "a@x.com")
	req := CellRequest{Sheet: "results", Row: "2", Column: "status", Value: "done"}

	_, err := d.WriteCell(ctx, req)
	require.NoError(t, err)
	ev, err := d.ReadCell(ctx, CellRequest{Sheet: "results", Row: "2", Column: "status"})
	require.NoError(t, err)
	assert.Equal(t, "done", ev.Observed["value"])
	assert.Equal(t, "results!status:2", CellAddress(req))
}

func TestFileTabular_ReadYAMLAndJSON(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "users.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
- email: " A@X.com "
  first_name: Ada
  age: 36
- email: b@x.com
  active: true
`), 0o644))
	jsonPath := filepath.Join(dir, "users.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`[{"email":"c@x.com","score":1.5}]`), 0o644))

	f := NewFileTabular()
	rows, err := f.ReadRecords(context.Background(), yamlPath)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "A@X.com", rows[0]["email"])
	assert.Equal(t, "36", rows[0]["age"])
	assert.Equal(t, "true", rows[1]["active"])

	rows, err = f.ReadRecords(context.Background(), jsonPath)
	require.NoError(t, err)
	assert.Equal(t, "1.5", rows[0]["score"])
}

func TestFileTabular_RejectsNested(t *testing.T) {
	_, err := DecodeRecords([]byte(`[{"email":"a@x.com","tags":["x"]}]`))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestFileTabular_MissingFile(t *testing.T) {
	_, err := NewFileTabular().ReadRecords(context.Background(), filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConnector, schema.CodeOf(err))
}

func TestFileTabular_WriteResults(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "out", "results.json")
	err := NewFileTabular().WriteResults(context.Background(), dest, []Result{
		{Position: 0, Key: "a@x.com", Status: "success", EvidenceRef: "ev-1"},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"position":0,"key":"a@x.com","status":"success","evidence_ref":"ev-1"}]`, string(data))
}

type staticMessages []Message

func (s staticMessages) Messages(ctx context.Context, since time.Time) ([]Message, error) {
	return s, nil
}

func TestMailboxCodes_NewestMatchingSender(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewMailboxCodes(staticMessages{
		{ID: "3", From: "news@zoom.us", Received: now.Add(-time.Minute), Body: "no code here"},
		{ID: "2", From: "Zoom <no-reply@zoom.us>", Received: now.Add(-2 * time.Minute), Body: "Your code is 482913."},
		{ID: "1", From: "no-reply@zoom.us", Received: now.Add(-3 * time.Minute), Body: "Your code is 111111."},
	})
	m.now = func() time.Time { return now }

	ev, err := m.FetchCode(context.Background(), CodeQuery{SenderFilter: "ZOOM"})
	require.NoError(t, err)
	assert.Equal(t, "482913", ev.Observed["code"])
	assert.Equal(t, "2", ev.Observed["message_id"])
}

func TestMailboxCodes_OutsideWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewMailboxCodes(staticMessages{
		{ID: "1", From: "no-reply@zoom.us", Received: now.Add(-20 * time.Minute), Body: "Your code is 482913."},
	})
	m.now = func() time.Time { return now }

	_, err := m.FetchCode(context.Background(), CodeQuery{SenderFilter: "zoom"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCodeNotFound, schema.CodeOf(err))

	ev, err := m.FetchCode(context.Background(), CodeQuery{SenderFilter: "zoom", Window: 30 * time.Minute})
	require.NoError(t, err)
	assert.Equal(t, "482913", ev.Observed["code"])
}

func TestMailboxCodes_BadPattern(t *testing.T) {
	m := NewMailboxCodes(staticMessages{})
	_, err := m.FetchCode(context.Background(), CodeQuery{Pattern: "("})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}
