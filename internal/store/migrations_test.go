package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitStatements_KeepsTriggerBodies(t *testing.T) {
	script := `-- header
CREATE TABLE a (id INTEGER);

CREATE TRIGGER a_no_update
BEFORE UPDATE ON a
BEGIN
    SELECT RAISE(ABORT, 'nope');
END;
CREATE INDEX idx_a ON a(id);`

	stmts := splitStatements(script)
	require.Len(t, stmts, 3)
	assert.Equal(t, "CREATE TABLE a (id INTEGER)", stmts[0])
	assert.Contains(t, stmts[1], "SELECT RAISE(ABORT, 'nope');")
	assert.True(t, len(stmts[1]) > 0 && stmts[1][len(stmts[1])-3:] == "END")
	assert.Equal(t, "CREATE INDEX idx_a ON a(id)", stmts[2])
}

func TestSplitStatements_EmbeddedSchema(t *testing.T) {
	stmts := splitStatements(migration001)
	assert.GreaterOrEqual(t, len(stmts), 10)
	for _, s := range stmts {
		assert.NotEmpty(t, s)
	}
}
