package safety

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rendis/taskpilot/internal/store"
	"github.com/rendis/taskpilot/pkg/schema"
)

// NormalizeKey trims and lowercases a business key.
func NormalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// TerminalLookup finds terminal outcomes of a key in earlier runs.
type TerminalLookup interface {
	PriorTerminal(ctx context.Context, target, recordKey, excludeRunID string) (*store.Checkpoint, error)
}

// Skip reasons.
const (
	ReasonDuplicateInBatch = "duplicate_in_batch"
	ReasonTerminalInRun    = "terminal_in_run"
	ReasonPriorRun         = "prior_run"
)

// Admission is the guard's verdict for one record.
type Admission struct {
	Admitted bool
	Reason   string
	// FirstPosition is the batch position that claimed the key first, for
	// in-batch duplicates.
	FirstPosition int
	// Prior is the terminal checkpoint found in an earlier run.
	Prior *store.Checkpoint
}

// Err returns the duplicate_record error for a refused admission.
func (a Admission) Err(key string) error {
	if a.Admitted {
		return nil
	}
	msg := fmt.Sprintf("record %q already processed (%s)", key, a.Reason)
	if a.Prior != nil {
		msg = fmt.Sprintf("record %q already %s in run %s", key, a.Prior.Status, a.Prior.RunID)
	}
	return schema.NewError(schema.ErrCodeDuplicateRecord, msg)
}

// Guard is the idempotency guard of one run. Keys are claimed in batch order
// by a single dispatcher; the mutex only protects readers.
type Guard struct {
	mu      sync.Mutex
	runID   string
	target  string
	scope   schema.IdempotencyScope
	lookup  TerminalLookup
	claimed map[string]int
}

// NewGuard creates a guard. lookup may be nil when scope is run.
func NewGuard(runID, target string, scope schema.IdempotencyScope, lookup TerminalLookup) *Guard {
	if scope == "" {
		scope = schema.ScopeRun
	}
	return &Guard{
		runID:   runID,
		target:  target,
		scope:   scope,
		lookup:  lookup,
		claimed: make(map[string]int),
	}
}

// MarkTerminal records a key that already reached a terminal status in this
// run, so later rows with the same key are skipped.
func (g *Guard) MarkTerminal(key string, position int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.claimed[NormalizeKey(key)] = position
}

// Admit claims key for the record at position.
func (g *Guard) Admit(ctx context.Context, key string, position int) (Admission, error) {
	key = NormalizeKey(key)

	g.mu.Lock()
	if first, ok := g.claimed[key]; ok {
		g.mu.Unlock()
		reason := ReasonDuplicateInBatch
		if first == position {
			reason = ReasonTerminalInRun
		}
		return Admission{Reason: reason, FirstPosition: first}, nil
	}
	g.mu.Unlock()

	if g.scope == schema.ScopeTarget && g.lookup != nil && g.target != "" {
		prior, err := g.lookup.PriorTerminal(ctx, g.target, key, g.runID)
		if err != nil {
			return Admission{}, fmt.Errorf("check prior runs for %q: %w", key, err)
		}
		if prior != nil {
			g.mu.Lock()
			g.claimed[key] = position
			g.mu.Unlock()
			return Admission{Reason: ReasonPriorRun, FirstPosition: position, Prior: prior}, nil
		}
	}

	g.mu.Lock()
	g.claimed[key] = position
	g.mu.Unlock()
	return Admission{Admitted: true, FirstPosition: position}, nil
}

// Claimed returns the number of distinct keys claimed so far.
func (g *Guard) Claimed() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.claimed)
}
