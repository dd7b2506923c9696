package safety

import (
	"context"
	"fmt"
	"sync"

	"github.com/rendis/taskpilot/internal/store"
	"github.com/rendis/taskpilot/pkg/schema"
)

// KillStore is the durable side of the kill switch.
type KillStore interface {
	GetKillRequest(ctx context.Context, runID string) (*store.KillRequest, error)
}

// KillSwitch is the cooperative cancellation token of one run. It trips
// in-process through Kill or when a durable kill request appears in the
// store.
type KillSwitch struct {
	mu     sync.Mutex
	runID  string
	store  KillStore
	killed bool
	reason string
	by     string
	done   chan struct{}
}

// NewKillSwitch creates a kill switch. A nil store disables durable polling.
func NewKillSwitch(runID string, s KillStore) *KillSwitch {
	return &KillSwitch{runID: runID, store: s, done: make(chan struct{})}
}

// Kill trips the switch in-process.
func (k *KillSwitch) Kill(reason, by string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.killed {
		return
	}
	k.killed = true
	k.reason = reason
	k.by = by
	close(k.done)
}

// Done is closed once the switch trips.
func (k *KillSwitch) Done() <-chan struct{} {
	return k.done
}

// Killed reports the in-memory flag without touching the store.
func (k *KillSwitch) Killed() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.killed
}

// Check returns a run_aborted error once the switch is tripped. It polls the
// store when the in-memory flag is clear.
func (k *KillSwitch) Check(ctx context.Context) error {
	k.mu.Lock()
	killed := k.killed
	k.mu.Unlock()

	if !killed && k.store != nil {
		req, err := k.store.GetKillRequest(ctx, k.runID)
		if err != nil {
			return fmt.Errorf("poll kill request: %w", err)
		}
		if req != nil {
			k.Kill(req.Reason, req.RequestedBy)
			killed = true
		}
	}
	if !killed {
		return nil
	}
	return k.err()
}

func (k *KillSwitch) err() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	msg := "run aborted by kill switch"
	if k.reason != "" {
		msg += ": " + k.reason
	}
	return schema.NewError(schema.ErrCodeRunAborted, msg).
		WithDetails(map[string]any{"run_id": k.runID, "requested_by": k.by})
}
