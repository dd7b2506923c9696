// Package safety holds the run-level guards: the idempotency guard, the
// safe-stop breaker and the kill switch.
package safety

import (
	"context"

	"github.com/rendis/taskpilot/internal/store"
	"github.com/rendis/taskpilot/pkg/schema"
)

// Config configures a Controller.
type Config struct {
	Breaker BreakerConfig
	Scope   schema.IdempotencyScope
}

// Controller bundles the guards of one run.
type Controller struct {
	Guard   *Guard
	Breaker *Breaker
	Kill    *KillSwitch
}

// Store is what the controller needs from persistence.
type Store interface {
	TerminalLookup
	KillStore
}

var _ Store = (store.Store)(nil)

// NewController creates the guards for a run over eligible records.
func NewController(cfg Config, runID, target string, eligible int, s Store) *Controller {
	var lookup TerminalLookup
	var kills KillStore
	if s != nil {
		lookup, kills = s, s
	}
	return &Controller{
		Guard:   NewGuard(runID, target, cfg.Scope, lookup),
		Breaker: NewBreaker(cfg.Breaker, eligible),
		Kill:    NewKillSwitch(runID, kills),
	}
}

// MayStart reports whether a new record may be admitted: neither the kill
// switch nor the breaker has tripped.
func (c *Controller) MayStart(ctx context.Context) error {
	if err := c.Kill.Check(ctx); err != nil {
		return err
	}
	return c.Breaker.Err()
}
