package safety

import (
	"fmt"
	"sync"

	"github.com/rendis/taskpilot/pkg/schema"
)

// Safe-stop defaults.
const (
	DefaultThreshold = 0.2
	DefaultMinSample = 10
)

// BreakerConfig configures the safe-stop breaker.
type BreakerConfig struct {
	// Threshold is the failure rate above which the run stops. Clamped to [0, 1].
	Threshold float64
	// MinSample is the smallest denominator the rate is computed over, so a
	// couple of early failures do not stop a large batch.
	MinSample int
}

// DefaultBreakerConfig returns the default safe-stop configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: DefaultThreshold, MinSample: DefaultMinSample}
}

func (c BreakerConfig) normalized() BreakerConfig {
	if c.Threshold < 0 {
		c.Threshold = 0
	}
	if c.Threshold > 1 {
		c.Threshold = 1
	}
	if c.MinSample <= 0 {
		c.MinSample = DefaultMinSample
	}
	return c
}

// Breaker tracks the failure rate of a run. Once tripped it stays tripped.
//
//	rate = (failed + needs_review) / max(finished, min(eligible, min_sample))
//
// Skipped records are not executed and do not count.
type Breaker struct {
	mu       sync.Mutex
	config   BreakerConfig
	eligible int
	finished int
	failures int
	tripped  bool
}

// NewBreaker creates a breaker for a run with the given number of eligible
// records.
func NewBreaker(config BreakerConfig, eligible int) *Breaker {
	return &Breaker{config: config.normalized(), eligible: eligible}
}

// Record folds one terminal record status and reports whether the breaker is
// tripped afterwards.
func (b *Breaker) Record(status schema.RecordStatus) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch status {
	case schema.RecordStatusSuccess:
		b.finished++
	case schema.RecordStatusFailed, schema.RecordStatusNeedsReview:
		b.finished++
		b.failures++
	default:
		return b.tripped
	}
	if !b.tripped && b.rate() > b.config.Threshold {
		b.tripped = true
	}
	return b.tripped
}

// Tripped reports whether the run must stop admitting records.
func (b *Breaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped
}

// Rate returns the current failure rate.
func (b *Breaker) Rate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rate()
}

func (b *Breaker) rate() float64 {
	floor := b.config.MinSample
	if b.eligible < floor {
		floor = b.eligible
	}
	denom := b.finished
	if floor > denom {
		denom = floor
	}
	if denom == 0 {
		return 0
	}
	return float64(b.failures) / float64(denom)
}

// Err returns the safe_stop_triggered error describing the trip, or nil.
func (b *Breaker) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.tripped {
		return nil
	}
	return schema.NewError(schema.ErrCodeSafeStop,
		fmt.Sprintf("failure rate %.2f exceeded threshold %.2f", b.rate(), b.config.Threshold)).
		WithDetails(b.stats())
}

// Stats returns diagnostic information about the breaker.
func (b *Breaker) Stats() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats()
}

func (b *Breaker) stats() map[string]any {
	return map[string]any{
		"eligible":   b.eligible,
		"finished":   b.finished,
		"failures":   b.failures,
		"rate":       b.rate(),
		"threshold":  b.config.Threshold,
		"min_sample": b.config.MinSample,
		"tripped":    b.tripped,
	}
}
