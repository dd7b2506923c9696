package safety

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/taskpilot/pkg/schema"
)

func TestBreaker_TripsOnFourthFailureOfTen(t *testing.T) {
	b := NewBreaker(BreakerConfig{Threshold: 0.3, MinSample: 10}, 10)

	for i := 0; i < 3; i++ {
		assert.False(t, b.Record(schema.RecordStatusFailed), "failure %d", i+1)
	}
	assert.InDelta(t, 0.3, b.Rate(), 1e-9)
	assert.NoError(t, b.Err())

	assert.True(t, b.Record(schema.RecordStatusNeedsReview))
	err := b.Err()
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeSafeStop))
}

func TestBreaker_SuccessesDiluteRate(t *testing.T) {
	b := NewBreaker(BreakerConfig{Threshold: 0.3, MinSample: 10}, 20)
	for i := 0; i < 10; i++ {
		b.Record(schema.RecordStatusSuccess)
	}
	for i := 0; i < 4; i++ {
		assert.False(t, b.Record(schema.RecordStatusFailed))
	}
	// 4/14 = 0.285
	assert.False(t, b.Tripped())
	assert.True(t, b.Record(schema.RecordStatusFailed)) // 5/15 = 0.333
}

func TestBreaker_SmallBatchFloor(t *testing.T) {
	// Three eligible records: the floor is 3, so one failure is 1/3.
	b := NewBreaker(BreakerConfig{Threshold: 0.5, MinSample: 10}, 3)
	assert.False(t, b.Record(schema.RecordStatusFailed))
	assert.True(t, b.Record(schema.RecordStatusFailed))
}

func TestBreaker_SkippedIgnored(t *testing.T) {
	b := NewBreaker(DefaultBreakerConfig(), 10)
	for i := 0; i < 10; i++ {
		b.Record(schema.RecordStatusSkipped)
	}
	assert.Zero(t, b.Rate())
	assert.Equal(t, 0, b.Stats()["finished"])
}

func TestBreaker_StaysTripped(t *testing.T) {
	b := NewBreaker(BreakerConfig{Threshold: 0, MinSample: 1}, 5)
	assert.True(t, b.Record(schema.RecordStatusFailed))
	for i := 0; i < 20; i++ {
		b.Record(schema.RecordStatusSuccess)
	}
	assert.True(t, b.Tripped())
}

func TestBreakerConfig_Clamped(t *testing.T) {
	b := NewBreaker(BreakerConfig{Threshold: 7, MinSample: -1}, 10)
	assert.Equal(t, 1.0, b.Stats()["threshold"])
	assert.Equal(t, DefaultMinSample, b.Stats()["min_sample"])
}
