package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case got, ok := <-ch:
		require.True(t, ok, "channel closed")
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return StreamEvent{}
}

func requireEmpty(t *testing.T, ch <-chan StreamEvent) {
	t.Helper()
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	event := StreamEvent{
		RunID:     "run-1",
		RecordKey: "a@x.com",
		StepID:    "step_001",
		EventType: "step_succeeded",
		Sequence:  4,
		Payload:   json.RawMessage(`{"duration_ms":12}`),
	}
	require.NoError(t, hub.Publish(ctx, event))

	got := recv(t, ch)
	assert.Equal(t, event.RunID, got.RunID)
	assert.Equal(t, event.RecordKey, got.RecordKey)
	assert.Equal(t, event.Sequence, got.Sequence)
	assert.JSONEq(t, `{"duration_ms":12}`, string(got.Payload))
}

func TestFilterByRunAndRecord(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{RunID: "run-1", RecordKey: "a@x.com"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-1", RecordKey: "a@x.com", EventType: "record_started"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-1", RecordKey: "b@x.com", EventType: "record_started"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-2", RecordKey: "a@x.com", EventType: "record_started"}))

	assert.Equal(t, "a@x.com", recv(t, ch).RecordKey)
	requireEmpty(t, ch)
}

func TestFilterByEventType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{
		EventTypes: []string{"record_needs_review", "run_safe_stopped"},
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-1", EventType: "record_needs_review"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-1", EventType: "step_acting"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-1", EventType: "run_safe_stopped"}))

	received := []string{recv(t, ch).EventType, recv(t, ch).EventType}
	assert.Equal(t, []string{"record_needs_review", "run_safe_stopped"}, received)
	requireEmpty(t, ch)
}

func TestMultipleSubscribers(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch1, cancel1, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel1()
	ch2, cancel2, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel2()

	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-1", EventType: "run_started"}))
	for _, ch := range []<-chan StreamEvent{ch1, ch2} {
		assert.Equal(t, "run_started", recv(t, ch).EventType)
	}
}

func TestCancelClosesChannel(t *testing.T) {
	hub := NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)

	cancel()
	cancel()

	require.NoError(t, hub.Publish(context.Background(), StreamEvent{RunID: "run-1", EventType: "run_started"}))
	_, ok := <-ch
	assert.False(t, ok)

	hub.mu.RLock()
	assert.Empty(t, hub.subs)
	hub.mu.RUnlock()
}

func TestContextEndsSubscription(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancelCtx := context.WithCancel(context.Background())
	ch, _, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)

	cancelCtx()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after context cancel")
	}
}

func TestBackpressure(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < defaultChannelBuffer+10; i++ {
		require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "run-1", EventType: "step_acting"}))
	}

	drained := 0
	for len(ch) > 0 {
		<-ch
		drained++
	}
	assert.Equal(t, defaultChannelBuffer, drained)
	assert.Equal(t, uint64(10), hub.Dropped())
}

func TestPublishCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, hub.Publish(ctx, StreamEvent{RunID: "run-1"}))
	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.Error(t, err)
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, cancel, err := hub.Subscribe(ctx, EventFilter{RunID: "run-1"})
			if err == nil {
				cancel()
			}
		}()
		go func() {
			defer wg.Done()
			_ = hub.Publish(ctx, StreamEvent{RunID: "run-1", EventType: "step_acting"})
		}()
	}
	wg.Wait()
}
