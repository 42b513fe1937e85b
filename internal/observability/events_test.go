package observability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvent_MarshalJSON(t *testing.T) {
	id := uuid.MustParse("6f1c2a1e-3c1b-4a7e-9a55-0d3e8f4b2c10")
	ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

	t.Run("started omits duration", func(t *testing.T) {
		raw, err := json.Marshal(Event{ID: id, Phase: PhaseStarted, Operation: "analyze_code", Timestamp: ts, RequestID: "r1"})
		require.NoError(t, err)

		var m map[string]any
		require.NoError(t, json.Unmarshal(raw, &m))
		assert.Equal(t, "operation_started", m["event"])
		assert.Equal(t, id.String(), m["eventId"])
		assert.Equal(t, "analyze_code", m["operationName"])
		assert.Equal(t, "2026-03-04T05:06:07Z", m["timestamp"])
		assert.Equal(t, "r1", m["requestId"])
		assert.NotContains(t, m, "durationMs")
		assert.NotContains(t, m, "errorKind")
	})

	t.Run("failed carries kind and duration", func(t *testing.T) {
		raw, err := json.Marshal(Event{
			ID:        id,
			Phase:     PhaseFailed,
			Operation: "generate_assessment",
			Timestamp: ts,
			Duration:  1500 * time.Millisecond,
			ErrorKind: "retries_exhausted",
			Err:       errors.New("gave up"),
			Attempts:  4,
		})
		require.NoError(t, err)

		var m map[string]any
		require.NoError(t, json.Unmarshal(raw, &m))
		assert.Equal(t, "operation_failed", m["event"])
		assert.EqualValues(t, 1500, m["durationMs"])
		assert.Equal(t, "retries_exhausted", m["errorKind"])
		assert.Equal(t, "gave up", m["error"])
		assert.EqualValues(t, 4, m["attempts"])
	})

	t.Run("succeeded keeps zero duration", func(t *testing.T) {
		raw, err := json.Marshal(Event{ID: id, Phase: PhaseSucceeded, Operation: "x", Timestamp: ts})
		require.NoError(t, err)
		assert.Contains(t, string(raw), `"durationMs":0`)
	})
}

func TestNotifier_SubscribeAndPublish(t *testing.T) {
	n := NewNotifier(nil)
	ch, unsubscribe := n.Subscribe(4)
	defer unsubscribe()

	n.Publish(context.Background(), Event{Phase: PhaseStarted, Operation: "analyze_code"})

	select {
	case e := <-ch:
		assert.Equal(t, PhaseStarted, e.Phase)
		assert.NotEqual(t, uuid.Nil, e.ID, "publish assigns an ID")
		assert.False(t, e.Timestamp.IsZero(), "publish stamps the time")
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestNotifier_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	n := NewNotifier(nil)
	slow, unsubscribe := n.Subscribe(1)
	defer unsubscribe()
	fast, unsubscribeFast := n.Subscribe(10)
	defer unsubscribeFast()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			n.Publish(context.Background(), Event{Phase: PhaseStarted, Operation: "op"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	assert.Len(t, slow, 1)
	assert.Len(t, fast, 5)
	assert.Equal(t, int64(4), n.Dropped())
}

func TestNotifier_Unsubscribe(t *testing.T) {
	n := NewNotifier(nil)
	ch, unsubscribe := n.Subscribe(1)
	unsubscribe()
	unsubscribe()

	_, open := <-ch
	assert.False(t, open, "unsubscribe closes the channel")

	n.Publish(context.Background(), Event{Phase: PhaseStarted})
	assert.Zero(t, n.Dropped())
}

func TestNotifier_Observers(t *testing.T) {
	n := NewNotifier(nil)

	var (
		mu  sync.Mutex
		got []Phase
	)
	n.AddObserver(ObserverFunc(func(_ context.Context, e Event) {
		panic("observer bug")
	}))
	n.AddObserver(ObserverFunc(func(_ context.Context, e Event) {
		mu.Lock()
		got = append(got, e.Phase)
		mu.Unlock()
	}))
	n.AddObserver(nil)

	n.Publish(context.Background(), Event{Phase: PhaseStarted})
	n.Publish(context.Background(), Event{Phase: PhaseSucceeded})

	assert.Equal(t, []Phase{PhaseStarted, PhaseSucceeded}, got, "a panicking observer does not stop the others")
	assert.Equal(t, int64(2), n.ObserverPanics())
}

func TestNotifier_Close(t *testing.T) {
	n := NewNotifier(nil)
	ch, unsubscribe := n.Subscribe(1)
	n.Close()
	n.Close()
	unsubscribe()

	_, open := <-ch
	assert.False(t, open)

	late, _ := n.Subscribe(1)
	_, open = <-late
	assert.False(t, open, "subscriptions after close are closed immediately")

	n.Publish(context.Background(), Event{Phase: PhaseStarted})
}
