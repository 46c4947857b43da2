package notifications_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"diarist/internal/config"
	"diarist/internal/jobs"
	"diarist/internal/notifications"
	"diarist/internal/services"
)

type countingRecorder struct {
	mu        sync.Mutex
	dropped   map[string]int
	delivered map[string]int
	failed    map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{
		dropped:   map[string]int{},
		delivered: map[string]int{},
		failed:    map[string]int{},
	}
}

func (r *countingRecorder) NotificationDropped(target string) {
	r.mu.Lock()
	r.dropped[target]++
	r.mu.Unlock()
}

func (r *countingRecorder) NotificationDelivered(sink string) {
	r.mu.Lock()
	r.delivered[sink]++
	r.mu.Unlock()
}

func (r *countingRecorder) NotificationFailed(sink string) {
	r.mu.Lock()
	r.failed[sink]++
	r.mu.Unlock()
}

func (r *countingRecorder) counts(sink string) (delivered, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delivered[sink], r.failed[sink]
}

type scriptedSink struct {
	name     string
	calls    atomic.Int32
	failures int32
	err      error
	received chan notifications.Event
}

func (s *scriptedSink) Name() string { return s.name }

func (s *scriptedSink) Publish(_ context.Context, event notifications.Event) error {
	n := s.calls.Add(1)
	if n <= s.failures {
		return s.err
	}
	if s.received != nil {
		s.received <- event
	}
	return nil
}

func fastRetry(attempts int) config.Notifications {
	return config.Notifications{
		SubscriberBuffer: 4,
		SinkBuffer:       16,
		MaxAttempts:      attempts,
		InitialBackoffMS: 1,
		MaxBackoffMS:     2,
	}
}

func transition(owner, status string) notifications.Event {
	return notifications.Event{
		Type:      notifications.EventJobTransition,
		JobID:     "job-" + owner,
		OwnerID:   owner,
		SubjectID: "subject-" + owner,
		Kind:      jobs.KindTranscribe,
		Status:    jobs.Status(status),
	}
}

func TestSlowSubscriberDropsOverflow(t *testing.T) {
	cfg := fastRetry(1)
	cfg.SubscriberBuffer = 2
	recorder := newCountingRecorder()
	hub := notifications.NewHub(cfg, nil, notifications.WithRecorder(recorder))
	defer hub.Close()

	sub := hub.Subscribe("")
	for i := 0; i < 5; i++ {
		hub.Publish(context.Background(), transition("o1", "PROCESSING"))
	}

	require.Equal(t, uint64(3), sub.Dropped())
	first := <-sub.Events()
	second := <-sub.Events()
	require.Equal(t, uint64(1), first.Sequence)
	require.Equal(t, uint64(2), second.Sequence)
	recorder.mu.Lock()
	require.Equal(t, 3, recorder.dropped["subscriber"])
	recorder.mu.Unlock()

	// Overflow costs events, not the subscription.
	require.Equal(t, 1, hub.Subscribers())
	hub.Publish(context.Background(), transition("o1", "COMPLETED"))
	next, ok := <-sub.Events()
	require.True(t, ok)
	require.Equal(t, uint64(6), next.Sequence)
}

func TestSubscriptionFiltersByOwner(t *testing.T) {
	hub := notifications.NewHub(fastRetry(1), nil)
	defer hub.Close()

	mine := hub.Subscribe("o1")
	all := hub.Subscribe("")
	hub.Publish(context.Background(), transition("o2", "PENDING"))
	hub.Publish(context.Background(), transition("o1", "PENDING"))

	event := <-mine.Events()
	require.Equal(t, "o1", event.OwnerID)
	select {
	case extra := <-mine.Events():
		t.Fatalf("unexpected event for other owner: %+v", extra)
	default:
	}
	require.Len(t, all.Events(), 2)
}

func TestSinkDeliveryRetriesTransientFailures(t *testing.T) {
	sink := &scriptedSink{
		name:     "flaky",
		failures: 2,
		err:      services.Wrap(services.ErrTransient, "flaky", "send", "connection reset", nil),
		received: make(chan notifications.Event, 1),
	}
	recorder := newCountingRecorder()
	hub := notifications.NewHub(fastRetry(3), nil,
		notifications.WithRecorder(recorder),
		notifications.WithSink(sink),
	)
	defer hub.Close()

	hub.Publish(context.Background(), transition("o1", "COMPLETED"))

	select {
	case event := <-sink.received:
		require.Equal(t, jobs.StatusCompleted, event.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("sink never received the event")
	}
	require.Equal(t, int32(3), sink.calls.Load())
	require.Eventually(t, func() bool {
		delivered, _ := recorder.counts("flaky")
		return delivered == 1
	}, 5*time.Second, 5*time.Millisecond)
}

func TestSinkDeliveryGivesUpAfterMaxAttempts(t *testing.T) {
	sink := &scriptedSink{name: "down", failures: 100, err: errors.New("connection refused")}
	recorder := newCountingRecorder()
	hub := notifications.NewHub(fastRetry(3), nil,
		notifications.WithRecorder(recorder),
		notifications.WithSink(sink),
	)
	defer hub.Close()

	hub.Publish(context.Background(), transition("o1", "ERROR"))

	require.Eventually(t, func() bool {
		_, failed := recorder.counts("down")
		return failed == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, int32(3), sink.calls.Load())
}

func TestSinkDeliveryStopsOnPermanentError(t *testing.T) {
	sink := &scriptedSink{
		name:     "rejecting",
		failures: 100,
		err:      services.Wrap(services.ErrPermanent, "rejecting", "send", "bad topic", nil),
	}
	recorder := newCountingRecorder()
	hub := notifications.NewHub(fastRetry(5), nil,
		notifications.WithRecorder(recorder),
		notifications.WithSink(sink),
	)
	defer hub.Close()

	hub.Publish(context.Background(), transition("o1", "ERROR"))

	require.Eventually(t, func() bool {
		_, failed := recorder.counts("rejecting")
		return failed == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), sink.calls.Load())
}

func TestJobHookPublishesTransition(t *testing.T) {
	hub := notifications.NewHub(fastRetry(1), nil)
	defer hub.Close()
	sub := hub.Subscribe("o1")

	hook := hub.JobHook()
	hook(context.Background(), &jobs.Job{
		ID:         "j1",
		OwnerID:    "o1",
		SubjectID:  "s1",
		Kind:       jobs.KindMatch,
		Status:     jobs.StatusOrphaned,
		RetryCount: 2,
		UpdatedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	})

	event := <-sub.Events()
	require.Equal(t, notifications.EventJobTransition, event.Type)
	require.Equal(t, "j1", event.JobID)
	require.Equal(t, jobs.StatusOrphaned, event.Status)
	require.Equal(t, 2, event.RetryCount)
	require.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), event.At)
}

func TestCloseEndsSubscriptions(t *testing.T) {
	hub := notifications.NewHub(fastRetry(1), nil)
	sub := hub.Subscribe("")
	require.Equal(t, 1, hub.Subscribers())

	hub.Close()
	_, open := <-sub.Events()
	require.False(t, open)
	require.Equal(t, 0, hub.Subscribers())

	late := hub.Subscribe("")
	_, open = <-late.Events()
	require.False(t, open)

	hub.Publish(context.Background(), transition("o1", "PENDING"))
	sub.Close()
	hub.Close()
}
