package notifications

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"diarist/internal/config"
	"diarist/internal/jobs"
	"diarist/internal/logging"
	"diarist/internal/services"
)

// Subscription is one listener's bounded event stream.
type Subscription struct {
	id      uint64
	ownerID string
	ch      chan Event
	hub     *Hub
	dropped atomic.Uint64
	once    sync.Once
}

// Events returns the stream. It is closed when the subscription or hub
// closes.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped reports how many events overflowed this subscription.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the subscription.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

// Hub fans events out to subscribers and sinks.
type Hub struct {
	cfg      config.Notifications
	logger   *slog.Logger
	recorder Recorder

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool

	sinks []*sinkQueue
	seq   atomic.Uint64
	wg    sync.WaitGroup
}

// Option customizes a Hub.
type Option func(*Hub)

// WithRecorder reports drops and delivery outcomes.
func WithRecorder(r Recorder) Option {
	return func(h *Hub) {
		if r != nil {
			h.recorder = r
		}
	}
}

// WithSink adds an external sink.
func WithSink(sink EventSink) Option {
	return func(h *Hub) {
		if sink != nil {
			h.sinks = append(h.sinks, &sinkQueue{sink: sink})
		}
	}
}

// NewHub builds a hub. Sink queues start draining immediately and stop on
// Close.
func NewHub(cfg config.Notifications, logger *slog.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 32
	}
	if cfg.SinkBuffer <= 0 {
		cfg.SinkBuffer = 256
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	h := &Hub{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "notifications"),
		recorder: nopRecorder{},
		subs:     make(map[uint64]*Subscription),
	}
	for _, opt := range opts {
		opt(h)
	}
	for _, queue := range h.sinks {
		queue.events = make(chan Event, cfg.SinkBuffer)
		queue.stop = make(chan struct{})
		h.wg.Add(1)
		go h.drain(queue)
	}
	return h
}

// Subscribe registers a listener. An empty ownerID receives every owner's
// events.
func (h *Hub) Subscribe(ownerID string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub := &Subscription{
		id:      h.nextID,
		ownerID: ownerID,
		ch:      make(chan Event, h.cfg.SubscriberBuffer),
		hub:     h,
	}
	if h.closed {
		close(sub.ch)
		return sub
	}
	h.subs[sub.id] = sub
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub.id]; !ok {
		return
	}
	delete(h.subs, sub.id)
	sub.once.Do(func() { close(sub.ch) })
}

// Subscribers returns the number of attached listeners.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// JobHook adapts the hub to the job store's transition hook.
func (h *Hub) JobHook() jobs.TransitionHook {
	return func(ctx context.Context, job *jobs.Job) {
		h.Publish(ctx, FromJob(job))
	}
}

// Publish never blocks: full subscriber channels and sink queues drop the
// event.
func (h *Hub) Publish(ctx context.Context, event Event) {
	event.Sequence = h.seq.Add(1)
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, sub := range h.subs {
		if sub.ownerID != "" && sub.ownerID != event.OwnerID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
			h.recorder.NotificationDropped("subscriber")
			h.logger.Warn("subscriber event dropped",
				logging.String(logging.FieldJobID, event.JobID),
				logging.String(logging.FieldOwnerID, sub.ownerID),
				logging.String(logging.FieldStatus, string(event.Status)),
				logging.Int("buffer", cap(sub.ch)),
				logging.String(logging.FieldEventType, "notification_dropped"),
				logging.String(logging.FieldErrorHint, "client should reconcile with a status pull"),
				logging.String(logging.FieldImpact, "listener misses one update"),
			)
		}
	}
	for _, queue := range h.sinks {
		select {
		case queue.events <- event:
		default:
			h.recorder.NotificationDropped(queue.sink.Name())
			logging.WarnWithContext(logging.WithContext(ctx, h.logger), "sink queue full; event dropped", "notification_dropped",
				logging.String("sink", queue.sink.Name()),
				logging.String(logging.FieldJobID, event.JobID),
				logging.String(logging.FieldErrorHint, "sink is slower than the event rate"),
				logging.String(logging.FieldImpact, "external listener misses one update"),
			)
		}
	}
}

// Close stops sink delivery and closes every subscription. Events still
// queued for sinks are abandoned.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		sub.once.Do(func() { close(sub.ch) })
	}
	for _, queue := range h.sinks {
		close(queue.stop)
	}
	h.mu.Unlock()
	h.wg.Wait()
	for _, queue := range h.sinks {
		if closer, ok := queue.sink.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				h.logger.Debug("sink close failed", logging.String("sink", queue.sink.Name()), logging.Error(err))
			}
		}
	}
}

type sinkQueue struct {
	sink   EventSink
	events chan Event
	stop   chan struct{}
}

func (h *Hub) drain(queue *sinkQueue) {
	defer h.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-queue.stop
		cancel()
	}()
	for {
		select {
		case <-queue.stop:
			return
		case event := <-queue.events:
			h.deliver(ctx, queue.sink, event)
		}
	}
}

func (h *Hub) newBackoff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = time.Duration(h.cfg.InitialBackoffMS) * time.Millisecond
	if exp.InitialInterval <= 0 {
		exp.InitialInterval = 250 * time.Millisecond
	}
	exp.MaxInterval = time.Duration(h.cfg.MaxBackoffMS) * time.Millisecond
	if exp.MaxInterval < exp.InitialInterval {
		exp.MaxInterval = exp.InitialInterval
	}
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(h.cfg.MaxAttempts-1)), ctx)
}

// deliver retries one event against one sink. Failures are logged and
// counted; they never reach the job store.
func (h *Hub) deliver(ctx context.Context, sink EventSink, event Event) {
	attempts := 0
	operation := func() error {
		attempts++
		err := sink.Publish(ctx, event)
		if err != nil && services.FailureKind(err) == jobs.ErrorKindPermanent {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(operation, h.newBackoff(ctx))
	if err == nil {
		h.recorder.NotificationDelivered(sink.Name())
		return
	}
	if ctx.Err() != nil {
		return
	}
	h.recorder.NotificationFailed(sink.Name())
	h.logger.Warn("notification delivery failed",
		logging.String("sink", sink.Name()),
		logging.String(logging.FieldJobID, event.JobID),
		logging.String(logging.FieldStatus, string(event.Status)),
		logging.Int("attempts", attempts),
		logging.Error(err),
		logging.String(logging.FieldEventType, "notification_failed"),
		logging.String(logging.FieldErrorHint, "check sink connectivity"),
		logging.String(logging.FieldImpact, "external listener misses one update; job state unaffected"),
	)
}
