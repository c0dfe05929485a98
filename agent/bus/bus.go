// Package bus provides the synchronous publish/subscribe channel agents and
// the orchestrator use to signal each other.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Topic names a stream of events.
type Topic string

// TopicAll subscribes a handler to every topic.
const TopicAll Topic = "*"

// Well-known topics.
const (
	TopicWorkflowTransitioned Topic = "workflow.transitioned"

	TopicHandoffProposed Topic = "handoff.proposed"
	TopicHandoffAccepted Topic = "handoff.accepted"
	TopicHandoffRejected Topic = "handoff.rejected"
	TopicHandoffTimedOut Topic = "handoff.timed_out"

	TopicTaskEnqueued  Topic = "task.enqueued"
	TopicTaskCompleted Topic = "task.completed"
	TopicTaskFailed    Topic = "task.failed"
	TopicTaskDead      Topic = "task.dead"

	TopicToolProgress Topic = "tool.progress"

	TopicAlertTaskDead Topic = "alert.task_dead"
)

// Event is one published notification.
type Event struct {
	ID        string            `json:"id"`
	Topic     Topic             `json:"topic"`
	Source    string            `json:"source,omitempty"`
	Payload   any               `json:"payload,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Handler processes an event. A returned error or a panic is reported on the
// bus error channel and does not stop delivery to the remaining handlers.
type Handler func(ctx context.Context, event Event) error

// HandlerError reports a failed delivery.
type HandlerError struct {
	SubscriptionID uint64
	Event          Event
	Err            error
	Panic          any
}

func (e *HandlerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("bus handler %d panicked on %s: %v", e.SubscriptionID, e.Event.Topic, e.Panic)
	}
	return fmt.Sprintf("bus handler %d failed on %s: %v", e.SubscriptionID, e.Event.Topic, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("bus closed")

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id      uint64
	topic   Topic
	handler Handler
	active  atomic.Bool
	bus     *Bus
}

// ID returns the subscription id; ids increase in registration order.
func (s *Subscription) ID() uint64 { return s.id }

// Topic returns the subscribed topic.
func (s *Subscription) Topic() Topic { return s.topic }

// Unsubscribe stops delivery to this handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if !s.active.CompareAndSwap(true, false) {
		return
	}
	s.bus.remove(s)
}

// Option configures a Bus.
type Option func(*Bus)

// WithErrorBuffer sets the capacity of the error channel (default 64).
func WithErrorBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.errBuf = n
		}
	}
}

// Bus is an in-process publish/subscribe bus. Publish runs handlers on the
// caller's goroutine in registration order; no lock is held while a handler
// runs, so handlers may publish or (un)subscribe.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Topic][]*Subscription
	nextID  uint64
	closed  bool
	errBuf  int
	errs    chan *HandlerError
	dropped atomic.Int64
	logger  *zap.Logger
}

// New creates a Bus.
func New(logger *zap.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		subs:   make(map[Topic][]*Subscription),
		errBuf: 64,
		logger: logger.With(zap.String("component", "message_bus")),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.errs = make(chan *HandlerError, b.errBuf)
	return b
}

// Subscribe registers handler for topic. Subscribing to a closed bus returns
// an inactive subscription.
func (b *Bus) Subscribe(topic Topic, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{id: b.nextID, topic: topic, handler: handler, bus: b}
	if b.closed {
		return sub
	}
	sub.active.Store(true)
	b.subs[topic] = append(b.subs[topic], sub)
	return sub
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[sub.topic]
	for i, s := range list {
		if s == sub {
			// copy-on-write: in-flight snapshots keep their slice
			next := make([]*Subscription, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			if len(next) == 0 {
				delete(b.subs, sub.topic)
			} else {
				b.subs[sub.topic] = next
			}
			return
		}
	}
}

// snapshot returns the subscribers of topic plus wildcard subscribers, in
// registration order.
func (b *Bus) snapshot(topic Topic) ([]*Subscription, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, false
	}
	exact := b.subs[topic]
	all := b.subs[TopicAll]
	if topic == TopicAll || len(all) == 0 {
		return exact, true
	}
	merged := make([]*Subscription, 0, len(exact)+len(all))
	merged = append(merged, exact...)
	merged = append(merged, all...)
	sort.Slice(merged, func(i, j int) bool { return merged[i].id < merged[j].id })
	return merged, true
}

// Publish delivers payload to every handler subscribed when the call starts.
// It returns ErrClosed after Close, and ctx.Err() if ctx ends before every
// handler ran; handler failures go to Errors().
func (b *Bus) Publish(ctx context.Context, topic Topic, payload any) error {
	return b.PublishEvent(ctx, Event{Topic: topic, Payload: payload})
}

// PublishEvent is Publish with a caller-built envelope.
func (b *Bus) PublishEvent(ctx context.Context, ev Event) error {
	subs, ok := b.snapshot(ev.Topic)
	if !ok {
		return ErrClosed
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !sub.active.Load() {
			continue
		}
		b.deliver(ctx, sub, ev)
	}
	return nil
}

func (b *Bus) deliver(ctx context.Context, sub *Subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus handler panicked",
				zap.String("topic", string(ev.Topic)),
				zap.Uint64("subscription", sub.id),
				zap.Any("recover", r))
			b.report(&HandlerError{SubscriptionID: sub.id, Event: ev, Panic: r,
				Err: fmt.Errorf("panic: %v", r)})
		}
	}()

	if err := sub.handler(ctx, ev); err != nil {
		b.logger.Warn("bus handler failed",
			zap.String("topic", string(ev.Topic)),
			zap.Uint64("subscription", sub.id),
			zap.Error(err))
		b.report(&HandlerError{SubscriptionID: sub.id, Event: ev, Err: err})
	}
}

// report never blocks; a full error channel drops the report.
func (b *Bus) report(he *HandlerError) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.errs <- he:
	default:
		b.dropped.Add(1)
	}
}

// Errors returns the channel of handler failures. It is closed by Close.
func (b *Bus) Errors() <-chan *HandlerError { return b.errs }

// Dropped returns how many handler failures were dropped on a full error channel.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// SubscriberCount returns the number of active subscriptions on topic.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Close releases every subscription and closes the error channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, list := range b.subs {
		for _, s := range list {
			s.active.Store(false)
		}
	}
	b.subs = make(map[Topic][]*Subscription)
	close(b.errs)
}
