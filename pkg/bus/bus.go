// Package bus provides the in-process publish/subscribe fabric that is the
// sole propagation mechanism between coordination-plane components.
//
// Guarantees:
//   - per event type, handlers observe events in publication order;
//   - delivery is at-least-once to every live subscription;
//   - handler failures are isolated: one handler's panic or error never blocks
//     other subscriptions and never loses the event for them;
//   - Publish never blocks on handler work — each subscription owns a FIFO
//     queue drained by its own dispatcher goroutine.
//
// A subscription whose handler fails maxConsecutiveFailures times in a row is
// paused rather than dropped; Resume re-arms it. The bus itself never retries.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gemini-legion/legion/pkg/models"
)

// Handler processes one event. A non-nil error counts toward the pause
// threshold; it does not affect delivery to other subscriptions.
type Handler func(ctx context.Context, event models.Event) error

// Transport mirrors local publishes to a distributed backend. Events received
// from remote peers re-enter through Bus.InjectRemote.
type Transport interface {
	Broadcast(ctx context.Context, event models.Event) error
}

// Bus is the coordination-plane event bus.
type Bus struct {
	mu        sync.RWMutex
	subs      map[uint64]*Subscription
	nextID    atomic.Uint64
	transport Transport
	closed    bool

	// slowThreshold is the handler-latency watchdog (logs, never kills).
	slowThreshold time.Duration

	published atomic.Uint64
}

// maxConsecutiveFailures pauses a subscription after this many handler
// failures without an intervening success.
const maxConsecutiveFailures = 5

// New creates an event bus with the given handler slowness watchdog.
func New(slowThreshold time.Duration) *Bus {
	if slowThreshold <= 0 {
		slowThreshold = 5 * time.Second
	}
	return &Bus{
		subs:          make(map[uint64]*Subscription),
		slowThreshold: slowThreshold,
	}
}

// SetTransport attaches a distributed backend. Call before the first Publish.
func (b *Bus) SetTransport(t Transport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transport = t
}

// Publish validates the event type and enqueues the event on every matching
// subscription. It returns after enqueueing; handler work happens on the
// subscriptions' dispatcher goroutines.
func (b *Bus) Publish(event models.Event) error {
	if !models.ValidEventType(event.Type) {
		return fmt.Errorf("%w: unknown event type %q", models.ErrValidationFailed, event.Type)
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("%w: bus closed", models.ErrInternal)
	}
	transport := b.transport
	targets := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.matches(event.Type) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.enqueue(event)
	}
	b.published.Add(1)

	if transport != nil {
		// Best-effort mirror; the local fan-out above already happened.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := transport.Broadcast(ctx, event); err != nil {
				slog.Warn("Event transport broadcast failed",
					"event_id", event.ID, "type", event.Type, "error", err)
			}
		}()
	}
	return nil
}

// InjectRemote delivers an event received from a distributed peer to local
// subscriptions without re-mirroring it to the transport.
func (b *Bus) InjectRemote(event models.Event) {
	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.matches(event.Type) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.enqueue(event)
	}
}

// Subscribe registers a handler for the given event types. An empty type list
// subscribes to every type. The name appears in logs and health output.
func (b *Bus) Subscribe(name string, types []models.EventType, handler Handler) *Subscription {
	sub := &Subscription{
		id:      b.nextID.Add(1),
		name:    name,
		types:   make(map[models.EventType]struct{}, len(types)),
		handler: handler,
		bus:     b,
	}
	for _, t := range types {
		sub.types[t] = struct{}{}
	}
	sub.cond = sync.NewCond(&sub.qmu)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return sub
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	sub.wg.Add(1)
	go sub.dispatchLoop()
	return sub
}

// Unsubscribe removes the subscription and stops its dispatcher after the
// queue drains.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	delete(b.subs, sub.id)
	b.mu.Unlock()
	sub.stop()
}

// Close stops all subscriptions. Pending queued events are still delivered.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

// Published returns the count of accepted publishes (for health output).
func (b *Bus) Published() uint64 { return b.published.Load() }

// QueueDepths reports per-subscription backlog sizes keyed by name.
func (b *Bus) QueueDepths() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]int, len(b.subs))
	for _, s := range b.subs {
		out[s.name] = s.depth()
	}
	return out
}

// Subscription is one registered handler with its private FIFO queue.
type Subscription struct {
	id      uint64
	name    string
	types   map[models.EventType]struct{}
	handler Handler
	bus     *Bus

	qmu     sync.Mutex
	cond    *sync.Cond
	queue   []models.Event
	stopped bool
	paused  bool
	fails   int

	wg sync.WaitGroup
}

func (s *Subscription) matches(t models.EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// enqueue appends the event to the FIFO. The queue is unbounded so a slow
// handler backs up its own subscription instead of dropping events or
// blocking the publisher.
func (s *Subscription) enqueue(event models.Event) {
	s.qmu.Lock()
	if s.stopped {
		s.qmu.Unlock()
		return
	}
	s.queue = append(s.queue, event)
	s.qmu.Unlock()
	s.cond.Signal()
}

func (s *Subscription) depth() int {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	return len(s.queue)
}

// Paused reports whether the subscription is paused after repeated failures.
func (s *Subscription) Paused() bool {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	return s.paused
}

// Resume re-arms a paused subscription and resets its failure count.
func (s *Subscription) Resume() {
	s.qmu.Lock()
	s.paused = false
	s.fails = 0
	s.qmu.Unlock()
	s.cond.Signal()
}

func (s *Subscription) stop() {
	s.qmu.Lock()
	if s.stopped {
		s.qmu.Unlock()
		return
	}
	s.stopped = true
	s.qmu.Unlock()
	s.cond.Signal()
	s.wg.Wait()
}

// dispatchLoop drains the queue in order, invoking the handler once per event.
func (s *Subscription) dispatchLoop() {
	defer s.wg.Done()
	for {
		s.qmu.Lock()
		for (len(s.queue) == 0 || s.paused) && !s.stopped {
			s.cond.Wait()
		}
		if s.stopped && len(s.queue) == 0 {
			s.qmu.Unlock()
			return
		}
		if s.stopped && s.paused {
			// Paused subscription being torn down: drop the backlog.
			s.queue = nil
			s.qmu.Unlock()
			return
		}
		event := s.queue[0]
		s.queue = s.queue[1:]
		s.qmu.Unlock()

		s.deliver(event)
	}
}

// deliver runs the handler with panic isolation and the slowness watchdog.
func (s *Subscription) deliver(event models.Event) {
	start := time.Now()
	err := s.invoke(event)
	if elapsed := time.Since(start); elapsed > s.bus.slowThreshold {
		slog.Warn("Slow event handler",
			"subscription", s.name, "event_id", event.ID,
			"type", event.Type, "elapsed", elapsed)
	}

	s.qmu.Lock()
	defer s.qmu.Unlock()
	if err != nil {
		s.fails++
		slog.Warn("Event handler failed",
			"subscription", s.name, "event_id", event.ID,
			"type", event.Type, "consecutive_failures", s.fails, "error", err)
		if s.fails >= maxConsecutiveFailures && !s.paused {
			s.paused = true
			slog.Error("Subscription paused after repeated handler failures",
				"subscription", s.name, "failures", s.fails)
		}
		return
	}
	s.fails = 0
}

func (s *Subscription) invoke(event models.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return s.handler(context.Background(), event)
}
