// Package mesh is the in-process pub/sub fabric. One router goroutine
// consumes a bounded FIFO and fans each event out to subscribers whose
// dotted-path pattern matches. Delivery is at-most-once; a handler
// failure is isolated and never kills the router.
package mesh

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/aaron031291/grace/pkg/contracts"
)

// Handler consumes one delivered event. Handlers run on the router
// goroutine and must not block on I/O.
type Handler func(event contracts.Event)

// LedgerSink receives the best-effort fan-out of every published event.
type LedgerSink interface {
	SafeAppend(ctx context.Context, fields contracts.LedgerFields)
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id      uint64
	pattern string
}

func (s *Subscription) Pattern() string { return s.pattern }

const (
	// DefaultQueueSize bounds the router FIFO.
	DefaultQueueSize = 1024
	// shedRatio: above this fill fraction, telemetry events are rejected
	// before anything else is.
	shedRatio = 0.9
)

type subscriber struct {
	id      uint64
	pattern string
	handler Handler
}

// Mesh routes published events to pattern subscribers.
type Mesh struct {
	mu     sync.RWMutex
	subs   []subscriber
	nextID uint64

	// pubMu serialises Publish against Close so the queue channel is
	// never written after it is closed.
	pubMu  sync.RWMutex
	queue  chan contracts.Event
	closed atomic.Bool
	done   chan struct{}

	ledger LedgerSink
	logger *slog.Logger
	clock  func() time.Time

	// Counters surfaced by Stats; safe helpers bump Dropped instead of
	// returning errors.
	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	shed      atomic.Uint64

	schemas *schemaRegistry
}

// Option configures a Mesh.
type Option func(*Mesh)

// WithLedger wires the best-effort ledger fan-out.
func WithLedger(sink LedgerSink) Option { return func(m *Mesh) { m.ledger = sink } }

// WithQueueSize overrides the bounded FIFO size.
func WithQueueSize(n int) Option {
	return func(m *Mesh) { m.queue = make(chan contracts.Event, n) }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option { return func(m *Mesh) { m.clock = clock } }

// New creates a mesh and starts its router.
func New(logger *slog.Logger, opts ...Option) *Mesh {
	m := &Mesh{
		queue:   make(chan contracts.Event, DefaultQueueSize),
		done:    make(chan struct{}),
		logger:  logger,
		clock:   time.Now,
		schemas: newSchemaRegistry(),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.route()
	return m
}

// Publish appends an event to the FIFO. It fails with BackpressureFull
// when the queue is saturated; telemetry-tagged events are shed earlier,
// at the high-water mark, so health/governance/execution signals keep
// flowing under sustained overload.
func (m *Mesh) Publish(event contracts.Event) error {
	m.pubMu.RLock()
	defer m.pubMu.RUnlock()
	if m.closed.Load() {
		return contracts.NewError(contracts.KindShutdown, "mesh is shut down")
	}
	if event.EventType == "" {
		return contracts.ErrValidation("event_type is required")
	}
	if event.EventID == "" {
		event.EventID = "evt-" + uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = m.clock().UTC()
	}
	if err := m.schemas.validate(event); err != nil {
		return err
	}

	if event.Subsystem == contracts.SubsystemTelemetry &&
		len(m.queue) >= int(float64(cap(m.queue))*shedRatio) {
		m.shed.Add(1)
		return contracts.NewError(contracts.KindBackpressureFull, "telemetry shed at high-water mark")
	}

	select {
	case m.queue <- event:
		m.published.Add(1)
		return nil
	default:
		m.dropped.Add(1)
		return contracts.NewError(contracts.KindBackpressureFull, "mesh queue full (%d)", cap(m.queue))
	}
}

// Subscribe registers a handler for a pattern and returns its handle.
// Registering the same pattern twice is safe; each registration gets its
// own handle.
func (m *Mesh) Subscribe(pattern string, handler Handler) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.subs = append(m.subs, subscriber{id: m.nextID, pattern: pattern, handler: handler})
	return &Subscription{id: m.nextID, pattern: pattern}
}

// Unsubscribe removes a handle. Unknown handles are ignored.
func (m *Mesh) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.subs {
		if s.id == sub.id {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			return
		}
	}
}

// route is the single router goroutine. Handlers are invoked in publish
// order, so delivery within one pattern is FIFO.
func (m *Mesh) route() {
	defer close(m.done)
	for event := range m.queue {
		m.mu.RLock()
		subs := make([]subscriber, 0, len(m.subs))
		for _, s := range m.subs {
			if Match(s.pattern, event.EventType) {
				subs = append(subs, s)
			}
		}
		m.mu.RUnlock()

		for _, s := range subs {
			m.deliver(s, event)
		}

		if m.ledger != nil {
			m.ledger.SafeAppend(context.Background(), contracts.LedgerFields{
				Actor:     event.Source,
				Action:    event.EventType,
				Resource:  event.Resource,
				Subsystem: event.Subsystem,
				Payload:   event.Payload,
				Result:    contracts.ResultPublished,
			})
		}
	}
}

func (m *Mesh) deliver(s subscriber, event contracts.Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("mesh handler panicked",
				"pattern", s.pattern, "event_type", event.EventType, "panic", r)
		}
	}()
	s.handler(event)
	m.delivered.Add(1)
}

// Close stops intake and drains the router. Safe to call twice.
func (m *Mesh) Close() {
	m.pubMu.Lock()
	already := m.closed.Swap(true)
	if !already {
		close(m.queue)
	}
	m.pubMu.Unlock()
	<-m.done
}

// Stats is a point-in-time snapshot of mesh counters.
type Stats struct {
	Published uint64 `json:"published"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Shed      uint64 `json:"shed"`
	QueueLen  int    `json:"queue_len"`
	QueueCap  int    `json:"queue_cap"`
}

func (m *Mesh) Stats() Stats {
	return Stats{
		Published: m.published.Load(),
		Delivered: m.delivered.Load(),
		Dropped:   m.dropped.Load(),
		Shed:      m.shed.Load(),
		QueueLen:  len(m.queue),
		QueueCap:  cap(m.queue),
	}
}
