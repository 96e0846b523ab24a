package mesh

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaron031291/grace/pkg/contracts"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern, eventType string
		want               bool
	}{
		{"*", "anything.at.all", true},
		{"health.degraded", "health.degraded", true},
		{"health.degraded", "health.recovered", false},
		{"health.*", "health.degraded", true},
		{"health.*", "health.kpi.latency", true},
		{"health.*", "health", true},
		{"health.*", "healthy.degraded", false},
		{"plan.*", "plan.proposed", true},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Match(c.pattern, c.eventType), "%s vs %s", c.pattern, c.eventType)
	}
}

func TestPublishDeliversToMatchingSubscribers(t *testing.T) {
	m := New(testLogger())
	defer m.Close()

	var mu sync.Mutex
	var got []string
	m.Subscribe("health.*", func(e contracts.Event) {
		mu.Lock()
		got = append(got, e.EventType)
		mu.Unlock()
	})
	m.Subscribe("plan.*", func(e contracts.Event) {
		t.Errorf("plan subscriber should not see %s", e.EventType)
	})

	require.NoError(t, m.Publish(contracts.Event{EventType: "health.degraded"}))
	require.NoError(t, m.Publish(contracts.Event{EventType: "health.recovered"}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"health.degraded", "health.recovered"}, got, "FIFO within a pattern")
	mu.Unlock()
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	m := New(testLogger())
	defer m.Close()

	var mu sync.Mutex
	delivered := 0
	m.Subscribe("*", func(e contracts.Event) { panic("boom") })
	m.Subscribe("*", func(e contracts.Event) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	require.NoError(t, m.Publish(contracts.Event{EventType: "health.degraded"}))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered == 1
	}, time.Second, 5*time.Millisecond)
}

func TestBackpressureRejectsWhenFull(t *testing.T) {
	m := New(testLogger(), WithQueueSize(2))
	// No close yet: block the router by subscribing a slow handler after
	// filling the queue while no subscriber exists. Instead, fill faster
	// than the router can drain by using a blocking handler.
	release := make(chan struct{})
	m.Subscribe("*", func(e contracts.Event) { <-release })

	// First event occupies the router; two more fill the queue.
	require.NoError(t, m.Publish(contracts.Event{EventType: "a.b"}))
	assert.Eventually(t, func() bool { return len(m.queue) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, m.Publish(contracts.Event{EventType: "a.b"}))
	require.NoError(t, m.Publish(contracts.Event{EventType: "a.b"}))

	err := m.Publish(contracts.Event{EventType: "a.b"})
	assert.Equal(t, contracts.KindBackpressureFull, contracts.KindOf(err))

	close(release)
	m.Close()
}

func TestTelemetryShedFirst(t *testing.T) {
	m := New(testLogger(), WithQueueSize(10))
	release := make(chan struct{})
	m.Subscribe("*", func(e contracts.Event) { <-release })

	// Router takes one; fill to the 90% high-water mark.
	require.NoError(t, m.Publish(contracts.Event{EventType: "x.y"}))
	assert.Eventually(t, func() bool { return len(m.queue) == 0 }, time.Second, time.Millisecond)
	for i := 0; i < 9; i++ {
		require.NoError(t, m.Publish(contracts.Event{EventType: "x.y"}))
	}

	err := m.Publish(contracts.Event{EventType: "metrics.sample", Subsystem: contracts.SubsystemTelemetry})
	assert.Equal(t, contracts.KindBackpressureFull, contracts.KindOf(err), "telemetry shed at high water")

	// A governance event still fits in the remaining slot.
	require.NoError(t, m.Publish(contracts.Event{EventType: "governance.decision", Subsystem: contracts.SubsystemGovernance}))

	close(release)
	m.Close()
}

func TestPublishAfterCloseFails(t *testing.T) {
	m := New(testLogger())
	m.Close()
	err := m.Publish(contracts.Event{EventType: "a.b"})
	assert.Equal(t, contracts.KindShutdown, contracts.KindOf(err))
}

func TestPublishAssignsIDAndTimestamp(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m := New(testLogger(), WithClock(func() time.Time { return fixed }))
	defer m.Close()

	var mu sync.Mutex
	var got contracts.Event
	done := make(chan struct{})
	m.Subscribe("*", func(e contracts.Event) {
		mu.Lock()
		got = e
		mu.Unlock()
		close(done)
	})

	require.NoError(t, m.Publish(contracts.Event{EventType: "a.b"}))
	<-done
	mu.Lock()
	assert.NotEmpty(t, got.EventID)
	assert.Equal(t, fixed, got.Timestamp)
	mu.Unlock()
}

func TestSchemaValidationRejectsBadPayload(t *testing.T) {
	m := New(testLogger())
	defer m.Close()

	require.NoError(t, m.RegisterSchema("health", `{
		"type": "object",
		"properties": {"cpu_utilization": {"type": "number"}},
		"required": ["cpu_utilization"]
	}`))

	err := m.Publish(contracts.Event{EventType: "health.degraded", Payload: map[string]any{"wrong": true}})
	assert.Equal(t, contracts.KindValidation, contracts.KindOf(err))

	require.NoError(t, m.Publish(contracts.Event{
		EventType: "health.degraded",
		Payload:   map[string]any{"cpu_utilization": 95.0},
	}))
	// Unregistered prefixes pass through.
	require.NoError(t, m.Publish(contracts.Event{EventType: "plan.proposed"}))
}

type recordingSink struct {
	mu     sync.Mutex
	fields []contracts.LedgerFields
}

func (c *recordingSink) SafeAppend(_ context.Context, f contracts.LedgerFields) {
	c.mu.Lock()
	c.fields = append(c.fields, f)
	c.mu.Unlock()
}

func (c *recordingSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fields)
}

func (c *recordingSink) last() contracts.LedgerFields {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fields[len(c.fields)-1]
}

func TestLedgerFanOut(t *testing.T) {
	sink := &recordingSink{}
	m := New(testLogger(), WithLedger(sink))
	defer m.Close()

	require.NoError(t, m.Publish(contracts.Event{EventType: "health.degraded", Source: "probe-1"}))
	assert.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, time.Millisecond)

	got := sink.last()
	assert.Equal(t, "health.degraded", got.Action)
	assert.Equal(t, "probe-1", got.Actor)
	assert.Equal(t, contracts.ResultPublished, got.Result)
}

func TestSafePublishDeliversWhenHealthy(t *testing.T) {
	m := New(testLogger())
	defer m.Close()
	var mu sync.Mutex
	var got []contracts.Event
	m.Subscribe("secret.*", func(e contracts.Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})

	sp := NewSafePublisher(m)
	sp.SafePublish(contracts.Event{EventType: "secret.revoked", Source: "secrets"})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, uint64(0), sp.Failed())
}

func TestSafePublishDropsOnSustainedBackpressure(t *testing.T) {
	m := New(testLogger(), WithQueueSize(2))
	release := make(chan struct{})
	m.Subscribe("*", func(e contracts.Event) { <-release })

	// Occupy the router, then fill the queue.
	require.NoError(t, m.Publish(contracts.Event{EventType: "a.b"}))
	assert.Eventually(t, func() bool { return len(m.queue) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, m.Publish(contracts.Event{EventType: "a.b"}))
	require.NoError(t, m.Publish(contracts.Event{EventType: "a.b"}))

	sp := NewSafePublisher(m).WithTimeout(50 * time.Millisecond)
	start := time.Now()
	sp.SafePublish(contracts.Event{EventType: "a.b"})

	assert.Equal(t, uint64(1), sp.Failed())
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	close(release)
	m.Close()
}

func TestSafePublishDropsImmediatelyAfterShutdown(t *testing.T) {
	m := New(testLogger())
	m.Close()

	sp := NewSafePublisher(m).WithTimeout(time.Second)
	start := time.Now()
	sp.SafePublish(contracts.Event{EventType: "a.b"})

	assert.Equal(t, uint64(1), sp.Failed())
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}
