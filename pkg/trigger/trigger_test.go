package trigger

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaron031291/grace/pkg/contracts"
	"github.com/aaron031291/grace/pkg/mesh"
)

func newTestHub(t *testing.T) (*Hub, *mesh.Mesh, *predictionRecorder) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := mesh.New(logger)
	t.Cleanup(bus.Close)
	hub := New(bus, logger)
	hub.Start()
	t.Cleanup(hub.Stop)
	rec := &predictionRecorder{}
	bus.Subscribe("self_heal.prediction", rec.record)
	return hub, bus, rec
}

type predictionRecorder struct {
	mu     sync.Mutex
	events []contracts.Event
}

func (r *predictionRecorder) record(e contracts.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *predictionRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *predictionRecorder) first() contracts.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[0]
}

func TestProactiveSignalNormalized(t *testing.T) {
	hub, bus, rec := newTestHub(t)

	require.NoError(t, bus.Publish(contracts.Event{
		EventType: "proactive.disk_pressure",
		Source:    "capacity_watcher",
		Payload: map[string]any{
			"title":               "Disk filling on db-1",
			"likelihood":          0.82,
			"impact":              "high",
			"suggested_playbooks": []string{"pb-expand-disk"},
			"reasons":             []string{"usage above 90% for 30m"},
		},
	}))

	assert.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, time.Millisecond)
	payload := rec.first().Payload
	assert.Equal(t, "PROACTIVE_DISK_PRESSURE", payload["code"])
	assert.Equal(t, "Disk filling on db-1", payload["title"])
	assert.Equal(t, 0.82, payload["likelihood"])
	assert.Equal(t, "high", payload["impact"])
	assert.Equal(t, []string{"pb-expand-disk"}, payload["suggested_playbooks"])
	assert.Equal(t, "proactive.disk_pressure", payload["source"])

	history := hub.History(0)
	require.Len(t, history, 1)
	assert.Equal(t, "PROACTIVE_DISK_PRESSURE", history[0].Code)
}

func TestMetaDirectiveNormalized(t *testing.T) {
	_, bus, rec := newTestHub(t)

	require.NoError(t, bus.Publish(contracts.Event{
		EventType: "meta_loop.directive",
		Source:    "meta_coordinator",
		Payload: map[string]any{
			"focus_area":          "error_spike",
			"confidence":          0.7,
			"guardrail":           "tighten",
			"playbook_priorities": []any{"pb-restart", "pb-rollback"},
			"recommendations":     []any{"inspect 6 failed actions in window"},
		},
	}))

	assert.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, time.Millisecond)
	payload := rec.first().Payload
	assert.Equal(t, "FOCUS_ERROR_SPIKE", payload["code"])
	assert.Equal(t, 0.7, payload["likelihood"])
	assert.Equal(t, "high", payload["impact"])
	assert.Equal(t, []string{"pb-restart", "pb-rollback"}, payload["suggested_playbooks"])
}

func TestRoutineDirectiveSkipped(t *testing.T) {
	hub, bus, rec := newTestHub(t)

	require.NoError(t, bus.Publish(contracts.Event{
		EventType: "meta_loop.directive",
		Source:    "meta_coordinator",
		Payload:   map[string]any{"focus_area": "routine"},
	}))
	require.NoError(t, bus.Publish(contracts.Event{
		EventType: "meta_loop.cycle_started",
		Source:    "meta_coordinator",
	}))

	assert.Eventually(t, func() bool { return hub.Stats().Received == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(2), hub.Stats().Skipped)
	assert.Zero(t, rec.count())
	assert.Empty(t, hub.History(0))
}

func TestLogPatternNormalized(t *testing.T) {
	_, bus, rec := newTestHub(t)

	require.NoError(t, bus.Publish(contracts.Event{
		EventType: "immutable_log.anomaly_sequence",
		Source:    "immutable_log",
		Payload: map[string]any{
			"pattern":  "repeated gate denials for actor deploy-bot",
			"severity": "critical",
			"sequence": []any{"governance.denied", "governance.denied", "governance.denied"},
		},
	}))

	assert.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, time.Millisecond)
	payload := rec.first().Payload
	assert.Equal(t, "IMMUTABLE_LOG_ANOMALY_SEQUENCE", payload["code"])
	assert.Equal(t, "repeated gate denials for actor deploy-bot", payload["title"])
	assert.Equal(t, "critical", payload["impact"])
	assert.Equal(t, 0.7, payload["likelihood"])
	assert.Equal(t, []string{"governance.denied", "governance.denied", "governance.denied"}, payload["reasons"])
}

func TestLikelihoodClamped(t *testing.T) {
	hub, bus, _ := newTestHub(t)

	require.NoError(t, bus.Publish(contracts.Event{
		EventType: "proactive.flood",
		Source:    "watcher",
		Payload:   map[string]any{"likelihood": 3.5},
	}))
	require.NoError(t, bus.Publish(contracts.Event{
		EventType: "proactive.trickle",
		Source:    "watcher",
		Payload:   map[string]any{"likelihood": -1.0},
	}))

	assert.Eventually(t, func() bool { return len(hub.History(0)) == 2 }, time.Second, time.Millisecond)
	history := hub.History(0)
	assert.Equal(t, 1.0, history[0].Likelihood)
	assert.Equal(t, 0.0, history[1].Likelihood)
}

func TestHistoryRingBounded(t *testing.T) {
	hub, bus, _ := newTestHub(t)
	hub.WithHistoryLimit(3)

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(contracts.Event{
			EventType: "proactive.tick",
			Source:    "watcher",
			Payload:   map[string]any{"title": fmt.Sprintf("tick %d", i)},
		}))
	}

	assert.Eventually(t, func() bool { return hub.Stats().Published == 5 }, time.Second, time.Millisecond)
	history := hub.History(0)
	require.Len(t, history, 3)
	assert.Equal(t, "tick 2", history[0].Title)
	assert.Equal(t, "tick 4", history[2].Title)

	assert.Equal(t, "tick 4", hub.History(1)[0].Title)
}

func TestStatsBySource(t *testing.T) {
	hub, bus, _ := newTestHub(t)

	require.NoError(t, bus.Publish(contracts.Event{EventType: "proactive.a", Source: "w"}))
	require.NoError(t, bus.Publish(contracts.Event{EventType: "proactive.a", Source: "w"}))
	require.NoError(t, bus.Publish(contracts.Event{EventType: "alert.cross_domain", Source: "finance"}))

	assert.Eventually(t, func() bool { return hub.Stats().Received == 3 }, time.Second, time.Millisecond)
	stats := hub.Stats()
	assert.Equal(t, uint64(3), stats.Published)
	assert.Equal(t, uint64(2), stats.BySource["proactive.a"])
	assert.Equal(t, uint64(1), stats.BySource["alert.cross_domain"])
	assert.Equal(t, 3, stats.HistorySize)
}

func TestStopUnsubscribes(t *testing.T) {
	hub, bus, rec := newTestHub(t)

	require.NoError(t, bus.Publish(contracts.Event{EventType: "proactive.a", Source: "w"}))
	assert.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, time.Millisecond)

	hub.Stop()
	require.NoError(t, bus.Publish(contracts.Event{EventType: "proactive.b", Source: "w"}))

	assert.Never(t, func() bool { return hub.Stats().Received > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}
