package observability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDisabledProviderIsSafe(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	ctx, finish := p.TrackOperation(context.Background(), "enrich",
		attribute.String("component", "enrichment"))
	require.NotNil(t, ctx)
	finish(errors.New("boom"))

	p.RecordError(ctx, errors.New("boom"))
	p.RecordQueueDepth(ctx, 1)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestDisabledMetricsSink(t *testing.T) {
	p, err := New(context.Background(), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	sink, err := p.NewMetricsSink()
	require.NoError(t, err)
	sink.Publish(context.Background(), "operations", "deploy_duration", 1.5,
		map[string]string{"target": "api"})
}

func TestSLOCompliance(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	tracker := NewSLOTracker().WithClock(func() time.Time { return now })
	tracker.SetTarget(&SLOTarget{
		SLOID:       "slo-execute",
		Operation:   "execute",
		LatencyP99:  time.Second,
		SuccessRate: 0.9,
		WindowHours: 1,
	})

	for i := 0; i < 9; i++ {
		tracker.Record(SLOObservation{Operation: "execute", Latency: 100 * time.Millisecond, Success: true})
	}
	tracker.Record(SLOObservation{Operation: "execute", Latency: 100 * time.Millisecond, Success: false})

	status, err := tracker.Status("execute")
	require.NoError(t, err)
	assert.True(t, status.InCompliance)
	assert.Equal(t, 0.9, status.CurrentSuccess)
	assert.Equal(t, 10, status.ObservationCount)
	assert.InDelta(t, 1.0, status.BurnRate, 1e-9)
}

func TestSLOLatencyBreach(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	tracker := NewSLOTracker().WithClock(func() time.Time { return now })
	tracker.SetTarget(&SLOTarget{
		SLOID:       "slo-plan",
		Operation:   "plan",
		LatencyP99:  200 * time.Millisecond,
		SuccessRate: 0.5,
		WindowHours: 1,
	})

	tracker.Record(SLOObservation{Operation: "plan", Latency: 5 * time.Second, Success: true})

	status, err := tracker.Status("plan")
	require.NoError(t, err)
	assert.False(t, status.InCompliance)
	assert.Equal(t, float64(5000), status.CurrentP99)
}

func TestSLOWindowExpiry(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	tracker := NewSLOTracker().WithClock(func() time.Time { return now })
	tracker.SetTarget(&SLOTarget{
		SLOID:       "slo-recall",
		Operation:   "recall",
		LatencyP99:  time.Second,
		SuccessRate: 0.99,
		WindowHours: 1,
	})

	tracker.Record(SLOObservation{Operation: "recall", Latency: time.Millisecond, Success: false})
	now = now.Add(2 * time.Hour)

	status, err := tracker.Status("recall")
	require.NoError(t, err)
	assert.True(t, status.InCompliance)
	assert.Zero(t, status.ObservationCount)
	assert.Equal(t, 100.0, status.ErrorBudgetLeft)
}

func TestSLOUnknownOperation(t *testing.T) {
	_, err := NewSLOTracker().Status("teleport")
	assert.Error(t, err)
}

func TestDefaultTargets(t *testing.T) {
	tracker := NewSLOTracker().WithDefaultTargets()
	for _, op := range []string{"publish", "enrich", "plan", "execute", "recall", "cycle"} {
		status, err := tracker.Status(op)
		require.NoError(t, err)
		assert.True(t, status.InCompliance, op)
	}
}
