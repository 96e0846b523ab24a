package main

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaron031291/grace/pkg/adapters"
	"github.com/aaron031291/grace/pkg/contracts"
	"github.com/aaron031291/grace/pkg/crypto"
	"github.com/aaron031291/grace/pkg/enrichment"
	"github.com/aaron031291/grace/pkg/executor"
	"github.com/aaron031291/grace/pkg/governance"
	"github.com/aaron031291/grace/pkg/health"
	"github.com/aaron031291/grace/pkg/ledger"
	"github.com/aaron031291/grace/pkg/mesh"
	"github.com/aaron031291/grace/pkg/parliament"
	"github.com/aaron031291/grace/pkg/planner"
)

type pipeline struct {
	ledger   *ledger.Log
	graph    *health.Graph
	gate     *governance.Gate
	enricher *enrichment.Enricher
	planner  *planner.Planner
	executor *executor.Executor
	bus      *mesh.Mesh
}

// newPipeline assembles the serve wiring on an in-memory database:
// real ledger, graph, gate, enricher, planner and executor with the
// default playbook set.
func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	signer, err := crypto.NewEd25519Signer("pipeline-key")
	require.NoError(t, err)
	identities, err := crypto.NewIdentityRegistry(db)
	require.NoError(t, err)
	identity, err := identities.Acquire(ctx, "grace-core", contracts.EntityComponent, signer.KeyID())
	require.NoError(t, err)

	log, err := ledger.Open(db, signer, identity, logger)
	require.NoError(t, err)

	bus := mesh.New(logger)
	t.Cleanup(bus.Close)

	healthStore, err := health.NewStore(db)
	require.NoError(t, err)
	graph := health.NewGraph(healthStore, logger)

	parlStore, err := parliament.NewStore(db)
	require.NoError(t, err)
	parl := parliament.New(parlStore, signer, log, logger)

	gate, err := governance.NewGate(log, parl, logger)
	require.NoError(t, err)

	enricher := enrichment.New(graph, gate.Trust(), log, logger)

	registry := planner.NewRegistry()
	for _, pb := range defaultPlaybooks() {
		require.NoError(t, registry.Register(pb))
	}
	plnr := planner.New(registry, gate, graph, log, bus, logger)

	actions := adapters.NewRegistry()
	actions.Register(adapters.NewScriptedAdapter("infra"),
		"restart_service", "scale_service", "flush_cache", "notify")
	exec := executor.New(actions, log, bus, signer, identity.CryptoID, logger).
		WithOutcomeSink(plnr)

	return &pipeline{
		ledger:   log,
		graph:    graph,
		gate:     gate,
		enricher: enricher,
		planner:  plnr,
		executor: exec,
		bus:      bus,
	}
}

func TestDegradedServiceAutoRemediation(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	require.NoError(t, p.graph.RegisterNode(ctx, contracts.HealthNode{
		NodeID: "svc-a", Status: contracts.StatusDegraded, Priority: 5,
		KPIs: map[string]float64{"cpu_utilization": 95},
	}))
	p.gate.Trust().Set("monitor", 1.0)

	enriched, err := p.enricher.Enrich(ctx, contracts.Event{
		EventType: "health.degraded",
		Source:    "monitor",
		Resource:  "svc-a",
		Payload:   map[string]any{"cpu_utilization": 95},
	})
	require.NoError(t, err)
	require.NotNil(t, enriched, "degraded event must clear the confidence floor")
	assert.Equal(t, contracts.IntentSignalDegradation, enriched.Intent)

	plan, err := p.planner.Propose(ctx, enriched)
	require.NoError(t, err)
	assert.Equal(t, "pb-scale-up", plan.Playbook.PlaybookID)
	require.Equal(t, contracts.PlanApproved, plan.Status, "empty policy set must allow execution")

	outcome, err := p.executor.Execute(ctx, plan)
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, string(contracts.PlanCompleted), outcome.Result)
	assert.NotEmpty(t, outcome.Signature)

	entries, err := p.ledger.Read(ctx, contracts.LedgerFilter{Action: "plan.outcome"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, contracts.ResultSuccess, entries[0].Result)
}

func TestDegradedServiceWithoutCPUSignalRestartsInstead(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	require.NoError(t, p.graph.RegisterNode(ctx, contracts.HealthNode{
		NodeID: "svc-b", Status: contracts.StatusDegraded, Priority: 5,
		KPIs: map[string]float64{"error_rate": 3},
	}))
	p.gate.Trust().Set("monitor", 1.0)

	enriched, err := p.enricher.Enrich(ctx, contracts.Event{
		EventType: "health.degraded",
		Source:    "monitor",
		Resource:  "svc-b",
	})
	require.NoError(t, err)
	require.NotNil(t, enriched)

	plan, err := p.planner.Propose(ctx, enriched)
	require.NoError(t, err)
	assert.Equal(t, "pb-restart-service", plan.Playbook.PlaybookID)
}

func TestSeededSuccessRatesSurviveRegistration(t *testing.T) {
	registry := planner.NewRegistry()
	for _, pb := range defaultPlaybooks() {
		require.NoError(t, registry.Register(pb))
	}

	scaleUp, err := registry.Get("pb-scale-up")
	require.NoError(t, err)
	assert.InDelta(t, 0.9, scaleUp.SuccessRate, 1e-9)

	restart, err := registry.Get("pb-restart-service")
	require.NoError(t, err)
	assert.InDelta(t, 0.85, restart.SuccessRate, 1e-9)
	assert.Greater(t, scaleUp.SuccessRate, restart.SuccessRate)
}
