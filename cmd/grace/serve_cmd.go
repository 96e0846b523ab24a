package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/aaron031291/grace/pkg/adapters"
	"github.com/aaron031291/grace/pkg/config"
	"github.com/aaron031291/grace/pkg/contracts"
	"github.com/aaron031291/grace/pkg/enrichment"
	"github.com/aaron031291/grace/pkg/executor"
	"github.com/aaron031291/grace/pkg/governance"
	"github.com/aaron031291/grace/pkg/handshake"
	"github.com/aaron031291/grace/pkg/health"
	"github.com/aaron031291/grace/pkg/memory"
	"github.com/aaron031291/grace/pkg/mesh"
	"github.com/aaron031291/grace/pkg/meta"
	"github.com/aaron031291/grace/pkg/observability"
	"github.com/aaron031291/grace/pkg/planner"
	"github.com/aaron031291/grace/pkg/trigger"
)

// runServeCmd wires the full core and runs it until interrupted.
func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(ctx, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer b.Close()

	if err := serve(ctx, b, stdout); err != nil {
		return fail(stderr, err)
	}
	return 0
}

func serve(ctx context.Context, b *backend, stdout io.Writer) error {
	cfg := b.cfg
	logger := b.logger

	profile, err := config.LoadProfile(cfg.ProfilesDir, cfg.Profile)
	if err != nil {
		logger.Warn("deployment profile not found, using defaults", "profile", cfg.Profile, "err", err)
		profile = config.Default()
	}

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "grace-core",
		Environment:  profile.Name,
		OTLPEndpoint: cfg.OTLPEndpoint,
		Enabled:      cfg.OTLPEndpoint != "",
		Insecure:     true,
	}, logger)
	if err != nil {
		return err
	}
	defer obs.Shutdown(context.Background())

	bus := mesh.New(logger, mesh.WithLedger(b.ledger), mesh.WithQueueSize(cfg.QueueSize))
	defer bus.Close()
	b.secrets.WithMesh(mesh.NewSafePublisher(bus))

	healthStore, err := health.NewStore(b.db)
	if err != nil {
		return err
	}
	graph := health.NewGraph(healthStore, logger).WithMesh(mesh.NewSafePublisher(bus))
	if err := graph.Load(ctx); err != nil {
		return err
	}

	parl, err := b.openParliament(ctx)
	if err != nil {
		return err
	}
	parl = parl.WithMesh(bus)

	gate, err := governance.NewGate(b.ledger, parl, logger)
	if err != nil {
		return err
	}
	policyStore, err := governance.NewPolicyStore(b.db)
	if err != nil {
		return err
	}
	policies, err := policyStore.List(ctx)
	if err != nil {
		return err
	}
	if err := gate.LoadPolicies(policies); err != nil {
		return err
	}

	memStore, err := memory.NewStore(b.db)
	if err != nil {
		return err
	}
	broker := memory.NewBroker(memStore, gate, gate.Trust(), b.ledger, b.signer, logger)
	quota := memory.NewLocalQuota().WithBudget(profile.Memory.RequestsPerMinute, profile.Memory.Burst)
	broker = broker.WithQuota(quota)
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		broker = broker.WithQuota(memory.NewRedisQuota(client)).
			WithWorkingCache(memory.NewWorkingCache(client))
	}

	enricher := enrichment.New(graph, gate.Trust(), b.ledger, logger).WithMemory(broker)

	registry := planner.NewRegistry()
	for _, pb := range defaultPlaybooks() {
		if err := registry.Register(pb); err != nil {
			return err
		}
	}
	plnr := planner.New(registry, gate, graph, b.ledger, bus, logger)

	actions := adapters.NewRegistry()
	scripted := adapters.NewScriptedAdapter("infra")
	actions.Register(scripted, "restart_service", "scale_service", "flush_cache", "notify")

	exec := executor.New(actions, b.ledger, bus, b.signer, b.ledger.Identity().CryptoID, logger).
		WithEscalator(parl).
		WithOutcomeSink(plnr)

	coord := meta.New(b.ledger, b.ledger, graph, bus, b.signer, logger).
		WithPeriod(cfg.CyclePeriod).
		WithAdvisors(meta.AnomalyScorer{}, meta.RootCauseAnalyzer{}, meta.PlaybookRanker{Playbooks: registry}).
		WithGuardrailTargets(enricher, plnr)

	hub := trigger.New(bus, logger)
	hub.Start()
	defer hub.Stop()

	onboarding := handshake.New(gate, b.ledger, bus, logger).
		WithAckWait(cfg.AckWait)
	wireJoinRequests(bus, onboarding, logger)

	// Degradation pipeline: health events are enriched, planned and,
	// when governance allows, executed.
	bus.Subscribe("health.*", func(event contracts.Event) {
		opCtx, done := obs.TrackOperation(ctx, "pipeline.handle_degradation")
		var opErr error
		defer func() { done(opErr) }()

		enriched, err := enricher.Enrich(opCtx, event)
		if err != nil {
			logger.Debug("event not enriched", "event_type", event.EventType, "err", err)
			return
		}
		plan, err := plnr.Propose(opCtx, enriched)
		if err != nil {
			opErr = err
			logger.Warn("no plan for event", "event_type", event.EventType, "err", err)
			return
		}
		if plan.Status != contracts.PlanApproved {
			logger.Info("plan waiting on parliament", "plan_id", plan.PlanID)
			return
		}
		if _, err := exec.Execute(opCtx, plan); err != nil {
			opErr = err
			logger.Error("plan execution failed", "plan_id", plan.PlanID, "err", err)
		}
	})

	// Approved sessions release their pending plans.
	bus.Subscribe("parliament.decided", func(event contracts.Event) {
		sessionID, _ := event.Payload["session_id"].(string)
		status, _ := event.Payload["status"].(string)
		plan, ok := plnr.OnParliamentDecision(sessionID, status == string(contracts.SessionApproved))
		if !ok || plan.Status != contracts.PlanApproved {
			return
		}
		if _, err := exec.Execute(ctx, plan); err != nil {
			logger.Error("released plan failed", "plan_id", plan.PlanID, "err", err)
		}
	})

	go coord.Run(ctx)

	seq, _ := b.ledger.Head()
	_, _ = fmt.Fprintf(stdout, "grace core running  profile=%s db=%s ledger_head=%d\n",
		profile.Name, cfg.DatabasePath, seq)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// wireJoinRequests lets external components request admission over the
// mesh instead of calling the coordinator directly.
func wireJoinRequests(bus *mesh.Mesh, onboarding *handshake.Coordinator, logger *slog.Logger) {
	bus.Subscribe("component.join_request", func(event contracts.Event) {
		spec := contracts.ComponentSpec{
			ComponentID: stringField(event.Payload, "component_id"),
			Name:        stringField(event.Payload, "name"),
			PublicKey:   stringField(event.Payload, "public_key"),
			KeyID:       stringField(event.Payload, "key_id"),
			Proof:       stringField(event.Payload, "proof"),
		}
		go func() {
			if _, err := onboarding.Onboard(context.Background(), spec); err != nil {
				logger.Warn("component onboarding failed", "component_id", spec.ComponentID, "err", err)
			}
		}()
	})
	bus.Subscribe("component.join_ack", func(event contracts.Event) {
		componentID := stringField(event.Payload, "component_id")
		acknowledger := stringField(event.Payload, "acknowledger")
		if err := onboarding.Acknowledge(componentID, acknowledger); err != nil {
			logger.Warn("acknowledgement rejected", "component_id", componentID, "err", err)
		}
	})
}

func stringField(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

// defaultPlaybooks seeds the registry when no operator pack is loaded.
func defaultPlaybooks() []contracts.Playbook {
	return []contracts.Playbook{
		{
			PlaybookID: "pb-restart-service",
			Name:       "Restart degraded service",
			Preconditions: []contracts.Predicate{
				{Key: "intent", Op: "eq", Value: string(contracts.IntentSignalDegradation)},
			},
			Steps: []contracts.StepAction{
				{Type: "restart_service"},
			},
			Verifications: []contracts.Predicate{
				{Key: "action", Op: "eq", Value: "restart_service"},
			},
			RollbackSteps: []contracts.StepAction{
				{Type: "notify", Target: "ops", Parameters: map[string]any{"message": "restart rolled back"}},
			},
			RiskLevel:   contracts.RiskLow,
			SuccessRate: 0.85,
			MaxRetries:  2,
		},
		{
			PlaybookID: "pb-scale-up",
			Name:       "Scale out under capacity strain",
			Preconditions: []contracts.Predicate{
				{Key: "intent", Op: "eq", Value: string(contracts.IntentSignalDegradation)},
				{Key: "cpu_utilization", Op: "gt", Value: 80},
			},
			Steps: []contracts.StepAction{
				{Type: "scale_service", Parameters: map[string]any{"delta": 1}},
			},
			RollbackSteps: []contracts.StepAction{
				{Type: "scale_service", Parameters: map[string]any{"delta": -1}},
			},
			RiskLevel:   contracts.RiskMedium,
			SuccessRate: 0.9,
			MaxRetries:  1,
		},
		{
			PlaybookID: "pb-flush-cache",
			Name:       "Flush cache on stale reads",
			Steps: []contracts.StepAction{
				{Type: "flush_cache"},
			},
			RiskLevel:   contracts.RiskLow,
			SuccessRate: 0.7,
			MaxRetries:  2,
		},
	}
}
