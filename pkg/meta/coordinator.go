// Package meta is the supervisory loop: every cycle it observes the
// ledger window and health graph, picks a focus area and guardrail,
// consults its advisors under a deadline, and publishes a signed
// directive the planner and enricher consume.
package meta

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aaron031291/grace/pkg/canonicalize"
	"github.com/aaron031291/grace/pkg/contracts"
	"github.com/aaron031291/grace/pkg/crypto"
	"github.com/aaron031291/grace/pkg/health"
)

// Cycle defaults.
const (
	DefaultPeriod     = 2 * time.Minute
	DefaultWindow     = 10 * time.Minute
	advisorDeadline   = 2 * time.Second
	cycleHistoryLimit = 50
)

// Guardrail decision thresholds over the recent outcome success rate.
const (
	TightenBelow = 0.5
	LoosenAbove  = 0.85
)

// Focus trigger thresholds.
const (
	errorSpikeThreshold = 5
	trustThreshold      = 3
	driftThreshold      = 0.1
	cpuStrainThreshold  = 85
)

// Guardrail factors pushed to risk scorers.
var guardrailFactor = map[contracts.Guardrail]float64{
	contracts.GuardrailTighten:  1.25,
	contracts.GuardrailMaintain: 1.0,
	contracts.GuardrailLoosen:   0.8,
}

// LedgerReader is the coordinator's read view of the log.
type LedgerReader interface {
	Read(ctx context.Context, filter contracts.LedgerFilter) ([]contracts.LedgerEntry, error)
}

// LedgerWriter records cycle decisions.
type LedgerWriter interface {
	Append(ctx context.Context, fields contracts.LedgerFields) (uint64, error)
}

// HealthView is the read slice of the health graph.
type HealthView interface {
	Summarize() health.Summary
	ListNodes() []contracts.HealthNode
}

// Publisher emits directives.
type Publisher interface {
	Publish(event contracts.Event) error
}

// GuardrailTarget receives the cycle's risk bias factor.
type GuardrailTarget interface {
	SetGuardrail(factor float64)
}

// Coordinator runs the meta loop. Cycles are strictly sequential; the
// ledger entries of two cycles never interleave.
type Coordinator struct {
	ledger   LedgerReader
	writer   LedgerWriter
	graph    HealthView
	mesh     Publisher
	signer   crypto.Signer
	advisors []Advisor
	targets  []GuardrailTarget
	logger   *slog.Logger
	clock    func() time.Time

	period time.Duration
	window time.Duration

	mu          sync.Mutex
	prevLatency float64
	history     []contracts.CycleFocus
}

func New(ledger LedgerReader, writer LedgerWriter, graph HealthView, mesh Publisher, signer crypto.Signer, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		ledger: ledger,
		writer: writer,
		graph:  graph,
		mesh:   mesh,
		signer: signer,
		logger: logger,
		clock:  time.Now,
		period: DefaultPeriod,
		window: DefaultWindow,
		advisors: []Advisor{
			AnomalyScorer{},
			RootCauseAnalyzer{},
			PlaybookRanker{},
		},
	}
}

// WithClock overrides the clock for deterministic testing.
func (c *Coordinator) WithClock(clock func() time.Time) *Coordinator {
	c.clock = clock
	return c
}

// WithPeriod overrides the cycle period.
func (c *Coordinator) WithPeriod(period time.Duration) *Coordinator {
	if period > 0 {
		c.period = period
	}
	return c
}

// WithAdvisors replaces the default advisor set.
func (c *Coordinator) WithAdvisors(advisors ...Advisor) *Coordinator {
	c.advisors = advisors
	return c
}

// WithGuardrailTargets registers the components that consume the cycle
// guardrail factor.
func (c *Coordinator) WithGuardrailTargets(targets ...GuardrailTarget) *Coordinator {
	c.targets = append(c.targets, targets...)
	return c
}

// Run executes cycles until the context is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.RunCycle(ctx); err != nil {
				c.logger.Error("meta cycle failed", "err", err)
			}
		}
	}
}

// RunCycle performs one observe-decide-direct cycle.
func (c *Coordinator) RunCycle(ctx context.Context) (*contracts.CycleFocus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock().UTC()
	obs, err := observe(ctx, c.ledger, c.graph, now.Add(-c.window), now, c.prevLatency)
	if err != nil {
		return nil, fmt.Errorf("observe window: %w", err)
	}
	c.prevLatency = obs.AvgLatency

	focus, reasoning := chooseFocus(obs)
	guardrail := chooseGuardrail(obs)

	recommendations, rootCauses, playbooks, confidence := c.consultAdvisors(ctx, focus, obs)

	cycle := &contracts.CycleFocus{
		CycleID:            "cycle-" + uuid.New().String(),
		FocusArea:          focus,
		Reasoning:          reasoning,
		Confidence:         confidence,
		Guardrail:          guardrail,
		ExtraProbes:        probesFor(focus),
		PlaybookPriorities: playbooks,
		TimeBudget:         c.period,
		DecidedAt:          now,
	}

	factor := guardrailFactor[guardrail]
	for _, target := range c.targets {
		target.SetGuardrail(factor)
	}

	sig, err := c.signer.Sign([]byte(canonicalize.HashFields(
		cycle.CycleID, string(focus), string(guardrail), fmt.Sprintf("%.4f", confidence))))
	if err != nil {
		return nil, fmt.Errorf("directive signing failed: %w", err)
	}
	if err := c.mesh.Publish(contracts.Event{
		EventType: "meta_loop.directive",
		Source:    "meta_coordinator",
		Actor:     "meta_coordinator",
		Subsystem: contracts.SubsystemMeta,
		Payload: map[string]any{
			"cycle_id":            cycle.CycleID,
			"focus_area":          string(focus),
			"guardrail":           string(guardrail),
			"guardrail_factor":    factor,
			"extra_probes":        cycle.ExtraProbes,
			"playbook_priorities": playbooks,
			"recommendations":     recommendations,
			"root_causes":         rootCauses,
			"signature":           sig,
		},
	}); err != nil {
		c.logger.Warn("failed to publish directive", "cycle_id", cycle.CycleID, "err", err)
	}

	if _, err := c.writer.Append(ctx, contracts.LedgerFields{
		Actor:     "meta_coordinator",
		Action:    "meta_loop.cycle_focus_decided",
		Subsystem: contracts.SubsystemMeta,
		Payload: map[string]any{
			"cycle_id":   cycle.CycleID,
			"focus_area": string(focus),
			"guardrail":  string(guardrail),
			"confidence": confidence,
			"reasoning":  reasoning,
		},
		Result: contracts.ResultDecided,
	}); err != nil {
		return nil, err
	}

	c.history = append(c.history, *cycle)
	if len(c.history) > cycleHistoryLimit {
		c.history = c.history[len(c.history)-cycleHistoryLimit:]
	}
	return cycle, nil
}

// Cycles returns the most recent cycles, newest last.
func (c *Coordinator) Cycles(last int) []contracts.CycleFocus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if last <= 0 || last > len(c.history) {
		last = len(c.history)
	}
	out := make([]contracts.CycleFocus, last)
	copy(out, c.history[len(c.history)-last:])
	return out
}

// consultAdvisors fans out with a per-call deadline. Late or failed
// advisors are ignored for the cycle.
func (c *Coordinator) consultAdvisors(ctx context.Context, focus contracts.FocusArea, obs *Observation) (recommendations, rootCauses, playbooks []string, confidence float64) {
	type reply struct {
		name   string
		advice contracts.Advice
		err    error
	}
	results := make(chan reply, len(c.advisors))
	callCtx, cancel := context.WithTimeout(ctx, advisorDeadline)
	defer cancel()

	for _, advisor := range c.advisors {
		go func(a Advisor) {
			advice, err := a.Advise(callCtx, focus, obs)
			results <- reply{name: a.Name(), advice: advice, err: err}
		}(advisor)
	}

	var responses []contracts.Advice
	for range c.advisors {
		select {
		case r := <-results:
			if r.err != nil {
				c.logger.Warn("advisor failed", "advisor", r.name, "err", r.err)
				continue
			}
			responses = append(responses, r.advice)
		case <-callCtx.Done():
			c.logger.Warn("advisor deadline reached, ignoring late responses")
			return aggregateAdvice(responses)
		}
	}
	return aggregateAdvice(responses)
}

// chooseFocus applies the fixed priority order over the observation.
func chooseFocus(obs *Observation) (contracts.FocusArea, string) {
	switch {
	case obs.ErrorCount >= errorSpikeThreshold:
		return contracts.FocusErrorSpike,
			fmt.Sprintf("%d errors in window exceeds threshold %d", obs.ErrorCount, errorSpikeThreshold)
	case obs.TrustViolations >= trustThreshold:
		return contracts.FocusTrustViolations,
			fmt.Sprintf("%d denied actions in window", obs.TrustViolations)
	case obs.LatencyDrift > driftThreshold:
		return contracts.FocusLatencyDrift,
			fmt.Sprintf("average latency drifted %.0f%% vs previous cycle", obs.LatencyDrift*100)
	case obs.AvgCPU > cpuStrainThreshold:
		return contracts.FocusCapacityStrain,
			fmt.Sprintf("average cpu at %.0f%%", obs.AvgCPU)
	case len(obs.CriticalNodes)+len(obs.DegradedNodes) > 0:
		return contracts.FocusDependencyHealth,
			fmt.Sprintf("%d unhealthy nodes", len(obs.CriticalNodes)+len(obs.DegradedNodes))
	default:
		return contracts.FocusRoutine, "no elevated signals in window"
	}
}

// chooseGuardrail applies the documented success-rate thresholds.
func chooseGuardrail(obs *Observation) contracts.Guardrail {
	rate, ok := obs.SuccessRate()
	if !ok {
		return contracts.GuardrailMaintain
	}
	switch {
	case rate < TightenBelow:
		return contracts.GuardrailTighten
	case rate > LoosenAbove:
		return contracts.GuardrailLoosen
	default:
		return contracts.GuardrailMaintain
	}
}

func probesFor(focus contracts.FocusArea) []string {
	switch focus {
	case contracts.FocusErrorSpike:
		return []string{"error_rate", "recent_deploys"}
	case contracts.FocusTrustViolations:
		return []string{"denied_actions", "policy_audit"}
	case contracts.FocusLatencyDrift:
		return []string{"latency_p99", "dependency_latency"}
	case contracts.FocusCapacityStrain:
		return []string{"cpu_utilization", "queue_depth"}
	case contracts.FocusDependencyHealth:
		return []string{"blast_radius", "dependency_status"}
	default:
		return nil
	}
}
