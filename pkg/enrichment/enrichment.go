// Package enrichment turns raw mesh events into enriched events with an
// inferred intent, pulled context and scored confidence and risk.
// Events scoring below the confidence floor are dropped and logged.
package enrichment

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aaron031291/grace/pkg/contracts"
	"github.com/aaron031291/grace/pkg/health"
)

// ConfidenceFloor is the drop threshold. Events at exactly the floor
// are kept.
const ConfidenceFloor = 0.4

// corroborationWindow bounds how far back recent events corroborate a
// new one.
const corroborationWindow = 10 * time.Minute

// GraphView is the read slice of the health graph the enricher needs.
type GraphView interface {
	GetNode(nodeID string) (*contracts.HealthNode, error)
	Neighbors(nodeID string, dir health.Direction) ([]string, error)
	BlastRadius(nodeID string) (int, error)
}

// TrustSource scores how much an event source is trusted, in [0,1].
type TrustSource interface {
	Score(entity string) float64
}

// Recaller pulls recent episodic memory for similar events.
type Recaller interface {
	RecallEpisodic(ctx context.Context, domain string, tags []string) ([]contracts.MemoryEntry, error)
}

// LedgerSink records dropped events. Drops are telemetry, not security
// writes, so the sink is best-effort.
type LedgerSink interface {
	SafeAppend(ctx context.Context, fields contracts.LedgerFields)
}

// Enricher scores events. Guardrail bias from the coordinator scales
// risk multiplicatively within [0.5, 1.5].
type Enricher struct {
	graph  GraphView
	trust  TrustSource
	memory Recaller
	ledger LedgerSink
	logger *slog.Logger
	clock  func() time.Time

	depth int

	mu        sync.Mutex
	guardrail float64
	recent    []seenEvent
}

type seenEvent struct {
	prefix string
	at     time.Time
}

func New(graph GraphView, trust TrustSource, ledger LedgerSink, logger *slog.Logger) *Enricher {
	return &Enricher{
		graph:     graph,
		trust:     trust,
		ledger:    ledger,
		logger:    logger,
		clock:     time.Now,
		depth:     3,
		guardrail: 1.0,
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Enricher) WithClock(clock func() time.Time) *Enricher {
	e.clock = clock
	return e
}

// WithMemory wires episodic recall into context pulling.
func (e *Enricher) WithMemory(m Recaller) *Enricher {
	e.memory = m
	return e
}

// WithDepth sets the dependency chain walk depth.
func (e *Enricher) WithDepth(d int) *Enricher {
	if d > 0 {
		e.depth = d
	}
	return e
}

// SetGuardrail applies the coordinator's risk bias, clamped to
// [0.5, 1.5].
func (e *Enricher) SetGuardrail(factor float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.guardrail = clamp(factor, 0.5, 1.5)
}

// Enrich scores one event. A nil result with a nil error means the
// event fell below the confidence floor and was dropped.
func (e *Enricher) Enrich(ctx context.Context, event contracts.Event) (*contracts.EnrichedEvent, error) {
	if event.EventType == "" {
		return nil, contracts.ErrValidation("event_type is required")
	}

	signer := event.Actor
	if signer == "" {
		signer = event.Source
	}

	now := e.clock().UTC()
	prefix, _, _ := strings.Cut(event.EventType, ".")

	e.mu.Lock()
	corroborating := e.countRecentLocked(prefix, now)
	e.recent = append(e.recent, seenEvent{prefix: prefix, at: now})
	e.pruneLocked(now)
	guardrail := e.guardrail
	e.mu.Unlock()

	node, radius, chain := e.pullNodeContext(event.Resource)

	enrichmentContext := map[string]any{
		"corroborating_events": corroborating,
	}
	if node != nil {
		enrichmentContext["node_status"] = string(node.Status)
		enrichmentContext["node_priority"] = node.Priority
		enrichmentContext["blast_radius"] = radius
		enrichmentContext["dependency_chain"] = chain
	}
	if e.memory != nil {
		recalled, err := e.memory.RecallEpisodic(ctx, event.Subsystem, []string{event.EventType, event.Resource})
		if err != nil {
			e.logger.Warn("episodic recall failed", "event_id", event.EventID, "err", err)
		} else if len(recalled) > 0 {
			ids := make([]string, 0, len(recalled))
			for _, m := range recalled {
				ids = append(ids, m.EntryID)
			}
			enrichmentContext["similar_memories"] = ids
		}
	}

	intent := inferIntent(event.EventType)
	trust := e.sourceTrust(event.Source)
	confidence := scoreConfidence(corroborating, trust, kpiDeviation(node))

	if confidence < ConfidenceFloor {
		e.logger.Info("event dropped below confidence floor",
			"event_id", event.EventID, "event_type", event.EventType, "confidence", confidence)
		if e.ledger != nil {
			e.ledger.SafeAppend(ctx, contracts.LedgerFields{
				Actor:     "enrichment",
				Action:    "enrichment.event_dropped",
				Resource:  event.Resource,
				Subsystem: event.Subsystem,
				Payload: map[string]any{
					"event_id":   event.EventID,
					"event_type": event.EventType,
					"confidence": confidence,
					"reason":     "low_confidence",
				},
				Result: contracts.ResultBlocked,
			})
		}
		return nil, nil
	}

	risk := scoreRisk(prefix, node, radius, guardrail)

	return &contracts.EnrichedEvent{
		EventID:         event.EventID,
		Original:        event,
		SignerIdentity:  signer,
		Intent:          intent,
		Context:         enrichmentContext,
		ExpectedOutcome: expectedOutcome(intent),
		Confidence:      confidence,
		Risk:            risk,
	}, nil
}

func (e *Enricher) countRecentLocked(prefix string, now time.Time) int {
	count := 0
	for _, s := range e.recent {
		if s.prefix == prefix && now.Sub(s.at) <= corroborationWindow {
			count++
		}
	}
	return count
}

func (e *Enricher) pruneLocked(now time.Time) {
	kept := e.recent[:0]
	for _, s := range e.recent {
		if now.Sub(s.at) <= corroborationWindow {
			kept = append(kept, s)
		}
	}
	e.recent = kept
}

// pullNodeContext walks the dependency chain up to the configured
// depth. An unknown resource yields an empty context.
func (e *Enricher) pullNodeContext(resource string) (*contracts.HealthNode, int, []string) {
	if resource == "" {
		return nil, 0, nil
	}
	node, err := e.graph.GetNode(resource)
	if err != nil {
		return nil, 0, nil
	}
	radius, _ := e.graph.BlastRadius(resource)

	var chain []string
	seen := map[string]struct{}{resource: {}}
	frontier := []string{resource}
	for depth := 0; depth < e.depth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			ups, err := e.graph.Neighbors(id, health.Upstream)
			if err != nil {
				continue
			}
			for _, up := range ups {
				if _, ok := seen[up]; ok {
					continue
				}
				seen[up] = struct{}{}
				chain = append(chain, up)
				next = append(next, up)
			}
		}
		frontier = next
	}
	return node, radius, chain
}

func (e *Enricher) sourceTrust(source string) float64 {
	if e.trust == nil {
		return 0.5
	}
	return e.trust.Score(source)
}

func inferIntent(eventType string) contracts.Intent {
	switch {
	case strings.HasPrefix(eventType, "deploy"):
		return contracts.IntentDeployNewVersion
	case strings.HasPrefix(eventType, "scale"):
		return contracts.IntentAdjustCapacity
	case strings.HasPrefix(eventType, "health.degraded"),
		strings.HasPrefix(eventType, "health.critical"),
		strings.HasPrefix(eventType, "alert"),
		strings.HasPrefix(eventType, "incident"):
		return contracts.IntentSignalDegradation
	default:
		return contracts.IntentUnknown
	}
}

func expectedOutcome(intent contracts.Intent) string {
	switch intent {
	case contracts.IntentDeployNewVersion:
		return "service updated without regression"
	case contracts.IntentAdjustCapacity:
		return "capacity matched to demand"
	case contracts.IntentSignalDegradation:
		return "degradation contained and recovered"
	default:
		return ""
	}
}

// scoreConfidence is monotonic in each input: corroborating recent
// events, source trust and KPI deviation.
func scoreConfidence(corroborating int, trust, deviation float64) float64 {
	corr := float64(corroborating)
	if corr > 5 {
		corr = 5
	}
	return clamp(0.4*trust+0.3*(corr/5)+0.3*(deviation/(1+deviation)), 0, 1)
}

// kpiDeviation takes the largest KPI magnitude as the deviation signal.
func kpiDeviation(node *contracts.HealthNode) float64 {
	if node == nil {
		return 0
	}
	var max float64
	for _, v := range node.KPIs {
		if v < 0 {
			v = -v
		}
		if v > max {
			max = v
		}
	}
	return max
}

var baseRisk = map[string]float64{
	"deploy":   0.5,
	"scale":    0.4,
	"alert":    0.6,
	"health":   0.6,
	"incident": 0.7,
}

var statusRisk = map[contracts.HealthStatus]float64{
	contracts.StatusHealthy:  0.1,
	contracts.StatusUnknown:  0.3,
	contracts.StatusDegraded: 0.6,
	contracts.StatusCritical: 0.9,
}

func scoreRisk(prefix string, node *contracts.HealthNode, radius int, guardrail float64) float64 {
	base, ok := baseRisk[prefix]
	if !ok {
		base = 0.3
	}
	status := statusRisk[contracts.StatusUnknown]
	priority := 0.0
	if node != nil {
		status = statusRisk[node.Status]
		p := float64(node.Priority)
		if p > 10 {
			p = 10
		}
		priority = p / 10
	}
	radiusNorm := float64(radius) / (float64(radius) + 5)
	raw := 0.5*base + 0.3*status + 0.1*priority + 0.1*radiusNorm
	return clamp(raw*guardrail, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
