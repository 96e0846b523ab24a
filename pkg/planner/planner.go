// Package planner turns enriched events into recovery plans. Selection
// is data driven: the matching playbook with the best smoothed success
// rate wins, ties break toward the lower risk level.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aaron031291/grace/pkg/contracts"
	"github.com/aaron031291/grace/pkg/predicate"
)

// ReviewThreshold is the risk score at which plans require approval.
const ReviewThreshold = 0.5

// Authorizer is the governance gate surface the planner calls.
type Authorizer interface {
	Check(ctx context.Context, actor, action, resource string, payload map[string]any) (contracts.Decision, error)
}

// GraphView supplies blast radius for risk scoring.
type GraphView interface {
	BlastRadius(nodeID string) (int, error)
}

// LedgerWriter records plan proposals.
type LedgerWriter interface {
	Append(ctx context.Context, fields contracts.LedgerFields) (uint64, error)
}

// Publisher emits plan lifecycle events.
type Publisher interface {
	Publish(event contracts.Event) error
}

// Advisor optionally re-ranks matching playbooks; the coordinator's
// playbook ranker implements it.
type Advisor interface {
	RankPlaybooks(candidates []contracts.Playbook) []string
}

// Planner proposes plans and tracks the ones waiting on parliament.
type Planner struct {
	registry *Registry
	gate     Authorizer
	graph    GraphView
	ledger   LedgerWriter
	mesh     Publisher
	advisor  Advisor
	logger   *slog.Logger
	clock    func() time.Time

	mu        sync.Mutex
	guardrail float64
	pending   map[string]*contracts.RecoveryPlan
}

func New(registry *Registry, gate Authorizer, graph GraphView, ledger LedgerWriter, mesh Publisher, logger *slog.Logger) *Planner {
	return &Planner{
		registry:  registry,
		gate:      gate,
		graph:     graph,
		ledger:    ledger,
		mesh:      mesh,
		logger:    logger,
		clock:     time.Now,
		guardrail: 1.0,
		pending:   make(map[string]*contracts.RecoveryPlan),
	}
}

// WithClock overrides the clock for deterministic testing.
func (p *Planner) WithClock(clock func() time.Time) *Planner {
	p.clock = clock
	return p
}

// WithAdvisor wires an optional playbook ranking advisor.
func (p *Planner) WithAdvisor(a Advisor) *Planner {
	p.advisor = a
	return p
}

// SetGuardrail applies the coordinator's risk bias, clamped to
// [0.5, 1.5].
func (p *Planner) SetGuardrail(factor float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if factor < 0.5 {
		factor = 0.5
	}
	if factor > 1.5 {
		factor = 1.5
	}
	p.guardrail = factor
}

// Propose selects a playbook for the enriched event and runs it through
// governance. Plans needing review stay proposed with the parliament
// session recorded; allowed plans come back approved.
func (p *Planner) Propose(ctx context.Context, enriched *contracts.EnrichedEvent) (*contracts.RecoveryPlan, error) {
	if enriched == nil {
		return nil, contracts.ErrValidation("enriched event is required")
	}

	pctx := preconditionContext(enriched)
	playbook, err := p.selectPlaybook(pctx)
	if err != nil {
		return nil, err
	}

	target := enriched.Original.Resource
	radius := 0
	if target != "" {
		if r, err := p.graph.BlastRadius(target); err == nil {
			radius = r
		}
	}

	p.mu.Lock()
	guardrail := p.guardrail
	p.mu.Unlock()

	riskScore := scoreRisk(playbook.RiskLevel, enriched.Risk, radius, guardrail)
	requiresApproval := playbook.RequiresApproval || riskScore >= ReviewThreshold

	now := p.clock().UTC()
	plan := &contracts.RecoveryPlan{
		PlanID:      "plan-" + uuid.New().String(),
		Playbook:    *playbook,
		TargetNodes: []string{target},
		Parameters:  map[string]any{},
		RiskScore:   riskScore,
		Justification: fmt.Sprintf("playbook %s matched intent %s with success rate %.2f",
			playbook.PlaybookID, enriched.Intent, playbook.SuccessRate),
		Status:    contracts.PlanProposed,
		CreatedAt: now,
	}

	if err := p.mesh.Publish(contracts.Event{
		EventType: "plan.proposed",
		Source:    "planner",
		Actor:     "planner",
		Resource:  target,
		Subsystem: contracts.SubsystemExecution,
		Payload: map[string]any{
			"plan_id":           plan.PlanID,
			"playbook_id":       playbook.PlaybookID,
			"risk_score":        riskScore,
			"requires_approval": requiresApproval,
		},
	}); err != nil {
		p.logger.Warn("failed to publish plan proposal", "plan_id", plan.PlanID, "err", err)
	}
	if _, err := p.ledger.Append(ctx, contracts.LedgerFields{
		Actor:     "planner",
		Action:    "plan.proposed",
		Resource:  target,
		Subsystem: contracts.SubsystemExecution,
		Payload: map[string]any{
			"plan_id":     plan.PlanID,
			"playbook_id": playbook.PlaybookID,
			"risk_score":  riskScore,
		},
		Result: contracts.ResultStarted,
	}); err != nil {
		return nil, err
	}

	payload := map[string]any{
		"plan_id":     plan.PlanID,
		"playbook_id": playbook.PlaybookID,
		"risk_score":  riskScore,
	}
	if requiresApproval {
		payload["risk_level"] = contracts.RiskHigh
	}
	decision, err := p.gate.Check(ctx, "planner", "execute", target, payload)
	if err != nil {
		return nil, fmt.Errorf("governance check: %w", err)
	}

	switch decision.Decision {
	case contracts.PolicyDeny:
		plan.Status = contracts.PlanFailed
		plan.Outcome = "denied: " + decision.Reason
		return plan, contracts.NewError(contracts.KindPolicyDenied, "plan denied: %s", decision.Reason)
	case contracts.PolicyReview:
		plan.Parameters["parliament_session_id"] = decision.ParliamentSessionID
		p.mu.Lock()
		p.pending[decision.ParliamentSessionID] = plan
		p.mu.Unlock()
		return plan, nil
	default:
		plan.Status = contracts.PlanApproved
		return plan, nil
	}
}

// OnParliamentDecision resolves a plan waiting on a session. It is the
// handler for "parliament.decided" mesh events.
func (p *Planner) OnParliamentDecision(sessionID string, approved bool) (*contracts.RecoveryPlan, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	plan, ok := p.pending[sessionID]
	if !ok {
		return nil, false
	}
	delete(p.pending, sessionID)
	if approved {
		plan.Status = contracts.PlanApproved
	} else {
		plan.Status = contracts.PlanFailed
		plan.Outcome = "rejected by parliament"
	}
	return plan, true
}

// RecordOutcome feeds execution results back into playbook selection.
func (p *Planner) RecordOutcome(playbookID string, success bool) {
	p.registry.RecordOutcome(playbookID, success)
}

func (p *Planner) selectPlaybook(pctx map[string]any) (*contracts.Playbook, error) {
	var matching []contracts.Playbook
	for _, pb := range p.registry.List() {
		if predicate.All(pb.Preconditions, pctx) {
			matching = append(matching, pb)
		}
	}
	if len(matching) == 0 {
		return nil, contracts.ErrNotFound("playbook for context", fmt.Sprint(pctx["intent"]))
	}

	if p.advisor != nil {
		if ranked := p.advisor.RankPlaybooks(matching); len(ranked) > 0 {
			order := make(map[string]int, len(ranked))
			for i, id := range ranked {
				order[id] = i
			}
			// Advisor order only breaks exact score/risk ties below.
			for i := range matching {
				if _, ok := order[matching[i].PlaybookID]; !ok {
					order[matching[i].PlaybookID] = len(ranked)
				}
			}
			best := pickBest(matching, order)
			return &best, nil
		}
	}
	best := pickBest(matching, nil)
	return &best, nil
}

func pickBest(matching []contracts.Playbook, advisorOrder map[string]int) contracts.Playbook {
	best := matching[0]
	for _, pb := range matching[1:] {
		switch {
		case pb.SuccessRate > best.SuccessRate:
			best = pb
		case pb.SuccessRate == best.SuccessRate && riskRank[pb.RiskLevel] < riskRank[best.RiskLevel]:
			best = pb
		case pb.SuccessRate == best.SuccessRate && riskRank[pb.RiskLevel] == riskRank[best.RiskLevel] &&
			advisorOrder != nil && advisorOrder[pb.PlaybookID] < advisorOrder[best.PlaybookID]:
			best = pb
		}
	}
	return best
}

// preconditionContext flattens the enriched event into the key space
// playbook preconditions are written against.
func preconditionContext(enriched *contracts.EnrichedEvent) map[string]any {
	pctx := map[string]any{
		"intent":     string(enriched.Intent),
		"event_type": enriched.Original.EventType,
		"resource":   enriched.Original.Resource,
		"confidence": enriched.Confidence,
		"risk":       enriched.Risk,
	}
	for k, v := range enriched.Context {
		pctx[k] = v
	}
	for k, v := range enriched.Original.Payload {
		pctx[k] = v
	}
	return pctx
}

func scoreRisk(playbookRisk string, enrichedRisk float64, radius int, guardrail float64) float64 {
	base := 0.25 * float64(riskRank[playbookRisk]) / 3
	radiusNorm := float64(radius) / (float64(radius) + 5)
	raw := (base + 0.45*enrichedRisk + 0.3*radiusNorm) * guardrail
	if raw < 0 {
		raw = 0
	}
	if raw > 1 {
		raw = 1
	}
	return raw
}
