// Package governance is the policy gate: every proposed action passes
// through Check and receives allow, deny, or review. Review opens a
// parliament session. Evaluation is fail-closed: a policy that cannot
// be evaluated behaves as if it matched a deny.
package governance

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"
	"github.com/google/uuid"

	"github.com/aaron031291/grace/pkg/canonicalize"
	"github.com/aaron031291/grace/pkg/contracts"
)

// LedgerWriter records governance decisions. Decisions are
// security-relevant: append failures propagate.
type LedgerWriter interface {
	Append(ctx context.Context, fields contracts.LedgerFields) (uint64, error)
}

// SessionOpener opens a parliament session for review outcomes.
type SessionOpener interface {
	OpenReview(ctx context.Context, policyName, actionType string, payload map[string]any, actor, resource, riskLevel string) (string, error)
}

type compiledPolicy struct {
	policy  contracts.Policy
	program cel.Program
}

// Gate evaluates policies against proposed actions.
type Gate struct {
	mu       sync.RWMutex
	env      *cel.Env
	policies []compiledPolicy

	ledger     LedgerWriter
	parliament SessionOpener
	logger     *slog.Logger
	clock      func() time.Time

	trust *TrustRegistry
}

// NewGate builds a gate with an empty policy set (which allows
// everything that the built-in sensitivity heuristics do not flag).
func NewGate(ledger LedgerWriter, parliament SessionOpener, logger *slog.Logger) (*Gate, error) {
	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("action", types.StringType),
			decls.NewVariable("resource", types.StringType),
			decls.NewVariable("actor", types.StringType),
			decls.NewVariable("payload", types.NewMapType(types.StringType, types.DynType)),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	return &Gate{
		env:        env,
		ledger:     ledger,
		parliament: parliament,
		logger:     logger,
		clock:      time.Now,
		trust:      NewTrustRegistry(),
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// Trust exposes the per-domain trust registry.
func (g *Gate) Trust() *TrustRegistry { return g.trust }

// LoadPolicies replaces the active policy set. CEL conditions are
// compiled here; a policy that fails to compile is rejected outright.
func (g *Gate) LoadPolicies(policies []contracts.Policy) error {
	compiled := make([]compiledPolicy, 0, len(policies))
	for _, p := range policies {
		cp := compiledPolicy{policy: p}
		if p.Condition.CEL != "" {
			ast, issues := g.env.Compile(p.Condition.CEL)
			if issues != nil && issues.Err() != nil {
				return fmt.Errorf("policy %q compilation failed: %w", p.Name, issues.Err())
			}
			prg, err := g.env.Program(ast)
			if err != nil {
				return fmt.Errorf("policy %q program construction failed: %w", p.Name, err)
			}
			cp.program = prg
		}
		compiled = append(compiled, cp)
	}
	// Highest severity first; deny wins at equal severity.
	sort.SliceStable(compiled, func(i, j int) bool {
		pi, pj := compiled[i].policy, compiled[j].policy
		if pi.Severity != pj.Severity {
			return pi.Severity > pj.Severity
		}
		return pi.Action == contracts.PolicyDeny && pj.Action != contracts.PolicyDeny
	})

	g.mu.Lock()
	g.policies = compiled
	g.mu.Unlock()
	return nil
}

// Check produces {allow, deny, review} for a proposed action plus a
// reason and an audit id. Review outcomes carry the opened parliament
// session id. Every decision is appended to the ledger.
func (g *Gate) Check(ctx context.Context, actor, action, resource string, payload map[string]any) (contracts.Decision, error) {
	decision := g.evaluate(actor, action, resource, payload)
	decision.AuditID = "aud-" + uuid.New().String()

	if decision.Decision == contracts.PolicyReview && g.parliament != nil {
		riskLevel, _ := payload["risk_level"].(string)
		if riskLevel == "" {
			riskLevel = contracts.RiskHigh
		}
		sessionID, err := g.parliament.OpenReview(ctx, decision.Reason, action, payload, actor, resource, riskLevel)
		if err != nil {
			return contracts.Decision{}, fmt.Errorf("opening review session: %w", err)
		}
		decision.ParliamentSessionID = sessionID
	}

	if g.ledger != nil {
		_, err := g.ledger.Append(ctx, contracts.LedgerFields{
			Actor:     actor,
			Action:    "governance.check",
			Resource:  resource,
			Subsystem: contracts.SubsystemGovernance,
			Payload: map[string]any{
				"checked_action":        action,
				"reason":                decision.Reason,
				"audit_id":              decision.AuditID,
				"parliament_session_id": decision.ParliamentSessionID,
			},
			Result: string(decision.Decision),
		})
		if err != nil {
			// Decisions without an audit trail are unusable.
			return contracts.Decision{}, err
		}
	}

	return decision, nil
}

func (g *Gate) evaluate(actor, action, resource string, payload map[string]any) contracts.Decision {
	g.mu.RLock()
	policies := g.policies
	g.mu.RUnlock()

	canonical, err := canonicalize.JCSString(payload)
	if err != nil {
		return contracts.Decision{Decision: contracts.PolicyDeny, Reason: "payload not canonicalizable"}
	}
	haystack := strings.ToLower(canonical)

	// 1. Static policies in severity order; a matching deny wins, a
	// matching review defers to parliament.
	var reviewReason string
	for _, cp := range policies {
		matched, err := g.matches(cp, actor, action, resource, payload, haystack)
		if err != nil {
			// Fail closed.
			return contracts.Decision{
				Decision: contracts.PolicyDeny,
				Reason:   fmt.Sprintf("policy %s evaluation error: %v", cp.policy.Name, err),
			}
		}
		if !matched {
			continue
		}
		switch cp.policy.Action {
		case contracts.PolicyDeny:
			return contracts.Decision{
				Decision: contracts.PolicyDeny,
				Reason:   fmt.Sprintf("denied by policy %s", cp.policy.Name),
			}
		case contracts.PolicyReview:
			if reviewReason == "" {
				reviewReason = cp.policy.Name
			}
		}
	}
	if reviewReason != "" {
		return contracts.Decision{Decision: contracts.PolicyReview, Reason: reviewReason}
	}

	// 2. Risk level from the payload or derived from the action class.
	risk, _ := payload["risk_level"].(string)
	if risk == contracts.RiskHigh || risk == contracts.RiskCritical {
		return contracts.Decision{Decision: contracts.PolicyReview, Reason: fmt.Sprintf("risk level %s requires review", risk)}
	}

	// 3. Schema-like sensitivities.
	lowered := strings.ToLower(action)
	if strings.Contains(lowered, "schema") ||
		(strings.Contains(lowered, "delete") && strings.Contains(strings.ToLower(resource), "primary")) {
		return contracts.Decision{Decision: contracts.PolicyReview, Reason: "sensitive action requires review"}
	}

	return contracts.Decision{Decision: contracts.PolicyAllow, Reason: "no policy matched"}
}

// matches evaluates one policy's condition. Every populated field must
// match.
func (g *Gate) matches(cp compiledPolicy, actor, action, resource string, payload map[string]any, haystack string) (bool, error) {
	cond := cp.policy.Condition

	if cond.Action != "" && cond.Action != action {
		return false, nil
	}
	if cond.RiskLevel != "" {
		risk, _ := payload["risk_level"].(string)
		if risk != cond.RiskLevel {
			return false, nil
		}
	}
	if len(cond.Keywords) > 0 {
		any := false
		for _, kw := range cond.Keywords {
			if strings.Contains(haystack, strings.ToLower(kw)) {
				any = true
				break
			}
		}
		if !any {
			return false, nil
		}
	}
	if len(cond.ForbiddenPaths) > 0 {
		any := false
		for _, p := range cond.ForbiddenPaths {
			if strings.Contains(resource, p) {
				any = true
				break
			}
		}
		if !any {
			return false, nil
		}
	}
	if cp.program != nil {
		input := map[string]any{
			"action":   action,
			"resource": resource,
			"actor":    actor,
			"payload":  payload,
		}
		out, _, err := cp.program.Eval(input)
		if err != nil {
			return false, err
		}
		allowed, ok := out.Value().(bool)
		if !ok || !allowed {
			return false, nil
		}
	}
	return true, nil
}
