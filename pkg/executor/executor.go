// Package executor runs approved recovery plans step by step. Steps are
// strictly sequential per plan, each one logged before the adapter call
// and verified after it. Failures roll back in reverse, best effort,
// and every terminal plan leaves a signed outcome in the ledger.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aaron031291/grace/pkg/adapters"
	"github.com/aaron031291/grace/pkg/canonicalize"
	"github.com/aaron031291/grace/pkg/contracts"
	"github.com/aaron031291/grace/pkg/crypto"
	"github.com/aaron031291/grace/pkg/predicate"
)

// Defaults for adapter calls. MaxRetries on the playbook overrides the
// retry cap.
const (
	defaultStepTimeout  = 30 * time.Second
	defaultMaxRetries   = 3
	initialBackoff      = 100 * time.Millisecond
	maxBackoff          = 5 * time.Second
	shutdownInterrupted = "shutdown_interrupted"
)

// LedgerWriter records step and outcome entries. Outcome entries are
// security-relevant; failures abort the finalisation.
type LedgerWriter interface {
	Append(ctx context.Context, fields contracts.LedgerFields) (uint64, error)
}

// Publisher emits plan lifecycle events.
type Publisher interface {
	Publish(event contracts.Event) error
}

// Escalator opens a critical parliament session when rollback fails.
type Escalator interface {
	OpenReview(ctx context.Context, policyName, actionType string, payload map[string]any, actor, resource, riskLevel string) (string, error)
}

// OutcomeSink feeds results back into playbook selection.
type OutcomeSink interface {
	RecordOutcome(playbookID string, success bool)
}

// Executor owns plan execution. Plans with overlapping target nodes are
// serialised: the second waits in queued until the first leaves
// executing.
type Executor struct {
	registry   *adapters.Registry
	ledger     LedgerWriter
	mesh       Publisher
	signer     crypto.Signer
	cryptoID   string
	escalator  Escalator
	outcomes   OutcomeSink
	logger     *slog.Logger
	clock      func() time.Time
	stepBudget time.Duration
	sleep      func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	executing map[string]string // target node -> plan id
	queue     []*contracts.RecoveryPlan
}

func New(registry *adapters.Registry, ledger LedgerWriter, mesh Publisher, signer crypto.Signer, cryptoID string, logger *slog.Logger) *Executor {
	return &Executor{
		registry:   registry,
		ledger:     ledger,
		mesh:       mesh,
		signer:     signer,
		cryptoID:   cryptoID,
		logger:     logger,
		clock:      time.Now,
		stepBudget: defaultStepTimeout,
		sleep:      sleepCtx,
		executing:  make(map[string]string),
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Executor) WithClock(clock func() time.Time) *Executor {
	e.clock = clock
	return e
}

// WithEscalator wires rollback-failure escalation to parliament.
func (e *Executor) WithEscalator(esc Escalator) *Executor {
	e.escalator = esc
	return e
}

// WithOutcomeSink wires success feedback to the planner.
func (e *Executor) WithOutcomeSink(sink OutcomeSink) *Executor {
	e.outcomes = sink
	return e
}

// WithSleep replaces the backoff sleeper so tests skip real waiting.
func (e *Executor) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Executor {
	e.sleep = sleep
	return e
}

// Execute drives one approved plan to a terminal state. Plans whose
// targets overlap a currently executing plan come back queued without
// running; the caller resubmits on Release.
func (e *Executor) Execute(ctx context.Context, plan *contracts.RecoveryPlan) (*contracts.SignedOutcome, error) {
	if plan == nil {
		return nil, contracts.ErrValidation("plan is required")
	}
	if plan.Status != contracts.PlanApproved && plan.Status != contracts.PlanQueued {
		return nil, contracts.ErrConflict("plan %s is %s, not approved", plan.PlanID, plan.Status)
	}

	if blockedBy := e.claim(plan); blockedBy != "" {
		plan.Status = contracts.PlanQueued
		e.logger.Info("plan queued behind overlapping execution",
			"plan_id", plan.PlanID, "blocking_plan", blockedBy)
		return nil, nil
	}
	defer e.release(plan)

	plan.Status = contracts.PlanExecuting
	started := e.clock().UTC()

	execErr := e.runSteps(ctx, plan)
	verificationPassed := execErr == nil

	if execErr != nil {
		plan.Status = contracts.PlanFailed
		plan.Outcome = execErr.Error()
		if len(plan.Playbook.RollbackSteps) > 0 {
			if e.rollback(ctx, plan) {
				plan.Status = contracts.PlanRolledBack
			} else {
				e.escalateRollbackFailure(ctx, plan)
			}
		}
	} else {
		plan.Status = contracts.PlanCompleted
		plan.Outcome = "all steps completed and verified"
	}

	completed := e.clock().UTC()
	plan.CompletedAt = &completed

	outcome, err := e.finalize(ctx, plan, started, completed, verificationPassed, execErr)
	if err != nil {
		return nil, err
	}
	if e.outcomes != nil {
		e.outcomes.RecordOutcome(plan.Playbook.PlaybookID, plan.Status == contracts.PlanCompleted)
	}
	return outcome, err
}

// Shutdown marks a still-executing plan failed and attempts rollback.
func (e *Executor) Shutdown(ctx context.Context, plan *contracts.RecoveryPlan) {
	if plan == nil || plan.Status != contracts.PlanExecuting {
		return
	}
	plan.Status = contracts.PlanFailed
	plan.Outcome = shutdownInterrupted
	if len(plan.Playbook.RollbackSteps) > 0 && e.rollback(ctx, plan) {
		plan.Status = contracts.PlanRolledBack
	}
	completed := e.clock().UTC()
	plan.CompletedAt = &completed
	if _, err := e.finalize(ctx, plan, completed, completed, false, fmt.Errorf("%s", shutdownInterrupted)); err != nil {
		e.logger.Error("failed to finalize interrupted plan", "plan_id", plan.PlanID, "err", err)
	}
	e.release(plan)
}

// NextQueued pops the oldest queued plan whose targets are now free.
func (e *Executor) NextQueued() *contracts.RecoveryPlan {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, plan := range e.queue {
		if !e.overlapsLocked(plan) {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			return plan
		}
	}
	return nil
}

func (e *Executor) claim(plan *contracts.RecoveryPlan) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, node := range plan.TargetNodes {
		if holder, busy := e.executing[node]; busy && holder != plan.PlanID {
			e.queue = append(e.queue, plan)
			return holder
		}
	}
	for _, node := range plan.TargetNodes {
		e.executing[node] = plan.PlanID
	}
	return ""
}

func (e *Executor) overlapsLocked(plan *contracts.RecoveryPlan) bool {
	for _, node := range plan.TargetNodes {
		if _, busy := e.executing[node]; busy {
			return true
		}
	}
	return false
}

func (e *Executor) release(plan *contracts.RecoveryPlan) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, node := range plan.TargetNodes {
		if e.executing[node] == plan.PlanID {
			delete(e.executing, node)
		}
	}
}

func (e *Executor) runSteps(ctx context.Context, plan *contracts.RecoveryPlan) error {
	for i, step := range plan.Playbook.Steps {
		if err := ctx.Err(); err != nil {
			return contracts.NewError(contracts.KindShutdown, "execution cancelled at step %d", i)
		}
		if _, err := e.ledger.Append(ctx, contracts.LedgerFields{
			Actor:     "executor",
			Action:    "playbook.step_started",
			Resource:  step.Target,
			Subsystem: contracts.SubsystemExecution,
			Payload: map[string]any{
				"plan_id":     plan.PlanID,
				"playbook_id": plan.Playbook.PlaybookID,
				"step_index":  i,
				"step_type":   step.Type,
			},
			Result: contracts.ResultStarted,
		}); err != nil {
			return err
		}

		result, err := e.callWithRetries(ctx, plan, step)
		if err != nil {
			return fmt.Errorf("step %d (%s): %w", i, step.Type, err)
		}

		if i < len(plan.Playbook.Verifications) {
			verification := plan.Playbook.Verifications[i]
			if !predicate.Eval(verification, result.Data) {
				return contracts.NewError(contracts.KindValidation,
					"step %d (%s): verification_failed on %q", i, step.Type, verification.Key)
			}
		}
	}
	return nil
}

// callWithRetries invokes the adapter with a per-call deadline and
// exponential backoff on retryable failures, capped by the playbook.
func (e *Executor) callWithRetries(ctx context.Context, plan *contracts.RecoveryPlan, step contracts.StepAction) (adapters.Result, error) {
	adapter, err := e.registry.Resolve(step.Type)
	if err != nil {
		return adapters.Result{}, err
	}

	maxRetries := plan.Playbook.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	backoff := initialBackoff
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if err := e.sleep(ctx, backoff); err != nil {
				return adapters.Result{}, contracts.NewError(contracts.KindShutdown, "cancelled during backoff")
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, e.stepBudget)
		result, err := adapter.Execute(callCtx, step)
		cancel()

		switch {
		case err != nil:
			lastErr = contracts.ErrAdapter(true, err)
		case result.OK:
			return result, nil
		case result.Retryable:
			lastErr = contracts.ErrAdapter(true, fmt.Errorf("%s", result.Err))
		default:
			return result, contracts.ErrAdapter(false, fmt.Errorf("%s", result.Err))
		}
	}
	return adapters.Result{}, lastErr
}

// rollback runs rollback steps in reverse order, best effort. It
// reports whether every rollback step succeeded.
func (e *Executor) rollback(ctx context.Context, plan *contracts.RecoveryPlan) bool {
	ok := true
	steps := plan.Playbook.RollbackSteps
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		result, err := e.callWithRetries(ctx, plan, step)
		if err != nil || !result.OK {
			ok = false
			e.logger.Error("rollback step failed",
				"plan_id", plan.PlanID, "step_index", i, "step_type", step.Type, "err", err)
		}
	}
	return ok
}

func (e *Executor) escalateRollbackFailure(ctx context.Context, plan *contracts.RecoveryPlan) {
	if err := e.mesh.Publish(contracts.Event{
		EventType: "plan.rollback_failed",
		Source:    "executor",
		Actor:     "executor",
		Resource:  firstTarget(plan),
		Subsystem: contracts.SubsystemExecution,
		Payload:   map[string]any{"plan_id": plan.PlanID, "playbook_id": plan.Playbook.PlaybookID},
	}); err != nil {
		e.logger.Warn("failed to publish rollback failure", "plan_id", plan.PlanID, "err", err)
	}
	if e.escalator == nil {
		return
	}
	sessionID, err := e.escalator.OpenReview(ctx, "", "rollback_failure",
		map[string]any{"plan_id": plan.PlanID, "playbook_id": plan.Playbook.PlaybookID},
		"executor", firstTarget(plan), contracts.RiskCritical)
	if err != nil {
		e.logger.Error("failed to escalate rollback failure", "plan_id", plan.PlanID, "err", err)
		return
	}
	e.logger.Warn("rollback failed, escalated to parliament",
		"plan_id", plan.PlanID, "session_id", sessionID)
}

// finalize publishes plan.executed and appends the signed outcome.
func (e *Executor) finalize(ctx context.Context, plan *contracts.RecoveryPlan, started, completed time.Time, verificationPassed bool, execErr error) (*contracts.SignedOutcome, error) {
	rationale := plan.Outcome
	trustDecision := "maintain"
	var insights []string
	switch plan.Status {
	case contracts.PlanCompleted:
		trustDecision = "increase"
		insights = append(insights, fmt.Sprintf("playbook %s succeeded on %s", plan.Playbook.PlaybookID, firstTarget(plan)))
	case contracts.PlanFailed, contracts.PlanRolledBack:
		trustDecision = "decrease"
		if execErr != nil {
			insights = append(insights, fmt.Sprintf("failure kind %s", contracts.KindOf(execErr)))
		}
	}

	outcome := &contracts.SignedOutcome{
		PlanID:             plan.PlanID,
		PlaybookID:         plan.Playbook.PlaybookID,
		Result:             string(plan.Status),
		Duration:           completed.Sub(started),
		VerificationPassed: verificationPassed,
		TrustDecision:      trustDecision,
		Rationale:          rationale,
		LearnedInsights:    insights,
		SignerCryptoID:     e.cryptoID,
	}
	digest := canonicalize.HashFields(outcome.PlanID, outcome.PlaybookID, outcome.Result,
		outcome.Duration.String(), fmt.Sprint(outcome.VerificationPassed), outcome.TrustDecision)
	sig, err := e.signer.Sign([]byte(digest))
	if err != nil {
		return nil, fmt.Errorf("outcome signing failed: %w", err)
	}
	outcome.Signature = sig

	if err := e.mesh.Publish(contracts.Event{
		EventType: "plan.executed",
		Source:    "executor",
		Actor:     "executor",
		Resource:  firstTarget(plan),
		Subsystem: contracts.SubsystemExecution,
		Payload: map[string]any{
			"plan_id": plan.PlanID,
			"status":  string(plan.Status),
		},
	}); err != nil {
		e.logger.Warn("failed to publish plan outcome", "plan_id", plan.PlanID, "err", err)
	}

	if _, err := e.ledger.Append(ctx, contracts.LedgerFields{
		Actor:     "executor",
		Action:    "plan.outcome",
		Resource:  firstTarget(plan),
		Subsystem: contracts.SubsystemExecution,
		Payload: map[string]any{
			"plan_id":             outcome.PlanID,
			"playbook_id":         outcome.PlaybookID,
			"result":              outcome.Result,
			"duration_ms":         outcome.Duration.Milliseconds(),
			"verification_passed": outcome.VerificationPassed,
			"trust_decision":      outcome.TrustDecision,
			"rationale":           outcome.Rationale,
			"learned_insights":    outcome.LearnedInsights,
			"signature":           outcome.Signature,
			"signer_crypto_id":    outcome.SignerCryptoID,
		},
		Result: resultFor(plan.Status),
	}); err != nil {
		return nil, err
	}
	return outcome, nil
}

func resultFor(status contracts.PlanStatus) string {
	if status == contracts.PlanCompleted {
		return contracts.ResultSuccess
	}
	return contracts.ResultFailed
}

func firstTarget(plan *contracts.RecoveryPlan) string {
	if len(plan.TargetNodes) > 0 {
		return plan.TargetNodes[0]
	}
	return ""
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
