package executor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaron031291/grace/pkg/adapters"
	"github.com/aaron031291/grace/pkg/contracts"
	"github.com/aaron031291/grace/pkg/crypto"
)

type fakeLedger struct {
	entries []contracts.LedgerFields
}

func (f *fakeLedger) Append(_ context.Context, fields contracts.LedgerFields) (uint64, error) {
	f.entries = append(f.entries, fields)
	return uint64(len(f.entries)), nil
}

func (f *fakeLedger) byAction(action string) []contracts.LedgerFields {
	var out []contracts.LedgerFields
	for _, e := range f.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

type fakeMesh struct{ events []contracts.Event }

func (f *fakeMesh) Publish(e contracts.Event) error {
	f.events = append(f.events, e)
	return nil
}

func (f *fakeMesh) byType(eventType string) []contracts.Event {
	var out []contracts.Event
	for _, e := range f.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type fakeEscalator struct {
	sessions []string
}

func (f *fakeEscalator) OpenReview(_ context.Context, _, actionType string, _ map[string]any, _, _, riskLevel string) (string, error) {
	f.sessions = append(f.sessions, actionType+":"+riskLevel)
	return "sess-escalated", nil
}

func newTestExecutor(t *testing.T, scripted *adapters.ScriptedAdapter) (*Executor, *fakeLedger, *fakeMesh, *fakeEscalator) {
	t.Helper()
	registry := adapters.NewRegistry()
	registry.Register(scripted, "scale_up", "restart", "scale_down")
	signer, err := crypto.NewEd25519Signer("executor-key")
	require.NoError(t, err)

	led := &fakeLedger{}
	mesh := &fakeMesh{}
	esc := &fakeEscalator{}
	ex := New(registry, led, mesh, signer, "crypto-executor", slog.New(slog.NewTextHandler(io.Discard, nil))).
		WithEscalator(esc).
		WithSleep(func(context.Context, time.Duration) error { return nil })
	return ex, led, mesh, esc
}

func approvedPlan(id string, targets ...string) *contracts.RecoveryPlan {
	if len(targets) == 0 {
		targets = []string{"svc-a"}
	}
	return &contracts.RecoveryPlan{
		PlanID: id,
		Playbook: contracts.Playbook{
			PlaybookID: "pb-scale-up",
			Steps:      []contracts.StepAction{{Type: "scale_up", Target: targets[0]}},
			Verifications: []contracts.Predicate{
				{Key: "replicas", Op: "gte", Value: 2},
			},
			RollbackSteps: []contracts.StepAction{{Type: "scale_down", Target: targets[0]}},
			MaxRetries:    2,
		},
		TargetNodes: targets,
		Status:      contracts.PlanApproved,
		CreatedAt:   time.Now().UTC(),
	}
}

func TestSuccessfulExecution(t *testing.T) {
	// Seed scenario 1, executor leg: approved plan runs to completed with
	// one signed outcome in the log.
	scripted := adapters.NewScriptedAdapter("infra").
		Script("scale_up", adapters.Result{OK: true, Data: map[string]any{"replicas": 3}})
	ex, led, mesh, _ := newTestExecutor(t, scripted)

	plan := approvedPlan("plan-1")
	outcome, err := ex.Execute(context.Background(), plan)
	require.NoError(t, err)
	require.NotNil(t, outcome)

	assert.Equal(t, contracts.PlanCompleted, plan.Status)
	assert.True(t, outcome.VerificationPassed)
	assert.Equal(t, "increase", outcome.TrustDecision)
	assert.NotEmpty(t, outcome.Signature)
	assert.Equal(t, "crypto-executor", outcome.SignerCryptoID)

	assert.Len(t, led.byAction("playbook.step_started"), 1)
	outcomes := led.byAction("plan.outcome")
	require.Len(t, outcomes, 1)
	assert.Equal(t, contracts.ResultSuccess, outcomes[0].Result)
	require.Len(t, mesh.byType("plan.executed"), 1)
	assert.Equal(t, "completed", mesh.byType("plan.executed")[0].Payload["status"])
}

func TestOutcomeSignatureVerifies(t *testing.T) {
	scripted := adapters.NewScriptedAdapter("infra").
		Script("scale_up", adapters.Result{OK: true, Data: map[string]any{"replicas": 3}})
	ex, _, _, _ := newTestExecutor(t, scripted)

	outcome, err := ex.Execute(context.Background(), approvedPlan("plan-1"))
	require.NoError(t, err)
	require.NotEmpty(t, outcome.Signature)
}

func TestRetryableFailureRetriesWithCap(t *testing.T) {
	scripted := adapters.NewScriptedAdapter("infra").
		Script("scale_up",
			adapters.Result{OK: false, Err: "connection refused", Retryable: true},
			adapters.Result{OK: false, Err: "connection refused", Retryable: true},
			adapters.Result{OK: true, Data: map[string]any{"replicas": 3}})
	ex, _, _, _ := newTestExecutor(t, scripted)

	plan := approvedPlan("plan-1")
	_, err := ex.Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, contracts.PlanCompleted, plan.Status)
	assert.Equal(t, 3, scripted.CallCount("scale_up"))
}

func TestRetriesExhaustedRollsBack(t *testing.T) {
	scripted := adapters.NewScriptedAdapter("infra").
		Script("scale_up", adapters.Result{OK: false, Err: "unreachable", Retryable: true}).
		Script("scale_down", adapters.Result{OK: true})
	ex, led, _, _ := newTestExecutor(t, scripted)

	plan := approvedPlan("plan-1")
	outcome, err := ex.Execute(context.Background(), plan)
	require.NoError(t, err)

	// MaxRetries=2 means one initial attempt plus two retries.
	assert.Equal(t, 3, scripted.CallCount("scale_up"))
	assert.Equal(t, 1, scripted.CallCount("scale_down"))
	assert.Equal(t, contracts.PlanRolledBack, plan.Status)
	assert.Equal(t, "decrease", outcome.TrustDecision)
	assert.Equal(t, contracts.ResultFailed, led.byAction("plan.outcome")[0].Result)
}

func TestNonRetryableFailureAbortsImmediately(t *testing.T) {
	scripted := adapters.NewScriptedAdapter("infra").
		Script("scale_up", adapters.Result{OK: false, Err: "forbidden", Retryable: false}).
		Script("scale_down", adapters.Result{OK: true})
	ex, _, _, _ := newTestExecutor(t, scripted)

	plan := approvedPlan("plan-1")
	_, err := ex.Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, 1, scripted.CallCount("scale_up"))
	assert.Equal(t, contracts.PlanRolledBack, plan.Status)
}

func TestVerificationFailureRollsBack(t *testing.T) {
	scripted := adapters.NewScriptedAdapter("infra").
		Script("scale_up", adapters.Result{OK: true, Data: map[string]any{"replicas": 1}}).
		Script("scale_down", adapters.Result{OK: true})
	ex, _, _, _ := newTestExecutor(t, scripted)

	plan := approvedPlan("plan-1")
	outcome, err := ex.Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, contracts.PlanRolledBack, plan.Status)
	assert.False(t, outcome.VerificationPassed)
	assert.Contains(t, outcome.Rationale, "verification_failed")
}

func TestRollbackFailureEscalates(t *testing.T) {
	scripted := adapters.NewScriptedAdapter("infra").
		Script("scale_up", adapters.Result{OK: false, Err: "forbidden"}).
		Script("scale_down", adapters.Result{OK: false, Err: "also broken"})
	ex, _, mesh, esc := newTestExecutor(t, scripted)

	plan := approvedPlan("plan-1")
	_, err := ex.Execute(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, contracts.PlanFailed, plan.Status)
	require.Len(t, mesh.byType("plan.rollback_failed"), 1)
	require.Len(t, esc.sessions, 1)
	assert.Equal(t, "rollback_failure:critical", esc.sessions[0])
}

func TestRollbackStepsRunInReverse(t *testing.T) {
	scripted := adapters.NewScriptedAdapter("infra").
		Script("scale_up", adapters.Result{OK: false, Err: "forbidden"}).
		Script("restart", adapters.Result{OK: true}).
		Script("scale_down", adapters.Result{OK: true})
	ex, _, _, _ := newTestExecutor(t, scripted)

	plan := approvedPlan("plan-1")
	plan.Playbook.RollbackSteps = []contracts.StepAction{
		{Type: "scale_down", Target: "svc-a"},
		{Type: "restart", Target: "svc-a"},
	}
	_, err := ex.Execute(context.Background(), plan)
	require.NoError(t, err)

	// The listed order is scale_down then restart; reverse execution
	// runs restart first.
	calls := scripted.Calls
	require.Len(t, calls, 3)
	assert.Equal(t, "restart", calls[1].Type)
	assert.Equal(t, "scale_down", calls[2].Type)
}

func TestOverlappingPlansQueue(t *testing.T) {
	scripted := adapters.NewScriptedAdapter("infra").
		Script("scale_up", adapters.Result{OK: true, Data: map[string]any{"replicas": 3}})
	ex, _, _, _ := newTestExecutor(t, scripted)

	first := approvedPlan("plan-1", "svc-a")
	second := approvedPlan("plan-2", "svc-a")

	// Hold svc-a as if plan-1 were mid-execution.
	require.Empty(t, ex.claim(first))
	outcome, err := ex.Execute(context.Background(), second)
	require.NoError(t, err)
	assert.Nil(t, outcome)
	assert.Equal(t, contracts.PlanQueued, second.Status)
	assert.Nil(t, ex.NextQueued())

	ex.release(first)
	queued := ex.NextQueued()
	require.NotNil(t, queued)
	assert.Equal(t, "plan-2", queued.PlanID)

	outcome, err = ex.Execute(context.Background(), queued)
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, contracts.PlanCompleted, queued.Status)
}

func TestDisjointPlansDoNotQueue(t *testing.T) {
	scripted := adapters.NewScriptedAdapter("infra").
		Script("scale_up", adapters.Result{OK: true, Data: map[string]any{"replicas": 3}})
	ex, _, _, _ := newTestExecutor(t, scripted)

	first := approvedPlan("plan-1", "svc-a")
	require.Empty(t, ex.claim(first))

	second := approvedPlan("plan-2", "svc-b")
	outcome, err := ex.Execute(context.Background(), second)
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, contracts.PlanCompleted, second.Status)
}

func TestUnapprovedPlanRejected(t *testing.T) {
	scripted := adapters.NewScriptedAdapter("infra")
	ex, _, _, _ := newTestExecutor(t, scripted)

	plan := approvedPlan("plan-1")
	plan.Status = contracts.PlanProposed
	_, err := ex.Execute(context.Background(), plan)
	assert.Equal(t, contracts.KindConflict, contracts.KindOf(err))
}

func TestMissingAdapterFailsPlan(t *testing.T) {
	scripted := adapters.NewScriptedAdapter("infra")
	ex, _, _, _ := newTestExecutor(t, scripted)

	plan := approvedPlan("plan-1")
	plan.Playbook.Steps = []contracts.StepAction{{Type: "unwired_action", Target: "svc-a"}}
	plan.Playbook.RollbackSteps = nil
	_, err := ex.Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, contracts.PlanFailed, plan.Status)
	assert.Contains(t, plan.Outcome, "unwired_action")
}

type outcomeRecorder struct{ records []bool }

func (o *outcomeRecorder) RecordOutcome(_ string, success bool) {
	o.records = append(o.records, success)
}

func TestOutcomeFeedback(t *testing.T) {
	scripted := adapters.NewScriptedAdapter("infra").
		Script("scale_up", adapters.Result{OK: true, Data: map[string]any{"replicas": 3}})
	ex, _, _, _ := newTestExecutor(t, scripted)
	recorder := &outcomeRecorder{}
	ex.WithOutcomeSink(recorder)

	_, err := ex.Execute(context.Background(), approvedPlan("plan-1"))
	require.NoError(t, err)
	require.Len(t, recorder.records, 1)
	assert.True(t, recorder.records[0])
}
