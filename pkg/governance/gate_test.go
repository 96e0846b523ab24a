package governance

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/aaron031291/grace/pkg/contracts"
)

type fakeLedger struct {
	entries []contracts.LedgerFields
	fail    bool
}

func (f *fakeLedger) Append(_ context.Context, fields contracts.LedgerFields) (uint64, error) {
	if f.fail {
		return 0, contracts.NewError(contracts.KindLogUnavailable, "store down")
	}
	f.entries = append(f.entries, fields)
	return uint64(len(f.entries)), nil
}

type fakeParliament struct {
	opened int
}

func (f *fakeParliament) OpenReview(_ context.Context, policyName, actionType string, payload map[string]any, actor, resource, riskLevel string) (string, error) {
	f.opened++
	return "sess-42", nil
}

func newTestGate(t *testing.T) (*Gate, *fakeLedger, *fakeParliament) {
	t.Helper()
	led := &fakeLedger{}
	parl := &fakeParliament{}
	gate, err := NewGate(led, parl, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return gate, led, parl
}

func TestEmptyPolicySetAllows(t *testing.T) {
	gate, led, _ := newTestGate(t)
	d, err := gate.Check(context.Background(), "planner", "scale_up", "svc-a", nil)
	require.NoError(t, err)
	assert.Equal(t, contracts.PolicyAllow, d.Decision)
	assert.NotEmpty(t, d.AuditID)
	require.Len(t, led.entries, 1)
	assert.Equal(t, string(contracts.PolicyAllow), led.entries[0].Result)
}

func TestDenyWinsImmediately(t *testing.T) {
	gate, _, parl := newTestGate(t)
	require.NoError(t, gate.LoadPolicies([]contracts.Policy{
		{Name: "no-prod-deletes", Condition: contracts.PolicyCondition{Action: "delete"}, Action: contracts.PolicyDeny, Severity: 10},
		{Name: "review-deletes", Condition: contracts.PolicyCondition{Action: "delete"}, Action: contracts.PolicyReview, Severity: 5},
	}))

	d, err := gate.Check(context.Background(), "op", "delete", "db-1", nil)
	require.NoError(t, err)
	assert.Equal(t, contracts.PolicyDeny, d.Decision)
	assert.Contains(t, d.Reason, "no-prod-deletes")
	assert.Zero(t, parl.opened, "deny never reaches parliament")
}

func TestKeywordReviewOpensParliamentSession(t *testing.T) {
	// Seed scenario 2: execute with a "dangerous" keyword goes to review.
	gate, led, parl := newTestGate(t)
	require.NoError(t, gate.LoadPolicies([]contracts.Policy{
		{Name: "dangerous-ops", Condition: contracts.PolicyCondition{Action: "execute", Keywords: []string{"dangerous"}}, Action: contracts.PolicyReview, Severity: 7},
	}))

	d, err := gate.Check(context.Background(), "op", "execute", "svc-a",
		map[string]any{"command": "dangerous op"})
	require.NoError(t, err)
	assert.Equal(t, contracts.PolicyReview, d.Decision)
	assert.Equal(t, "sess-42", d.ParliamentSessionID)
	assert.Equal(t, 1, parl.opened)
	require.Len(t, led.entries, 1)
	assert.Equal(t, "sess-42", led.entries[0].Payload["parliament_session_id"])

	// Same action without the keyword passes.
	d, err = gate.Check(context.Background(), "op", "execute", "svc-a",
		map[string]any{"command": "routine op"})
	require.NoError(t, err)
	assert.Equal(t, contracts.PolicyAllow, d.Decision)
}

func TestKeywordMatchIsCaseInsensitive(t *testing.T) {
	gate, _, _ := newTestGate(t)
	require.NoError(t, gate.LoadPolicies([]contracts.Policy{
		{Name: "kw", Condition: contracts.PolicyCondition{Keywords: []string{"DANGEROUS"}}, Action: contracts.PolicyDeny, Severity: 1},
	}))
	d, err := gate.Check(context.Background(), "op", "execute", "r", map[string]any{"cmd": "Dangerous Thing"})
	require.NoError(t, err)
	assert.Equal(t, contracts.PolicyDeny, d.Decision)
}

func TestForbiddenPathMatchesResourceSubstring(t *testing.T) {
	gate, _, _ := newTestGate(t)
	require.NoError(t, gate.LoadPolicies([]contracts.Policy{
		{Name: "protect-etc", Condition: contracts.PolicyCondition{ForbiddenPaths: []string{"/etc/"}}, Action: contracts.PolicyDeny, Severity: 9},
	}))
	d, err := gate.Check(context.Background(), "op", "write_file", "/etc/passwd", nil)
	require.NoError(t, err)
	assert.Equal(t, contracts.PolicyDeny, d.Decision)

	d, err = gate.Check(context.Background(), "op", "write_file", "/tmp/scratch", nil)
	require.NoError(t, err)
	assert.Equal(t, contracts.PolicyAllow, d.Decision)
}

func TestHighRiskGoesToReview(t *testing.T) {
	gate, _, _ := newTestGate(t)
	for _, risk := range []string{contracts.RiskHigh, contracts.RiskCritical} {
		d, err := gate.Check(context.Background(), "op", "restart", "svc-a", map[string]any{"risk_level": risk})
		require.NoError(t, err)
		assert.Equal(t, contracts.PolicyReview, d.Decision, risk)
	}
	d, err := gate.Check(context.Background(), "op", "restart", "svc-a", map[string]any{"risk_level": contracts.RiskLow})
	require.NoError(t, err)
	assert.Equal(t, contracts.PolicyAllow, d.Decision)
}

func TestSchemaSensitivityGoesToReview(t *testing.T) {
	gate, _, _ := newTestGate(t)
	d, err := gate.Check(context.Background(), "op", "alter_schema", "db-main", nil)
	require.NoError(t, err)
	assert.Equal(t, contracts.PolicyReview, d.Decision)

	d, err = gate.Check(context.Background(), "op", "delete_rows", "primary-store", nil)
	require.NoError(t, err)
	assert.Equal(t, contracts.PolicyReview, d.Decision)
}

func TestCELConditionGatesMatch(t *testing.T) {
	gate, _, _ := newTestGate(t)
	require.NoError(t, gate.LoadPolicies([]contracts.Policy{
		{
			Name:      "big-scale",
			Condition: contracts.PolicyCondition{Action: "scale_up", CEL: `payload.replicas > 10.0`},
			Action:    contracts.PolicyReview,
			Severity:  5,
		},
	}))

	d, err := gate.Check(context.Background(), "planner", "scale_up", "svc-a", map[string]any{"replicas": 20.0})
	require.NoError(t, err)
	assert.Equal(t, contracts.PolicyReview, d.Decision)

	d, err = gate.Check(context.Background(), "planner", "scale_up", "svc-a", map[string]any{"replicas": 2.0})
	require.NoError(t, err)
	assert.Equal(t, contracts.PolicyAllow, d.Decision)
}

func TestBadCELPolicyRejectedAtLoad(t *testing.T) {
	gate, _, _ := newTestGate(t)
	err := gate.LoadPolicies([]contracts.Policy{
		{Name: "broken", Condition: contracts.PolicyCondition{CEL: `payload .. nope`}, Action: contracts.PolicyDeny},
	})
	assert.Error(t, err)
}

func TestLedgerFailureFailsCheck(t *testing.T) {
	gate, led, _ := newTestGate(t)
	led.fail = true
	_, err := gate.Check(context.Background(), "op", "anything", "r", nil)
	assert.Equal(t, contracts.KindLogUnavailable, contracts.KindOf(err))
}

func TestPolicyStoreRoundTrip(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewPolicyStore(db)
	require.NoError(t, err)

	ctx := context.Background()
	p := contracts.Policy{
		Name:      "dangerous-ops",
		Condition: contracts.PolicyCondition{Action: "execute", Keywords: []string{"dangerous"}},
		Action:    contracts.PolicyReview,
		Severity:  7,
	}
	require.NoError(t, store.Save(ctx, p))
	// Upsert with new severity.
	p.Severity = 9
	require.NoError(t, store.Save(ctx, p))

	got, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 9, got[0].Severity)
	assert.Equal(t, []string{"dangerous"}, got[0].Condition.Keywords)

	require.NoError(t, store.Delete(ctx, "dangerous-ops"))
	got, err = store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTrustRegistry(t *testing.T) {
	tr := NewTrustRegistry()
	assert.Equal(t, DefaultTrust, tr.Score("unknown"))
	tr.Set("domain-a", 1.5)
	assert.Equal(t, 1.0, tr.Score("domain-a"))
	tr.Adjust("domain-a", -0.3)
	assert.InDelta(t, 0.7, tr.Score("domain-a"), 1e-9)
	tr.Adjust("domain-b", -2)
	assert.Equal(t, 0.0, tr.Score("domain-b"))
}
