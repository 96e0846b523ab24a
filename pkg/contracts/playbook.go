package contracts

import "time"

// StepAction is a descriptive action record. Actions are data (type +
// target + parameters); executable code never enters the ledger.
type StepAction struct {
	Type       string         `json:"type"`
	Target     string         `json:"target"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Predicate is a data-driven check evaluated against a key/value
// context: Key must exist, and when Op is set it is compared to Value.
// Supported ops: eq, ne, gt, gte, lt, lte, contains, exists (default).
type Predicate struct {
	Key   string `json:"key"`
	Op    string `json:"op,omitempty"`
	Value any    `json:"value,omitempty"`
}

// Playbook is a declarative remediation recipe.
type Playbook struct {
	PlaybookID       string       `json:"playbook_id"`
	Name             string       `json:"name"`
	Preconditions    []Predicate  `json:"preconditions,omitempty"`
	Steps            []StepAction `json:"steps"`
	Verifications    []Predicate  `json:"verifications,omitempty"`
	RollbackSteps    []StepAction `json:"rollback_steps,omitempty"`
	RiskLevel        string       `json:"risk_level"`
	RequiresApproval bool         `json:"requires_approval"`
	// SuccessRate is Bayesian-smoothed from historical outcomes.
	SuccessRate float64 `json:"success_rate"`
	// MaxRetries caps per-step retries against an unreachable adapter.
	MaxRetries int `json:"max_retries,omitempty"`
}

// PlanStatus is the recovery plan state machine.
type PlanStatus string

const (
	PlanProposed   PlanStatus = "proposed"
	PlanQueued     PlanStatus = "queued"
	PlanApproved   PlanStatus = "approved"
	PlanExecuting  PlanStatus = "executing"
	PlanCompleted  PlanStatus = "completed"
	PlanFailed     PlanStatus = "failed"
	PlanRolledBack PlanStatus = "rolled_back"
)

// RecoveryPlan is a concrete application of a playbook to target nodes.
type RecoveryPlan struct {
	PlanID        string         `json:"plan_id"`
	Playbook      Playbook       `json:"playbook"`
	TargetNodes   []string       `json:"target_nodes"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	RiskScore     float64        `json:"risk_score"`
	Justification string         `json:"justification"`
	Status        PlanStatus     `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	Outcome       string         `json:"outcome,omitempty"`
}

// SignedOutcome is the executor's final record for a plan, signed by the
// executor's identity and appended to the ledger.
type SignedOutcome struct {
	PlanID             string        `json:"plan_id"`
	PlaybookID         string        `json:"playbook_id"`
	Result             string        `json:"result"`
	Duration           time.Duration `json:"duration"`
	VerificationPassed bool          `json:"verification_passed"`
	TrustDecision      string        `json:"trust_decision"`
	Rationale          string        `json:"rationale"`
	LearnedInsights    []string      `json:"learned_insights,omitempty"`
	Signature          string        `json:"signature"`
	SignerCryptoID     string        `json:"signer_crypto_id"`
}
