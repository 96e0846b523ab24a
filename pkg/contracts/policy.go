package contracts

// PolicyAction is the verdict a policy produces when its condition matches.
type PolicyAction string

const (
	PolicyAllow  PolicyAction = "allow"
	PolicyDeny   PolicyAction = "deny"
	PolicyReview PolicyAction = "review"
)

// Risk levels used by policies, playbooks, and sessions.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// PolicyCondition is a data-driven predicate: every populated field must
// match. Keywords match case-insensitively against the canonical JSON of
// the payload; ForbiddenPaths are substrings of the resource. CEL, when
// set, is a compiled expression over {action, resource, actor, payload}
// that must also evaluate true.
type PolicyCondition struct {
	Action         string   `json:"action,omitempty"`
	Keywords       []string `json:"keywords,omitempty"`
	ForbiddenPaths []string `json:"forbidden_paths,omitempty"`
	RiskLevel      string   `json:"risk_level,omitempty"`
	CEL            string   `json:"cel,omitempty"`
}

// Policy is data, not code. Policies are evaluated in descending
// severity order; a matching deny wins immediately.
type Policy struct {
	Name      string          `json:"name"`
	Condition PolicyCondition `json:"condition"`
	Action    PolicyAction    `json:"action"`
	Severity  int             `json:"severity"`
}

// Decision is the unified governance return shape.
type Decision struct {
	Decision PolicyAction `json:"decision"`
	Reason   string       `json:"reason"`
	// ParliamentSessionID is set iff Decision == PolicyReview.
	ParliamentSessionID string `json:"parliament_session_id,omitempty"`
	AuditID             string `json:"audit_id"`
}
