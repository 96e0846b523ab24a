package contracts

import "time"

// SessionStatus is the parliament session state machine.
type SessionStatus string

const (
	SessionPending  SessionStatus = "pending"
	SessionVoting   SessionStatus = "voting"
	SessionApproved SessionStatus = "approved"
	SessionRejected SessionStatus = "rejected"
	SessionExpired  SessionStatus = "expired"
	SessionTie      SessionStatus = "tie"
)

// VoteChoice is a member's cast position.
type VoteChoice string

const (
	VoteApprove VoteChoice = "approve"
	VoteReject  VoteChoice = "reject"
	VoteAbstain VoteChoice = "abstain"
)

// TallyMode selects the decision rule a committee uses: plain vote
// counts or weight totals. Chosen once at session creation.
type TallyMode string

const (
	TallyByCount  TallyMode = "count"
	TallyByWeight TallyMode = "weight"
)

// Tallies tracks both count and weighted totals. Weighted totals are
// always maintained but only decide the outcome under TallyByWeight.
type Tallies struct {
	Approve         int     `json:"approve"`
	Reject          int     `json:"reject"`
	Abstain         int     `json:"abstain"`
	WeightedApprove float64 `json:"weighted_approve"`
	WeightedReject  float64 `json:"weighted_reject"`
	WeightedAbstain float64 `json:"weighted_abstain"`
}

// VotingSession is one quorum decision in flight. Once DecidedAt is set
// the tallies are frozen and further votes are rejected.
type VotingSession struct {
	SessionID         string         `json:"session_id"`
	PolicyName        string         `json:"policy_name"`
	ActionType        string         `json:"action_type"`
	ActionPayload     map[string]any `json:"action_payload,omitempty"`
	Actor             string         `json:"actor"`
	Resource          string         `json:"resource"`
	Committee         string         `json:"committee"`
	QuorumRequired    int            `json:"quorum_required"`
	ApprovalThreshold float64        `json:"approval_threshold"`
	TallyMode         TallyMode      `json:"tally_mode"`
	Status            SessionStatus  `json:"status"`
	Tallies           Tallies        `json:"tallies"`
	RiskLevel         string         `json:"risk_level"`
	CreatedAt         time.Time      `json:"created_at"`
	ExpiresAt         time.Time      `json:"expires_at"`
	DecidedAt         *time.Time     `json:"decided_at,omitempty"`
	DecisionReason    string         `json:"decision_reason,omitempty"`
	AttachedAlerts    []string       `json:"attached_alerts,omitempty"`
}

// Decided reports whether the session reached a terminal state.
func (s *VotingSession) Decided() bool { return s.DecidedAt != nil }

// Vote is one member's signed position in a session. At most one vote
// per (session_id, member_id).
type Vote struct {
	SessionID  string     `json:"session_id"`
	MemberID   string     `json:"member_id"`
	Vote       VoteChoice `json:"vote"`
	Weight     float64    `json:"weight"`
	Reason     string     `json:"reason,omitempty"`
	Automated  bool       `json:"automated"`
	Confidence *float64   `json:"confidence,omitempty"`
	Signature  string     `json:"signature"`
	CastAt     time.Time  `json:"cast_at"`
}

// MemberType distinguishes human operators from automated voters.
type MemberType string

const (
	MemberHuman      MemberType = "human"
	MemberAgent      MemberType = "agent"
	MemberReflection MemberType = "reflection"
)

// Member is a parliament voter.
type Member struct {
	MemberID   string     `json:"member_id"`
	Type       MemberType `json:"type"`
	Role       string     `json:"role"`
	Committees []string   `json:"committees"`
	Weight     float64    `json:"weight"`
	Active     bool       `json:"active"`
	Suspended  bool       `json:"suspended"`
	VotesCast  int        `json:"votes_cast"`
	Approvals  int        `json:"approvals"`
	Rejections int        `json:"rejections"`
}

// OnCommittee reports whether the member sits on the named committee.
func (m *Member) OnCommittee(committee string) bool {
	for _, c := range m.Committees {
		if c == committee {
			return true
		}
	}
	return false
}
