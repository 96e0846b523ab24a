// Package parliament runs multi-voter quorum sessions for actions that
// governance cannot auto-approve. Vote tallies are serialised per
// parliament; a session with decided_at set is frozen and rejects
// further votes.
package parliament

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
)

// ExpiryReason is the recorded reason for sessions that time out.
const ExpiryReason = "Session expired without reaching quorum"

// DefaultExpiry applies when CreateSession gets no expires_in.
const DefaultExpiry = 15 * time.Minute

// LedgerWriter records session lifecycle. Votes are security-relevant:
// append failures propagate and abort the vote.
type LedgerWriter interface {
	Append(ctx context.Context, fields contracts.LedgerFields) (uint64, error)
}

// Publisher announces decided sessions back onto the mesh.
type Publisher interface {
	Publish(event contracts.Event) error
}

// Parliament owns voting sessions. All tally mutations serialise through
// its mutex; reads between writes may observe intermediate tallies but
// never a partial vote insertion.
type Parliament struct {
	mu     sync.Mutex
	store  *Store
	signer crypto.Signer
	ledger LedgerWriter
	mesh   Publisher
	logger *slog.Logger
	clock  func() time.Time

	tickets *TicketIssuer
}

func New(store *Store, signer crypto.Signer, ledger LedgerWriter, logger *slog.Logger) *Parliament {
	return &Parliament{
		store:  store,
		signer: signer,
		ledger: ledger,
		logger: logger,
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (p *Parliament) WithClock(clock func() time.Time) *Parliament {
	p.clock = clock
	return p
}

// WithMesh wires decided-session announcements.
func (p *Parliament) WithMesh(mesh Publisher) *Parliament {
	p.mesh = mesh
	return p
}

// WithTickets enables per-member session tickets; when set, CastVote
// requires a valid ticket.
func (p *Parliament) WithTickets(issuer *TicketIssuer) *Parliament {
	p.tickets = issuer
	return p
}

// SessionParams configures CreateSession.
type SessionParams struct {
	PolicyName        string
	ActionType        string
	ActionPayload     map[string]any
	Actor             string
	Resource          string
	Committee         string
	QuorumRequired    int
	ApprovalThreshold float64
	TallyMode         contracts.TallyMode
	ExpiresIn         time.Duration
	AttachedAlerts    []string
	RiskLevel         string
}

// CreateSession opens a session in the voting state and logs it.
func (p *Parliament) CreateSession(ctx context.Context, params SessionParams) (*contracts.VotingSession, error) {
	if params.Committee == "" {
		return nil, contracts.ErrValidation("committee is required")
	}
	if params.ApprovalThreshold < 0 || params.ApprovalThreshold > 1 {
		return nil, contracts.ErrValidation("approval_threshold must be in [0,1]")
	}
	if params.ApprovalThreshold == 0 {
		params.ApprovalThreshold = 0.5
	}
	if params.ExpiresIn <= 0 {
		params.ExpiresIn = DefaultExpiry
	}
	if params.TallyMode == "" {
		params.TallyMode = contracts.TallyByCount
	}
	if params.RiskLevel == "" {
		params.RiskLevel = contracts.RiskMedium
	}

	now := p.clock().UTC()
	sess := &contracts.VotingSession{
		SessionID:         "sess-" + uuid.New().String(),
		PolicyName:        params.PolicyName,
		ActionType:        params.ActionType,
		ActionPayload:     params.ActionPayload,
		Actor:             params.Actor,
		Resource:          params.Resource,
		Committee:         params.Committee,
		QuorumRequired:    params.QuorumRequired,
		ApprovalThreshold: params.ApprovalThreshold,
		TallyMode:         params.TallyMode,
		Status:            contracts.SessionVoting,
		RiskLevel:         params.RiskLevel,
		CreatedAt:         now,
		ExpiresAt:         now.Add(params.ExpiresIn),
		AttachedAlerts:    params.AttachedAlerts,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.store.InsertSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	if _, err := p.ledger.Append(ctx, contracts.LedgerFields{
		Actor:     params.Actor,
		Action:    "parliament.session_created",
		Resource:  params.Resource,
		Subsystem: contracts.SubsystemGovernance,
		Payload: map[string]any{
			"session_id": sess.SessionID,
			"committee":  sess.Committee,
			"quorum":     sess.QuorumRequired,
			"risk_level": sess.RiskLevel,
		},
		Result: contracts.ResultStarted,
	}); err != nil {
		return nil, err
	}
	return sess, nil
}

// OpenReview adapts CreateSession to the governance gate's contract.
func (p *Parliament) OpenReview(ctx context.Context, policyName, actionType string, payload map[string]any, actor, resource, riskLevel string) (string, error) {
	quorum := 3
	threshold := 0.5
	if riskLevel == contracts.RiskCritical {
		threshold = 0.67
	}
	sess, err := p.CreateSession(ctx, SessionParams{
		PolicyName:        policyName,
		ActionType:        actionType,
		ActionPayload:     payload,
		Actor:             actor,
		Resource:          resource,
		Committee:         "governance",
		QuorumRequired:    quorum,
		ApprovalThreshold: threshold,
		RiskLevel:         riskLevel,
	})
	if err != nil {
		return "", err
	}
	return sess.SessionID, nil
}

// CastVote records one member's vote and applies the decision rule.
// It returns the stored vote and the (possibly decided) session.
func (p *Parliament) CastVote(ctx context.Context, sessionID, memberID string, choice contracts.VoteChoice, reason string, automated bool, confidence *float64, ticket string) (*contracts.Vote, *contracts.VotingSession, error) {
	switch choice {
	case contracts.VoteApprove, contracts.VoteReject, contracts.VoteAbstain:
	default:
		return nil, nil, contracts.ErrValidation("invalid vote %q", choice)
	}
	if confidence != nil && (*confidence < 0 || *confidence > 1) {
		return nil, nil, contracts.ErrValidation("confidence must be in [0,1]")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	sess, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if sess.Decided() {
		return nil, sess, contracts.ErrConflict("session %s is closed (%s)", sessionID, sess.Status)
	}

	now := p.clock().UTC()
	if now.After(sess.ExpiresAt) {
		if err := p.expireLocked(ctx, sess, now); err != nil {
			return nil, nil, err
		}
		return nil, sess, contracts.ErrConflict("session %s is closed (%s)", sessionID, sess.Status)
	}

	member, err := p.store.GetMember(ctx, memberID)
	if err != nil {
		return nil, nil, err
	}
	if !member.Active || member.Suspended {
		return nil, nil, contracts.ErrUnauthorized("member %s is not an active voter", memberID)
	}
	if !member.OnCommittee(sess.Committee) {
		return nil, nil, contracts.ErrUnauthorized("member %s is not on committee %s", memberID, sess.Committee)
	}
	if p.tickets != nil {
		if err := p.tickets.Validate(ticket, sessionID, memberID); err != nil {
			return nil, nil, err
		}
	}

	sig, err := p.signer.Sign([]byte(canonicalize.HashFields(sessionID, memberID, string(choice), reason)))
	if err != nil {
		return nil, nil, fmt.Errorf("vote signing failed: %w", err)
	}

	vote := &contracts.Vote{
		SessionID:  sessionID,
		MemberID:   memberID,
		Vote:       choice,
		Weight:     member.Weight,
		Reason:     reason,
		Automated:  automated,
		Confidence: confidence,
		Signature:  sig,
		CastAt:     now,
	}
	if err := p.store.InsertVote(ctx, vote); err != nil {
		return nil, nil, err
	}
	if err := p.store.BumpMemberCounters(ctx, memberID, choice); err != nil {
		return nil, nil, err
	}

	switch choice {
	case contracts.VoteApprove:
		sess.Tallies.Approve++
		sess.Tallies.WeightedApprove += member.Weight
	case contracts.VoteReject:
		sess.Tallies.Reject++
		sess.Tallies.WeightedReject += member.Weight
	case contracts.VoteAbstain:
		sess.Tallies.Abstain++
		sess.Tallies.WeightedAbstain += member.Weight
	}

	// Votes are security-relevant; a broken ledger aborts the vote.
	if _, err := p.ledger.Append(ctx, contracts.LedgerFields{
		Actor:     memberID,
		Action:    "parliament.vote_cast",
		Resource:  sess.Resource,
		Subsystem: contracts.SubsystemGovernance,
		Payload: map[string]any{
			"session_id": sessionID,
			"vote":       string(choice),
			"automated":  automated,
			"signature":  sig,
		},
		Result: contracts.ResultSuccess,
	}); err != nil {
		return nil, nil, err
	}

	p.applyDecisionRuleLocked(ctx, sess, now)

	if err := p.store.UpdateSession(ctx, sess); err != nil {
		return nil, nil, err
	}
	if sess.Decided() {
		p.announceDecision(ctx, sess)
	}
	return vote, sess, nil
}

// applyDecisionRuleLocked evaluates the quorum and threshold tests.
// Let A, R, X be approve/reject/abstain, T = A+R+X, D = A+R.
// T < quorum and not expired → keep voting. D == 0 → tie.
// A/D >= threshold → approved, else rejected. Under TallyByWeight the
// same rule runs on weighted totals; quorum remains a participation
// count.
func (p *Parliament) applyDecisionRuleLocked(_ context.Context, sess *contracts.VotingSession, now time.Time) {
	t := sess.Tallies
	total := t.Approve + t.Reject + t.Abstain
	if total < sess.QuorumRequired && now.Before(sess.ExpiresAt) {
		return
	}

	var approve, decisive float64
	if sess.TallyMode == contracts.TallyByWeight {
		approve = t.WeightedApprove
		decisive = t.WeightedApprove + t.WeightedReject
	} else {
		approve = float64(t.Approve)
		decisive = float64(t.Approve + t.Reject)
	}

	decidedAt := now
	sess.DecidedAt = &decidedAt
	switch {
	case decisive == 0:
		sess.Status = contracts.SessionTie
		sess.DecisionReason = "no decisive votes cast"
	case approve/decisive >= sess.ApprovalThreshold:
		sess.Status = contracts.SessionApproved
		sess.DecisionReason = fmt.Sprintf("approved %0.f/%0.f decisive votes", approve, decisive)
	default:
		sess.Status = contracts.SessionRejected
		sess.DecisionReason = fmt.Sprintf("approval ratio %.2f below threshold %.2f", approve/decisive, sess.ApprovalThreshold)
	}
}

// expireLocked terminally transitions a session past its deadline.
func (p *Parliament) expireLocked(ctx context.Context, sess *contracts.VotingSession, now time.Time) error {
	decidedAt := now
	sess.Status = contracts.SessionExpired
	sess.DecidedAt = &decidedAt
	sess.DecisionReason = ExpiryReason
	if err := p.store.UpdateSession(ctx, sess); err != nil {
		return err
	}
	p.announceDecision(ctx, sess)
	return nil
}

func (p *Parliament) announceDecision(ctx context.Context, sess *contracts.VotingSession) {
	if _, err := p.ledger.Append(ctx, contracts.LedgerFields{
		Actor:     "parliament",
		Action:    "parliament.session_decided",
		Resource:  sess.Resource,
		Subsystem: contracts.SubsystemGovernance,
		Payload: map[string]any{
			"session_id": sess.SessionID,
			"status":     string(sess.Status),
			"reason":     sess.DecisionReason,
			"tallies":    map[string]any{"approve": sess.Tallies.Approve, "reject": sess.Tallies.Reject, "abstain": sess.Tallies.Abstain},
		},
		Result: contracts.ResultDecided,
	}); err != nil {
		p.logger.Error("failed to log session decision", "session_id", sess.SessionID, "err", err)
	}
	if p.mesh != nil {
		if err := p.mesh.Publish(contracts.Event{
			EventType: "parliament.decided",
			Source:    "parliament",
			Resource:  sess.Resource,
			Subsystem: contracts.SubsystemGovernance,
			Payload: map[string]any{
				"session_id": sess.SessionID,
				"status":     string(sess.Status),
			},
		}); err != nil {
			p.logger.Warn("failed to announce session decision", "session_id", sess.SessionID, "err", err)
		}
	}
}

// GetSession returns a session, expiring it first when overdue.
func (p *Parliament) GetSession(ctx context.Context, sessionID string) (*contracts.VotingSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sess, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Decided() && p.clock().UTC().After(sess.ExpiresAt) {
		if err := p.expireLocked(ctx, sess, p.clock().UTC()); err != nil {
			return nil, err
		}
	}
	return sess, nil
}

// ListSessions lists sessions, expiring overdue ones on the way out.
func (p *Parliament) ListSessions(ctx context.Context, filter SessionFilter) ([]contracts.VotingSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sessions, err := p.store.ListSessions(ctx, filter)
	if err != nil {
		return nil, err
	}
	now := p.clock().UTC()
	for i := range sessions {
		if !sessions[i].Decided() && now.After(sessions[i].ExpiresAt) {
			if err := p.expireLocked(ctx, &sessions[i], now); err != nil {
				return nil, err
			}
		}
	}
	return sessions, nil
}

// ListVotes returns the votes of one session.
func (p *Parliament) ListVotes(ctx context.Context, sessionID string) ([]contracts.Vote, error) {
	return p.store.ListVotes(ctx, sessionID)
}

// RegisterMember adds or updates a voter.
func (p *Parliament) RegisterMember(ctx context.Context, m contracts.Member) error {
	if m.MemberID == "" {
		return contracts.ErrValidation("member_id is required")
	}
	if m.Weight <= 0 {
		return contracts.ErrValidation("member weight must be > 0")
	}
	return p.store.UpsertMember(ctx, &m)
}

// ListMembers lists voters, optionally filtered by committee.
func (p *Parliament) ListMembers(ctx context.Context, committee string) ([]contracts.Member, error) {
	return p.store.ListMembers(ctx, committee)
}

// Statistics summarises parliament activity.
type Statistics struct {
	TotalSessions int                             `json:"total_sessions"`
	ByStatus      map[contracts.SessionStatus]int `json:"by_status"`
	TotalMembers  int                             `json:"total_members"`
	ActiveMembers int                             `json:"active_members"`
}

func (p *Parliament) GetStatistics(ctx context.Context) (*Statistics, error) {
	sessions, err := p.ListSessions(ctx, SessionFilter{})
	if err != nil {
		return nil, err
	}
	members, err := p.store.ListMembers(ctx, "")
	if err != nil {
		return nil, err
	}
	stats := &Statistics{
		TotalSessions: len(sessions),
		ByStatus:      make(map[contracts.SessionStatus]int),
		TotalMembers:  len(members),
	}
	for _, s := range sessions {
		stats.ByStatus[s.Status]++
	}
	for _, m := range members {
		if m.Active && !m.Suspended {
			stats.ActiveMembers++
		}
	}
	return stats, nil
}
