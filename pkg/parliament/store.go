package parliament

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aaron031291/grace/pkg/contracts"
)

// Store persists sessions, votes, and members. The UNIQUE constraint on
// (session_id, member_id) is the double-vote guard of last resort.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		policy_name TEXT NOT NULL,
		action_type TEXT NOT NULL,
		action_payload JSON,
		actor TEXT NOT NULL,
		resource TEXT NOT NULL,
		committee TEXT NOT NULL,
		quorum_required INTEGER NOT NULL,
		approval_threshold REAL NOT NULL,
		tally_mode TEXT NOT NULL,
		status TEXT NOT NULL,
		tallies JSON NOT NULL,
		risk_level TEXT NOT NULL,
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		decided_at TEXT,
		decision_reason TEXT,
		attached_alerts JSON
	);
	CREATE TABLE IF NOT EXISTS votes (
		session_id TEXT NOT NULL,
		member_id TEXT NOT NULL,
		vote TEXT NOT NULL,
		weight REAL NOT NULL,
		reason TEXT,
		automated INTEGER NOT NULL,
		confidence REAL,
		signature TEXT NOT NULL,
		cast_at TEXT NOT NULL,
		UNIQUE(session_id, member_id)
	);
	CREATE TABLE IF NOT EXISTS members (
		member_id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		role TEXT NOT NULL,
		committees JSON NOT NULL,
		weight REAL NOT NULL,
		active INTEGER NOT NULL,
		suspended INTEGER NOT NULL,
		votes_cast INTEGER NOT NULL DEFAULT 0,
		approvals INTEGER NOT NULL DEFAULT 0,
		rejections INTEGER NOT NULL DEFAULT 0
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *Store) InsertSession(ctx context.Context, sess *contracts.VotingSession) error {
	payload, _ := json.Marshal(sess.ActionPayload)
	tallies, _ := json.Marshal(sess.Tallies)
	alerts, _ := json.Marshal(sess.AttachedAlerts)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, policy_name, action_type, action_payload, actor,
		   resource, committee, quorum_required, approval_threshold, tally_mode, status,
		   tallies, risk_level, created_at, expires_at, decided_at, decision_reason, attached_alerts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, '', ?)`,
		sess.SessionID, sess.PolicyName, sess.ActionType, string(payload), sess.Actor,
		sess.Resource, sess.Committee, sess.QuorumRequired, sess.ApprovalThreshold,
		string(sess.TallyMode), string(sess.Status), string(tallies), sess.RiskLevel,
		sess.CreatedAt.Format(time.RFC3339Nano), sess.ExpiresAt.Format(time.RFC3339Nano),
		string(alerts))
	return err
}

// UpdateSession rewrites the mutable columns: status, tallies, decision.
func (s *Store) UpdateSession(ctx context.Context, sess *contracts.VotingSession) error {
	tallies, _ := json.Marshal(sess.Tallies)
	var decidedAt any
	if sess.DecidedAt != nil {
		decidedAt = sess.DecidedAt.Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, tallies = ?, decided_at = ?, decision_reason = ?
		 WHERE session_id = ?`,
		string(sess.Status), string(tallies), decidedAt, sess.DecisionReason, sess.SessionID)
	return err
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*contracts.VotingSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, policy_name, action_type, action_payload, actor, resource,
		        committee, quorum_required, approval_threshold, tally_mode, status, tallies,
		        risk_level, created_at, expires_at, decided_at, decision_reason, attached_alerts
		 FROM sessions WHERE session_id = ?`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrNotFound("session", sessionID)
	}
	return sess, err
}

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	Status    contracts.SessionStatus
	Committee string
	Limit     int
}

func (s *Store) ListSessions(ctx context.Context, filter SessionFilter) ([]contracts.VotingSession, error) {
	query := `SELECT session_id, policy_name, action_type, action_payload, actor, resource,
	                 committee, quorum_required, approval_threshold, tally_mode, status, tallies,
	                 risk_level, created_at, expires_at, decided_at, decision_reason, attached_alerts
	          FROM sessions WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Committee != "" {
		query += " AND committee = ?"
		args = append(args, filter.Committee)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var sessions []contracts.VotingSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

func (s *Store) InsertVote(ctx context.Context, v *contracts.Vote) error {
	var confidence any
	if v.Confidence != nil {
		confidence = *v.Confidence
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO votes (session_id, member_id, vote, weight, reason, automated, confidence, signature, cast_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.SessionID, v.MemberID, string(v.Vote), v.Weight, v.Reason,
		boolToInt(v.Automated), confidence, v.Signature, v.CastAt.Format(time.RFC3339Nano))
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return contracts.ErrConflict("member %s already voted in session %s", v.MemberID, v.SessionID)
	}
	return err
}

func (s *Store) ListVotes(ctx context.Context, sessionID string) ([]contracts.Vote, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, member_id, vote, weight, reason, automated, confidence, signature, cast_at
		 FROM votes WHERE session_id = ? ORDER BY cast_at ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var votes []contracts.Vote
	for rows.Next() {
		var v contracts.Vote
		var voteStr, castAt string
		var automated int
		var confidence sql.NullFloat64
		if err := rows.Scan(&v.SessionID, &v.MemberID, &voteStr, &v.Weight, &v.Reason,
			&automated, &confidence, &v.Signature, &castAt); err != nil {
			return nil, err
		}
		v.Vote = contracts.VoteChoice(voteStr)
		v.Automated = automated != 0
		if confidence.Valid {
			c := confidence.Float64
			v.Confidence = &c
		}
		if t, err := time.Parse(time.RFC3339Nano, castAt); err == nil {
			v.CastAt = t
		}
		votes = append(votes, v)
	}
	return votes, rows.Err()
}

func (s *Store) UpsertMember(ctx context.Context, m *contracts.Member) error {
	committees, _ := json.Marshal(m.Committees)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO members (member_id, type, role, committees, weight, active, suspended, votes_cast, approvals, rejections)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(member_id) DO UPDATE SET type=excluded.type, role=excluded.role,
		   committees=excluded.committees, weight=excluded.weight,
		   active=excluded.active, suspended=excluded.suspended`,
		m.MemberID, string(m.Type), m.Role, string(committees), m.Weight,
		boolToInt(m.Active), boolToInt(m.Suspended), m.VotesCast, m.Approvals, m.Rejections)
	return err
}

func (s *Store) GetMember(ctx context.Context, memberID string) (*contracts.Member, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT member_id, type, role, committees, weight, active, suspended, votes_cast, approvals, rejections
		 FROM members WHERE member_id = ?`, memberID)
	m, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrNotFound("member", memberID)
	}
	return m, err
}

// ListMembers returns all members; committee filters to that committee.
func (s *Store) ListMembers(ctx context.Context, committee string) ([]contracts.Member, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT member_id, type, role, committees, weight, active, suspended, votes_cast, approvals, rejections
		 FROM members ORDER BY member_id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var members []contracts.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		if committee != "" && !m.OnCommittee(committee) {
			continue
		}
		members = append(members, *m)
	}
	return members, rows.Err()
}

// BumpMemberCounters updates a member's tally counters after a vote.
func (s *Store) BumpMemberCounters(ctx context.Context, memberID string, choice contracts.VoteChoice) error {
	approvals, rejections := 0, 0
	switch choice {
	case contracts.VoteApprove:
		approvals = 1
	case contracts.VoteReject:
		rejections = 1
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE members SET votes_cast = votes_cast + 1,
		   approvals = approvals + ?, rejections = rejections + ?
		 WHERE member_id = ?`, approvals, rejections, memberID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*contracts.VotingSession, error) {
	var sess contracts.VotingSession
	var payload, tallies, alerts, tallyMode, status, createdAt, expiresAt string
	var decidedAt, decisionReason sql.NullString
	err := row.Scan(&sess.SessionID, &sess.PolicyName, &sess.ActionType, &payload, &sess.Actor,
		&sess.Resource, &sess.Committee, &sess.QuorumRequired, &sess.ApprovalThreshold,
		&tallyMode, &status, &tallies, &sess.RiskLevel, &createdAt, &expiresAt,
		&decidedAt, &decisionReason, &alerts)
	if err != nil {
		return nil, err
	}
	sess.TallyMode = contracts.TallyMode(tallyMode)
	sess.Status = contracts.SessionStatus(status)
	if err := json.Unmarshal([]byte(payload), &sess.ActionPayload); err != nil && payload != "" && payload != "null" {
		return nil, fmt.Errorf("corrupt action_payload for %s: %w", sess.SessionID, err)
	}
	if err := json.Unmarshal([]byte(tallies), &sess.Tallies); err != nil {
		return nil, fmt.Errorf("corrupt tallies for %s: %w", sess.SessionID, err)
	}
	_ = json.Unmarshal([]byte(alerts), &sess.AttachedAlerts)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		sess.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, expiresAt); err == nil {
		sess.ExpiresAt = t
	}
	if decidedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, decidedAt.String); err == nil {
			sess.DecidedAt = &t
		}
	}
	sess.DecisionReason = decisionReason.String
	return &sess, nil
}

func scanMember(row rowScanner) (*contracts.Member, error) {
	var m contracts.Member
	var memberType, committees string
	var active, suspended int
	err := row.Scan(&m.MemberID, &memberType, &m.Role, &committees, &m.Weight,
		&active, &suspended, &m.VotesCast, &m.Approvals, &m.Rejections)
	if err != nil {
		return nil, err
	}
	m.Type = contracts.MemberType(memberType)
	m.Active = active != 0
	m.Suspended = suspended != 0
	if err := json.Unmarshal([]byte(committees), &m.Committees); err != nil {
		return nil, fmt.Errorf("corrupt committees for %s: %w", m.MemberID, err)
	}
	return &m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
