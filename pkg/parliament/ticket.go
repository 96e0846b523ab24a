package parliament

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aaron031291/grace/pkg/contracts"
)

// TicketClaims binds a vote ticket to one member in one session.
type TicketClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"session_id"`
	MemberID  string `json:"member_id"`
}

// TicketIssuer mints and validates per-member session tickets. A vote
// is only accepted with a ticket naming the same (session, member)
// pair, so a member can never vote through another member's channel.
type TicketIssuer struct {
	secret []byte
	clock  func() time.Time
}

func NewTicketIssuer(secret []byte) *TicketIssuer {
	return &TicketIssuer{secret: secret, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (t *TicketIssuer) WithClock(clock func() time.Time) *TicketIssuer {
	t.clock = clock
	return t
}

// Issue mints a ticket valid until the session expires.
func (t *TicketIssuer) Issue(sessionID, memberID string, expiresAt time.Time) (string, error) {
	now := t.clock().UTC()
	claims := TicketClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   memberID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    "grace/parliament",
		},
		SessionID: sessionID,
		MemberID:  memberID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Validate checks the ticket signature and its (session, member) binding.
func (t *TicketIssuer) Validate(ticket, sessionID, memberID string) error {
	if ticket == "" {
		return contracts.ErrUnauthorized("vote ticket required")
	}
	token, err := jwt.ParseWithClaims(ticket, &TicketClaims{}, func(tok *jwt.Token) (any, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(t.clock))
	if err != nil || !token.Valid {
		return contracts.ErrUnauthorized("invalid vote ticket")
	}
	claims, ok := token.Claims.(*TicketClaims)
	if !ok || claims.SessionID != sessionID || claims.MemberID != memberID {
		return contracts.ErrUnauthorized("vote ticket does not match session and member")
	}
	return nil
}
