package contracts

import "time"

// HandshakeState is the onboarding state machine for a component
// joining the mesh. Transitions only move forward; a failed quorum is
// terminal.
type HandshakeState string

const (
	HandshakePending            HandshakeState = "pending"
	HandshakeGovernanceApproved HandshakeState = "governance_approved"
	HandshakeCryptoValidated    HandshakeState = "crypto_validated"
	HandshakeAnnounced          HandshakeState = "announced"
	HandshakeQuorumMet          HandshakeState = "quorum_met"
	HandshakeQuorumFailed       HandshakeState = "quorum_failed"
	HandshakeIntegrated         HandshakeState = "integrated"
	HandshakeObservation        HandshakeState = "observation_window"
)

// ComponentSpec is what a joining component presents: its identity,
// the proof it holds the key, and the subscriptions it wants.
type ComponentSpec struct {
	ComponentID   string         `json:"component_id"`
	Name          string         `json:"name"`
	PublicKey     string         `json:"public_key"`
	KeyID         string         `json:"key_id"`
	Proof         string         `json:"proof"`
	Subscriptions []string       `json:"subscriptions,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// HandshakeRecord is the tracked onboarding attempt.
type HandshakeRecord struct {
	Spec            ComponentSpec  `json:"spec"`
	State           HandshakeState `json:"state"`
	Identity        CryptoIdentity `json:"identity"`
	Acknowledged    []string       `json:"acknowledged,omitempty"`
	MissingAcks     []string       `json:"missing_acks,omitempty"`
	FailureReason   string         `json:"failure_reason,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	ObservationEnds *time.Time     `json:"observation_ends,omitempty"`
}
