package contracts

import "time"

// EntityType categorises what a crypto identity belongs to.
type EntityType string

const (
	EntityComponent EntityType = "component"
	EntityMessage   EntityType = "message"
	EntityFile      EntityType = "file"
	EntityUser      EntityType = "user"
	EntityAgent     EntityType = "agent"
	EntityDecision  EntityType = "decision"
)

// CryptoIdentity binds an entity to its signing key. Each component
// acquires exactly one identity at start; all signed outputs reference
// its CryptoID.
type CryptoIdentity struct {
	CryptoID     string     `json:"crypto_id"`
	EntityID     string     `json:"entity_id"`
	EntityType   EntityType `json:"entity_type"`
	KeyID        string     `json:"key_id"`
	SignatureAlg string     `json:"signature_alg"`
	CreatedAt    time.Time  `json:"created_at"`
}
