package crypto

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/aaron031291/grace/pkg/contracts"
)

// IdentityRegistry persists crypto identities. entity_id is unique: a
// component acquires exactly one identity at start and keeps it.
type IdentityRegistry struct {
	db    *sql.DB
	clock func() time.Time
}

func NewIdentityRegistry(db *sql.DB) (*IdentityRegistry, error) {
	r := &IdentityRegistry{db: db, clock: time.Now}
	if err := r.migrate(); err != nil {
		return nil, err
	}
	return r, nil
}

// WithClock overrides the clock for deterministic testing.
func (r *IdentityRegistry) WithClock(clock func() time.Time) *IdentityRegistry {
	r.clock = clock
	return r
}

func (r *IdentityRegistry) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS crypto_identities (
		crypto_id TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL UNIQUE,
		entity_type TEXT NOT NULL,
		key_id TEXT NOT NULL,
		signature_alg TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);`
	_, err := r.db.ExecContext(context.Background(), query)
	return err
}

// Acquire returns the existing identity for entityID or mints a new one
// bound to the given key.
func (r *IdentityRegistry) Acquire(ctx context.Context, entityID string, entityType contracts.EntityType, keyID string) (*contracts.CryptoIdentity, error) {
	if existing, err := r.Lookup(ctx, entityID); err == nil {
		return existing, nil
	} else if contracts.KindOf(err) != contracts.KindNotFound {
		return nil, err
	}

	identity := &contracts.CryptoIdentity{
		CryptoID:     "cid-" + uuid.New().String(),
		EntityID:     entityID,
		EntityType:   entityType,
		KeyID:        keyID,
		SignatureAlg: AlgEd25519,
		CreatedAt:    r.clock().UTC(),
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO crypto_identities (crypto_id, entity_id, entity_type, key_id, signature_alg, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		identity.CryptoID, identity.EntityID, string(identity.EntityType),
		identity.KeyID, identity.SignatureAlg, identity.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	return identity, nil
}

// Lookup finds the identity for an entity.
func (r *IdentityRegistry) Lookup(ctx context.Context, entityID string) (*contracts.CryptoIdentity, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT crypto_id, entity_id, entity_type, key_id, signature_alg, created_at
		 FROM crypto_identities WHERE entity_id = ?`, entityID)

	var identity contracts.CryptoIdentity
	var entityType, createdAt string
	err := row.Scan(&identity.CryptoID, &identity.EntityID, &entityType,
		&identity.KeyID, &identity.SignatureAlg, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrNotFound("crypto identity", entityID)
	}
	if err != nil {
		return nil, err
	}
	identity.EntityType = contracts.EntityType(entityType)
	if t, perr := time.Parse(time.RFC3339Nano, createdAt); perr == nil {
		identity.CreatedAt = t
	}
	return &identity, nil
}
