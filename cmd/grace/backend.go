package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/aaron031291/grace/pkg/config"
	"github.com/aaron031291/grace/pkg/contracts"
	"github.com/aaron031291/grace/pkg/crypto"
	"github.com/aaron031291/grace/pkg/ledger"
	"github.com/aaron031291/grace/pkg/parliament"
	"github.com/aaron031291/grace/pkg/secrets"
)

// backend bundles the pieces every offline command needs: the database,
// the signing identity and an open ledger.
type backend struct {
	cfg     *config.Config
	db      *sql.DB
	signer  *crypto.Ed25519Signer
	ledger  *ledger.Log
	secrets *secrets.EnvProvider
	logger  *slog.Logger
}

func openBackend(ctx context.Context, stderr io.Writer) (*backend, error) {
	cfg := config.Load()
	logger := newLogger(stderr, cfg.LogLevel)
	provider := secrets.NewEnvProvider("GRACE_")

	signer, err := loadSigner(ctx, provider)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.DatabasePath, err)
	}

	registry, err := crypto.NewIdentityRegistry(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	identity, err := registry.Acquire(ctx, "grace-core", contracts.EntityComponent, signer.KeyID())
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	log, err := ledger.Open(db, signer, identity, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &backend{
		cfg:     cfg,
		db:      db,
		signer:  signer,
		ledger:  log,
		secrets: provider,
		logger:  logger,
	}, nil
}

func (b *backend) Close() error { return b.db.Close() }

// openParliament builds the voting layer on top of the backend. Ticket
// enforcement turns on only when a ticket secret is configured.
func (b *backend) openParliament(ctx context.Context) (*parliament.Parliament, error) {
	store, err := parliament.NewStore(b.db)
	if err != nil {
		return nil, err
	}
	p := parliament.New(store, b.signer, b.ledger, b.logger)
	if secret, err := b.secrets.Get(ctx, "ticket.secret"); err == nil && secret != "" {
		p = p.WithTickets(parliament.NewTicketIssuer([]byte(secret)))
	}
	return p, nil
}

// loadSigner uses the configured ed25519 seed when present so the chain
// stays verifiable across restarts, and mints a fresh key otherwise.
func loadSigner(ctx context.Context, provider *secrets.EnvProvider) (*crypto.Ed25519Signer, error) {
	raw, err := provider.Get(ctx, "signing.key")
	if err != nil || raw == "" {
		return crypto.NewEd25519Signer("grace-core-key")
	}
	seed, err := hex.DecodeString(raw)
	if err != nil {
		return nil, contracts.ErrValidation("GRACE_SIGNING_KEY is not valid hex: %v", err)
	}
	return crypto.NewEd25519SignerFromSeed(seed, "grace-core-key")
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}
