// Package ledger is the append-only signed ledger anchoring every Grace
// action. Entries are hash-chained: prev_seq_hash of entry n is the
// content hash of entry n-1. Single writer, many readers; the sqlite
// row is the durable form and the canonical payload is stored so
// payload_hash is reproducible from the row alone.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aaron031291/grace/pkg/canonicalize"
	"github.com/aaron031291/grace/pkg/contracts"
	"github.com/aaron031291/grace/pkg/crypto"
)

// genesisHash seeds the chain before entry 1.
const genesisHash = "genesis"

// DefaultAppendTimeout bounds how long Append blocks on persistence
// before failing with LogUnavailable.
const DefaultAppendTimeout = 5 * time.Second

// Log is the immutable ledger writer. All appends serialise through its
// mutex; readers go straight to the store.
type Log struct {
	mu       sync.Mutex
	db       *sql.DB
	signer   crypto.Signer
	identity *contracts.CryptoIdentity
	clock    func() time.Time
	timeout  time.Duration
	logger   *slog.Logger

	headSeq  uint64
	headHash string

	safeDropped atomic.Uint64
}

// Open prepares the ledger table and loads the chain head.
func Open(db *sql.DB, signer crypto.Signer, identity *contracts.CryptoIdentity, logger *slog.Logger) (*Log, error) {
	l := &Log{
		db:       db,
		signer:   signer,
		identity: identity,
		clock:    time.Now,
		timeout:  DefaultAppendTimeout,
		logger:   logger,
		headHash: genesisHash,
	}
	if err := l.migrate(); err != nil {
		return nil, fmt.Errorf("ledger migrate: %w", err)
	}
	if err := l.loadHead(); err != nil {
		return nil, fmt.Errorf("ledger load head: %w", err)
	}
	return l, nil
}

// WithClock overrides the clock for deterministic testing.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// WithTimeout overrides the bounded persistence wait.
func (l *Log) WithTimeout(d time.Duration) *Log {
	l.timeout = d
	return l
}

func (l *Log) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS immutable_log (
		seq INTEGER PRIMARY KEY,
		timestamp TEXT NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		resource TEXT NOT NULL,
		subsystem TEXT NOT NULL,
		payload_canonical BLOB NOT NULL,
		payload_hash TEXT NOT NULL,
		prev_seq_hash TEXT NOT NULL,
		signature TEXT NOT NULL,
		result TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_immutable_log_actor ON immutable_log(actor);
	CREATE INDEX IF NOT EXISTS idx_immutable_log_action ON immutable_log(action);`
	_, err := l.db.ExecContext(context.Background(), query)
	return err
}

func (l *Log) loadHead() error {
	row := l.db.QueryRowContext(context.Background(),
		`SELECT seq, timestamp, actor, action, resource, subsystem, payload_canonical,
		        payload_hash, prev_seq_hash, signature, result
		 FROM immutable_log ORDER BY seq DESC LIMIT 1`)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		l.headSeq = 0
		l.headHash = genesisHash
		return nil
	}
	if err != nil {
		return err
	}
	l.headSeq = entry.Seq
	l.headHash = EntryHash(entry)
	return nil
}

// signingDigest is the hash the entry signature covers:
// H(seq‖timestamp‖actor‖action‖resource‖payload_hash‖prev_seq_hash).
func signingDigest(e *contracts.LedgerEntry) string {
	return canonicalize.HashFields(
		strconv.FormatUint(e.Seq, 10),
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.Actor,
		e.Action,
		e.Resource,
		e.PayloadHash,
		e.PrevSeqHash,
	)
}

// EntryHash is the content hash chained into the next entry's
// prev_seq_hash. It covers every stored field including the signature.
func EntryHash(e *contracts.LedgerEntry) string {
	return canonicalize.HashFields(
		strconv.FormatUint(e.Seq, 10),
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.Actor,
		e.Action,
		e.Resource,
		e.Subsystem,
		e.PayloadHash,
		e.Payload,
		e.Result,
		e.PrevSeqHash,
		e.Signature,
	)
}

// Append writes one entry and returns its sequence number. Persistence
// failures surface as LogUnavailable after the bounded wait; callers on
// the security path must treat that as fatal.
func (l *Log) Append(ctx context.Context, fields contracts.LedgerFields) (uint64, error) {
	if fields.Action == "" {
		return 0, contracts.ErrValidation("ledger entry requires an action")
	}
	if fields.Result == "" {
		return 0, contracts.ErrValidation("ledger entry requires a result")
	}

	payload := fields.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	canonical, err := canonicalize.JCSString(payload)
	if err != nil {
		return 0, contracts.WrapError(contracts.KindValidation, err, "payload not canonicalizable")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := &contracts.LedgerEntry{
		Seq:         l.headSeq + 1,
		Timestamp:   l.clock().UTC(),
		Actor:       fields.Actor,
		Action:      fields.Action,
		Resource:    fields.Resource,
		Subsystem:   fields.Subsystem,
		PayloadHash: canonicalize.HashBytes([]byte(canonical)),
		Payload:     canonical,
		Result:      fields.Result,
		PrevSeqHash: l.headHash,
	}

	sig, err := l.signer.Sign([]byte(signingDigest(entry)))
	if err != nil {
		return 0, contracts.WrapError(contracts.KindLogUnavailable, err, "entry signing failed")
	}
	entry.Signature = sig

	writeCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	_, err = l.db.ExecContext(writeCtx,
		`INSERT INTO immutable_log
		 (seq, timestamp, actor, action, resource, subsystem, payload_canonical,
		  payload_hash, prev_seq_hash, signature, result)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Seq, entry.Timestamp.Format(time.RFC3339Nano), entry.Actor, entry.Action,
		entry.Resource, entry.Subsystem, []byte(entry.Payload), entry.PayloadHash,
		entry.PrevSeqHash, entry.Signature, entry.Result)
	if err != nil {
		return 0, contracts.WrapError(contracts.KindLogUnavailable, err, "ledger persistence failed")
	}

	l.headSeq = entry.Seq
	l.headHash = EntryHash(entry)
	return entry.Seq, nil
}

// Read returns entries matching the filter, ordered by seq ascending.
func (l *Log) Read(ctx context.Context, filter contracts.LedgerFilter) ([]contracts.LedgerEntry, error) {
	query := `SELECT seq, timestamp, actor, action, resource, subsystem, payload_canonical,
	                 payload_hash, prev_seq_hash, signature, result
	          FROM immutable_log WHERE 1=1`
	var args []any
	if filter.MinSeq > 0 {
		query += " AND seq >= ?"
		args = append(args, filter.MinSeq)
	}
	if filter.MaxSeq > 0 {
		query += " AND seq <= ?"
		args = append(args, filter.MaxSeq)
	}
	if !filter.From.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.From.UTC().Format(time.RFC3339Nano))
	}
	if !filter.To.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, filter.To.UTC().Format(time.RFC3339Nano))
	}
	if filter.Actor != "" {
		query += " AND actor = ?"
		args = append(args, filter.Actor)
	}
	if filter.Action != "" {
		query += " AND action = ?"
		args = append(args, filter.Action)
	}
	if filter.Subsystem != "" {
		query += " AND subsystem = ?"
		args = append(args, filter.Subsystem)
	}
	if filter.Resource != "" {
		query += " AND resource = ?"
		args = append(args, filter.Resource)
	}
	query += " ORDER BY seq ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []contracts.LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// Verify recomputes the hash chain and every signature over [from, to]
// (to == 0 means head). It fails with ChainBroken(seq) on the first
// mismatch and is deterministic and idempotent.
func (l *Log) Verify(ctx context.Context, from, to uint64) error {
	if from == 0 {
		from = 1
	}
	entries, err := l.Read(ctx, contracts.LedgerFilter{MinSeq: from, MaxSeq: to})
	if err != nil {
		return err
	}

	prevHash := genesisHash
	if from > 1 {
		prev, err := l.Read(ctx, contracts.LedgerFilter{MinSeq: from - 1, MaxSeq: from - 1})
		if err != nil {
			return err
		}
		if len(prev) != 1 {
			return contracts.ErrChainBroken(from, "predecessor entry missing")
		}
		prevHash = EntryHash(&prev[0])
	}

	expectSeq := from
	for i := range entries {
		e := &entries[i]
		if e.Seq != expectSeq {
			return contracts.ErrChainBroken(expectSeq, fmt.Sprintf("sequence gap: found %d", e.Seq))
		}
		if e.PrevSeqHash != prevHash {
			return contracts.ErrChainBroken(e.Seq, "prev_seq_hash mismatch")
		}
		if canonicalize.HashBytes([]byte(e.Payload)) != e.PayloadHash {
			return contracts.ErrChainBroken(e.Seq, "payload hash mismatch")
		}
		ok, verr := crypto.Verify(l.signer.PublicKey(), e.Signature, []byte(signingDigest(e)))
		if verr != nil || !ok {
			return contracts.ErrChainBroken(e.Seq, "signature invalid")
		}
		prevHash = EntryHash(e)
		expectSeq++
	}
	return nil
}

// Head returns the current head sequence and content hash.
func (l *Log) Head() (uint64, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.headSeq, l.headHash
}

// Identity returns the writer's crypto identity.
func (l *Log) Identity() *contracts.CryptoIdentity { return l.identity }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*contracts.LedgerEntry, error) {
	var e contracts.LedgerEntry
	var ts string
	var payload []byte
	err := row.Scan(&e.Seq, &ts, &e.Actor, &e.Action, &e.Resource, &e.Subsystem,
		&payload, &e.PayloadHash, &e.PrevSeqHash, &e.Signature, &e.Result)
	if err != nil {
		return nil, err
	}
	e.Payload = string(payload)
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("corrupt timestamp on seq %d: %w", e.Seq, err)
	}
	e.Timestamp = t
	return &e, nil
}
