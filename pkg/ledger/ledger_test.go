package ledger

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/aaron031291/grace/pkg/contracts"
	"github.com/aaron031291/grace/pkg/crypto"
)

func newTestLog(t *testing.T) (*Log, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	signer, err := crypto.NewEd25519Signer("ledger-key")
	require.NoError(t, err)

	identity := &contracts.CryptoIdentity{CryptoID: "cid-ledger", EntityID: "immutable_log"}
	log, err := Open(db, signer, identity, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return log, db
}

func appendN(t *testing.T, log *Log, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := log.Append(context.Background(), contracts.LedgerFields{
			Actor:     "tester",
			Action:    "test.action",
			Resource:  "res-1",
			Subsystem: contracts.SubsystemExecution,
			Payload:   map[string]any{"i": i},
			Result:    contracts.ResultSuccess,
		})
		require.NoError(t, err)
	}
}

func TestAppendAssignsMonotonicSeq(t *testing.T) {
	log, _ := newTestLog(t)
	for want := uint64(1); want <= 5; want++ {
		seq, err := log.Append(context.Background(), contracts.LedgerFields{
			Actor: "a", Action: "x.y", Result: contracts.ResultSuccess,
		})
		require.NoError(t, err)
		assert.Equal(t, want, seq)
	}
}

func TestAppendValidation(t *testing.T) {
	log, _ := newTestLog(t)
	_, err := log.Append(context.Background(), contracts.LedgerFields{Result: contracts.ResultSuccess})
	assert.Equal(t, contracts.KindValidation, contracts.KindOf(err))
	_, err = log.Append(context.Background(), contracts.LedgerFields{Action: "x"})
	assert.Equal(t, contracts.KindValidation, contracts.KindOf(err))
}

func TestVerifyCleanChain(t *testing.T) {
	log, _ := newTestLog(t)
	appendN(t, log, 10)
	require.NoError(t, log.Verify(context.Background(), 1, 0))
	// Idempotent and deterministic.
	require.NoError(t, log.Verify(context.Background(), 1, 0))
	// Sub-range starting mid-chain.
	require.NoError(t, log.Verify(context.Background(), 4, 8))
}

func TestVerifyDetectsTamperedPayload(t *testing.T) {
	log, db := newTestLog(t)
	appendN(t, log, 8)

	// Rewrite the payload of entry seq=5 in place.
	_, err := db.Exec(`UPDATE immutable_log SET payload_canonical = ? WHERE seq = 5`, []byte(`{"i":999}`))
	require.NoError(t, err)

	err = log.Verify(context.Background(), 1, 0)
	require.Error(t, err)
	assert.Equal(t, contracts.KindChainBroken, contracts.KindOf(err))

	var tagged *contracts.Error
	require.ErrorAs(t, err, &tagged)
	assert.Equal(t, uint64(5), tagged.Seq)
}

func TestVerifyDetectsRewrittenField(t *testing.T) {
	log, db := newTestLog(t)
	appendN(t, log, 4)

	_, err := db.Exec(`UPDATE immutable_log SET actor = 'mallory' WHERE seq = 2`)
	require.NoError(t, err)

	err = log.Verify(context.Background(), 1, 0)
	var tagged *contracts.Error
	require.ErrorAs(t, err, &tagged)
	assert.Equal(t, uint64(2), tagged.Seq)
}

func TestSignatureReplay(t *testing.T) {
	// Replaying the canonical payload through the signer yields the
	// stored signature (ed25519 is deterministic).
	log, _ := newTestLog(t)
	appendN(t, log, 1)

	entries, err := log.Read(context.Background(), contracts.LedgerFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	e := entries[0]
	resigned, err := log.signer.Sign([]byte(signingDigest(&e)))
	require.NoError(t, err)
	assert.Equal(t, e.Signature, resigned)
}

func TestReadFilters(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	_, err := log.Append(ctx, contracts.LedgerFields{Actor: "planner", Action: "plan.proposed", Result: contracts.ResultSuccess})
	require.NoError(t, err)
	_, err = log.Append(ctx, contracts.LedgerFields{Actor: "executor", Action: "step.started", Result: contracts.ResultStarted})
	require.NoError(t, err)
	_, err = log.Append(ctx, contracts.LedgerFields{Actor: "planner", Action: "plan.proposed", Result: contracts.ResultSuccess})
	require.NoError(t, err)

	byActor, err := log.Read(ctx, contracts.LedgerFilter{Actor: "planner"})
	require.NoError(t, err)
	assert.Len(t, byActor, 2)

	byAction, err := log.Read(ctx, contracts.LedgerFilter{Action: "step.started"})
	require.NoError(t, err)
	require.Len(t, byAction, 1)
	assert.Equal(t, uint64(2), byAction[0].Seq)

	limited, err := log.Read(ctx, contracts.LedgerFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, uint64(1), limited[0].Seq, "ascending order")
}

func TestHeadSurvivesReopen(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	signer, err := crypto.NewEd25519Signer("ledger-key")
	require.NoError(t, err)
	identity := &contracts.CryptoIdentity{CryptoID: "cid", EntityID: "immutable_log"}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	first, err := Open(db, signer, identity, logger)
	require.NoError(t, err)
	appendN(t, first, 3)
	seq, hash := first.Head()

	// Entries outlive the writer: a new Log over the same store resumes
	// the chain where the old one stopped.
	second, err := Open(db, signer, identity, logger)
	require.NoError(t, err)
	seq2, hash2 := second.Head()
	assert.Equal(t, seq, seq2)
	assert.Equal(t, hash, hash2)

	next, err := second.Append(context.Background(), contracts.LedgerFields{
		Actor: "a", Action: "x.y", Result: contracts.ResultSuccess,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), next)
	require.NoError(t, second.Verify(context.Background(), 1, 0))
}

func TestSafeAppendSwallowsFailure(t *testing.T) {
	log, db := newTestLog(t)
	require.NoError(t, db.Close())

	log.SafeAppend(context.Background(), contracts.LedgerFields{
		Actor: "probe", Action: "telemetry.sample", Result: contracts.ResultSuccess,
	})
	assert.Equal(t, uint64(1), log.SafeDropped())
}

func TestAppendAfterStoreLossIsLogUnavailable(t *testing.T) {
	log, db := newTestLog(t)
	require.NoError(t, db.Close())

	_, err := log.Append(context.Background(), contracts.LedgerFields{
		Actor: "voter", Action: "parliament.vote", Result: contracts.ResultSuccess,
	})
	assert.Equal(t, contracts.KindLogUnavailable, contracts.KindOf(err))
}

func TestTimestampsAssignedAtSerialisation(t *testing.T) {
	log, _ := newTestLog(t)
	fixed := time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC)
	log.WithClock(func() time.Time { return fixed })

	_, err := log.Append(context.Background(), contracts.LedgerFields{
		Actor: "a", Action: "x.y", Result: contracts.ResultSuccess,
	})
	require.NoError(t, err)

	entries, err := log.Read(context.Background(), contracts.LedgerFilter{})
	require.NoError(t, err)
	assert.Equal(t, fixed, entries[0].Timestamp)
}
