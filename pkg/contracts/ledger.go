package contracts

import "time"

// Result values recorded on ledger entries.
const (
	ResultSuccess   = "success"
	ResultFailed    = "failed"
	ResultError     = "error"
	ResultBlocked   = "blocked"
	ResultDenied    = "denied"
	ResultQueued    = "queued"
	ResultStarted   = "started"
	ResultStopped   = "stopped"
	ResultDecided   = "decided"
	ResultPublished = "published"
	ResultAllowed   = "allowed"
	ResultReview    = "review"
)

// LedgerFields is what callers supply to Append. Everything else on the
// entry (seq, hashes, signature, timestamp) is assigned by the single
// ledger writer at serialisation time.
type LedgerFields struct {
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Subsystem string         `json:"subsystem"`
	Payload   map[string]any `json:"payload,omitempty"`
	Result    string         `json:"result"`
}

// LedgerEntry is one immutable, hash-chained, signed record.
// PrevSeqHash is the content hash of entry seq-1 ("genesis" for seq 1).
type LedgerEntry struct {
	Seq         uint64    `json:"seq"`
	Timestamp   time.Time `json:"timestamp"`
	Actor       string    `json:"actor"`
	Action      string    `json:"action"`
	Resource    string    `json:"resource"`
	Subsystem   string    `json:"subsystem"`
	PayloadHash string    `json:"payload_hash"`
	// Payload holds the canonical (RFC 8785) JSON form so PayloadHash is
	// reproducible from the stored bytes alone.
	Payload     string `json:"payload"`
	Result      string `json:"result"`
	Signature   string `json:"signature"`
	PrevSeqHash string `json:"prev_seq_hash"`
}

// LedgerFilter narrows a Read. Zero values mean "any"; Limit 0 means
// no cap. Results are always ordered by seq ascending.
type LedgerFilter struct {
	From      time.Time
	To        time.Time
	Actor     string
	Action    string
	Subsystem string
	Resource  string
	MinSeq    uint64
	MaxSeq    uint64
	Limit     int
}
