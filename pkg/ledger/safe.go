package ledger

import (
	"context"
	"time"

	"github.com/aaron031291/grace/pkg/contracts"
)

// DefaultSafeTimeout bounds best-effort appends.
const DefaultSafeTimeout = 2 * time.Second

// SafeAppend is the best-effort append used for telemetry fan-out.
// Errors are downgraded to a warning and a counter. Security-relevant
// writes must use Append and treat LogUnavailable as fatal.
func (l *Log) SafeAppend(ctx context.Context, fields contracts.LedgerFields) {
	safeCtx, cancel := context.WithTimeout(ctx, DefaultSafeTimeout)
	defer cancel()

	if _, err := l.Append(safeCtx, fields); err != nil {
		l.safeDropped.Add(1)
		l.logger.Warn("safe_log dropped entry", "action", fields.Action, "err", err)
	}
}

// SafeDropped reports how many best-effort appends were dropped.
func (l *Log) SafeDropped() uint64 { return l.safeDropped.Load() }
