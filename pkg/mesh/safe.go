package mesh

import (
	"sync/atomic"
	"time"

	"github.com/aaron031291/grace/pkg/contracts"
)

// DefaultSafeTimeout bounds best-effort publishes.
const DefaultSafeTimeout = 2 * time.Second

// SafePublisher wraps a mesh for best-effort callers: failures and
// timeouts become counters and warnings, never errors. It must not be
// used for security-relevant events.
type SafePublisher struct {
	mesh    *Mesh
	timeout time.Duration
	failed  atomic.Uint64
}

func NewSafePublisher(m *Mesh) *SafePublisher {
	return &SafePublisher{mesh: m, timeout: DefaultSafeTimeout}
}

// WithTimeout overrides the bounded wait.
func (p *SafePublisher) WithTimeout(d time.Duration) *SafePublisher {
	p.timeout = d
	return p
}

// SafePublish publishes with a bounded retry window. On sustained
// backpressure it gives up, bumps the failure counter, and logs a
// warning on the mesh logger.
func (p *SafePublisher) SafePublish(event contracts.Event) {
	deadline := time.Now().Add(p.timeout)
	for {
		err := p.mesh.Publish(event)
		if err == nil {
			return
		}
		if contracts.KindOf(err) != contracts.KindBackpressureFull || time.Now().After(deadline) {
			p.failed.Add(1)
			p.mesh.logger.Warn("safe_publish dropped event",
				"event_type", event.EventType, "err", err)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Failed returns how many best-effort publishes were dropped.
func (p *SafePublisher) Failed() uint64 { return p.failed.Load() }
