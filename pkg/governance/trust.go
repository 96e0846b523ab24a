package governance

import "sync"

// DefaultTrust applies to domains that never earned or lost trust.
const DefaultTrust = 0.5

// CrossDomainTrust is the floor for cross-domain memory access.
const CrossDomainTrust = 0.8

// TrustRegistry tracks a per-domain trust score in [0,1]. The memory
// broker consults it when mapping governance decisions to access
// levels; the meta coordinator adjusts it from signed outcomes.
type TrustRegistry struct {
	mu     sync.RWMutex
	scores map[string]float64
}

func NewTrustRegistry() *TrustRegistry {
	return &TrustRegistry{scores: make(map[string]float64)}
}

// Score returns the domain's trust, DefaultTrust when unknown.
func (t *TrustRegistry) Score(domain string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.scores[domain]; ok {
		return s
	}
	return DefaultTrust
}

// Set clamps the score into [0,1].
func (t *TrustRegistry) Set(domain string, score float64) {
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	t.mu.Lock()
	t.scores[domain] = score
	t.mu.Unlock()
}

// Adjust shifts a domain's score by delta, clamped into [0,1].
func (t *TrustRegistry) Adjust(domain string, delta float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.scores[domain]
	if !ok {
		s = DefaultTrust
	}
	s += delta
	if s < 0 {
		s = 0
	}
	if s > 1 {
		s = 1
	}
	t.scores[domain] = s
	return s
}
