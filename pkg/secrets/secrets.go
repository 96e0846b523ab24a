// Package secrets is the provider contract for signing keys and
// adapter credentials, plus the env-backed implementation used in
// development.
package secrets

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aaron031291/grace/pkg/contracts"
)

// Provider fetches and stores named secrets. Implementations emit
// "secret.revoked" events when a stored secret is invalidated.
type Provider interface {
	Get(ctx context.Context, name string) (string, error)
	Store(ctx context.Context, name, value, owner string, ttl time.Duration) error
}

// Publisher announces revocations best-effort; a congested mesh never
// blocks or fails a secret lookup.
type Publisher interface {
	SafePublish(event contracts.Event)
}

type storedSecret struct {
	value     string
	owner     string
	expiresAt time.Time
}

// EnvProvider reads secrets from the environment under a prefix and
// layers runtime-stored values on top. TTL expiry counts as revocation.
type EnvProvider struct {
	mu     sync.Mutex
	prefix string
	mesh   Publisher
	clock  func() time.Time
	stored map[string]storedSecret
}

func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{
		prefix: prefix,
		clock:  time.Now,
		stored: make(map[string]storedSecret),
	}
}

// WithMesh wires revocation events.
func (p *EnvProvider) WithMesh(mesh Publisher) *EnvProvider {
	p.mesh = mesh
	return p
}

// WithClock overrides the clock for deterministic testing.
func (p *EnvProvider) WithClock(clock func() time.Time) *EnvProvider {
	p.clock = clock
	return p
}

func (p *EnvProvider) Get(_ context.Context, name string) (string, error) {
	p.mu.Lock()
	s, ok := p.stored[name]
	now := p.clock()
	if ok && !s.expiresAt.IsZero() && now.After(s.expiresAt) {
		delete(p.stored, name)
		p.mu.Unlock()
		p.revoke(name, s.owner)
		return "", contracts.ErrNotFound("secret", name)
	}
	p.mu.Unlock()
	if ok {
		return s.value, nil
	}

	envKey := p.prefix + strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(name))
	if v, found := os.LookupEnv(envKey); found {
		return v, nil
	}
	return "", contracts.ErrNotFound("secret", name)
}

func (p *EnvProvider) Store(_ context.Context, name, value, owner string, ttl time.Duration) error {
	if name == "" || value == "" {
		return contracts.ErrValidation("secret name and value are required")
	}
	var expires time.Time
	if ttl > 0 {
		expires = p.clock().Add(ttl)
	}
	p.mu.Lock()
	p.stored[name] = storedSecret{value: value, owner: owner, expiresAt: expires}
	p.mu.Unlock()
	return nil
}

func (p *EnvProvider) revoke(name, owner string) {
	if p.mesh == nil {
		return
	}
	p.mesh.SafePublish(contracts.Event{
		EventType: "secret.revoked",
		Source:    "secrets",
		Actor:     owner,
		Resource:  name,
		Payload:   map[string]any{"name": name, "reason": "ttl_expired"},
	})
}
