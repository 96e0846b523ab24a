// Package handshake runs the onboarding protocol for a component
// joining the mesh: governance approval, identity proof, announcement,
// acknowledgement quorum, then a bounded observation window with
// elevated monitoring.
package handshake

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aaron031291/grace/pkg/contracts"
	"github.com/aaron031291/grace/pkg/crypto"
)

const (
	// DefaultAckWait bounds how long an announcement collects acks.
	DefaultAckWait = 60 * time.Second
	// DefaultObservationWindow is the elevated-monitoring period after
	// integration.
	DefaultObservationWindow = time.Hour
)

// DefaultAcknowledgers is the quorum set when none is configured.
var DefaultAcknowledgers = []string{
	"planner",
	"memory_broker",
	"health_graph",
	"anomaly_hub",
	"executor",
}

// Authorizer is the governance gate surface.
type Authorizer interface {
	Check(ctx context.Context, actor, action, resource string, payload map[string]any) (contracts.Decision, error)
}

// LedgerWriter records admission decisions. Writes are hard; a failed
// append fails the handshake.
type LedgerWriter interface {
	Append(ctx context.Context, fields contracts.LedgerFields) (uint64, error)
}

// Publisher announces handshake transitions on the mesh.
type Publisher interface {
	Publish(event contracts.Event) error
}

// Integrator activates a component after quorum, typically wiring its
// mesh subscriptions.
type Integrator func(spec contracts.ComponentSpec) error

type attempt struct {
	record contracts.HandshakeRecord
	acked  map[string]struct{}
	done   chan struct{}
}

// Coordinator drives component onboarding. One onboarding at a time
// per component id; distinct components onboard concurrently.
type Coordinator struct {
	gate       Authorizer
	ledger     LedgerWriter
	mesh       Publisher
	logger     *slog.Logger
	clock      func() time.Time
	required   []string
	ackWait    time.Duration
	window     time.Duration
	integrator Integrator

	mu         sync.Mutex
	inflight   map[string]*attempt
	components map[string]contracts.HandshakeRecord
}

func New(gate Authorizer, ledger LedgerWriter, mesh Publisher, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		gate:       gate,
		ledger:     ledger,
		mesh:       mesh,
		logger:     logger,
		clock:      time.Now,
		required:   DefaultAcknowledgers,
		ackWait:    DefaultAckWait,
		window:     DefaultObservationWindow,
		inflight:   make(map[string]*attempt),
		components: make(map[string]contracts.HandshakeRecord),
	}
}

// WithClock overrides the clock for deterministic testing.
func (c *Coordinator) WithClock(clock func() time.Time) *Coordinator {
	c.clock = clock
	return c
}

// WithAcknowledgers overrides the required quorum set.
func (c *Coordinator) WithAcknowledgers(names ...string) *Coordinator {
	c.required = names
	return c
}

// WithAckWait overrides the acknowledgement deadline.
func (c *Coordinator) WithAckWait(d time.Duration) *Coordinator {
	if d > 0 {
		c.ackWait = d
	}
	return c
}

// WithObservationWindow overrides the post-integration window.
func (c *Coordinator) WithObservationWindow(d time.Duration) *Coordinator {
	if d > 0 {
		c.window = d
	}
	return c
}

// WithIntegrator sets the activation hook run after quorum.
func (c *Coordinator) WithIntegrator(fn Integrator) *Coordinator {
	c.integrator = fn
	return c
}

// Onboard runs the full state machine for one component. It blocks
// until integration, quorum failure, the ack deadline, or ctx done.
func (c *Coordinator) Onboard(ctx context.Context, spec contracts.ComponentSpec) (*contracts.HandshakeRecord, error) {
	if spec.ComponentID == "" || spec.Name == "" {
		return nil, contracts.ErrValidation("component_id and name are required")
	}
	if spec.PublicKey == "" || spec.Proof == "" {
		return nil, contracts.ErrValidation("public_key and proof are required")
	}

	att, err := c.admit(spec)
	if err != nil {
		return nil, err
	}
	defer c.clearInflight(spec.ComponentID)

	// 1. Governance approval.
	decision, err := c.gate.Check(ctx, spec.ComponentID, "component_join", "mesh", map[string]any{
		"component_name": spec.Name,
		"subscriptions":  spec.Subscriptions,
	})
	if err != nil {
		return c.fail(ctx, att, "governance gate unavailable", err)
	}
	switch decision.Decision {
	case contracts.PolicyDeny:
		rec, _ := c.fail(ctx, att, "governance denied: "+decision.Reason, nil)
		return rec, contracts.NewError(contracts.KindPolicyDenied, "component %s rejected: %s", spec.ComponentID, decision.Reason)
	case contracts.PolicyReview:
		rec, _ := c.fail(ctx, att, "governance requires review", nil)
		return rec, contracts.ErrRequiresReview(decision.ParliamentSessionID, "component admission requires review")
	}
	att.record.State = contracts.HandshakeGovernanceApproved

	// 2. Identity proof: the component signs its own id with the key it
	// presents.
	valid, err := crypto.Verify(spec.PublicKey, spec.Proof, []byte(spec.ComponentID))
	if err != nil || !valid {
		rec, _ := c.fail(ctx, att, "identity proof rejected", err)
		return rec, contracts.ErrUnauthorized("identity proof rejected for component %s", spec.ComponentID)
	}
	now := c.clock().UTC()
	att.record.Identity = contracts.CryptoIdentity{
		CryptoID:     "crypto-" + uuid.New().String(),
		EntityID:     spec.ComponentID,
		EntityType:   contracts.EntityComponent,
		KeyID:        spec.KeyID,
		SignatureAlg: "ed25519",
		CreatedAt:    now,
	}
	att.record.State = contracts.HandshakeCryptoValidated

	// 3. Announce and collect acks.
	att.record.State = contracts.HandshakeAnnounced
	c.publish("handshake.component_announced", spec.ComponentID, map[string]any{
		"component_id":  spec.ComponentID,
		"name":          spec.Name,
		"required_acks": c.required,
	})

	c.mu.Lock()
	if len(c.required) == 0 {
		close(att.done)
	}
	c.mu.Unlock()

	timer := time.NewTimer(c.ackWait)
	defer timer.Stop()
	select {
	case <-att.done:
	case <-timer.C:
		att.record.State = contracts.HandshakeQuorumFailed
		att.record.MissingAcks = c.missing(att)
		rec, _ := c.fail(ctx, att, "acknowledgement quorum not met", nil)
		c.publish("handshake.quorum_failed", spec.ComponentID, map[string]any{
			"component_id": spec.ComponentID,
			"missing_acks": rec.MissingAcks,
		})
		return rec, contracts.NewError(contracts.KindTimeout, "component %s missed acks from %v", spec.ComponentID, rec.MissingAcks)
	case <-ctx.Done():
		rec, _ := c.fail(ctx, att, "onboarding cancelled", ctx.Err())
		return rec, contracts.NewError(contracts.KindShutdown, "onboarding of %s cancelled", spec.ComponentID)
	}
	att.record.State = contracts.HandshakeQuorumMet

	// 4. Integrate: activate subscriptions, then admission goes on the
	// hard ledger.
	if c.integrator != nil {
		if err := c.integrator(spec); err != nil {
			rec, _ := c.fail(ctx, att, "integration hook failed", err)
			return rec, contracts.WrapError(contracts.KindAdapter, err, "integration failed for "+spec.ComponentID)
		}
	}
	att.record.State = contracts.HandshakeIntegrated
	if _, err := c.ledger.Append(ctx, contracts.LedgerFields{
		Actor:     "handshake",
		Action:    "handshake.component_admitted",
		Resource:  spec.ComponentID,
		Subsystem: contracts.SubsystemGovernance,
		Payload: map[string]any{
			"component_id": spec.ComponentID,
			"crypto_id":    att.record.Identity.CryptoID,
			"acknowledged": c.acknowledged(att),
		},
		Result: contracts.ResultSuccess,
	}); err != nil {
		rec, _ := c.fail(ctx, att, "admission log write failed", err)
		return rec, err
	}

	// 5. Observation window.
	completed := c.clock().UTC()
	ends := completed.Add(c.window)
	att.record.State = contracts.HandshakeObservation
	att.record.Acknowledged = c.acknowledged(att)
	att.record.CompletedAt = &completed
	att.record.ObservationEnds = &ends

	c.mu.Lock()
	c.components[spec.ComponentID] = att.record
	c.mu.Unlock()

	c.publish("handshake.component_integrated", spec.ComponentID, map[string]any{
		"component_id":     spec.ComponentID,
		"crypto_id":        att.record.Identity.CryptoID,
		"observation_ends": ends,
	})

	rec := att.record
	return &rec, nil
}

// Acknowledge records one acknowledger's vote for an announced
// component. Acks from outside the required set are ignored.
func (c *Coordinator) Acknowledge(componentID, acknowledger string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	att, ok := c.inflight[componentID]
	if !ok {
		return contracts.ErrNotFound("handshake", componentID)
	}
	if !c.isRequired(acknowledger) {
		return nil
	}
	if _, dup := att.acked[acknowledger]; dup {
		return nil
	}
	att.acked[acknowledger] = struct{}{}
	if len(att.acked) == len(c.required) {
		close(att.done)
	}
	return nil
}

// Component returns the integrated record for an admitted component.
func (c *Coordinator) Component(componentID string) (*contracts.HandshakeRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.components[componentID]
	if !ok {
		return nil, contracts.ErrNotFound("component", componentID)
	}
	return &rec, nil
}

// Components lists admitted components ordered by id.
func (c *Coordinator) Components() []contracts.HandshakeRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]contracts.HandshakeRecord, 0, len(c.components))
	for _, rec := range c.components {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Spec.ComponentID < out[j].Spec.ComponentID })
	return out
}

// InObservation reports whether a component is still inside its
// elevated-monitoring window.
func (c *Coordinator) InObservation(componentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.components[componentID]
	if !ok || rec.ObservationEnds == nil {
		return false
	}
	return c.clock().UTC().Before(*rec.ObservationEnds)
}

func (c *Coordinator) admit(spec contracts.ComponentSpec) (*attempt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.components[spec.ComponentID]; exists {
		return nil, contracts.ErrConflict("component %s is already integrated", spec.ComponentID)
	}
	if _, running := c.inflight[spec.ComponentID]; running {
		return nil, contracts.ErrConflict("component %s is already onboarding", spec.ComponentID)
	}
	att := &attempt{
		record: contracts.HandshakeRecord{
			Spec:      spec,
			State:     contracts.HandshakePending,
			StartedAt: c.clock().UTC(),
		},
		acked: make(map[string]struct{}),
		done:  make(chan struct{}),
	}
	c.inflight[spec.ComponentID] = att
	return att, nil
}

func (c *Coordinator) clearInflight(componentID string) {
	c.mu.Lock()
	delete(c.inflight, componentID)
	c.mu.Unlock()
}

// fail finalises a rejected attempt and logs it. The ledger write is
// hard so a refused admission always leaves a trace.
func (c *Coordinator) fail(ctx context.Context, att *attempt, reason string, cause error) (*contracts.HandshakeRecord, error) {
	att.record.FailureReason = reason
	if cause != nil {
		c.logger.Warn("handshake failed", "component", att.record.Spec.ComponentID, "reason", reason, "err", cause)
	}
	if _, err := c.ledger.Append(ctx, contracts.LedgerFields{
		Actor:     "handshake",
		Action:    "handshake.component_rejected",
		Resource:  att.record.Spec.ComponentID,
		Subsystem: contracts.SubsystemGovernance,
		Payload: map[string]any{
			"component_id": att.record.Spec.ComponentID,
			"reason":       reason,
			"state":        string(att.record.State),
		},
		Result: contracts.ResultFailed,
	}); err != nil {
		c.logger.Error("handshake rejection log write failed", "component", att.record.Spec.ComponentID, "err", err)
	}
	rec := att.record
	return &rec, cause
}

func (c *Coordinator) publish(eventType, componentID string, payload map[string]any) {
	if err := c.mesh.Publish(contracts.Event{
		EventType: eventType,
		Source:    "handshake",
		Actor:     "handshake",
		Resource:  componentID,
		Subsystem: contracts.SubsystemGovernance,
		Payload:   payload,
	}); err != nil {
		c.logger.Warn("handshake event publish failed", "event_type", eventType, "err", err)
	}
}

func (c *Coordinator) isRequired(name string) bool {
	for _, r := range c.required {
		if r == name {
			return true
		}
	}
	return false
}

func (c *Coordinator) missing(att *attempt) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, r := range c.required {
		if _, ok := att.acked[r]; !ok {
			out = append(out, r)
		}
	}
	return out
}

func (c *Coordinator) acknowledged(att *attempt) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(att.acked))
	for name := range att.acked {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
