// Package contracts holds the value types shared between Grace core
// components. No behavior lives here; each entity has exactly one
// writing component and everything else holds read views.
package contracts

import "time"

// Subsystem tags identify which part of the platform emitted an event.
// Under sustained overload the mesh sheds SubsystemTelemetry first.
const (
	SubsystemTelemetry  = "telemetry"
	SubsystemHealth     = "health"
	SubsystemGovernance = "governance"
	SubsystemExecution  = "execution"
	SubsystemMemory     = "memory"
	SubsystemMeta       = "meta"
)

// Event is an immutable signal published on the mesh. EventType is a
// dotted path (e.g. "health.degraded"); EventID is globally unique.
type Event struct {
	EventID   string         `json:"event_id"`
	EventType string         `json:"event_type"`
	Source    string         `json:"source"`
	Actor     string         `json:"actor"`
	Resource  string         `json:"resource"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Subsystem string         `json:"subsystem,omitempty"`
}

// Intent is the closed set of inferred intents for enriched events.
type Intent string

const (
	IntentDeployNewVersion  Intent = "deploy_new_version"
	IntentAdjustCapacity    Intent = "adjust_capacity"
	IntentSignalDegradation Intent = "signal_degradation"
	IntentUnknown           Intent = "unknown_intent"
)

// EnrichedEvent is the enrichment pipeline's output: the raw event plus
// inferred intent, pulled context, and scored confidence/risk.
type EnrichedEvent struct {
	EventID         string         `json:"event_id"`
	Original        Event          `json:"original_event"`
	SignerIdentity  string         `json:"signer_identity"`
	Intent          Intent         `json:"intent"`
	Context         map[string]any `json:"context,omitempty"`
	ExpectedOutcome string         `json:"expected_outcome,omitempty"`
	Confidence      float64        `json:"confidence"`
	Risk            float64        `json:"risk"`
}
