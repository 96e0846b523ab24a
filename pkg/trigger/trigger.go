// Package trigger is the intelligent trigger hub. It listens to
// advisor directives, proactive signals and log pattern detections,
// and normalises each into a uniform self_heal.prediction event that
// the planner can act on without knowing the source's shape.
package trigger

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aaron031291/grace/pkg/contracts"
	"github.com/aaron031291/grace/pkg/mesh"
)

// DefaultHistoryLimit bounds the prediction ring buffer.
const DefaultHistoryLimit = 256

// Source patterns the hub listens on.
var sourcePatterns = []string{
	"proactive.*",
	"meta_loop.*",
	"immutable_log.pattern_detected",
	"immutable_log.anomaly_sequence",
	"alert.cross_domain",
}

// Bus is the hub's mesh surface. Subscriptions use the mesh handler
// type directly; the hub owns their lifecycle.
type Bus interface {
	Publish(event contracts.Event) error
	Subscribe(pattern string, handler mesh.Handler) *mesh.Subscription
	Unsubscribe(sub *mesh.Subscription)
}

// Stats is the hub's on-demand counter snapshot.
type Stats struct {
	Received    uint64            `json:"received"`
	Published   uint64            `json:"published"`
	Skipped     uint64            `json:"skipped"`
	BySource    map[string]uint64 `json:"by_source"`
	HistorySize int               `json:"history_size"`
}

// Hub normalises heterogeneous signals into predictions.
type Hub struct {
	bus    Bus
	logger *slog.Logger
	clock  func() time.Time

	mu           sync.Mutex
	subs         []*mesh.Subscription
	history      []contracts.Prediction
	historyLimit int
	received     uint64
	published    uint64
	skipped      uint64
	bySource     map[string]uint64
}

func New(bus Bus, logger *slog.Logger) *Hub {
	return &Hub{
		bus:          bus,
		logger:       logger,
		clock:        time.Now,
		historyLimit: DefaultHistoryLimit,
		bySource:     make(map[string]uint64),
	}
}

// WithClock overrides the clock for deterministic testing.
func (h *Hub) WithClock(clock func() time.Time) *Hub {
	h.clock = clock
	return h
}

// WithHistoryLimit overrides the ring buffer capacity.
func (h *Hub) WithHistoryLimit(n int) *Hub {
	if n > 0 {
		h.historyLimit = n
	}
	return h
}

// Start subscribes the hub to its source patterns.
func (h *Hub) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.subs) > 0 {
		return
	}
	for _, pattern := range sourcePatterns {
		h.subs = append(h.subs, h.bus.Subscribe(pattern, h.handle))
	}
}

// Stop removes the hub's subscriptions. In-flight deliveries finish.
func (h *Hub) Stop() {
	h.mu.Lock()
	subs := h.subs
	h.subs = nil
	h.mu.Unlock()
	for _, sub := range subs {
		h.bus.Unsubscribe(sub)
	}
}

// handle runs on the router goroutine, so it only normalises, records
// and re-publishes.
func (h *Hub) handle(event contracts.Event) {
	prediction, ok := h.normalize(event)

	h.mu.Lock()
	h.received++
	h.bySource[event.EventType]++
	if !ok {
		h.skipped++
		h.mu.Unlock()
		return
	}
	h.history = append(h.history, prediction)
	if len(h.history) > h.historyLimit {
		h.history = h.history[len(h.history)-h.historyLimit:]
	}
	h.published++
	h.mu.Unlock()

	if err := h.bus.Publish(contracts.Event{
		EventType: "self_heal.prediction",
		Source:    "trigger_hub",
		Actor:     "trigger_hub",
		Resource:  prediction.Code,
		Subsystem: contracts.SubsystemMeta,
		Payload: map[string]any{
			"code":                prediction.Code,
			"title":               prediction.Title,
			"likelihood":          prediction.Likelihood,
			"impact":              prediction.Impact,
			"suggested_playbooks": prediction.SuggestedPlaybooks,
			"reasons":             prediction.Reasons,
			"source":              prediction.Source,
			"metadata":            prediction.Metadata,
		},
	}); err != nil {
		h.logger.Warn("prediction publish failed", "code", prediction.Code, "err", err)
	}
}

// normalize maps one source event onto the uniform prediction shape.
// Routine meta directives carry no healing signal and are skipped.
func (h *Hub) normalize(event contracts.Event) (contracts.Prediction, bool) {
	p := contracts.Prediction{
		Code:       codeFor(event.EventType),
		Source:     event.EventType,
		Likelihood: 0.5,
		Impact:     "medium",
		Metadata:   map[string]any{"source_event_id": event.EventID},
		ObservedAt: h.clock().UTC(),
	}

	switch {
	case strings.HasPrefix(event.EventType, "meta_loop."):
		focus, _ := event.Payload["focus_area"].(string)
		if focus == "" || focus == string(contracts.FocusRoutine) {
			return contracts.Prediction{}, false
		}
		p.Code = "FOCUS_" + strings.ToUpper(focus)
		p.Title = "Meta coordinator focus on " + focus
		p.Likelihood = payloadFloat(event.Payload, 0.6, "confidence")
		p.Impact = impactForFocus(focus)
		p.SuggestedPlaybooks = payloadStrings(event.Payload, "playbook_priorities")
		p.Reasons = payloadStrings(event.Payload, "recommendations", "root_causes")
		p.Metadata["guardrail"] = event.Payload["guardrail"]

	case event.EventType == "immutable_log.pattern_detected",
		event.EventType == "immutable_log.anomaly_sequence":
		p.Title = payloadString(event.Payload, "Recurring pattern in audit log", "pattern", "title")
		p.Likelihood = payloadFloat(event.Payload, 0.7, "likelihood", "confidence")
		p.Impact = payloadString(event.Payload, "high", "impact", "severity")
		p.Reasons = payloadStrings(event.Payload, "reasons", "sequence")

	default:
		p.Title = payloadString(event.Payload, fmt.Sprintf("Signal from %s", event.Source), "title")
		p.Likelihood = payloadFloat(event.Payload, 0.5, "likelihood", "confidence", "probability")
		p.Impact = payloadString(event.Payload, "medium", "impact", "severity")
		p.SuggestedPlaybooks = payloadStrings(event.Payload, "suggested_playbooks", "playbooks")
		p.Reasons = payloadStrings(event.Payload, "reasons")
	}

	if p.Likelihood < 0 {
		p.Likelihood = 0
	}
	if p.Likelihood > 1 {
		p.Likelihood = 1
	}
	return p, true
}

// History returns the most recent predictions, newest last.
func (h *Hub) History(last int) []contracts.Prediction {
	h.mu.Lock()
	defer h.mu.Unlock()
	if last <= 0 || last > len(h.history) {
		last = len(h.history)
	}
	out := make([]contracts.Prediction, last)
	copy(out, h.history[len(h.history)-last:])
	return out
}

// Stats returns a counter snapshot.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	bySource := make(map[string]uint64, len(h.bySource))
	for k, v := range h.bySource {
		bySource[k] = v
	}
	return Stats{
		Received:    h.received,
		Published:   h.published,
		Skipped:     h.skipped,
		BySource:    bySource,
		HistorySize: len(h.history),
	}
}

func codeFor(eventType string) string {
	code := strings.NewReplacer(".", "_", "-", "_").Replace(eventType)
	return strings.ToUpper(code)
}

func impactForFocus(focus string) string {
	switch contracts.FocusArea(focus) {
	case contracts.FocusErrorSpike, contracts.FocusTrustViolations:
		return "high"
	case contracts.FocusLatencyDrift, contracts.FocusCapacityStrain, contracts.FocusDependencyHealth:
		return "medium"
	default:
		return "low"
	}
}

func payloadString(payload map[string]any, fallback string, keys ...string) string {
	for _, key := range keys {
		if s, ok := payload[key].(string); ok && s != "" {
			return s
		}
	}
	return fallback
}

func payloadFloat(payload map[string]any, fallback float64, keys ...string) float64 {
	for _, key := range keys {
		switch v := payload[key].(type) {
		case float64:
			return v
		case int:
			return float64(v)
		}
	}
	return fallback
}

func payloadStrings(payload map[string]any, keys ...string) []string {
	var out []string
	for _, key := range keys {
		switch v := payload[key].(type) {
		case []string:
			out = append(out, v...)
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					out = append(out, s)
				}
			}
		}
	}
	return out
}
