package observability

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// SLOTarget is a latency and success objective for one core
// operation (publish, enrich, plan, execute, recall, cycle).
type SLOTarget struct {
	SLOID       string        `json:"slo_id"`
	Name        string        `json:"name"`
	Operation   string        `json:"operation"`
	LatencyP99  time.Duration `json:"latency_p99"`
	SuccessRate float64       `json:"success_rate"`
	WindowHours int           `json:"window_hours"`
}

// SLOObservation is a single data point.
type SLOObservation struct {
	Operation string        `json:"operation"`
	Latency   time.Duration `json:"latency"`
	Success   bool          `json:"success"`
	Timestamp time.Time     `json:"timestamp"`
}

// SLOStatus reports current compliance.
type SLOStatus struct {
	SLOID            string  `json:"slo_id"`
	Operation        string  `json:"operation"`
	CurrentP99       float64 `json:"current_p99_ms"`
	CurrentSuccess   float64 `json:"current_success_rate"`
	InCompliance     bool    `json:"in_compliance"`
	BurnRate         float64 `json:"burn_rate"`
	ErrorBudgetLeft  float64 `json:"error_budget_left"`
	ObservationCount int     `json:"observation_count"`
}

// SLOTracker monitors the core's objectives per operation.
type SLOTracker struct {
	mu           sync.Mutex
	targets      map[string]*SLOTarget
	observations map[string][]SLOObservation
	clock        func() time.Time
}

func NewSLOTracker() *SLOTracker {
	return &SLOTracker{
		targets:      make(map[string]*SLOTarget),
		observations: make(map[string][]SLOObservation),
		clock:        time.Now,
	}
}

// WithDefaultTargets installs the stock objectives for the core
// pipeline operations.
func (t *SLOTracker) WithDefaultTargets() *SLOTracker {
	for _, target := range []*SLOTarget{
		{SLOID: "slo-publish", Name: "Mesh publish", Operation: "publish", LatencyP99: 10 * time.Millisecond, SuccessRate: 0.999, WindowHours: 1},
		{SLOID: "slo-enrich", Name: "Event enrichment", Operation: "enrich", LatencyP99: 50 * time.Millisecond, SuccessRate: 0.99, WindowHours: 1},
		{SLOID: "slo-plan", Name: "Plan proposal", Operation: "plan", LatencyP99: 200 * time.Millisecond, SuccessRate: 0.98, WindowHours: 4},
		{SLOID: "slo-execute", Name: "Plan execution", Operation: "execute", LatencyP99: 30 * time.Second, SuccessRate: 0.95, WindowHours: 24},
		{SLOID: "slo-recall", Name: "Memory recall", Operation: "recall", LatencyP99: 100 * time.Millisecond, SuccessRate: 0.99, WindowHours: 4},
		{SLOID: "slo-cycle", Name: "Meta cycle", Operation: "cycle", LatencyP99: 5 * time.Second, SuccessRate: 0.99, WindowHours: 24},
	} {
		t.SetTarget(target)
	}
	return t
}

// WithClock overrides clock for testing.
func (t *SLOTracker) WithClock(clock func() time.Time) *SLOTracker {
	t.clock = clock
	return t
}

// SetTarget sets an SLO target for an operation.
func (t *SLOTracker) SetTarget(target *SLOTarget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets[target.Operation] = target
}

// Record records an observation and drops points older than the
// operation's window.
func (t *SLOTracker) Record(obs SLOObservation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if obs.Timestamp.IsZero() {
		obs.Timestamp = t.clock()
	}
	kept := t.observations[obs.Operation]
	if target, ok := t.targets[obs.Operation]; ok {
		cutoff := t.clock().Add(-time.Duration(target.WindowHours) * time.Hour)
		for len(kept) > 0 && !kept[0].Timestamp.After(cutoff) {
			kept = kept[1:]
		}
	}
	t.observations[obs.Operation] = append(kept, obs)
}

// Status computes current compliance for an operation.
func (t *SLOTracker) Status(operation string) (*SLOStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	target, ok := t.targets[operation]
	if !ok {
		return nil, fmt.Errorf("no SLO target for operation %q", operation)
	}

	now := t.clock()
	windowStart := now.Add(-time.Duration(target.WindowHours) * time.Hour)
	var windowed []SLOObservation
	for _, obs := range t.observations[operation] {
		if obs.Timestamp.After(windowStart) {
			windowed = append(windowed, obs)
		}
	}
	if len(windowed) == 0 {
		return &SLOStatus{
			SLOID:           target.SLOID,
			Operation:       operation,
			InCompliance:    true,
			ErrorBudgetLeft: 100.0,
		}, nil
	}

	successCount := 0
	latencies := make([]float64, len(windowed))
	for i, obs := range windowed {
		if obs.Success {
			successCount++
		}
		latencies[i] = float64(obs.Latency.Milliseconds())
	}
	successRate := float64(successCount) / float64(len(windowed))

	sort.Float64s(latencies)
	p99Index := int(float64(len(latencies)) * 0.99)
	if p99Index >= len(latencies) {
		p99Index = len(latencies) - 1
	}
	p99 := latencies[p99Index]

	inCompliance := p99 <= float64(target.LatencyP99.Milliseconds()) &&
		successRate >= target.SuccessRate

	errorBudget := 1.0 - target.SuccessRate
	errorRate := 1.0 - successRate
	var burnRate float64
	budgetLeft := 100.0
	if errorBudget > 0 {
		burnRate = errorRate / errorBudget
		budgetLeft = 100.0 * (1.0 - burnRate)
		if budgetLeft < 0 {
			budgetLeft = 0
		}
	}

	return &SLOStatus{
		SLOID:            target.SLOID,
		Operation:        operation,
		CurrentP99:       p99,
		CurrentSuccess:   successRate,
		InCompliance:     inCompliance,
		BurnRate:         burnRate,
		ErrorBudgetLeft:  budgetLeft,
		ObservationCount: len(windowed),
	}, nil
}
