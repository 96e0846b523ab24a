package meta

import (
	"context"
	"time"

	"github.com/aaron031291/grace/pkg/contracts"
)

// Observation is one cycle's aggregated view of the ledger window and
// the health graph.
type Observation struct {
	WindowStart     time.Time
	WindowEnd       time.Time
	ErrorCount      int
	BlockedCount    int
	TrustViolations int
	AvgLatency      float64
	LatencyDrift    float64 // relative change vs the previous cycle
	AvgCPU          float64
	DegradedNodes   []string
	CriticalNodes   []string
	RecentOutcomes  []bool // newest last, capped at outcomeWindow
}

// SuccessRate over the recent outcome window; ok is false with no
// outcomes to judge.
func (o *Observation) SuccessRate() (float64, bool) {
	if len(o.RecentOutcomes) == 0 {
		return 0, false
	}
	succeeded := 0
	for _, ok := range o.RecentOutcomes {
		if ok {
			succeeded++
		}
	}
	return float64(succeeded) / float64(len(o.RecentOutcomes)), true
}

const outcomeWindow = 10

// observe builds the cycle observation from the ledger and health
// graph. prevLatency carries the previous cycle's average for drift.
func observe(ctx context.Context, ledger LedgerReader, graph HealthView, from, to time.Time, prevLatency float64) (*Observation, error) {
	entries, err := ledger.Read(ctx, contracts.LedgerFilter{From: from, To: to})
	if err != nil {
		return nil, err
	}

	obs := &Observation{WindowStart: from, WindowEnd: to}
	for _, e := range entries {
		switch e.Result {
		case contracts.ResultError, contracts.ResultFailed:
			obs.ErrorCount++
		case contracts.ResultBlocked:
			obs.BlockedCount++
		case contracts.ResultDenied:
			obs.TrustViolations++
		}
		if e.Action == "plan.outcome" {
			obs.RecentOutcomes = append(obs.RecentOutcomes, e.Result == contracts.ResultSuccess)
		}
	}
	if len(obs.RecentOutcomes) > outcomeWindow {
		obs.RecentOutcomes = obs.RecentOutcomes[len(obs.RecentOutcomes)-outcomeWindow:]
	}

	summary := graph.Summarize()
	obs.DegradedNodes = summary.Degraded
	obs.CriticalNodes = summary.Critical

	var latencySum, cpuSum float64
	var latencyN, cpuN int
	for _, node := range graph.ListNodes() {
		if v, ok := node.KPIs["latency_ms"]; ok {
			latencySum += v
			latencyN++
		}
		if v, ok := node.KPIs["cpu_utilization"]; ok {
			cpuSum += v
			cpuN++
		}
	}
	if latencyN > 0 {
		obs.AvgLatency = latencySum / float64(latencyN)
	}
	if cpuN > 0 {
		obs.AvgCPU = cpuSum / float64(cpuN)
	}
	if prevLatency > 0 && obs.AvgLatency > 0 {
		obs.LatencyDrift = (obs.AvgLatency - prevLatency) / prevLatency
	}
	return obs, nil
}
