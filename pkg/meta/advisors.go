package meta

import (
	"context"
	"fmt"
	"sort"

	"github.com/aaron031291/grace/pkg/contracts"
)

// Advisor is the embedded advice contract. Implementations may be
// rules, statistics or external services; the coordinator imposes a
// per-call deadline and ignores late responses.
type Advisor interface {
	Name() string
	Advise(ctx context.Context, focus contracts.FocusArea, obs *Observation) (contracts.Advice, error)
}

// AnomalyScorer flags the strongest anomaly signals in the window.
type AnomalyScorer struct{}

func (AnomalyScorer) Name() string { return "anomaly_scorer" }

func (AnomalyScorer) Advise(_ context.Context, focus contracts.FocusArea, obs *Observation) (contracts.Advice, error) {
	advice := contracts.Advice{Confidence: 0.5}
	if obs.ErrorCount > 0 {
		advice.Recommendations = append(advice.Recommendations,
			fmt.Sprintf("inspect %d failed actions in window", obs.ErrorCount))
		advice.Confidence += 0.1
	}
	if obs.LatencyDrift > 0.1 {
		advice.Recommendations = append(advice.Recommendations, "probe latency on drifting nodes")
		advice.Confidence += 0.1
	}
	if len(obs.CriticalNodes) > 0 {
		advice.Recommendations = append(advice.Recommendations, "prioritise critical nodes")
		advice.Confidence += 0.2
	}
	if focus == contracts.FocusRoutine && len(advice.Recommendations) == 0 {
		advice.Recommendations = []string{"no anomalies detected"}
		advice.Confidence = 0.9
	}
	if advice.Confidence > 1 {
		advice.Confidence = 1
	}
	return advice, nil
}

// RootCauseAnalyzer maps the focus area onto the unhealthy part of the
// dependency graph.
type RootCauseAnalyzer struct{}

func (RootCauseAnalyzer) Name() string { return "root_cause" }

func (RootCauseAnalyzer) Advise(_ context.Context, focus contracts.FocusArea, obs *Observation) (contracts.Advice, error) {
	advice := contracts.Advice{Confidence: 0.4}
	for _, node := range obs.CriticalNodes {
		advice.RootCauses = append(advice.RootCauses, "critical node "+node)
		advice.Confidence = 0.8
	}
	for _, node := range obs.DegradedNodes {
		advice.RootCauses = append(advice.RootCauses, "degraded node "+node)
		if advice.Confidence < 0.6 {
			advice.Confidence = 0.6
		}
	}
	switch focus {
	case contracts.FocusErrorSpike:
		advice.RootCauses = append(advice.RootCauses, "elevated failure rate in recent window")
	case contracts.FocusTrustViolations:
		advice.RootCauses = append(advice.RootCauses, "repeated denied actions in recent window")
	case contracts.FocusCapacityStrain:
		advice.RootCauses = append(advice.RootCauses, fmt.Sprintf("average cpu at %.0f%%", obs.AvgCPU))
	}
	return advice, nil
}

// PlaybookLister is the slice of the playbook registry the ranker sees.
type PlaybookLister interface {
	List() []contracts.Playbook
}

// PlaybookRanker prefers proven playbooks, discounted by risk when the
// window looks unstable.
type PlaybookRanker struct {
	Playbooks PlaybookLister
}

func (PlaybookRanker) Name() string { return "playbook_ranker" }

func (r PlaybookRanker) Advise(_ context.Context, focus contracts.FocusArea, obs *Observation) (contracts.Advice, error) {
	advice := contracts.Advice{Confidence: 0.6, PlaybookRankings: map[string]float64{}}
	if r.Playbooks == nil {
		return advice, nil
	}
	unstable := obs.ErrorCount > 0 || len(obs.CriticalNodes) > 0 || focus == contracts.FocusErrorSpike
	for _, pb := range r.Playbooks.List() {
		score := pb.SuccessRate
		if unstable {
			switch pb.RiskLevel {
			case contracts.RiskHigh:
				score *= 0.7
			case contracts.RiskCritical:
				score *= 0.5
			}
		}
		advice.PlaybookRankings[pb.PlaybookID] = score
	}
	return advice, nil
}

// aggregateAdvice merges advisor responses: union with dedup, ordered
// by the confidence of the advisor that contributed each item.
func aggregateAdvice(responses []contracts.Advice) (recommendations, rootCauses, playbooks []string, confidence float64) {
	type weighted struct {
		text string
		conf float64
	}
	var recs, causes []weighted
	rankings := map[string]float64{}

	for _, a := range responses {
		for _, r := range a.Recommendations {
			recs = append(recs, weighted{r, a.Confidence})
		}
		for _, c := range a.RootCauses {
			causes = append(causes, weighted{c, a.Confidence})
		}
		for id, score := range a.PlaybookRankings {
			if score > rankings[id] {
				rankings[id] = score
			}
		}
		confidence += a.Confidence
	}
	if len(responses) > 0 {
		confidence /= float64(len(responses))
	}

	dedup := func(items []weighted) []string {
		sort.SliceStable(items, func(i, j int) bool { return items[i].conf > items[j].conf })
		seen := map[string]struct{}{}
		var out []string
		for _, it := range items {
			if _, ok := seen[it.text]; ok {
				continue
			}
			seen[it.text] = struct{}{}
			out = append(out, it.text)
		}
		return out
	}
	recommendations = dedup(recs)
	rootCauses = dedup(causes)

	for id := range rankings {
		playbooks = append(playbooks, id)
	}
	sort.Slice(playbooks, func(i, j int) bool {
		if rankings[playbooks[i]] != rankings[playbooks[j]] {
			return rankings[playbooks[i]] > rankings[playbooks[j]]
		}
		return playbooks[i] < playbooks[j]
	})
	return recommendations, rootCauses, playbooks, confidence
}
