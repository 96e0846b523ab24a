package planner

import (
	"sort"
	"sync"

	"github.com/aaron031291/grace/pkg/contracts"
)

// riskRank orders risk levels for tie-breaking. Lower is safer.
var riskRank = map[string]int{
	contracts.RiskLow:      0,
	contracts.RiskMedium:   1,
	contracts.RiskHigh:     2,
	contracts.RiskCritical: 3,
}

// Registry holds playbooks and their outcome history. Success rates are
// Bayesian-smoothed with a uniform prior so unproven playbooks start at
// 0.5 instead of 0 or 1. A caller-supplied SuccessRate seeds the prior
// as priorStrength pseudo-outcomes, so operator estimates hold until
// real outcomes accumulate.
type Registry struct {
	mu        sync.RWMutex
	playbooks map[string]*contracts.Playbook
	successes map[string]float64
	failures  map[string]float64
}

// priorStrength is how many pseudo-outcomes a seeded success rate is
// worth against real recorded outcomes.
const priorStrength = 8.0

func NewRegistry() *Registry {
	return &Registry{
		playbooks: make(map[string]*contracts.Playbook),
		successes: make(map[string]float64),
		failures:  make(map[string]float64),
	}
}

// Register adds or replaces a playbook.
func (r *Registry) Register(pb contracts.Playbook) error {
	if pb.PlaybookID == "" {
		return contracts.ErrValidation("playbook_id is required")
	}
	if len(pb.Steps) == 0 {
		return contracts.ErrValidation("playbook %s has no steps", pb.PlaybookID)
	}
	if pb.RiskLevel == "" {
		pb.RiskLevel = contracts.RiskMedium
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if pb.SuccessRate > 0 && r.successes[pb.PlaybookID]+r.failures[pb.PlaybookID] == 0 {
		// Solve (s+1)/(priorStrength+2) = rate so the smoothed rate
		// comes back out as the seeded value.
		s := pb.SuccessRate*(priorStrength+2) - 1
		if s < 0 {
			s = 0
		}
		if s > priorStrength {
			s = priorStrength
		}
		r.successes[pb.PlaybookID] = s
		r.failures[pb.PlaybookID] = priorStrength - s
	}
	pb.SuccessRate = r.smoothedLocked(pb.PlaybookID)
	r.playbooks[pb.PlaybookID] = &pb
	return nil
}

// Get returns one playbook by id.
func (r *Registry) Get(playbookID string) (*contracts.Playbook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pb, ok := r.playbooks[playbookID]
	if !ok {
		return nil, contracts.ErrNotFound("playbook", playbookID)
	}
	out := *pb
	return &out, nil
}

// List returns all playbooks ordered by id.
func (r *Registry) List() []contracts.Playbook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]contracts.Playbook, 0, len(r.playbooks))
	for _, pb := range r.playbooks {
		out = append(out, *pb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlaybookID < out[j].PlaybookID })
	return out
}

// RecordOutcome feeds one execution result back into the success rate.
func (r *Registry) RecordOutcome(playbookID string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if success {
		r.successes[playbookID]++
	} else {
		r.failures[playbookID]++
	}
	if pb, ok := r.playbooks[playbookID]; ok {
		pb.SuccessRate = r.smoothedLocked(playbookID)
	}
}

// smoothedLocked is the Laplace-smoothed success rate
// (successes + 1) / (attempts + 2).
func (r *Registry) smoothedLocked(playbookID string) float64 {
	s := r.successes[playbookID]
	f := r.failures[playbookID]
	return (s + 1) / (s + f + 2)
}
