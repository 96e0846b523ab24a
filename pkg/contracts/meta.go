package contracts

import "time"

// FocusArea is the meta coordinator's chosen concern for a cycle.
type FocusArea string

const (
	FocusErrorSpike       FocusArea = "error_spike"
	FocusTrustViolations  FocusArea = "trust_violations"
	FocusLatencyDrift     FocusArea = "latency_drift"
	FocusCapacityStrain   FocusArea = "capacity_strain"
	FocusDependencyHealth FocusArea = "dependency_health"
	FocusRoutine          FocusArea = "routine"
)

// Guardrail biases risk scoring to tighten or loosen autonomy.
type Guardrail string

const (
	GuardrailTighten  Guardrail = "tighten"
	GuardrailMaintain Guardrail = "maintain"
	GuardrailLoosen   Guardrail = "loosen"
)

// CycleFocus is the coordinator's per-cycle output.
type CycleFocus struct {
	CycleID            string        `json:"cycle_id"`
	FocusArea          FocusArea     `json:"focus_area"`
	Reasoning          string        `json:"reasoning"`
	Confidence         float64       `json:"confidence"`
	Guardrail          Guardrail     `json:"guardrail"`
	ExtraProbes        []string      `json:"extra_probes,omitempty"`
	PlaybookPriorities []string      `json:"playbook_priorities,omitempty"`
	TimeBudget         time.Duration `json:"time_budget"`
	DecidedAt          time.Time     `json:"decided_at"`
}

// Advice is an embedded advisor's response for one focus area.
type Advice struct {
	Recommendations  []string           `json:"recommendations,omitempty"`
	Confidence       float64            `json:"confidence"`
	RootCauses       []string           `json:"root_causes,omitempty"`
	PlaybookRankings map[string]float64 `json:"playbook_rankings,omitempty"`
}

// Prediction is the trigger hub's normalised healing trigger.
type Prediction struct {
	Code               string         `json:"code"`
	Title              string         `json:"title"`
	Likelihood         float64        `json:"likelihood"`
	Impact             string         `json:"impact"`
	SuggestedPlaybooks []string       `json:"suggested_playbooks,omitempty"`
	Reasons            []string       `json:"reasons,omitempty"`
	Source             string         `json:"source"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	ObservedAt         time.Time      `json:"observed_at"`
}
