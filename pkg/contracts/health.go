package contracts

// HealthStatus of a monitored node.
type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
	StatusCritical HealthStatus = "critical"
	StatusUnknown  HealthStatus = "unknown"
)

// HealthNode is one vertex of the dependency graph. Nodes reference each
// other by id only; edges live in the graph, never in the node.
// Invariants enforced on write: no self-loop, dependents mirror
// dependencies, BlastRadius >= |transitive dependents|.
type HealthNode struct {
	NodeID       string             `json:"node_id"`
	NodeType     string             `json:"node_type"`
	Name         string             `json:"name"`
	Status       HealthStatus       `json:"status"`
	KPIs         map[string]float64 `json:"kpis,omitempty"`
	Dependencies []string           `json:"dependencies,omitempty"`
	Dependents   []string           `json:"dependents,omitempty"`
	BlastRadius  int                `json:"blast_radius"`
	Priority     int                `json:"priority"`
}
