// Package health maintains the node dependency graph and per-node
// status. The graph is the single writer for nodes; other components
// hold read views obtained through Neighbors, BlastRadius and GetNode.
package health

import (
	"context"
	"log/slog"
	"sync"

	"github.com/aaron031291/grace/pkg/contracts"
)

// Direction selects which neighbours to walk.
type Direction string

const (
	Upstream   Direction = "upstream"   // dependencies
	Downstream Direction = "downstream" // dependents
	Both       Direction = "both"
)

// Publisher announces status transitions. Transitions are advisory
// fan-out, so the graph publishes best-effort and never blocks a
// health write on the mesh.
type Publisher interface {
	SafePublish(event contracts.Event)
}

// Graph holds the in-memory dependency graph. All mutations go through
// its mutex; the blast radius cache is invalidated on any edge change.
type Graph struct {
	mu     sync.RWMutex
	store  *Store
	mesh   Publisher
	logger *slog.Logger

	nodes      map[string]*contracts.HealthNode
	deps       map[string]map[string]struct{}
	dependents map[string]map[string]struct{}
	blastCache map[string]int
}

func NewGraph(store *Store, logger *slog.Logger) *Graph {
	return &Graph{
		store:      store,
		logger:     logger,
		nodes:      make(map[string]*contracts.HealthNode),
		deps:       make(map[string]map[string]struct{}),
		dependents: make(map[string]map[string]struct{}),
		blastCache: make(map[string]int),
	}
}

// WithMesh wires status transition announcements.
func (g *Graph) WithMesh(mesh Publisher) *Graph {
	g.mesh = mesh
	return g
}

// Load rebuilds the graph from the store.
func (g *Graph) Load(ctx context.Context) error {
	nodes, edges, err := g.store.LoadAll(ctx)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range nodes {
		n := nodes[i]
		g.nodes[n.NodeID] = &n
		g.deps[n.NodeID] = make(map[string]struct{})
		g.dependents[n.NodeID] = make(map[string]struct{})
	}
	for _, e := range edges {
		g.ensureLocked(e[0])
		g.ensureLocked(e[1])
		g.deps[e[0]][e[1]] = struct{}{}
		g.dependents[e[1]][e[0]] = struct{}{}
	}
	return nil
}

// RegisterNode adds or replaces a node and its dependency edges.
// A dependency on a node not yet registered creates a placeholder in
// the unknown state so the mirror invariant holds from the start.
func (g *Graph) RegisterNode(ctx context.Context, node contracts.HealthNode) error {
	if node.NodeID == "" {
		return contracts.ErrValidation("node_id is required")
	}
	for _, dep := range node.Dependencies {
		if dep == node.NodeID {
			return contracts.ErrValidation("node %s cannot depend on itself", node.NodeID)
		}
	}
	if node.Status == "" {
		node.Status = contracts.StatusUnknown
	}
	if node.KPIs == nil {
		node.KPIs = make(map[string]float64)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.ensureLocked(node.NodeID)
	stored := node
	stored.Dependencies = nil
	stored.Dependents = nil
	g.nodes[node.NodeID] = &stored

	if g.store != nil {
		if err := g.store.SaveNode(ctx, &stored); err != nil {
			return err
		}
	}
	for _, dep := range node.Dependencies {
		if err := g.addEdgeLocked(ctx, node.NodeID, dep); err != nil {
			return err
		}
	}
	g.blastCache = make(map[string]int)
	return nil
}

// AddDependency records that from depends on to.
func (g *Graph) AddDependency(ctx context.Context, from, to string) error {
	if from == to {
		return contracts.ErrValidation("node %s cannot depend on itself", from)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[from]; !ok {
		return contracts.ErrNotFound("health node", from)
	}
	if err := g.addEdgeLocked(ctx, from, to); err != nil {
		return err
	}
	g.blastCache = make(map[string]int)
	return nil
}

// RemoveDependency drops the from -> to edge if present.
func (g *Graph) RemoveDependency(ctx context.Context, from, to string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[from]; !ok {
		return contracts.ErrNotFound("health node", from)
	}
	delete(g.deps[from], to)
	if d, ok := g.dependents[to]; ok {
		delete(d, from)
	}
	if g.store != nil {
		if err := g.store.DeleteEdge(ctx, from, to); err != nil {
			return err
		}
	}
	g.blastCache = make(map[string]int)
	return nil
}

func (g *Graph) addEdgeLocked(ctx context.Context, from, to string) error {
	if _, ok := g.nodes[to]; !ok {
		placeholder := &contracts.HealthNode{
			NodeID:   to,
			NodeType: "unknown",
			Name:     to,
			Status:   contracts.StatusUnknown,
			KPIs:     make(map[string]float64),
		}
		g.ensureLocked(to)
		g.nodes[to] = placeholder
		if g.store != nil {
			if err := g.store.SaveNode(ctx, placeholder); err != nil {
				return err
			}
		}
	}
	g.deps[from][to] = struct{}{}
	g.dependents[to][from] = struct{}{}
	if g.store != nil {
		return g.store.SaveEdge(ctx, from, to)
	}
	return nil
}

func (g *Graph) ensureLocked(nodeID string) {
	if _, ok := g.deps[nodeID]; !ok {
		g.deps[nodeID] = make(map[string]struct{})
	}
	if _, ok := g.dependents[nodeID]; !ok {
		g.dependents[nodeID] = make(map[string]struct{})
	}
}

// UpdateHealth sets node status and applies KPI deltas additively.
// Transitions into degraded or critical, and recoveries back to
// healthy, are announced on the mesh.
func (g *Graph) UpdateHealth(ctx context.Context, nodeID string, status contracts.HealthStatus, kpiDeltas map[string]float64) error {
	switch status {
	case contracts.StatusHealthy, contracts.StatusDegraded, contracts.StatusCritical, contracts.StatusUnknown:
	default:
		return contracts.ErrValidation("invalid health status %q", status)
	}

	g.mu.Lock()
	node, ok := g.nodes[nodeID]
	if !ok {
		g.mu.Unlock()
		return contracts.ErrNotFound("health node", nodeID)
	}
	prev := node.Status
	node.Status = status
	for k, d := range kpiDeltas {
		node.KPIs[k] += d
	}
	if g.store != nil {
		if err := g.store.SaveNode(ctx, node); err != nil {
			g.mu.Unlock()
			return err
		}
	}
	g.mu.Unlock()

	if g.mesh == nil || prev == status {
		return nil
	}
	var eventType string
	switch {
	case status == contracts.StatusDegraded || status == contracts.StatusCritical:
		eventType = "health.degraded"
	case status == contracts.StatusHealthy:
		eventType = "health.recovered"
	default:
		return nil
	}
	g.mesh.SafePublish(contracts.Event{
		EventType: eventType,
		Source:    "health_graph",
		Resource:  nodeID,
		Subsystem: contracts.SubsystemHealth,
		Payload:   map[string]any{"node_id": nodeID, "status": string(status), "previous": string(prev)},
	})
	return nil
}

// Neighbors returns adjacent node ids in the requested direction.
func (g *Graph) Neighbors(nodeID string, dir Direction) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.nodes[nodeID]; !ok {
		return nil, contracts.ErrNotFound("health node", nodeID)
	}
	var out []string
	if dir == Upstream || dir == Both {
		for id := range g.deps[nodeID] {
			out = append(out, id)
		}
	}
	if dir == Downstream || dir == Both {
		for id := range g.dependents[nodeID] {
			out = append(out, id)
		}
	}
	return out, nil
}

// BlastRadius counts transitive dependents. Results are cached until
// the next edge change.
func (g *Graph) BlastRadius(nodeID string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[nodeID]; !ok {
		return 0, contracts.ErrNotFound("health node", nodeID)
	}
	if cached, ok := g.blastCache[nodeID]; ok {
		return cached, nil
	}
	seen := map[string]struct{}{}
	queue := []string{nodeID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for dep := range g.dependents[cur] {
			if _, ok := seen[dep]; ok || dep == nodeID {
				continue
			}
			seen[dep] = struct{}{}
			queue = append(queue, dep)
		}
	}
	radius := len(seen)
	g.blastCache[nodeID] = radius
	g.nodes[nodeID].BlastRadius = radius
	return radius, nil
}

// GetNode returns a copy of one node with its edges materialised.
func (g *Graph) GetNode(nodeID string) (*contracts.HealthNode, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	node, ok := g.nodes[nodeID]
	if !ok {
		return nil, contracts.ErrNotFound("health node", nodeID)
	}
	out := *node
	out.KPIs = make(map[string]float64, len(node.KPIs))
	for k, v := range node.KPIs {
		out.KPIs[k] = v
	}
	for id := range g.deps[nodeID] {
		out.Dependencies = append(out.Dependencies, id)
	}
	for id := range g.dependents[nodeID] {
		out.Dependents = append(out.Dependents, id)
	}
	return &out, nil
}

// ListNodes returns copies of all nodes.
func (g *Graph) ListNodes() []contracts.HealthNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]contracts.HealthNode, 0, len(g.nodes))
	for id, node := range g.nodes {
		n := *node
		for dep := range g.deps[id] {
			n.Dependencies = append(n.Dependencies, dep)
		}
		for dep := range g.dependents[id] {
			n.Dependents = append(n.Dependents, dep)
		}
		out = append(out, n)
	}
	return out
}

// Summary aggregates node counts by status for the coordinator.
type Summary struct {
	Total    int                            `json:"total"`
	ByStatus map[contracts.HealthStatus]int `json:"by_status"`
	Critical []string                       `json:"critical,omitempty"`
	Degraded []string                       `json:"degraded,omitempty"`
}

func (g *Graph) Summarize() Summary {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s := Summary{ByStatus: make(map[contracts.HealthStatus]int)}
	for id, n := range g.nodes {
		s.Total++
		s.ByStatus[n.Status]++
		switch n.Status {
		case contracts.StatusCritical:
			s.Critical = append(s.Critical, id)
		case contracts.StatusDegraded:
			s.Degraded = append(s.Degraded, id)
		}
	}
	return s
}
