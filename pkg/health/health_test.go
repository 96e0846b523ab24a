package health

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/aaron031291/grace/pkg/contracts"
)

type meshRecorder struct {
	events []contracts.Event
}

func (m *meshRecorder) SafePublish(e contracts.Event) {
	m.events = append(m.events, e)
}

func newTestGraph(t *testing.T) (*Graph, *meshRecorder, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewStore(db)
	require.NoError(t, err)
	mesh := &meshRecorder{}
	g := NewGraph(store, slog.New(slog.NewTextHandler(io.Discard, nil))).WithMesh(mesh)
	return g, mesh, db
}

func register(t *testing.T, g *Graph, id string, deps ...string) {
	t.Helper()
	require.NoError(t, g.RegisterNode(context.Background(), contracts.HealthNode{
		NodeID:       id,
		NodeType:     "service",
		Name:         id,
		Status:       contracts.StatusHealthy,
		Dependencies: deps,
	}))
}

func TestSelfLoopRejected(t *testing.T) {
	g, _, _ := newTestGraph(t)
	err := g.RegisterNode(context.Background(), contracts.HealthNode{
		NodeID: "a", NodeType: "service", Name: "a", Dependencies: []string{"a"},
	})
	assert.Equal(t, contracts.KindValidation, contracts.KindOf(err))

	register(t, g, "a")
	err = g.AddDependency(context.Background(), "a", "a")
	assert.Equal(t, contracts.KindValidation, contracts.KindOf(err))
}

func TestMirroredEdges(t *testing.T) {
	g, _, _ := newTestGraph(t)
	register(t, g, "db")
	register(t, g, "api", "db")

	up, err := g.Neighbors("api", Upstream)
	require.NoError(t, err)
	assert.Equal(t, []string{"db"}, up)

	down, err := g.Neighbors("db", Downstream)
	require.NoError(t, err)
	assert.Equal(t, []string{"api"}, down)
}

func TestPlaceholderForUnknownDependency(t *testing.T) {
	g, _, _ := newTestGraph(t)
	register(t, g, "api", "cache")

	node, err := g.GetNode("cache")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusUnknown, node.Status)
	assert.Equal(t, []string{"api"}, node.Dependents)
}

func TestBlastRadiusTransitive(t *testing.T) {
	// web -> api -> db, worker -> db: db's blast radius covers all three.
	g, _, _ := newTestGraph(t)
	register(t, g, "db")
	register(t, g, "api", "db")
	register(t, g, "web", "api")
	register(t, g, "worker", "db")

	radius, err := g.BlastRadius("db")
	require.NoError(t, err)
	assert.Equal(t, 3, radius)

	radius, err = g.BlastRadius("api")
	require.NoError(t, err)
	assert.Equal(t, 1, radius)

	radius, err = g.BlastRadius("web")
	require.NoError(t, err)
	assert.Equal(t, 0, radius)
}

func TestBlastRadiusCacheInvalidation(t *testing.T) {
	g, _, _ := newTestGraph(t)
	register(t, g, "db")
	register(t, g, "api", "db")

	radius, err := g.BlastRadius("db")
	require.NoError(t, err)
	require.Equal(t, 1, radius)

	// New edge must invalidate the cached value.
	register(t, g, "web", "db")
	radius, err = g.BlastRadius("db")
	require.NoError(t, err)
	assert.Equal(t, 2, radius)

	require.NoError(t, g.RemoveDependency(context.Background(), "web", "db"))
	radius, err = g.BlastRadius("db")
	require.NoError(t, err)
	assert.Equal(t, 1, radius)
}

func TestUpdateHealthPublishesTransitions(t *testing.T) {
	g, mesh, _ := newTestGraph(t)
	register(t, g, "api")

	err := g.UpdateHealth(context.Background(), "api", contracts.StatusDegraded, map[string]float64{"error_rate": 0.2})
	require.NoError(t, err)
	require.Len(t, mesh.events, 1)
	assert.Equal(t, "health.degraded", mesh.events[0].EventType)
	assert.Equal(t, "api", mesh.events[0].Resource)

	err = g.UpdateHealth(context.Background(), "api", contracts.StatusHealthy, nil)
	require.NoError(t, err)
	require.Len(t, mesh.events, 2)
	assert.Equal(t, "health.recovered", mesh.events[1].EventType)

	// Same status again: no event.
	err = g.UpdateHealth(context.Background(), "api", contracts.StatusHealthy, nil)
	require.NoError(t, err)
	assert.Len(t, mesh.events, 2)

	node, err := g.GetNode("api")
	require.NoError(t, err)
	assert.InDelta(t, 0.2, node.KPIs["error_rate"], 1e-9)
}

func TestUpdateHealthValidation(t *testing.T) {
	g, _, _ := newTestGraph(t)
	register(t, g, "api")

	err := g.UpdateHealth(context.Background(), "api", "broken", nil)
	assert.Equal(t, contracts.KindValidation, contracts.KindOf(err))

	err = g.UpdateHealth(context.Background(), "ghost", contracts.StatusDegraded, nil)
	assert.Equal(t, contracts.KindNotFound, contracts.KindOf(err))
}

func TestReloadFromStore(t *testing.T) {
	g, _, db := newTestGraph(t)
	register(t, g, "db")
	register(t, g, "api", "db")
	require.NoError(t, g.UpdateHealth(context.Background(), "db", contracts.StatusCritical, nil))

	store, err := NewStore(db)
	require.NoError(t, err)
	fresh := NewGraph(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, fresh.Load(context.Background()))

	node, err := fresh.GetNode("db")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusCritical, node.Status)
	assert.Equal(t, []string{"api"}, node.Dependents)

	radius, err := fresh.BlastRadius("db")
	require.NoError(t, err)
	assert.Equal(t, 1, radius)
}

func TestSummarize(t *testing.T) {
	g, _, _ := newTestGraph(t)
	register(t, g, "a")
	register(t, g, "b")
	register(t, g, "c")
	require.NoError(t, g.UpdateHealth(context.Background(), "b", contracts.StatusDegraded, nil))
	require.NoError(t, g.UpdateHealth(context.Background(), "c", contracts.StatusCritical, nil))

	s := g.Summarize()
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 1, s.ByStatus[contracts.StatusHealthy])
	assert.Equal(t, []string{"b"}, s.Degraded)
	assert.Equal(t, []string{"c"}, s.Critical)
}
