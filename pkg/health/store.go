package health

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/aaron031291/grace/pkg/contracts"
)

// Store persists nodes and edges. The in-memory graph is the read
// model; the store is only consulted at startup and on write.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS health_nodes (
		node_id TEXT PRIMARY KEY,
		node_type TEXT NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		kpis JSON NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS health_edges (
		from_node TEXT NOT NULL,
		to_node TEXT NOT NULL,
		UNIQUE(from_node, to_node)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// SaveNode upserts node attributes. Edges are saved separately.
func (s *Store) SaveNode(ctx context.Context, n *contracts.HealthNode) error {
	kpis, err := json.Marshal(n.KPIs)
	if err != nil {
		return fmt.Errorf("marshal kpis: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO health_nodes (node_id, node_type, name, status, kpis, priority)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(node_id) DO UPDATE SET node_type=excluded.node_type,
		   name=excluded.name, status=excluded.status, kpis=excluded.kpis,
		   priority=excluded.priority`,
		n.NodeID, n.NodeType, n.Name, string(n.Status), string(kpis), n.Priority)
	return err
}

// SaveEdge records a dependency edge from -> to.
func (s *Store) SaveEdge(ctx context.Context, from, to string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO health_edges (from_node, to_node) VALUES (?, ?)
		 ON CONFLICT(from_node, to_node) DO NOTHING`, from, to)
	return err
}

// DeleteEdge removes one dependency edge.
func (s *Store) DeleteEdge(ctx context.Context, from, to string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM health_edges WHERE from_node = ? AND to_node = ?`, from, to)
	return err
}

// LoadAll rebuilds the node set and edge list for graph startup.
func (s *Store) LoadAll(ctx context.Context) ([]contracts.HealthNode, [][2]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, node_type, name, status, kpis, priority FROM health_nodes`)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = rows.Close() }()

	var nodes []contracts.HealthNode
	for rows.Next() {
		var n contracts.HealthNode
		var status, kpis string
		if err := rows.Scan(&n.NodeID, &n.NodeType, &n.Name, &status, &kpis, &n.Priority); err != nil {
			return nil, nil, err
		}
		n.Status = contracts.HealthStatus(status)
		if err := json.Unmarshal([]byte(kpis), &n.KPIs); err != nil {
			return nil, nil, fmt.Errorf("corrupt kpis for node %s: %w", n.NodeID, err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	edgeRows, err := s.db.QueryContext(ctx, `SELECT from_node, to_node FROM health_edges`)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = edgeRows.Close() }()

	var edges [][2]string
	for edgeRows.Next() {
		var from, to string
		if err := edgeRows.Scan(&from, &to); err != nil {
			return nil, nil, err
		}
		edges = append(edges, [2]string{from, to})
	}
	return nodes, edges, edgeRows.Err()
}
