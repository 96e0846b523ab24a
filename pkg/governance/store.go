package governance

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/aaron031291/grace/pkg/contracts"
)

// PolicyStore persists policies as data rows: name, condition JSON,
// action, severity.
type PolicyStore struct {
	db *sql.DB
}

func NewPolicyStore(db *sql.DB) (*PolicyStore, error) {
	s := &PolicyStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PolicyStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS policies (
		name TEXT PRIMARY KEY,
		condition JSON NOT NULL,
		action TEXT NOT NULL,
		severity INTEGER NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Save upserts one policy.
func (s *PolicyStore) Save(ctx context.Context, p contracts.Policy) error {
	cond, err := json.Marshal(p.Condition)
	if err != nil {
		return fmt.Errorf("marshal condition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO policies (name, condition, action, severity) VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET condition=excluded.condition,
		   action=excluded.action, severity=excluded.severity`,
		p.Name, string(cond), string(p.Action), p.Severity)
	return err
}

// List returns all policies.
func (s *PolicyStore) List(ctx context.Context) ([]contracts.Policy, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, condition, action, severity FROM policies`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var policies []contracts.Policy
	for rows.Next() {
		var p contracts.Policy
		var cond, action string
		if err := rows.Scan(&p.Name, &cond, &action, &p.Severity); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(cond), &p.Condition); err != nil {
			return nil, fmt.Errorf("corrupt condition for policy %s: %w", p.Name, err)
		}
		p.Action = contracts.PolicyAction(action)
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// Delete removes a policy by name.
func (s *PolicyStore) Delete(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM policies WHERE name = ?`, name)
	return err
}
