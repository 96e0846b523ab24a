package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aaron031291/grace/pkg/contracts"
)

// Store persists memory entries and per (domain, memory_type) access
// patterns. Only the broker touches it; domains never read storage
// directly.
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
	CREATE TABLE IF NOT EXISTS memory_entries (
		entry_id TEXT PRIMARY KEY,
		domain TEXT NOT NULL,
		memory_type TEXT NOT NULL,
		content TEXT NOT NULL,
		tags JSON NOT NULL,
		timestamp TEXT NOT NULL,
		access_count INTEGER NOT NULL DEFAULT 0,
		relevance_score REAL NOT NULL DEFAULT 0,
		signature TEXT NOT NULL DEFAULT '',
		metadata JSON NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memory_domain_type
		ON memory_entries(domain, memory_type);
	CREATE TABLE IF NOT EXISTS memory_patterns (
		domain TEXT NOT NULL,
		memory_type TEXT NOT NULL,
		request_count INTEGER NOT NULL DEFAULT 0,
		avg_result_count REAL NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,
		UNIQUE(domain, memory_type)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Insert persists one entry.
func (s *Store) Insert(ctx context.Context, e *contracts.MemoryEntry) error {
	tags, err := json.Marshal(e.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memory_entries
		 (entry_id, domain, memory_type, content, tags, timestamp, access_count, relevance_score, signature, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EntryID, e.Domain, string(e.MemoryType), e.Content, string(tags),
		e.Timestamp.UTC().Format(time.RFC3339Nano), e.AccessCount, e.RelevanceScore,
		e.Signature, string(meta))
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return contracts.ErrConflict("memory entry %s already exists", e.EntryID)
	}
	return err
}

// Candidates returns entries of one memory type. With crossDomain set
// it returns every domain's entries, otherwise only the given domain's.
func (s *Store) Candidates(ctx context.Context, domain string, memType contracts.MemoryType, crossDomain bool) ([]contracts.MemoryEntry, error) {
	query := `SELECT entry_id, domain, memory_type, content, tags, timestamp,
	                 access_count, relevance_score, signature, metadata
	          FROM memory_entries WHERE memory_type = ?`
	args := []any{string(memType)}
	if !crossDomain {
		query += ` AND domain = ?`
		args = append(args, domain)
	}
	query += ` ORDER BY timestamp DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []contracts.MemoryEntry
	for rows.Next() {
		var e contracts.MemoryEntry
		var memTypeStr, tags, ts, meta string
		if err := rows.Scan(&e.EntryID, &e.Domain, &memTypeStr, &e.Content, &tags, &ts,
			&e.AccessCount, &e.RelevanceScore, &e.Signature, &meta); err != nil {
			return nil, err
		}
		e.MemoryType = contracts.MemoryType(memTypeStr)
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("corrupt timestamp for entry %s: %w", e.EntryID, err)
		}
		if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
			return nil, fmt.Errorf("corrupt tags for entry %s: %w", e.EntryID, err)
		}
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt metadata for entry %s: %w", e.EntryID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// BumpAccess increments access_count on the returned entries.
func (s *Store) BumpAccess(ctx context.Context, entryIDs []string) error {
	for _, id := range entryIDs {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE memory_entries SET access_count = access_count + 1 WHERE entry_id = ?`, id); err != nil {
			return err
		}
	}
	return nil
}

// RecordPattern updates the per (domain, memory_type) access pattern
// with a new observation of resultCount.
func (s *Store) RecordPattern(ctx context.Context, domain string, memType contracts.MemoryType, resultCount int, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_patterns (domain, memory_type, request_count, avg_result_count, updated_at)
		 VALUES (?, ?, 1, ?, ?)
		 ON CONFLICT(domain, memory_type) DO UPDATE SET
		   request_count = request_count + 1,
		   avg_result_count = avg_result_count + (? - avg_result_count) / (request_count + 1),
		   updated_at = excluded.updated_at`,
		domain, string(memType), float64(resultCount), now.UTC().Format(time.RFC3339Nano),
		float64(resultCount))
	return err
}

// Pattern is the learned access pattern for one (domain, memory_type).
type Pattern struct {
	Domain         string               `json:"domain"`
	MemoryType     contracts.MemoryType `json:"memory_type"`
	RequestCount   int                  `json:"request_count"`
	AvgResultCount float64              `json:"avg_result_count"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// Patterns returns all learned access patterns.
func (s *Store) Patterns(ctx context.Context) ([]Pattern, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT domain, memory_type, request_count, avg_result_count, updated_at FROM memory_patterns`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var patterns []Pattern
	for rows.Next() {
		var p Pattern
		var memType, ts string
		if err := rows.Scan(&p.Domain, &memType, &p.RequestCount, &p.AvgResultCount, &ts); err != nil {
			return nil, err
		}
		p.MemoryType = contracts.MemoryType(memType)
		if p.UpdatedAt, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("corrupt pattern timestamp: %w", err)
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}
