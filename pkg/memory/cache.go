package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aaron031291/grace/pkg/contracts"
)

// workingTTL bounds how long working memory lives in the cache.
const workingTTL = 15 * time.Minute

// WorkingCache keeps working-memory entries in Redis so short-lived
// scratch state survives process restarts. Misses and failures fall
// through to sqlite.
type WorkingCache struct {
	client *redis.Client
}

func NewWorkingCache(client *redis.Client) *WorkingCache {
	return &WorkingCache{client: client}
}

func (c *WorkingCache) key(domain string) string {
	return fmt.Sprintf("grace:memory:working:%s", domain)
}

// Put appends one entry to the domain's working set.
func (c *WorkingCache) Put(ctx context.Context, e *contracts.MemoryEntry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal working entry: %w", err)
	}
	key := c.key(e.Domain)
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, e.EntryID, raw)
	pipe.Expire(ctx, key, workingTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// Get returns the domain's cached working entries.
func (c *WorkingCache) Get(ctx context.Context, domain string) ([]contracts.MemoryEntry, error) {
	vals, err := c.client.HGetAll(ctx, c.key(domain)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	entries := make([]contracts.MemoryEntry, 0, len(vals))
	for _, raw := range vals {
		var e contracts.MemoryEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}
