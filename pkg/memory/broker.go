// Package memory is the broker that mediates every memory read and
// write. Requests pass a fixed pipeline: validate, authorize, retrieve,
// filter, rank, log, respond. No domain reads storage directly.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/aaron031291/grace/pkg/canonicalize"
	"github.com/aaron031291/grace/pkg/contracts"
	"github.com/aaron031291/grace/pkg/crypto"
)

// CrossDomainTrust is the floor for reading other domains' memories.
const CrossDomainTrust = 0.8

// recencyHorizon is where the recency score decays to zero.
const recencyHorizon = 7 * 24 * time.Hour

// frequencySaturation is the access count at which frequency scores 1.
const frequencySaturation = 100

// Authorizer is the governance gate's check surface.
type Authorizer interface {
	Check(ctx context.Context, actor, action, resource string, payload map[string]any) (contracts.Decision, error)
}

// TrustSource scores domain trust for cross-domain access.
type TrustSource interface {
	Score(domain string) float64
}

// LedgerWriter records memory accesses. Access logging is part of the
// governed pipeline; append failures abort the request.
type LedgerWriter interface {
	Append(ctx context.Context, fields contracts.LedgerFields) (uint64, error)
}

// Broker owns all memory stores.
type Broker struct {
	store  *Store
	gate   Authorizer
	trust  TrustSource
	quota  Quota
	ledger LedgerWriter
	signer crypto.Signer
	cache  *WorkingCache
	logger *slog.Logger
	clock  func() time.Time
}

func NewBroker(store *Store, gate Authorizer, trust TrustSource, ledger LedgerWriter, signer crypto.Signer, logger *slog.Logger) *Broker {
	return &Broker{
		store:  store,
		gate:   gate,
		trust:  trust,
		quota:  NewLocalQuota(),
		ledger: ledger,
		signer: signer,
		logger: logger,
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (b *Broker) WithClock(clock func() time.Time) *Broker {
	b.clock = clock
	return b
}

// WithQuota replaces the default in-process quota, e.g. with the Redis
// token bucket when a shared limit is wanted.
func (b *Broker) WithQuota(q Quota) *Broker {
	b.quota = q
	return b
}

// WithWorkingCache layers Redis over the working store.
func (b *Broker) WithWorkingCache(c *WorkingCache) *Broker {
	b.cache = c
	return b
}

// RequestMemory runs the retrieval pipeline. Quota and governance
// violations come back as denied responses, not errors; only
// infrastructure failures are errors.
func (b *Broker) RequestMemory(ctx context.Context, req contracts.MemoryRequest) (*contracts.MemoryResponse, error) {
	// 1. Validate.
	if req.Requester == "" || req.Domain == "" {
		return nil, contracts.ErrValidation("requester and domain are required")
	}
	switch req.MemoryType {
	case contracts.MemoryEpisodic, contracts.MemorySemantic, contracts.MemoryProcedural, contracts.MemoryWorking:
	default:
		return nil, contracts.ErrValidation("invalid memory_type %q", req.MemoryType)
	}
	if req.Limit < 0 {
		return nil, contracts.ErrValidation("limit must be >= 0")
	}

	allowed, err := b.quota.Allow(ctx, req.Domain)
	if err != nil {
		// A broken quota backend must not take memory access down with it.
		b.logger.Warn("quota backend unavailable, allowing request", "domain", req.Domain, "err", err)
		allowed = true
	}
	if !allowed {
		resp := &contracts.MemoryResponse{
			AccessLevel:     contracts.AccessDenied,
			Explanation:     "Rate limit exceeded",
			AppliedPolicies: []string{"quota:per_domain"},
		}
		if err := b.logAccess(ctx, req, resp, contracts.ResultDenied); err != nil {
			return nil, err
		}
		return b.sign(resp), nil
	}

	// 2. Authorize.
	decision, err := b.gate.Check(ctx, req.Requester, "memory_access", req.Domain, map[string]any{
		"memory_type":  string(req.MemoryType),
		"cross_domain": req.IncludeCrossDomain,
	})
	if err != nil {
		return nil, fmt.Errorf("governance check: %w", err)
	}
	applied := []string{"governance:" + decision.AuditID}
	level := b.accessLevel(decision, req)
	if level == contracts.AccessDenied {
		resp := &contracts.MemoryResponse{
			AccessLevel:     contracts.AccessDenied,
			Explanation:     decision.Reason,
			AppliedPolicies: applied,
		}
		if err := b.logAccess(ctx, req, resp, contracts.ResultDenied); err != nil {
			return nil, err
		}
		return b.sign(resp), nil
	}

	// 3. Retrieve candidates. Cross-domain requests fetch broadly so the
	// filter stage can account for what isolation removed.
	candidates, err := b.store.Candidates(ctx, req.Domain, req.MemoryType, req.IncludeCrossDomain)
	if err != nil {
		return nil, fmt.Errorf("retrieve candidates: %w", err)
	}
	if req.MemoryType == contracts.MemoryWorking && b.cache != nil {
		cached, err := b.cache.Get(ctx, req.Domain)
		if err != nil {
			b.logger.Warn("working cache read failed", "domain", req.Domain, "err", err)
		} else {
			candidates = mergeEntries(candidates, cached)
		}
	}
	total := len(candidates)

	// 4. Filter.
	now := b.clock().UTC()
	kept := candidates[:0]
	for i := range candidates {
		e := &candidates[i]
		if e.Sensitive() && level == contracts.AccessRestricted {
			applied = appendOnce(applied, "sensitive_content_filter")
			continue
		}
		if e.Domain != req.Domain && level != contracts.AccessCrossDomain {
			applied = appendOnce(applied, "domain_isolation")
			continue
		}
		if expired(e, now) {
			applied = appendOnce(applied, "max_age_filter")
			continue
		}
		kept = append(kept, *e)
	}
	filtered := total - len(kept)

	// 5. Rank.
	for i := range kept {
		kept[i].RelevanceScore = b.score(&kept[i], req, now)
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].RelevanceScore > kept[j].RelevanceScore
	})
	if len(kept) > req.Limit {
		kept = kept[:req.Limit]
	}

	resp := &contracts.MemoryResponse{
		Memories:        kept,
		AccessLevel:     level,
		FilteredCount:   filtered,
		TotalCount:      total,
		Explanation:     fmt.Sprintf("returned %d of %d %s memories at %s access", len(kept), total, req.MemoryType, level),
		AppliedPolicies: applied,
	}

	// 6. Log and bump access counts.
	if err := b.logAccess(ctx, req, resp, contracts.ResultSuccess); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(kept))
	for _, e := range kept {
		ids = append(ids, e.EntryID)
	}
	if err := b.store.BumpAccess(ctx, ids); err != nil {
		b.logger.Warn("failed to bump access counts", "err", err)
	}
	if err := b.store.RecordPattern(ctx, req.Domain, req.MemoryType, len(kept), now); err != nil {
		b.logger.Warn("failed to record access pattern", "err", err)
	}

	// 7. Respond.
	return b.sign(resp), nil
}

// StoreMemory writes one entry through governance.
func (b *Broker) StoreMemory(ctx context.Context, domain string, memType contracts.MemoryType, content string, tags []string, actor string, metadata map[string]any) (string, error) {
	if domain == "" || content == "" {
		return "", contracts.ErrValidation("domain and content are required")
	}
	switch memType {
	case contracts.MemoryEpisodic, contracts.MemorySemantic, contracts.MemoryProcedural, contracts.MemoryWorking:
	default:
		return "", contracts.ErrValidation("invalid memory_type %q", memType)
	}

	decision, err := b.gate.Check(ctx, actor, "memory_store", domain, map[string]any{
		"memory_type": string(memType),
		"tags":        tags,
	})
	if err != nil {
		return "", fmt.Errorf("governance check: %w", err)
	}
	if decision.Decision == contracts.PolicyDeny {
		return "", contracts.NewError(contracts.KindPolicyDenied, "memory store denied: %s", decision.Reason)
	}
	if decision.Decision == contracts.PolicyReview {
		return "", contracts.ErrRequiresReview(decision.ParliamentSessionID, decision.Reason)
	}

	now := b.clock().UTC()
	entry := &contracts.MemoryEntry{
		EntryID:    "mem-" + uuid.New().String(),
		MemoryType: memType,
		Domain:     domain,
		Content:    content,
		Tags:       tags,
		Timestamp:  now,
		Metadata:   metadata,
	}
	sig, err := b.signer.Sign([]byte(canonicalize.HashFields(entry.EntryID, domain, string(memType), content)))
	if err != nil {
		return "", fmt.Errorf("entry signing failed: %w", err)
	}
	entry.Signature = sig

	if err := b.store.Insert(ctx, entry); err != nil {
		return "", err
	}
	if memType == contracts.MemoryWorking && b.cache != nil {
		if err := b.cache.Put(ctx, entry); err != nil {
			b.logger.Warn("working cache write failed", "domain", domain, "err", err)
		}
	}
	if _, err := b.ledger.Append(ctx, contracts.LedgerFields{
		Actor:     actor,
		Action:    "memory.store",
		Resource:  domain,
		Subsystem: contracts.SubsystemMemory,
		Payload: map[string]any{
			"entry_id":    entry.EntryID,
			"memory_type": string(memType),
			"tags":        tags,
		},
		Result: contracts.ResultSuccess,
	}); err != nil {
		return "", err
	}
	return entry.EntryID, nil
}

// RecallEpisodic is the enrichment pipeline's narrow read surface.
func (b *Broker) RecallEpisodic(ctx context.Context, domain string, tags []string) ([]contracts.MemoryEntry, error) {
	resp, err := b.RequestMemory(ctx, contracts.MemoryRequest{
		Requester:  "enrichment",
		Domain:     domain,
		MemoryType: contracts.MemoryEpisodic,
		Query:      tags,
		Limit:      5,
	})
	if err != nil {
		return nil, err
	}
	return resp.Memories, nil
}

// Patterns exposes learned access patterns to the coordinator.
func (b *Broker) Patterns(ctx context.Context) ([]Pattern, error) {
	return b.store.Patterns(ctx)
}

func (b *Broker) accessLevel(decision contracts.Decision, req contracts.MemoryRequest) contracts.AccessLevel {
	switch decision.Decision {
	case contracts.PolicyDeny:
		return contracts.AccessDenied
	case contracts.PolicyReview:
		return contracts.AccessRestricted
	}
	if req.IncludeCrossDomain {
		if b.trust.Score(req.Domain) >= CrossDomainTrust {
			return contracts.AccessCrossDomain
		}
		// Insufficient trust downgrades rather than denies.
		return contracts.AccessRestricted
	}
	return contracts.AccessFull
}

func (b *Broker) logAccess(ctx context.Context, req contracts.MemoryRequest, resp *contracts.MemoryResponse, result string) error {
	_, err := b.ledger.Append(ctx, contracts.LedgerFields{
		Actor:     req.Requester,
		Action:    "memory.access",
		Resource:  req.Domain,
		Subsystem: contracts.SubsystemMemory,
		Payload: map[string]any{
			"memory_type":    string(req.MemoryType),
			"access_level":   string(resp.AccessLevel),
			"returned":       len(resp.Memories),
			"filtered_count": resp.FilteredCount,
		},
		Result: result,
	})
	return err
}

func (b *Broker) sign(resp *contracts.MemoryResponse) *contracts.MemoryResponse {
	ids := make([]string, 0, len(resp.Memories))
	for _, e := range resp.Memories {
		ids = append(ids, e.EntryID)
	}
	digest := canonicalize.HashFields(append([]string{string(resp.AccessLevel), resp.Explanation}, ids...)...)
	sig, err := b.signer.Sign([]byte(digest))
	if err != nil {
		b.logger.Warn("response signing failed", "err", err)
		return resp
	}
	resp.Signature = sig
	return resp
}

// score implements the fixed ranking weights: 0.3 recency,
// 0.2 frequency, 0.3 tag match, 0.2 context alignment.
func (b *Broker) score(e *contracts.MemoryEntry, req contracts.MemoryRequest, now time.Time) float64 {
	recency := 1 - float64(now.Sub(e.Timestamp))/float64(recencyHorizon)
	if recency < 0 {
		recency = 0
	}
	frequency := float64(e.AccessCount) / frequencySaturation
	if frequency > 1 {
		frequency = 1
	}
	return 0.3*recency + 0.2*frequency + 0.3*jaccard(e.Tags, req.Query) + 0.2*contextAlignment(req.Context, e.Metadata)
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[s] = struct{}{}
	}
	inter := 0
	union := len(set)
	seen := make(map[string]struct{}, len(b))
	for _, s := range b {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		if _, ok := set[s]; ok {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// contextAlignment is the fraction of request-context keys whose value
// matches the entry's metadata.
func contextAlignment(reqCtx, meta map[string]any) float64 {
	if len(reqCtx) == 0 {
		return 0
	}
	matched := 0
	for k, v := range reqCtx {
		if mv, ok := meta[k]; ok && fmt.Sprint(mv) == fmt.Sprint(v) {
			matched++
		}
	}
	return float64(matched) / float64(len(reqCtx))
}

func expired(e *contracts.MemoryEntry, now time.Time) bool {
	raw, ok := e.Metadata["max_age_hours"]
	if !ok {
		return false
	}
	var maxAge float64
	switch v := raw.(type) {
	case float64:
		maxAge = v
	case int:
		maxAge = float64(v)
	default:
		return false
	}
	return now.Sub(e.Timestamp) > time.Duration(maxAge*float64(time.Hour))
}

func mergeEntries(base, extra []contracts.MemoryEntry) []contracts.MemoryEntry {
	seen := make(map[string]struct{}, len(base))
	for _, e := range base {
		seen[e.EntryID] = struct{}{}
	}
	for _, e := range extra {
		if _, ok := seen[e.EntryID]; !ok {
			base = append(base, e)
		}
	}
	return base
}

func appendOnce(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
