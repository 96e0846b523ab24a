package contracts

import "time"

// MemoryType partitions the memory stores.
type MemoryType string

const (
	MemoryEpisodic   MemoryType = "episodic"
	MemorySemantic   MemoryType = "semantic"
	MemoryProcedural MemoryType = "procedural"
	MemoryWorking    MemoryType = "working"
)

// AccessLevel is the broker's governed view onto stored memories.
type AccessLevel string

const (
	AccessFull        AccessLevel = "full"
	AccessCrossDomain AccessLevel = "cross_domain"
	AccessRestricted  AccessLevel = "restricted"
	AccessDenied      AccessLevel = "denied"
)

// MemoryEntry is one stored memory. Metadata keys the broker interprets:
// "max_age_hours" (float) and "sensitive" (bool).
type MemoryEntry struct {
	EntryID        string         `json:"entry_id"`
	MemoryType     MemoryType     `json:"memory_type"`
	Domain         string         `json:"domain"`
	Content        string         `json:"content"`
	Tags           []string       `json:"tags,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	AccessCount    int            `json:"access_count"`
	RelevanceScore float64        `json:"relevance_score"`
	Signature      string         `json:"signature,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Sensitive reports whether the entry carries the sensitivity tag.
func (e *MemoryEntry) Sensitive() bool {
	if v, ok := e.Metadata["sensitive"].(bool); ok && v {
		return true
	}
	for _, t := range e.Tags {
		if t == "sensitive" {
			return true
		}
	}
	return false
}

// MemoryRequest asks the broker for memories. Domain is the requester's
// own domain; IncludeCrossDomain asks for other domains' entries, which
// requires governance trust >= 0.8.
type MemoryRequest struct {
	Requester          string         `json:"requester"`
	Domain             string         `json:"domain"`
	MemoryType         MemoryType     `json:"memory_type"`
	Query              []string       `json:"query,omitempty"`
	Context            map[string]any `json:"context,omitempty"`
	IncludeCrossDomain bool           `json:"include_cross_domain"`
	Limit              int            `json:"limit"`
}

// MemoryResponse always explains itself: which policies applied, how
// many candidates were filtered, and at what access level.
type MemoryResponse struct {
	Memories        []MemoryEntry `json:"memories"`
	AccessLevel     AccessLevel   `json:"access_level"`
	FilteredCount   int           `json:"filtered_count"`
	TotalCount      int           `json:"total_count"`
	Explanation     string        `json:"explanation"`
	AppliedPolicies []string      `json:"applied_policies"`
	Signature       string        `json:"signature,omitempty"`
}
