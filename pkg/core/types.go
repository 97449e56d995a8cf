// Package core defines the memory record, its content shapes, and the
// errors shared by every domain package (persistence, temporal, semantic,
// episodic, engine, migration).
package core

import "time"

// MemoryType is the discriminator for a Memory's Content.
type MemoryType string

const (
	TypeFact         MemoryType = "fact"
	TypeEntity       MemoryType = "entity"
	TypeConversation MemoryType = "conversation"
	TypeReflection   MemoryType = "reflection"
	TypeCode         MemoryType = "code"
)

// Valid reports whether t is one of the five declared memory types.
func (t MemoryType) Valid() bool {
	switch t {
	case TypeFact, TypeEntity, TypeConversation, TypeReflection, TypeCode:
		return true
	}
	return false
}

// Tier is a memory's position in the retention lifecycle. Transitions are
// constrained to short_term -> long_term -> archived, except that access
// can promote long_term -> short_term and archived -> long_term.
type Tier string

const (
	TierShortTerm Tier = "short_term"
	TierLongTerm  Tier = "long_term"
	TierArchived  Tier = "archived"
)

// Valid reports whether t is one of the three declared tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierShortTerm, TierLongTerm, TierArchived:
		return true
	}
	return false
}

// Memory is the atomic record. Id is immutable once assigned; every other
// field may change over the record's lifetime.
type Memory struct {
	ID string `json:"id"`

	Type    MemoryType `json:"type"`
	Content Content    `json:"content"`

	Importance float64 `json:"importance"`

	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`

	AccessCount int64 `json:"access_count"`

	Tier Tier `json:"tier"`

	// EmbeddingRef is a reference into the active vector collection. It is
	// empty while a memory is awaiting its first embedding (e.g. during
	// migration preparation).
	EmbeddingRef string `json:"embedding_ref,omitempty"`

	// EmbeddingModel is the identifier of the model that produced the
	// current embedding. Dual-collection migration compares this field
	// against the migration record's primary/secondary models.
	EmbeddingModel string `json:"embedding_model,omitempty"`

	Tags   []string `json:"tags,omitempty"`
	Source string   `json:"source,omitempty"`
}

// Clone returns a deep-enough copy of m for safe concurrent handoff: Tags
// is copied, Content is left shared (content values are treated as
// immutable once constructed).
func (m *Memory) Clone() *Memory {
	c := *m
	if m.Tags != nil {
		c.Tags = append([]string(nil), m.Tags...)
	}
	return &c
}

// ClampImportance enforces invariant 5: importance stays in [0, 1] after
// every mutation.
func ClampImportance(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Age returns how long m has existed as of now.
func (m *Memory) Age(now time.Time) time.Duration {
	return now.Sub(m.CreatedAt)
}

// Filter narrows Persistence.List and Persistence.VectorSearch /
// LexicalSearch results. Zero-value fields are unconstrained. Tags match
// any (at least one of Tags must be present on the memory).
type Filter struct {
	Types []MemoryType
	Tiers []Tier
	Tags  []string

	CreatedAfter  time.Time
	CreatedBefore time.Time

	Limit  int
	Offset int
}

// Matches reports whether m satisfies every constraint set on f.
func (f Filter) Matches(m *Memory) bool {
	if len(f.Types) > 0 && !containsType(f.Types, m.Type) {
		return false
	}
	if len(f.Tiers) > 0 && !containsTier(f.Tiers, m.Tier) {
		return false
	}
	if len(f.Tags) > 0 && !anyTagMatch(f.Tags, m.Tags) {
		return false
	}
	if !f.CreatedAfter.IsZero() && m.CreatedAt.Before(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && m.CreatedAt.After(f.CreatedBefore) {
		return false
	}
	return true
}

func containsType(types []MemoryType, t MemoryType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

func containsTier(tiers []Tier, t Tier) bool {
	for _, x := range tiers {
		if x == t {
			return true
		}
	}
	return false
}

func anyTagMatch(want, have []string) bool {
	for _, w := range want {
		for _, h := range have {
			if w == h {
				return true
			}
		}
	}
	return false
}

// ScoredID pairs a memory id with a ranking score. Used for both vector
// search (cosine similarity, clamped to [0, 1]) and lexical search
// (bm25-derived relevance).
type ScoredID struct {
	ID    string
	Score float64
}
