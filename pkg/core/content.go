package core

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Content is the tagged-union payload of a Memory. Each MemoryType has
// exactly one concrete implementation. Kind reports the discriminator;
// Text computes the canonical textual projection used for embedding and
// for the lexical index (spec §4.3).
type Content interface {
	Kind() MemoryType
	Text() string
}

// FactContent is the content shape for TypeFact.
type FactContent struct {
	Statement  string   `json:"statement"`
	Confidence *float64 `json:"confidence,omitempty"`
}

func (c FactContent) Kind() MemoryType { return TypeFact }
func (c FactContent) Text() string     { return c.Statement }

// EntityContent is the content shape for TypeEntity.
type EntityContent struct {
	Name       string                 `json:"name"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

func (c EntityContent) Kind() MemoryType { return TypeEntity }

// Text joins the entity name with its attribute values, in attribute-key
// sorted order so the projection is deterministic.
func (c EntityContent) Text() string {
	var b strings.Builder
	b.WriteString(c.Name)
	for _, k := range sortedKeys(c.Attributes) {
		fmt.Fprintf(&b, " %v", c.Attributes[k])
	}
	return b.String()
}

// ConversationMessage is one turn of a ConversationContent.
type ConversationMessage struct {
	Role string `json:"role"` // "user", "assistant", or "system"
	Text string `json:"text"`
	TS   string `json:"ts,omitempty"`
}

// ConversationContent is the content shape for TypeConversation.
type ConversationContent struct {
	Messages []ConversationMessage `json:"messages"`
}

func (c ConversationContent) Kind() MemoryType { return TypeConversation }

// Text concatenates each message as "role: text", matching the
// participant-tagged projection required by spec §4.3.
func (c ConversationContent) Text() string {
	parts := make([]string, 0, len(c.Messages))
	for _, m := range c.Messages {
		parts = append(parts, m.Role+": "+m.Text)
	}
	return strings.Join(parts, "\n")
}

// ReflectionContent is the content shape for TypeReflection. Refs is a
// weak back-reference list (§9): deleting a referent leaves a tombstone
// id that is filtered out on read, never an owning reference.
type ReflectionContent struct {
	Body string   `json:"body"`
	Refs []string `json:"refs,omitempty"`
}

func (c ReflectionContent) Kind() MemoryType { return TypeReflection }
func (c ReflectionContent) Text() string     { return c.Body }

// CodeContent is the content shape for TypeCode.
type CodeContent struct {
	Language    string `json:"language"`
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
}

func (c CodeContent) Kind() MemoryType { return TypeCode }

// Text prefixes the code block with a language tag, per §4.3.
func (c CodeContent) Text() string {
	return fmt.Sprintf("[%s]\n%s", c.Language, c.Code)
}

// DecodeContent unmarshals raw JSON into the concrete Content
// implementation registered for t. It rejects unknown MemoryTypes; field
// validation (unknown fields, enum values) is performed separately by the
// JSON Schema layer in pkg/config/schemas.
func DecodeContent(t MemoryType, raw json.RawMessage) (Content, error) {
	switch t {
	case TypeFact:
		var c FactContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode fact content: %w", err)
		}
		return c, nil
	case TypeEntity:
		var c EntityContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode entity content: %w", err)
		}
		return c, nil
	case TypeConversation:
		var c ConversationContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode conversation content: %w", err)
		}
		return c, nil
	case TypeReflection:
		var c ReflectionContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode reflection content: %w", err)
		}
		return c, nil
	case TypeCode:
		var c CodeContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode code content: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: unknown memory type %q", ErrInvalidContent, t)
	}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// insertion sort is fine here: attribute maps are small.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

// memoryJSON is the wire shape of Memory: Content is carried as raw JSON
// so it can be decoded once Type is known.
type memoryJSON struct {
	ID             string          `json:"id"`
	Type           MemoryType      `json:"type"`
	Content        json.RawMessage `json:"content"`
	Importance     float64         `json:"importance"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
	LastAccessedAt string          `json:"last_accessed_at"`
	AccessCount    int64           `json:"access_count"`
	Tier           Tier            `json:"tier"`
	EmbeddingRef   string          `json:"embedding_ref,omitempty"`
	EmbeddingModel string          `json:"embedding_model,omitempty"`
	Tags           []string        `json:"tags,omitempty"`
	Source         string          `json:"source,omitempty"`
}

// MarshalJSON implements json.Marshaler so Content serializes through its
// concrete type; timestamps are written with the millisecond-resolution
// timeLayout.
func (m Memory) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(m.Content)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}
	w := memoryJSON{
		ID:             m.ID,
		Type:           m.Type,
		Content:        raw,
		Importance:     m.Importance,
		CreatedAt:      m.CreatedAt.Format(timeLayout),
		UpdatedAt:      m.UpdatedAt.Format(timeLayout),
		LastAccessedAt: m.LastAccessedAt.Format(timeLayout),
		AccessCount:    m.AccessCount,
		Tier:           m.Tier,
		EmbeddingRef:   m.EmbeddingRef,
		EmbeddingModel: m.EmbeddingModel,
		Tags:           m.Tags,
		Source:         m.Source,
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler, dispatching Content decode
// via DecodeContent once Type is known.
func (m *Memory) UnmarshalJSON(data []byte) error {
	var w memoryJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	content, err := DecodeContent(w.Type, w.Content)
	if err != nil {
		return err
	}
	createdAt, err := parseTime(w.CreatedAt)
	if err != nil {
		return fmt.Errorf("parse created_at: %w", err)
	}
	updatedAt, err := parseTime(w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("parse updated_at: %w", err)
	}
	lastAccessedAt, err := parseTime(w.LastAccessedAt)
	if err != nil {
		return fmt.Errorf("parse last_accessed_at: %w", err)
	}
	*m = Memory{
		ID:             w.ID,
		Type:           w.Type,
		Content:        content,
		Importance:     w.Importance,
		CreatedAt:      createdAt,
		UpdatedAt:      updatedAt,
		LastAccessedAt: lastAccessedAt,
		AccessCount:    w.AccessCount,
		Tier:           w.Tier,
		EmbeddingRef:   w.EmbeddingRef,
		EmbeddingModel: w.EmbeddingModel,
		Tags:           w.Tags,
		Source:         w.Source,
	}
	return nil
}
