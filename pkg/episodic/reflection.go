package episodic

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/memkit/memkit/pkg/core"
	"github.com/memkit/memkit/pkg/llm"
	"github.com/memkit/memkit/pkg/persistence"
)

// ReflectionImportance is the fixed importance spec §4.4 assigns to
// generated reflections.
const ReflectionImportance = 0.7

// Generator turns a batch of conversation excerpts into a reflection
// body via an LLM provider.
type Generator struct {
	llm llm.Provider
}

// NewGenerator constructs a Generator.
func NewGenerator(provider llm.Provider) *Generator {
	return &Generator{llm: provider}
}

// Summarize produces a reflection body for the given excerpts.
func (g *Generator) Summarize(ctx context.Context, excerpts []*core.Memory) (string, error) {
	var transcript strings.Builder
	for _, m := range excerpts {
		transcript.WriteString(m.Content.Text())
		transcript.WriteString("\n")
	}

	messages := []llm.Message{
		{Role: "system", Content: "You summarize a batch of conversation excerpts into a single reflective memory: the durable takeaway, not a transcript. Two to four sentences, no preamble."},
		{Role: "user", Content: transcript.String()},
	}

	body, err := g.llm.GenerateWithMessages(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("summarize reflection: %w", err)
	}
	return strings.TrimSpace(body), nil
}

// Domain ties the conversation buffer, the reflection generator, and
// persistence together, per spec §4.4: on store of a conversation
// memory, append to the buffer and, once it holds >= threshold
// unreflected entries, generate and persist a reflection memory.
// Reflection generation failure is non-fatal — the buffer keeps the
// entries for the next attempt.
type Domain struct {
	buffer    *Buffer
	generator *Generator
	store     persistence.Store
	ids       *snowflake.Node
}

// NewDomain constructs the episodic Domain. node is the snowflake node
// used to mint reflection memory ids.
func NewDomain(buffer *Buffer, generator *Generator, store persistence.Store, node *snowflake.Node) *Domain {
	return &Domain{buffer: buffer, generator: generator, store: store, ids: node}
}

// OnConversationStored must be called after a conversation memory is
// durably persisted. It appends to the buffer and, if the reflection
// threshold is reached, attempts to generate and store a reflection.
// A reflection-generation failure is returned to the caller for logging
// but leaves the buffer's unreflected set untouched so the next
// OnConversationStored call retries the same batch.
func (d *Domain) OnConversationStored(ctx context.Context, m *core.Memory) error {
	if m.Type != core.TypeConversation {
		return nil
	}
	if shouldReflect := d.buffer.Append(m); !shouldReflect {
		return nil
	}
	return d.reflect(ctx)
}

func (d *Domain) reflect(ctx context.Context) error {
	pending := d.buffer.PendingReflection()
	if len(pending) == 0 {
		return nil
	}

	body, err := d.generator.Summarize(ctx, pending)
	if err != nil {
		return fmt.Errorf("episodic reflection: %w", err)
	}

	refs := make([]string, 0, len(pending))
	for _, m := range pending {
		refs = append(refs, m.ID)
	}

	now := time.Now().UTC()
	reflection := &core.Memory{
		ID:             d.ids.Generate().String(),
		Type:           core.TypeReflection,
		Content:        core.ReflectionContent{Body: body, Refs: refs},
		Importance:     ReflectionImportance,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastAccessedAt: now,
		Tier:           core.TierShortTerm,
	}

	if err := d.store.Put(ctx, reflection, nil); err != nil {
		return fmt.Errorf("episodic reflection: persist: %w", err)
	}

	ids := make([]string, 0, len(pending))
	for _, m := range pending {
		ids = append(ids, m.ID)
	}
	d.buffer.MarkReflected(ids)
	return nil
}

// Recent exposes the buffer's N-most-recent conversation excerpts for
// fast in-process context without hitting the index.
func (d *Domain) Recent(n int) []*core.Memory {
	return d.buffer.Recent(n)
}
