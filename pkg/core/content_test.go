package core_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memkit/memkit/pkg/core"
)

func TestContentText(t *testing.T) {
	tests := []struct {
		name    string
		content core.Content
		want    string
	}{
		{"fact", core.FactContent{Statement: "the sky is blue"}, "the sky is blue"},
		{
			"entity sorts attribute keys",
			core.EntityContent{Name: "Ada Lovelace", Attributes: map[string]interface{}{"born": 1815, "field": "mathematics"}},
			"Ada Lovelace 1815 mathematics",
		},
		{
			"conversation joins role-tagged turns",
			core.ConversationContent{Messages: []core.ConversationMessage{
				{Role: "user", Text: "hi"},
				{Role: "assistant", Text: "hello"},
			}},
			"user: hi\nassistant: hello",
		},
		{"reflection", core.ReflectionContent{Body: "user prefers terse replies"}, "user prefers terse replies"},
		{"code prefixes language tag", core.CodeContent{Language: "go", Code: "func main() {}"}, "[go]\nfunc main() {}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.content.Text())
			assert.NotEmpty(t, tt.content.Kind())
		})
	}
}

func TestDecodeContentUnknownType(t *testing.T) {
	_, err := core.DecodeContent(core.MemoryType("bogus"), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrInvalidContent)
}

func TestDecodeContentRoundTrip(t *testing.T) {
	raw := json.RawMessage(`{"statement": "water boils at 100C", "confidence": 0.9}`)
	c, err := core.DecodeContent(core.TypeFact, raw)
	require.NoError(t, err)

	fact, ok := c.(core.FactContent)
	require.True(t, ok)
	assert.Equal(t, "water boils at 100C", fact.Statement)
	require.NotNil(t, fact.Confidence)
	assert.InDelta(t, 0.9, *fact.Confidence, 0.0001)
}

func TestMemoryMarshalUnmarshalRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 4, 12, 30, 0, 0, time.UTC)
	m := core.Memory{
		ID:             "mem-1",
		Type:           core.TypeFact,
		Content:        core.FactContent{Statement: "round trips correctly"},
		Importance:     0.75,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastAccessedAt: now,
		Tier:           core.TierShortTerm,
		Tags:           []string{"test"},
	}

	data, err := json.Marshal(m)
	require.NoError(t, err)

	var decoded core.Memory
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, m.ID, decoded.ID)
	assert.Equal(t, m.Type, decoded.Type)
	assert.Equal(t, m.Content.Text(), decoded.Content.Text())
	assert.Equal(t, m.Importance, decoded.Importance)
	assert.True(t, m.CreatedAt.Equal(decoded.CreatedAt))
	assert.Equal(t, m.Tags, decoded.Tags)
}
