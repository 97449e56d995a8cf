package episodic_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memkit/memkit/pkg/core"
	"github.com/memkit/memkit/pkg/episodic"
)

func newConversationMemory(id string) *core.Memory {
	return &core.Memory{
		ID:      id,
		Type:    core.TypeConversation,
		Content: core.ConversationContent{Messages: []core.ConversationMessage{{Role: "user", Text: id}}},
	}
}

func TestBufferAppendReturnsFalseBelowThreshold(t *testing.T) {
	buf, err := episodic.New(64, 3)
	require.NoError(t, err)

	assert.False(t, buf.Append(newConversationMemory("a")))
	assert.False(t, buf.Append(newConversationMemory("b")))
}

func TestBufferAppendReturnsTrueAtThreshold(t *testing.T) {
	buf, err := episodic.New(64, 2)
	require.NoError(t, err)

	assert.False(t, buf.Append(newConversationMemory("a")))
	assert.True(t, buf.Append(newConversationMemory("b")))
}

func TestBufferAppendEvictsOldestAtCapacity(t *testing.T) {
	buf, err := episodic.New(2, 10)
	require.NoError(t, err)

	buf.Append(newConversationMemory("a"))
	buf.Append(newConversationMemory("b"))
	buf.Append(newConversationMemory("c"))

	assert.False(t, buf.Contains("a"))
	assert.True(t, buf.Contains("b"))
	assert.True(t, buf.Contains("c"))
}

func TestBufferAppendDedupesRetriedID(t *testing.T) {
	buf, err := episodic.New(64, 10)
	require.NoError(t, err)

	buf.Append(newConversationMemory("a"))
	buf.Append(newConversationMemory("b"))

	// Simulate a retried store_memory call for "a": re-appending the same
	// id must not double-count it in the unreflected set.
	buf.Append(newConversationMemory("a"))

	assert.Len(t, buf.PendingReflection(), 2)
	assert.Len(t, buf.Recent(10), 2)
}

func TestBufferRecentReturnsNewestLast(t *testing.T) {
	buf, err := episodic.New(64, 10)
	require.NoError(t, err)

	buf.Append(newConversationMemory("a"))
	buf.Append(newConversationMemory("b"))
	buf.Append(newConversationMemory("c"))

	recent := buf.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "b", recent[0].ID)
	assert.Equal(t, "c", recent[1].ID)
}

func TestBufferPendingReflectionOldestFirst(t *testing.T) {
	buf, err := episodic.New(64, 10)
	require.NoError(t, err)

	buf.Append(newConversationMemory("a"))
	buf.Append(newConversationMemory("b"))

	pending := buf.PendingReflection()
	require.Len(t, pending, 2)
	assert.Equal(t, "a", pending[0].ID)
	assert.Equal(t, "b", pending[1].ID)
}

func TestBufferMarkReflectedClearsPending(t *testing.T) {
	buf, err := episodic.New(64, 10)
	require.NoError(t, err)

	buf.Append(newConversationMemory("a"))
	buf.Append(newConversationMemory("b"))

	buf.MarkReflected([]string{"a"})
	pending := buf.PendingReflection()
	require.Len(t, pending, 1)
	assert.Equal(t, "b", pending[0].ID)
}

func TestBufferMarkReflectedIgnoresEvictedIDs(t *testing.T) {
	buf, err := episodic.New(64, 10)
	require.NoError(t, err)

	buf.Append(newConversationMemory("a"))
	buf.MarkReflected([]string{"already-gone"})

	assert.Len(t, buf.PendingReflection(), 1)
}
