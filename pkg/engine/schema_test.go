package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memkit/memkit/pkg/core"
)

func TestNewSchemaRegistryCompilesEveryToolAndContentShape(t *testing.T) {
	reg, err := newSchemaRegistry()
	require.NoError(t, err)

	for tool := range toolSchemaFiles {
		assert.Contains(t, reg.tools, tool)
	}
	for memType := range contentSchemaFiles {
		assert.Contains(t, reg.content, memType)
	}
}

func TestToolNamesCoversTheFullSurface(t *testing.T) {
	reg, err := newSchemaRegistry()
	require.NoError(t, err)

	names := reg.ToolNames()
	assert.Len(t, names, len(toolSchemaFiles))
	assert.Contains(t, names, "store_memory")
	assert.Contains(t, names, "migration_rollback")
}

func TestValidateToolRejectsUnknownTool(t *testing.T) {
	reg, err := newSchemaRegistry()
	require.NoError(t, err)

	err = reg.validateTool("not_a_real_tool", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Equal(t, core.CodeInvalidArguments, core.CodeFor(err))
}

func TestValidateToolStoreMemoryRequiresTypeAndContent(t *testing.T) {
	reg, err := newSchemaRegistry()
	require.NoError(t, err)

	err = reg.validateTool("store_memory", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Equal(t, core.CodeInvalidArguments, core.CodeFor(err))

	err = reg.validateTool("store_memory", json.RawMessage(`{"type":"fact","content":{"statement":"x"}}`))
	assert.NoError(t, err)
}

func TestValidateContentRejectsUnknownType(t *testing.T) {
	reg, err := newSchemaRegistry()
	require.NoError(t, err)

	err = reg.validateContent(core.MemoryType("bogus"), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Equal(t, core.CodeInvalidContent, core.CodeFor(err))
}

func TestValidateContentFact(t *testing.T) {
	reg, err := newSchemaRegistry()
	require.NoError(t, err)

	assert.NoError(t, reg.validateContent(core.TypeFact, json.RawMessage(`{"statement":"water boils at 100C"}`)))
	assert.Error(t, reg.validateContent(core.TypeFact, json.RawMessage(`{}`)))
}
