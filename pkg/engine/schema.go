package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/memkit/memkit/pkg/config"
	"github.com/memkit/memkit/pkg/core"
)

// toolSchemaFiles maps each tool name (spec §6) to its argument schema
// file under pkg/config/schemas.
var toolSchemaFiles = map[string]string{
	"store_memory":       "store_memory.json",
	"retrieve_memory":    "retrieve_memory.json",
	"list_memories":      "list_memories.json",
	"update_memory":      "update_memory.json",
	"delete_memory":      "delete_memory.json",
	"memory_stats":       "memory_stats.json",
	"migration_start":    "migration_start.json",
	"migration_status":   "migration_status.json",
	"migration_advance":  "migration_advance.json",
	"migration_pause":    "migration_pause.json",
	"migration_resume":   "migration_resume.json",
	"migration_rollback": "migration_rollback.json",
}

// contentSchemaFiles maps each memory type to its content schema file,
// per spec §6's "content shapes (by type)".
var contentSchemaFiles = map[core.MemoryType]string{
	core.TypeFact:         "fact.json",
	core.TypeEntity:       "entity.json",
	core.TypeConversation: "conversation.json",
	core.TypeReflection:   "reflection.json",
	core.TypeCode:         "code.json",
}

// schemaRegistry holds the compiled jsonschema.Schema for every tool and
// content shape, built once during Manager construction so the tool list
// (and its validation) is available before warming finishes (spec §4.5).
type schemaRegistry struct {
	tools   map[string]*jsonschema.Schema
	content map[core.MemoryType]*jsonschema.Schema
}

func newSchemaRegistry() (*schemaRegistry, error) {
	entries, err := config.SchemaFS.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("engine: read schema dir: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	idByFile := make(map[string]string, len(entries))
	for _, e := range entries {
		data, err := config.SchemaFS.ReadFile("schemas/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("engine: read schema %s: %w", e.Name(), err)
		}
		var doc struct {
			ID string `json:"$id"`
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("engine: parse schema %s: %w", e.Name(), err)
		}
		if err := compiler.AddResource(doc.ID, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("engine: register schema %s: %w", e.Name(), err)
		}
		idByFile[e.Name()] = doc.ID
	}

	reg := &schemaRegistry{
		tools:   make(map[string]*jsonschema.Schema, len(toolSchemaFiles)),
		content: make(map[core.MemoryType]*jsonschema.Schema, len(contentSchemaFiles)),
	}
	for tool, file := range toolSchemaFiles {
		sch, err := compiler.Compile(idByFile[file])
		if err != nil {
			return nil, fmt.Errorf("engine: compile tool schema %s: %w", tool, err)
		}
		reg.tools[tool] = sch
	}
	for t, file := range contentSchemaFiles {
		sch, err := compiler.Compile(idByFile[file])
		if err != nil {
			return nil, fmt.Errorf("engine: compile content schema %s: %w", t, err)
		}
		reg.content[t] = sch
	}
	return reg, nil
}

// decodeAny decodes raw into the interface{} shape jsonschema.Schema.Validate
// expects, using json.Number so integer/number schema keywords behave
// correctly on large or fractional values.
func decodeAny(raw json.RawMessage) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// validateTool validates raw tool arguments against tool's schema,
// wrapping any violation as core.CodeInvalidArguments (spec §6: schema
// violations map to JSON-RPC -32602 / INVALID_ARGUMENTS).
func (r *schemaRegistry) validateTool(tool string, raw json.RawMessage) error {
	sch, ok := r.tools[tool]
	if !ok {
		return core.NewMemoryError(tool, core.CodeInvalidArguments, fmt.Errorf("unknown tool %q", tool))
	}
	v, err := decodeAny(raw)
	if err != nil {
		return core.NewMemoryError(tool, core.CodeInvalidArguments, err)
	}
	if err := sch.Validate(v); err != nil {
		return core.NewMemoryError(tool, core.CodeInvalidArguments, err)
	}
	return nil
}

// validateContent validates raw content against the schema for memory
// type t, wrapping any violation as core.CodeInvalidContent.
func (r *schemaRegistry) validateContent(t core.MemoryType, raw json.RawMessage) error {
	sch, ok := r.content[t]
	if !ok {
		return core.NewMemoryError("validate_content", core.CodeInvalidContent, fmt.Errorf("%w: unknown memory type %q", core.ErrInvalidContent, t))
	}
	v, err := decodeAny(raw)
	if err != nil {
		return core.NewMemoryError("validate_content", core.CodeInvalidContent, err)
	}
	if err := sch.Validate(v); err != nil {
		return core.NewMemoryError("validate_content", core.CodeInvalidContent, fmt.Errorf("%w: %v", core.ErrInvalidContent, err))
	}
	return nil
}

// ToolNames returns the static list of tool names the schema table knows
// about, sorted for deterministic tool-list responses.
func (r *schemaRegistry) ToolNames() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
