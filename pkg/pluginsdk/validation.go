package pluginsdk

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidateToolArgs validates model-supplied arguments against the tool's
// declared argument schema. Tools without a schema accept anything.
func (m *Manifest) ValidateToolArgs(toolName string, args map[string]any) error {
	var spec *ToolSpec
	for i := range m.Tools {
		if m.Tools[i].Name == toolName {
			spec = &m.Tools[i]
			break
		}
	}
	if spec == nil {
		return fmt.Errorf("plugin %s: no such tool %q", m.Name, toolName)
	}
	if len(spec.ArgumentSchema) == 0 {
		return nil
	}

	schema, err := compileSchema(spec.ArgumentSchema)
	if err != nil {
		return fmt.Errorf("compile argument schema for %s: %w", toolName, err)
	}

	// Round-trip through JSON so numbers and nested values take the shapes
	// the validator expects.
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}

	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("arguments for %s invalid: %w", toolName, err)
	}
	return nil
}

// CompileSchemas eagerly compiles every declared schema so malformed
// manifests fail at load time instead of first call.
func (m *Manifest) CompileSchemas() error {
	for _, tool := range m.Tools {
		for _, raw := range []json.RawMessage{tool.ArgumentSchema, tool.FormSchema} {
			if len(raw) == 0 {
				continue
			}
			if _, err := compileSchema(raw); err != nil {
				return fmt.Errorf("plugin %s: tool %s schema: %w", m.Name, tool.Name, err)
			}
		}
	}
	return nil
}

var schemaCache sync.Map

func compileSchema(schema []byte) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}
