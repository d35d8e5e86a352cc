package registry

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// resolveInputSchema converts a tool's declared input schema into a resolved
// validator. Tools without a schema, or with one the validator cannot
// resolve, are dispatched unvalidated.
func resolveInputSchema(tool *mcp.Tool) (*jsonschema.Resolved, error) {
	if tool == nil || tool.InputSchema == nil {
		return nil, nil
	}
	var schema *jsonschema.Schema
	switch s := tool.InputSchema.(type) {
	case *jsonschema.Schema:
		schema = s
	default:
		raw, err := json.Marshal(s)
		if err != nil {
			return nil, fmt.Errorf("encode input schema: %w", err)
		}
		schema = new(jsonschema.Schema)
		if err := json.Unmarshal(raw, schema); err != nil {
			return nil, fmt.Errorf("decode input schema: %w", err)
		}
	}
	return schema.Resolve(nil)
}

// validateArguments checks args against the tool's schema. Arguments are
// round-tripped through JSON first so Go numeric types validate the same way
// the server will see them.
func validateArguments(e *toolEntry, exposedName string, args map[string]any) error {
	if e.schema == nil {
		return nil
	}
	var instance any = map[string]any{}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return &Error{Code: CodeInvalidArguments, Server: e.server,
				Message: fmt.Sprintf("arguments for tool %q are not JSON encodable", exposedName), Cause: err}
		}
		if err := json.Unmarshal(raw, &instance); err != nil {
			return &Error{Code: CodeInvalidArguments, Server: e.server,
				Message: fmt.Sprintf("arguments for tool %q are not a JSON object", exposedName), Cause: err}
		}
	}
	if err := e.schema.Validate(instance); err != nil {
		return &Error{Code: CodeInvalidArguments, Server: e.server,
			Message: fmt.Sprintf("invalid arguments for tool %q", exposedName), Cause: err}
	}
	return nil
}
