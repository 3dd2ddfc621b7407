// Package tools holds the tool catalog: the set of tool groups, their JSON
// schemas, the rendered language surface, keyword search and the virtual
// directory explorer.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
)

// OperationType categorises what a tool does to the world.
type OperationType string

const (
	OperationRead        OperationType = "read"
	OperationWrite       OperationType = "write"
	OperationDestructive OperationType = "destructive"
)

// Origin says who registered the tool.
type Origin string

const (
	OriginServer Origin = "server"
	OriginUser   Origin = "user"
)

// Metadata carries authorization and sensitivity attributes.
type Metadata struct {
	RequiredScopes []string      `json:"requiredScopes,omitempty"`
	OperationType  OperationType `json:"operationType,omitempty"`
	Sensitivity    string        `json:"sensitivity,omitempty"`
	Source         Origin        `json:"source"`
}

// Descriptor describes one callable tool.
type Descriptor struct {
	Name string `json:"name"`
	// GroupPath is slash-delimited, e.g. "openapi/github".
	GroupPath    string         `json:"group"`
	Description  string         `json:"description"`
	InputSchema  map[string]any `json:"inputSchema,omitempty"`
	OutputSchema map[string]any `json:"outputSchema,omitempty"`
	Metadata     Metadata       `json:"metadata"`
}

// Handler executes a server-resident tool. Client-resident tools have none;
// calling them pauses the execution instead.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool pairs a descriptor with its handler.
type Tool struct {
	Descriptor
	Handler Handler `json:"-"`
}

// ClientResident reports whether invoking this tool must reach the caller.
func (t *Tool) ClientResident() bool {
	return t.Handler == nil || t.Metadata.Source == OriginUser
}

// FullName is "<group>.<name>" with slashes turned into dots, the form used
// in callback operations and policy messages.
func (t *Tool) FullName() string {
	return strings.ReplaceAll(t.GroupPath, "/", ".") + "." + t.Name
}

// SchemaFor derives a JSON schema map from a Go value via reflection.
func SchemaFor(v any) (map[string]any, error) {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(v)
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode schema: %w", err)
	}
	return out, nil
}

// ObjectSchema builds a JSON schema for an object with the given properties.
// Property values are schema fragments like {"type": "string"}.
func ObjectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		req := make([]any, len(required))
		for i, r := range required {
			req[i] = r
		}
		schema["required"] = req
	}
	return schema
}
