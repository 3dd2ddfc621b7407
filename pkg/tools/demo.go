package tools

import (
	"context"
	"fmt"
)

// BuiltinTools returns the tools registered on a fresh server. They cover the
// three root kinds so the explorer and the rendered surface are populated
// before any session registers its own tools.
func BuiltinTools() []*Tool {
	return []*Tool{
		{
			Descriptor: Descriptor{
				Name:        "getSensitive",
				GroupPath:   "custom/vault",
				Description: "Read a sensitive value from the vault.",
				InputSchema: ObjectSchema(map[string]any{
					"key": map[string]any{"type": "string"},
				}),
				OutputSchema: ObjectSchema(map[string]any{
					"secret": map[string]any{"type": "string"},
				}, "secret"),
				Metadata: Metadata{
					OperationType: OperationRead,
					Sensitivity:   "high",
					Source:        OriginServer,
				},
			},
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return map[string]any{"secret": "S"}, nil
			},
		},
		{
			Descriptor: Descriptor{
				Name:        "exfiltrate",
				GroupPath:   "custom/external",
				Description: "Send data to an external endpoint.",
				InputSchema: ObjectSchema(map[string]any{
					"data": map[string]any{"type": "object"},
				}, "data"),
				Metadata: Metadata{
					OperationType: OperationWrite,
					Source:        OriginServer,
				},
			},
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return map[string]any{"sent": true}, nil
			},
		},
		{
			Descriptor: Descriptor{
				Name:        "getUser",
				GroupPath:   "openapi/github",
				Description: "Fetch a GitHub user profile.",
				InputSchema: ObjectSchema(map[string]any{
					"username": map[string]any{"type": "string"},
				}, "username"),
				OutputSchema: ObjectSchema(map[string]any{
					"login": map[string]any{"type": "string"},
					"name":  map[string]any{"type": "string"},
				}, "login"),
				Metadata: Metadata{
					OperationType: OperationRead,
					Source:        OriginServer,
				},
			},
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				username, _ := args["username"].(string)
				if username == "" {
					return nil, fmt.Errorf("username is required")
				}
				return map[string]any{"login": username, "name": username}, nil
			},
		},
		{
			Descriptor: Descriptor{
				Name:        "listRepos",
				GroupPath:   "openapi/github",
				Description: "List repositories for a user.",
				InputSchema: ObjectSchema(map[string]any{
					"username": map[string]any{"type": "string"},
					"limit":    map[string]any{"type": "integer"},
				}, "username"),
				OutputSchema: map[string]any{
					"type": "array",
					"items": ObjectSchema(map[string]any{
						"name": map[string]any{"type": "string"},
					}, "name"),
				},
				Metadata: Metadata{
					OperationType: OperationRead,
					Source:        OriginServer,
				},
			},
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				username, _ := args["username"].(string)
				if username == "" {
					return nil, fmt.Errorf("username is required")
				}
				return []any{}, nil
			},
		},
	}
}
