package tools

import (
	"fmt"
	"sort"
	"strings"
)

// atpPreamble is the host namespace available to every program. It is static:
// the atp.* operations are provided by the runtime, not by registered tools.
const atpPreamble = `declare namespace atp {
  interface LLMOptions {
    model?: string;
    maxTokens?: number;
    temperature?: number;
    schema?: object;
  }
  namespace llm {
    function call(prompt: string, options?: LLMOptions): any;
  }
  namespace approval {
    function request(message: string, details?: object): boolean;
  }
  namespace embedding {
    function embed(text: string): number[];
  }
  namespace cache {
    function get(key: string): any;
    function set(key: string, value: any, ttlSeconds?: number): void;
    function delete(key: string): void;
    function has(key: string): boolean;
    function clear(): void;
  }
  namespace time {
    function now(): number;
    function sleep(ms: number): void;
  }
  function log(...args: any[]): void;
}`

// RenderSurface renders the full callable surface as TypeScript-style
// declarations: the static atp namespace followed by one api.<group>
// namespace per tool group. A nil filter renders everything.
func RenderSurface(c *Catalog, filter *ScopeFilter) string {
	var b strings.Builder
	b.WriteString(atpPreamble)
	b.WriteString("\n\n")
	b.WriteString("declare namespace api {\n")

	for _, g := range c.Groups() {
		var visible []*Tool
		for _, t := range g.Tools() {
			if filter.allows(t) {
				visible = append(visible, t)
			}
		}
		if len(visible) == 0 {
			continue
		}

		segments := strings.Split(g.Path, "/")
		indent := "  "
		for _, seg := range segments {
			fmt.Fprintf(&b, "%snamespace %s {\n", indent, identifier(seg))
			indent += "  "
		}
		for _, t := range visible {
			writeFunction(&b, t, indent)
		}
		for range segments {
			indent = indent[:len(indent)-2]
			b.WriteString(indent + "}\n")
		}
	}

	b.WriteString("}")
	return b.String()
}

// RenderTool renders a single tool as a standalone signature.
func RenderTool(t *Tool) string {
	var b strings.Builder
	writeFunction(&b, t, "")
	return strings.TrimRight(b.String(), "\n")
}

func writeFunction(b *strings.Builder, t *Tool, indent string) {
	if t.Description != "" {
		fmt.Fprintf(b, "%s/** %s */\n", indent, t.Description)
	}
	params := renderParams(t.InputSchema)
	result := "any"
	if t.OutputSchema != nil {
		result = schemaType(t.OutputSchema, indent)
	}
	fmt.Fprintf(b, "%sfunction %s(%s): %s;\n", indent, identifier(t.Name), params, result)
}

// renderParams flattens a top-level object schema into named parameters,
// one per property, required ones first.
func renderParams(schema map[string]any) string {
	if schema == nil {
		return ""
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok || len(props) == 0 {
		return "input?: object"
	}
	required := requiredSet(schema)

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		ri, rj := required[names[i]], required[names[j]]
		if ri != rj {
			return ri
		}
		return names[i] < names[j]
	})

	parts := make([]string, 0, len(names))
	for _, name := range names {
		prop, _ := props[name].(map[string]any)
		opt := ""
		if !required[name] {
			opt = "?"
		}
		parts = append(parts, fmt.Sprintf("%s%s: %s", identifier(name), opt, schemaType(prop, "")))
	}
	return strings.Join(parts, ", ")
}

// schemaType renders a JSON schema fragment as a TypeScript type.
func schemaType(schema map[string]any, indent string) string {
	if schema == nil {
		return "any"
	}
	if enum, ok := schema["enum"].([]any); ok && len(enum) > 0 {
		parts := make([]string, len(enum))
		for i, v := range enum {
			if s, ok := v.(string); ok {
				parts[i] = fmt.Sprintf("%q", s)
			} else {
				parts[i] = fmt.Sprintf("%v", v)
			}
		}
		return strings.Join(parts, " | ")
	}

	switch schema["type"] {
	case "string":
		return "string"
	case "number", "integer":
		return "number"
	case "boolean":
		return "boolean"
	case "null":
		return "null"
	case "array":
		if items, ok := schema["items"].(map[string]any); ok {
			return schemaType(items, indent) + "[]"
		}
		return "any[]"
	case "object":
		props, ok := schema["properties"].(map[string]any)
		if !ok || len(props) == 0 {
			return "object"
		}
		required := requiredSet(schema)
		names := make([]string, 0, len(props))
		for name := range props {
			names = append(names, name)
		}
		sort.Strings(names)

		parts := make([]string, 0, len(names))
		for _, name := range names {
			prop, _ := props[name].(map[string]any)
			opt := ""
			if !required[name] {
				opt = "?"
			}
			parts = append(parts, fmt.Sprintf("%s%s: %s", identifier(name), opt, schemaType(prop, indent)))
		}
		return "{ " + strings.Join(parts, "; ") + " }"
	}
	return "any"
}

func requiredSet(schema map[string]any) map[string]bool {
	required := make(map[string]bool)
	switch req := schema["required"].(type) {
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				required[s] = true
			}
		}
	case []string:
		for _, s := range req {
			required[s] = true
		}
	}
	return required
}

// identifier sanitises a name for use as a TypeScript identifier.
func identifier(name string) string {
	var b strings.Builder
	for i, r := range name {
		ok := r == '_' || r == '$' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(i > 0 && r >= '0' && r <= '9')
		if ok {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
