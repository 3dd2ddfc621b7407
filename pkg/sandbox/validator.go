package sandbox

import (
	"fmt"
	"unicode"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/parser"

	"github.com/atp-project/atp/pkg/rewrite"
)

// Severity grades a validation finding. High findings block execution.
type Severity string

const (
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Finding is one suspicious construct in a program.
type Finding struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Offset   int      `json:"offset"`
}

// forbiddenIdentifiers escape or inspect the sandbox. The interpreter disables
// most of them too; the validator rejects the program up front with a
// readable finding instead of a runtime type error.
var forbiddenIdentifiers = map[string]bool{
	"eval": true, "Function": true, "require": true,
	"process": true, "global": true, "globalThis": true,
	"module": true, "exports": true, "Buffer": true,
	"Reflect": true, "Proxy": true, "WebAssembly": true,
	"XMLHttpRequest": true, "fetch": true, "importScripts": true,
}

// forbiddenMembers are prototype-walking properties.
var forbiddenMembers = map[string]bool{
	"__proto__": true, "constructor": true, "prototype": true,
	"getPrototypeOf": true, "setPrototypeOf": true,
}

// knownGlobals are the capitalised names a program may legitimately touch.
var knownGlobals = map[string]bool{
	"Math": true, "JSON": true, "Object": true, "Array": true,
	"String": true, "Number": true, "Boolean": true, "Date": true,
	"RegExp": true, "Error": true, "TypeError": true, "RangeError": true,
	"SyntaxError": true, "Promise": true, "Map": true, "Set": true,
	"Infinity": true, "NaN": true,
}

// Validate parses a program and returns its findings. A program that fails
// to parse returns an error instead.
func Validate(source string) ([]Finding, error) {
	program, err := parser.ParseFile(nil, "program.js", source, 0)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}

	var findings []Finding
	add := func(sev Severity, offset int, format string, args ...any) {
		findings = append(findings, Finding{
			Severity: sev,
			Offset:   offset,
			Message:  fmt.Sprintf(format, args...),
		})
	}

	rewrite.Walk(program, func(n ast.Node) bool {
		switch t := n.(type) {
		case *ast.Identifier:
			name := t.Name.String()
			offset := int(t.Idx0()) - 1
			switch {
			case forbiddenIdentifiers[name]:
				add(SeverityHigh, offset, "forbidden identifier %q", name)
			case isCapitalised(name) && !knownGlobals[name]:
				add(SeverityMedium, offset, "unknown global %q", name)
			}
		case *ast.DotExpression:
			name := t.Identifier.Name.String()
			if forbiddenMembers[name] {
				add(SeverityHigh, int(t.Identifier.Idx)-1, "forbidden property access %q", name)
			}
		case *ast.BracketExpression:
			if lit, ok := t.Member.(*ast.StringLiteral); ok {
				name := lit.Value.String()
				if forbiddenMembers[name] || forbiddenIdentifiers[name] {
					add(SeverityHigh, int(lit.Idx0())-1, "forbidden property access %q", name)
				}
			}
		case *ast.NewExpression:
			if id, ok := t.Callee.(*ast.Identifier); ok && id.Name.String() == "Function" {
				add(SeverityHigh, int(t.Idx0())-1, "forbidden Function constructor")
			}
		}
		return true
	})
	return findings, nil
}

// Blocking reports whether any finding is severe enough to refuse execution.
func Blocking(findings []Finding) bool {
	for _, f := range findings {
		if f.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

func isCapitalised(name string) bool {
	for _, r := range name {
		return unicode.IsUpper(r)
	}
	return false
}
