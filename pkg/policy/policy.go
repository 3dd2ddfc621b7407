// Package policy inspects tool arguments against provenance labels before a
// tool call is allowed to proceed.
package policy

import (
	"fmt"
	"log/slog"

	"github.com/atp-project/atp/pkg/provenance"
)

// Action is a policy verdict.
type Action string

const (
	Allow Action = "allow"
	Log   Action = "log"
	Block Action = "block"
)

// Decision is the outcome of one policy check.
type Decision struct {
	Action Action
	Reason string
}

// Input describes one pending tool call.
type Input struct {
	ToolName string
	Group    string
	// Destructive reflects the tool descriptor's operation type.
	Destructive bool
	Args        map[string]any
	Scope       *provenance.Scope
}

// Lookup resolves a value in the call's provenance scope. Nested maps and
// lists are walked; the first labelled value wins.
func (in Input) Lookup(value any) *provenance.Metadata {
	if in.Scope == nil {
		return nil
	}
	var found *provenance.Metadata
	walkValues(value, func(v any) bool {
		if meta := in.Scope.LookupPrimitive(v); meta != nil {
			found = meta
			return false
		}
		return true
	})
	return found
}

// Policy is a named predicate over a pending tool call.
type Policy struct {
	Name        string
	Description string
	Check       func(Input) Decision
}

// Engine evaluates an ordered policy list. The first block wins; log
// decisions are recorded and evaluation continues.
type Engine struct {
	policies []Policy
}

func NewEngine(policies ...Policy) *Engine {
	return &Engine{policies: policies}
}

// Append adds policies after the existing ones.
func (e *Engine) Append(policies ...Policy) {
	e.policies = append(e.policies, policies...)
}

// Evaluate runs all policies in order against the call.
func (e *Engine) Evaluate(in Input) Decision {
	for _, p := range e.policies {
		d := p.Check(in)
		switch d.Action {
		case Block:
			slog.Warn("Policy blocked tool call",
				"policy", p.Name,
				"tool", in.ToolName,
				"reason", d.Reason)
			if d.Reason == "" {
				d.Reason = fmt.Sprintf("blocked by policy %s", p.Name)
			}
			return d
		case Log:
			slog.Info("Policy flagged tool call",
				"policy", p.Name,
				"tool", in.ToolName,
				"reason", d.Reason)
		}
	}
	return Decision{Action: Allow}
}

// walkValues visits v and every nested primitive. The visitor returns false
// to stop the walk.
func walkValues(v any, visit func(any) bool) bool {
	switch val := v.(type) {
	case map[string]any:
		for _, item := range val {
			if !walkValues(item, visit) {
				return false
			}
		}
	case []any:
		for _, item := range val {
			if !walkValues(item, visit) {
				return false
			}
		}
	case nil:
		return true
	default:
		return visit(val)
	}
	return true
}
