// Package pausestate persists paused executions: everything needed to re-run
// a program from source and replay it up to the point it paused.
package pausestate

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/atp-project/atp/pkg/provenance"
)

// CallbackKind says what a paused execution is waiting for.
type CallbackKind string

const (
	CallbackLLM       CallbackKind = "llm"
	CallbackApproval  CallbackKind = "approval"
	CallbackEmbedding CallbackKind = "embedding"
	CallbackTool      CallbackKind = "tool"
	CallbackBatch     CallbackKind = "batch"
)

// CallbackRecord is one host call in execution order. Sequence is the call's
// position among all pausing calls; a record with a nil Result is the one the
// execution is currently waiting on.
type CallbackRecord struct {
	Sequence  int             `json:"sequence"`
	Kind      CallbackKind    `json:"kind"`
	Operation string          `json:"operation,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	HasResult bool            `json:"hasResult"`
}

// Fingerprint identifies the call for replay matching. Payload is canonical
// JSON (Go's encoder emits object keys sorted), so equal calls fingerprint
// equally across runs.
func (r *CallbackRecord) Fingerprint() string {
	return fmt.Sprintf("%s\x00%s\x00%s", r.Kind, r.Operation, string(r.Payload))
}

// BatchEntry is one deferred call inside a batch callback.
type BatchEntry struct {
	ID        int             `json:"id"`
	Kind      CallbackKind    `json:"kind"`
	Operation string          `json:"operation,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// PendingCallback is the client-visible description of what an execution
// is waiting for.
type PendingCallback struct {
	Kind      CallbackKind    `json:"kind"`
	Operation string          `json:"operation,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Batch     []BatchEntry    `json:"batch,omitempty"`
}

// ExecutionConfig is the per-execution limits snapshot. Resume runs under the
// same limits as the original call.
type ExecutionConfig struct {
	Timeout           time.Duration `json:"timeout"`
	MaxMemoryBytes    int64         `json:"maxMemoryBytes"`
	MaxLLMCalls       int           `json:"maxLlmCalls"`
	MaxLoopIterations int64         `json:"maxLoopIterations"`
	Provenance        string        `json:"provenance,omitempty"`
}

// Record is a paused execution. Source is the rewritten program together with
// the salt its identifiers were derived from, so resume re-runs the exact
// text the pause came from.
type Record struct {
	ExecutionID string          `json:"executionId"`
	ClientID    string          `json:"clientId"`
	Source      string          `json:"source"`
	Salt        string          `json:"salt"`
	Config      ExecutionConfig `json:"config"`

	History  []CallbackRecord `json:"history"`
	Pending  *PendingCallback `json:"pending,omitempty"`
	LLMCalls int              `json:"llmCalls"`

	Provenance *provenance.Snapshot `json:"provenance,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	PausedAt  time.Time `json:"pausedAt"`
}

// NextSequence is the sequence number the next pausing call will get.
func (r *Record) NextSequence() int {
	return len(r.History)
}

// Fill attaches the client's result to the waiting callback and clears the
// pending marker. The record is then ready for another run.
func (r *Record) Fill(result json.RawMessage) error {
	if len(r.History) == 0 {
		return fmt.Errorf("no callback to fill")
	}
	last := &r.History[len(r.History)-1]
	if last.HasResult {
		return fmt.Errorf("callback %d already has a result", last.Sequence)
	}
	last.Result = result
	last.HasResult = true
	r.Pending = nil
	return nil
}
