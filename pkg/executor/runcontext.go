package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/atp-project/atp/pkg/auth"
	"github.com/atp-project/atp/pkg/cache"
	"github.com/atp-project/atp/pkg/config"
	"github.com/atp-project/atp/pkg/pausestate"
	"github.com/atp-project/atp/pkg/policy"
	"github.com/atp-project/atp/pkg/provenance"
	"github.com/atp-project/atp/pkg/sandbox"
	"github.com/atp-project/atp/pkg/tools"
)

// toolErrorKey marks a recorded tool failure. Tool errors are part of the
// replay log like any other result, so a resumed run re-throws the same
// error at the same call.
const toolErrorKey = "__toolError"

// runContext is the host side of one sandbox run. It owns the replay cursor
// over the record's callback history.
type runContext struct {
	core    *Core
	ctx     context.Context
	record  *pausestate.Record
	session *auth.Session
	scope   *provenance.Scope
	view    *tools.Catalog
	tenant  *cache.Tenant

	replay    int
	logs      []string
	loopIters int64
	toolCalls int
}

func canonicalPayload(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte(fmt.Sprintf("%q", fmt.Sprintf("%v", v)))
	}
	return data
}

func (rc *runContext) HostCall(kind, operation string, args []any) (any, error) {
	entry := pausestate.CallbackRecord{
		Sequence:  rc.record.NextSequence(),
		Kind:      pausestate.CallbackKind(kind),
		Operation: operation,
		Payload:   canonicalPayload(args),
	}

	if rc.replay < len(rc.record.History) {
		return rc.replayCall(entry)
	}

	switch kind {
	case "cache":
		return rc.cacheCall(entry, operation, args)
	case "tool":
		return rc.toolCall(entry, operation, args)
	case "llm":
		rc.record.LLMCalls++
		if rc.record.Config.MaxLLMCalls > 0 && rc.record.LLMCalls > rc.record.Config.MaxLLMCalls {
			return nil, &sandbox.FatalError{Err: errLLMLimit}
		}
		return rc.pause(entry)
	case "approval", "embedding":
		return rc.pause(entry)
	default:
		return nil, fmt.Errorf("unknown host call kind %q", kind)
	}
}

// replayCall serves a host call from the recorded history. The live call
// must match what was recorded; any divergence means the program is not
// deterministic and the run is aborted.
func (rc *runContext) replayCall(entry pausestate.CallbackRecord) (any, error) {
	prior := rc.record.History[rc.replay]
	if prior.Fingerprint() != entry.Fingerprint() {
		return nil, &sandbox.FatalError{Err: fmt.Errorf(
			"%w: call %d was %s %s, got %s %s",
			errReplayMismatch, prior.Sequence, prior.Kind, prior.Operation, entry.Kind, entry.Operation)}
	}
	rc.replay++

	if !prior.HasResult {
		// The history's tail is the callback the client has not answered;
		// reaching it again just pauses again.
		rc.record.Pending = pendingFor(prior)
		return nil, sandbox.ErrPaused
	}

	var value any
	if len(prior.Result) > 0 {
		if err := json.Unmarshal(prior.Result, &value); err != nil {
			return nil, &sandbox.FatalError{Err: fmt.Errorf("%w: corrupt recorded result", errReplayMismatch)}
		}
	}
	if msg, ok := recordedToolError(value); ok {
		return nil, fmt.Errorf("%s", msg)
	}
	rc.markResult(string(prior.Kind), prior.Operation, value)
	return value, nil
}

func recordedToolError(value any) (string, bool) {
	m, ok := value.(map[string]any)
	if !ok {
		return "", false
	}
	msg, ok := m[toolErrorKey].(string)
	return msg, ok
}

// pause appends the unanswered callback and stops the run.
func (rc *runContext) pause(entry pausestate.CallbackRecord) (any, error) {
	rc.record.History = append(rc.record.History, entry)
	rc.record.Pending = pendingFor(entry)
	rc.replay++
	return nil, sandbox.ErrPaused
}

func pendingFor(entry pausestate.CallbackRecord) *pausestate.PendingCallback {
	pending := &pausestate.PendingCallback{
		Kind:      entry.Kind,
		Operation: entry.Operation,
		Payload:   entry.Payload,
	}
	if entry.Kind == pausestate.CallbackBatch {
		_ = json.Unmarshal(entry.Payload, &pending.Batch)
	}
	return pending
}

// finish records a completed server-side call and returns its value.
func (rc *runContext) finish(entry pausestate.CallbackRecord, value any) (any, error) {
	entry.Result = canonicalPayload(value)
	entry.HasResult = true
	rc.record.History = append(rc.record.History, entry)
	rc.replay++
	if msg, ok := recordedToolError(value); ok {
		return nil, fmt.Errorf("%s", msg)
	}
	rc.markResult(string(entry.Kind), entry.Operation, value)
	return value, nil
}

// cacheCall executes a tenant cache operation server-side. The call still
// lands in the replay log: a resumed run must see the value the original
// run saw, not whatever the cache holds by then.
func (rc *runContext) cacheCall(entry pausestate.CallbackRecord, operation string, args []any) (any, error) {
	if rc.tenant == nil {
		return nil, fmt.Errorf("service not provided: cache")
	}
	if operation == "clear" {
		if err := rc.tenant.Clear(rc.ctx); err != nil {
			return nil, fmt.Errorf("cache clear failed: %w", err)
		}
		return rc.finish(entry, true)
	}

	key, _ := firstString(args)
	if key == "" {
		return nil, fmt.Errorf("cache %s requires a string key", operation)
	}

	switch operation {
	case "get":
		value, found, err := rc.tenant.Get(rc.ctx, key)
		if err != nil {
			return nil, fmt.Errorf("cache get failed: %w", err)
		}
		if !found {
			return rc.finish(entry, nil)
		}
		return rc.finish(entry, value)
	case "set":
		if len(args) < 2 {
			return nil, fmt.Errorf("cache set requires a value")
		}
		ttl := rc.core.cacheTTL
		if len(args) >= 3 {
			if secs, ok := toInt64(args[2]); ok && secs > 0 {
				ttl = time.Duration(secs) * time.Second
			}
		}
		if err := rc.tenant.Set(rc.ctx, key, args[1], ttl); err != nil {
			return nil, fmt.Errorf("cache set failed: %w", err)
		}
		return rc.finish(entry, true)
	case "delete":
		if err := rc.tenant.Delete(rc.ctx, key); err != nil {
			return nil, fmt.Errorf("cache delete failed: %w", err)
		}
		return rc.finish(entry, true)
	case "has":
		found, err := rc.tenant.Has(rc.ctx, key)
		if err != nil {
			return nil, fmt.Errorf("cache has failed: %w", err)
		}
		return rc.finish(entry, found)
	default:
		return nil, fmt.Errorf("unknown cache operation %q", operation)
	}
}

// toolCall dispatches a tool invocation. Server-resident tools run here,
// behind scope and policy checks; client-resident tools pause.
func (rc *runContext) toolCall(entry pausestate.CallbackRecord, operation string, args []any) (any, error) {
	groupPath, name, ok := splitOperation(operation)
	if !ok {
		return nil, fmt.Errorf("service not provided: %s", operation)
	}
	tool, found := rc.view.Get(groupPath, name)
	if !found {
		return nil, fmt.Errorf("service not provided: %s", operation)
	}

	argMap, _ := firstMap(args)
	decision := rc.core.policies.Evaluate(policy.Input{
		ToolName:    tool.FullName(),
		Group:       groupPath,
		Destructive: tool.Metadata.OperationType == tools.OperationDestructive,
		Args:        argMap,
		Scope:       rc.scope,
	})
	if decision.Action == policy.Block {
		return nil, &sandbox.FatalError{Err: fmt.Errorf("%w: %s", errPolicyBlocked, decision.Reason)}
	}

	if tool.ClientResident() {
		return rc.pause(entry)
	}

	if missing := missingScopes(rc.session, tool); len(missing) > 0 {
		return nil, fmt.Errorf("missing required scope %s for %s", strings.Join(missing, ","), operation)
	}

	rc.toolCalls++
	value, err := tool.Handler(rc.ctx, argMap)
	if err != nil {
		return rc.finish(entry, map[string]any{toolErrorKey: err.Error()})
	}
	return rc.finish(entry, value)
}

func (rc *runContext) BatchCall(requests []sandbox.BatchRequest) ([]any, error) {
	entries := make([]pausestate.BatchEntry, len(requests))
	for i, req := range requests {
		entries[i] = pausestate.BatchEntry{
			ID:        i,
			Kind:      pausestate.CallbackKind(req.Kind),
			Operation: req.Operation,
			Payload:   canonicalPayload(req.Args),
		}
	}
	entry := pausestate.CallbackRecord{
		Sequence: rc.record.NextSequence(),
		Kind:     pausestate.CallbackBatch,
		Payload:  canonicalPayload(entries),
	}

	if rc.replay < len(rc.record.History) {
		value, err := rc.replayCall(entry)
		if err != nil {
			return nil, err
		}
		results, ok := value.([]any)
		if !ok || len(results) != len(requests) {
			return nil, &sandbox.FatalError{Err: fmt.Errorf(
				"%w: batch expects %d results", errReplayMismatch, len(requests))}
		}
		for i, req := range requests {
			rc.markResult(req.Kind, req.Operation, results[i])
		}
		return results, nil
	}

	for _, req := range requests {
		if req.Kind == "llm" {
			rc.record.LLMCalls++
		}
	}
	if rc.record.Config.MaxLLMCalls > 0 && rc.record.LLMCalls > rc.record.Config.MaxLLMCalls {
		return nil, &sandbox.FatalError{Err: errLLMLimit}
	}
	if _, err := rc.pause(entry); err != nil {
		return nil, err
	}
	return nil, sandbox.ErrPaused
}

// LoopTick enforces the iteration ceiling. Loop progress itself needs no
// separate bookkeeping: a resumed run re-executes the loop and the replay
// log serves every completed iteration's callback results in order.
func (rc *runContext) LoopTick(loopID string, iteration int64) error {
	rc.loopIters++
	max := rc.record.Config.MaxLoopIterations
	if max > 0 && iteration >= max {
		return &sandbox.FatalError{Err: fmt.Errorf("%w: loop %s reached %d iterations",
			errLoopDetected, loopID, iteration)}
	}
	return nil
}

// labelling reports whether this execution tracks provenance at all. The
// mode travels with the record, so a per-request override holds across
// pauses too.
func (rc *runContext) labelling() bool {
	return rc.record.Config.Provenance != string(config.ProvenanceNone)
}

// Derived propagates provenance to a value computed from labelled parts.
func (rc *runContext) Derived(result any, parts []any, site string) {
	if !rc.labelling() {
		return
	}
	var inputs []*provenance.Metadata
	for _, p := range parts {
		if meta := rc.scope.LookupPrimitive(p); meta != nil {
			inputs = append(inputs, meta)
		}
	}
	if len(inputs) == 0 {
		return
	}
	merged := provenance.Merge(provenance.Source{
		Type:      provenance.SourceSystem,
		Operation: "derive:" + site,
	}, inputs...)
	rc.markValue(result, merged)
}

func (rc *runContext) Log(args []any) {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = provenance.Stringify(a)
	}
	line := strings.Join(parts, " ")
	rc.logs = append(rc.logs, line)
	rc.core.logger.Debug("program log", "executionId", rc.record.ExecutionID, "line", line)
}

// markResult labels a host call's result with its origin. A no-op when
// provenance is disabled for this execution.
func (rc *runContext) markResult(kind, operation string, value any) {
	if value == nil || !rc.labelling() {
		return
	}
	var srcType provenance.SourceType
	switch kind {
	case "llm":
		srcType = provenance.SourceLLM
	case "tool", "batch":
		srcType = provenance.SourceTool
	case "approval":
		srcType = provenance.SourceUser
	default:
		return
	}
	meta := provenance.NewMetadata(provenance.Source{
		Type:      srcType,
		Tool:      operation,
		Operation: operation,
	})
	rc.markValue(value, meta)
}

// markValue taints every string reachable from the value.
func (rc *runContext) markValue(value any, meta *provenance.Metadata) {
	switch v := value.(type) {
	case string:
		rc.scope.MarkTainted(v, meta)
	case map[string]any:
		for _, item := range v {
			rc.markValue(item, meta)
		}
	case []any:
		for _, item := range v {
			rc.markValue(item, meta)
		}
	}
}

func splitOperation(operation string) (groupPath, name string, ok bool) {
	i := strings.LastIndex(operation, ".")
	if i <= 0 || i == len(operation)-1 {
		return "", "", false
	}
	return strings.ReplaceAll(operation[:i], ".", "/"), operation[i+1:], true
}

func missingScopes(session *auth.Session, tool *tools.Tool) []string {
	if len(tool.Metadata.RequiredScopes) == 0 {
		return nil
	}
	have := make(map[string]bool)
	if session != nil {
		for _, s := range session.Scopes {
			have[s] = true
		}
	}
	var missing []string
	for _, req := range tool.Metadata.RequiredScopes {
		if !have[req] {
			missing = append(missing, req)
		}
	}
	return missing
}

func firstString(args []any) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	s, ok := args[0].(string)
	return s, ok
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

func firstMap(args []any) (map[string]any, bool) {
	if len(args) == 0 {
		return map[string]any{}, false
	}
	m, ok := args[0].(map[string]any)
	if !ok {
		return map[string]any{}, false
	}
	return m, true
}
