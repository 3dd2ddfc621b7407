package executor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atp-project/atp/pkg/auth"
	"github.com/atp-project/atp/pkg/cache"
	"github.com/atp-project/atp/pkg/config"
	"github.com/atp-project/atp/pkg/pausestate"
	"github.com/atp-project/atp/pkg/policy"
	"github.com/atp-project/atp/pkg/provenance"
	"github.com/atp-project/atp/pkg/tools"
)

func testSession() *auth.Session {
	return &auth.Session{ClientID: "cli_test", CreatedAt: time.Now()}
}

func newTestCore(t *testing.T, mutate func(*Options)) (*Core, *cache.Memory) {
	t.Helper()

	mem := cache.NewMemory()
	t.Cleanup(func() { _ = mem.Close() })

	catalog := tools.NewCatalog()
	require.NoError(t, catalog.RegisterAll(tools.BuiltinTools()))

	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))
	opts := Options{
		Catalog:    catalog,
		Store:      pausestate.NewStore(mem, time.Hour, time.Hour, logger),
		Cache:      mem,
		Policies:   policy.NewEngine(policy.Exfiltration([]string{"custom/external"})),
		Provenance: provenance.NewRegistry(),
		Logger:     logger,
		Execution: config.ExecutionConfig{
			Timeout:           5 * time.Second,
			MaxLLMCalls:       50,
			StateTTL:          time.Hour,
			MaxLoopIterations: 1000,
		},
		ProvenanceMode: config.ProvenanceAST,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return New(opts), mem
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestExecute_CompletedValue(t *testing.T) {
	core, _ := newTestCore(t, nil)

	res := core.Execute(context.Background(), testSession(), `1 + 2;`, nil)
	require.Equal(t, StatusCompleted, res.Status)
	assert.EqualValues(t, 3, res.Value)
	assert.True(t, res.Terminal())
	assert.Nil(t, res.Error)
}

func TestExecute_ServerToolCall(t *testing.T) {
	core, _ := newTestCore(t, nil)

	res := core.Execute(context.Background(), testSession(), `
const user = api.openapi.github.getUser({username: "octocat"});
user.login;`, nil)
	require.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "octocat", res.Value)
	assert.Equal(t, 1, res.Stats.Callbacks)
}

func TestExecute_ToolErrorIsCatchable(t *testing.T) {
	core, _ := newTestCore(t, nil)

	res := core.Execute(context.Background(), testSession(), `
let message = "no error";
try {
  api.openapi.github.getUser({});
} catch (e) {
  message = String(e);
}
message;`, nil)
	require.Equal(t, StatusCompleted, res.Status)
	assert.Contains(t, res.Value, "username is required")
}

func TestExecute_ParseError(t *testing.T) {
	core, _ := newTestCore(t, nil)

	res := core.Execute(context.Background(), testSession(), `const = ;`, nil)
	require.Equal(t, StatusParseError, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, CodeValidationFailed, res.Error.Code)
	assert.False(t, res.Error.Retryable, "the same text will not parse twice")
	assert.NotEmpty(t, res.Error.Suggestion)
}

func TestExecute_SecurityViolation(t *testing.T) {
	core, _ := newTestCore(t, nil)

	res := core.Execute(context.Background(), testSession(), `eval("1+1");`, nil)
	require.Equal(t, StatusSecurityViolation, res.Status)
	assert.NotEmpty(t, res.Findings)
}

func TestExecute_PauseAndResume(t *testing.T) {
	core, _ := newTestCore(t, nil)
	session := testSession()

	res := core.Execute(context.Background(), session, `
const answer = atp.llm.call("summarize this");
answer;`, nil)
	require.Equal(t, StatusPaused, res.Status)
	require.NotNil(t, res.Pending)
	assert.Equal(t, pausestate.CallbackLLM, res.Pending.Kind)
	assert.JSONEq(t, `["summarize this"]`, string(res.Pending.Payload))

	final, err := core.Resume(context.Background(), session, res.ExecutionID, json.RawMessage(`"a summary"`))
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, "a summary", final.Value)
	assert.Equal(t, 1, final.Stats.LLMCalls)

	// Completed executions leave no resumable state behind.
	_, err = core.Resume(context.Background(), session, res.ExecutionID, json.RawMessage(`"again"`))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExecute_CompletedResultCarriesHints(t *testing.T) {
	core, _ := newTestCore(t, nil)
	session := testSession()

	res := core.Execute(context.Background(), session, `atp.llm.call("q");`, nil)
	require.Equal(t, StatusPaused, res.Status)

	final, err := core.Resume(context.Background(), session, res.ExecutionID, json.RawMessage(`"labelled"`))
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, final.Status)
	require.Len(t, final.Hints, 1)
	assert.Equal(t, provenance.DigestOf("labelled"), final.Hints[0].Digest)
	require.NotNil(t, final.Hints[0].Metadata)
	assert.Equal(t, provenance.SourceLLM, final.Hints[0].Metadata.Source.Type)
}

func TestExecute_SignedHints(t *testing.T) {
	core, _ := newTestCore(t, func(o *Options) {
		o.Signer = provenance.NewSigner("hint-signing-secret")
	})
	session := testSession()

	res := core.Execute(context.Background(), session, `atp.llm.call("q");`, nil)
	require.Equal(t, StatusPaused, res.Status)

	final, err := core.Resume(context.Background(), session, res.ExecutionID, json.RawMessage(`"labelled"`))
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, final.Status)
	require.Len(t, final.Hints, 1)
	assert.NotEmpty(t, final.Hints[0].Token)
	assert.Nil(t, final.Hints[0].Metadata)
}

func TestExecute_HintsLabelInlinedData(t *testing.T) {
	core, _ := newTestCore(t, func(o *Options) {
		// External group turns the inlined value into a blocked argument.
		o.Policies = policy.NewEngine(policy.Exfiltration([]string{"custom/external"}))
	})
	session := testSession()

	meta := provenance.NewMetadata(provenance.Source{Type: provenance.SourceTool, Tool: "vault"})
	hints := []provenance.Hint{{Digest: provenance.DigestOf("S"), Metadata: meta}}

	res := core.Execute(context.Background(), session,
		`api.custom.external.exfiltrate({data: "S"});`, hints)
	require.Equal(t, StatusSecurityViolation, res.Status)
	require.NotNil(t, res.Error)
	assert.Contains(t, res.Error.Message, "blocked by policy")
}

func TestExecute_BatchPauseAndResume(t *testing.T) {
	core, _ := newTestCore(t, nil)
	session := testSession()

	res := core.Execute(context.Background(), session, `
Promise.all([atp.llm.call("first"), atp.llm.call("second")]);`, nil)
	require.Equal(t, StatusPaused, res.Status)
	require.NotNil(t, res.Pending)
	assert.Equal(t, pausestate.CallbackBatch, res.Pending.Kind)
	require.Len(t, res.Pending.Batch, 2)
	assert.Equal(t, pausestate.CallbackLLM, res.Pending.Batch[0].Kind)

	final, err := core.Resume(context.Background(), session, res.ExecutionID,
		json.RawMessage(`["r1", "r2"]`))
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, []any{"r1", "r2"}, final.Value)
	assert.Equal(t, 2, final.Stats.LLMCalls)
}

func TestExecute_LLMCallLimit(t *testing.T) {
	core, _ := newTestCore(t, func(o *Options) {
		o.Execution.MaxLLMCalls = 1
	})

	res := core.Execute(context.Background(), testSession(), `
Promise.all([atp.llm.call("first"), atp.llm.call("second")]);`, nil)
	require.Equal(t, StatusLLMCallsExceeded, res.Status)
	require.NotNil(t, res.Error)
}

func TestExecute_LoopIterationLimit(t *testing.T) {
	core, _ := newTestCore(t, func(o *Options) {
		o.Execution.MaxLoopIterations = 5
	})

	// Host call in the body makes the loop subject to iteration accounting,
	// even though the branch never runs.
	res := core.Execute(context.Background(), testSession(), `
let i = 0;
while (i < 100) {
  i++;
  if (i > 1000) { atp.llm.call("never"); }
}`, nil)
	require.Equal(t, StatusLoopDetected, res.Status)
	require.NotNil(t, res.Error)
	assert.Contains(t, res.Error.Message, "iteration")
	assert.GreaterOrEqual(t, res.Stats.LoopIterations, int64(5))
}

func TestExecute_LoopResumesAcrossPauses(t *testing.T) {
	core, _ := newTestCore(t, nil)
	session := testSession()

	// Each iteration pauses once; the replay log carries the earlier
	// iterations' results through every resume.
	res := core.Execute(context.Background(), session, `
const out = [];
for (const p of ["a", "b", "c"]) {
  out.push(atp.llm.call(p));
}
out;`, nil)

	for i, answer := range []string{"A", "B", "C"} {
		require.Equal(t, StatusPaused, res.Status, "pause %d", i)
		require.NotNil(t, res.Pending)
		assert.Equal(t, pausestate.CallbackLLM, res.Pending.Kind)

		var err error
		res, err = core.Resume(context.Background(), session, res.ExecutionID,
			json.RawMessage(`"`+answer+`"`))
		require.NoError(t, err)
	}

	require.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, []any{"A", "B", "C"}, res.Value)
	assert.Equal(t, 3, res.Stats.LLMCalls)
}

func TestExecute_PolicyBlocksExfiltration(t *testing.T) {
	core, _ := newTestCore(t, nil)

	res := core.Execute(context.Background(), testSession(), `
const v = api.custom.vault.getSensitive({key: "api-key"});
api.custom.external.exfiltrate({data: v.secret});`, nil)
	require.Equal(t, StatusSecurityViolation, res.Status)
	require.NotNil(t, res.Error)
	assert.Contains(t, res.Error.Message, "exfiltrate")
}

func TestExecute_DerivedValueStaysBlocked(t *testing.T) {
	core, _ := newTestCore(t, nil)

	// String concatenation launders nothing: the derived value inherits the
	// tool label through the instrumented site.
	res := core.Execute(context.Background(), testSession(), `
const v = api.custom.vault.getSensitive({key: "api-key"});
const wrapped = "prefix " + v.secret;
api.custom.external.exfiltrate({data: wrapped});`, nil)
	require.Equal(t, StatusSecurityViolation, res.Status)
}

func TestExecute_Timeout(t *testing.T) {
	core, _ := newTestCore(t, func(o *Options) {
		o.Execution.Timeout = 100 * time.Millisecond
	})

	res := core.Execute(context.Background(), testSession(), `for (;;) {}`, nil)
	require.Equal(t, StatusTimeout, res.Status)
	require.NotNil(t, res.Error)
	assert.True(t, res.Error.Retryable)
	assert.NotEmpty(t, res.Error.Suggestion)
}

func TestExecute_ReferenceError(t *testing.T) {
	core, _ := newTestCore(t, nil)

	res := core.Execute(context.Background(), testSession(), `undefinedThing + 1;`, nil)
	require.Equal(t, StatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, CodeReferenceError, res.Error.Code)
	assert.NotEmpty(t, res.Error.Stack, "guest failures carry the guest stack")
	assert.False(t, res.Error.Retryable)
}

func TestExecute_CacheRoundTrip(t *testing.T) {
	core, _ := newTestCore(t, nil)

	res := core.Execute(context.Background(), testSession(), `
atp.cache.set("greeting", "hello", 60);
atp.cache.get("greeting");`, nil)
	require.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "hello", res.Value)
}

func TestExecute_ClientResidentToolPauses(t *testing.T) {
	core, _ := newTestCore(t, nil)
	session := testSession()
	session.Tools = []tools.Descriptor{{
		Name:        "notify",
		GroupPath:   "local",
		Description: "Show a notification to the user.",
	}}

	res := core.Execute(context.Background(), session, `
api.local.notify({message: "hi"});`, nil)
	require.Equal(t, StatusPaused, res.Status)
	require.NotNil(t, res.Pending)
	assert.Equal(t, pausestate.CallbackTool, res.Pending.Kind)
	assert.Equal(t, "local.notify", res.Pending.Operation)

	final, err := core.Resume(context.Background(), session, res.ExecutionID,
		json.RawMessage(`{"shown": true}`))
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, map[string]any{"shown": true}, final.Value)
}

func TestExecute_MissingScopeIsCatchable(t *testing.T) {
	core, _ := newTestCore(t, func(o *Options) {
		require.NoError(t, o.Catalog.Register(&tools.Tool{
			Descriptor: tools.Descriptor{
				Name:      "drop",
				GroupPath: "custom/admin",
				Metadata:  tools.Metadata{RequiredScopes: []string{"admin"}, Source: tools.OriginServer},
			},
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return true, nil
			},
		}))
	})

	res := core.Execute(context.Background(), testSession(), `
let message = "";
try {
  api.custom.admin.drop({});
} catch (e) {
  message = String(e);
}
message;`, nil)
	require.Equal(t, StatusCompleted, res.Status)
	assert.Contains(t, res.Value, "missing required scope")
}

func TestResume_NotFound(t *testing.T) {
	core, _ := newTestCore(t, nil)

	_, err := core.Resume(context.Background(), testSession(), "no-such-execution",
		json.RawMessage(`"x"`))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResume_WrongOwner(t *testing.T) {
	core, _ := newTestCore(t, nil)

	res := core.Execute(context.Background(), testSession(), `atp.llm.call("q");`, nil)
	require.Equal(t, StatusPaused, res.Status)

	other := &auth.Session{ClientID: "cli_other"}
	_, err := core.Resume(context.Background(), other, res.ExecutionID, json.RawMessage(`"x"`))
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestResume_ConcurrentResumeConflicts(t *testing.T) {
	core, _ := newTestCore(t, nil)
	session := testSession()

	res := core.Execute(context.Background(), session, `atp.llm.call("q");`, nil)
	require.Equal(t, StatusPaused, res.Status)

	muAny, _ := core.locks.LoadOrStore(res.ExecutionID, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	_, err := core.Resume(context.Background(), session, res.ExecutionID, json.RawMessage(`"x"`))
	assert.ErrorIs(t, err, ErrConflict)
}

func TestResume_ReplayMismatchFails(t *testing.T) {
	core, _ := newTestCore(t, nil)
	session := testSession()

	res := core.Execute(context.Background(), session, `atp.llm.call("original");`, nil)
	require.Equal(t, StatusPaused, res.Status)

	// Tamper with the recorded call so the re-run diverges from the history.
	record, err := core.store.Get(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	require.NotNil(t, record)
	record.History[0].Payload = json.RawMessage(`["tampered"]`)
	require.NoError(t, core.store.Save(context.Background(), record))

	final, err := core.Resume(context.Background(), session, res.ExecutionID, json.RawMessage(`"x"`))
	require.NoError(t, err)
	require.Equal(t, StatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Contains(t, final.Error.Message, "diverged")
}

func TestExecute_PausePayloadCarriesArguments(t *testing.T) {
	core, _ := newTestCore(t, nil)

	res := core.Execute(context.Background(), testSession(), `atp.llm.call({prompt: "A"});`, nil)
	require.Equal(t, StatusPaused, res.Status)
	require.NotNil(t, res.Pending)
	assert.Equal(t, pausestate.CallbackLLM, res.Pending.Kind)
	assert.Equal(t, "call", res.Pending.Operation)
	assert.JSONEq(t, `[{"prompt":"A"}]`, string(res.Pending.Payload))
}

func TestExecute_CacheHasAndClear(t *testing.T) {
	core, _ := newTestCore(t, nil)

	res := core.Execute(context.Background(), testSession(), `
atp.cache.set("k", "v", 60);
const before = atp.cache.has("k");
atp.cache.delete("k");
const after = atp.cache.has("k");
atp.cache.set("k2", "v2", 60);
atp.cache.clear();
[before, after, atp.cache.has("k2")];`, nil)
	require.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, []any{true, false, false}, res.Value)
}

func TestExecuteWith_OverridesLimits(t *testing.T) {
	core, _ := newTestCore(t, nil)

	res := core.ExecuteWith(context.Background(), testSession(), `
Promise.all([atp.llm.call("first"), atp.llm.call("second")]);`, nil,
		&Overrides{MaxLLMCalls: 1})
	require.Equal(t, StatusLLMCallsExceeded, res.Status)
}

func TestExecuteWith_RejectsUnknownProvenanceMode(t *testing.T) {
	core, _ := newTestCore(t, nil)

	res := core.ExecuteWith(context.Background(), testSession(), `1;`, nil,
		&Overrides{Provenance: "bogus"})
	require.Equal(t, StatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, CodeValidationFailed, res.Error.Code)
}

func TestExecute_ProvenanceNoneDisablesLabelling(t *testing.T) {
	core, _ := newTestCore(t, func(o *Options) {
		o.ProvenanceMode = config.ProvenanceNone
	})

	// With labelling off the sensitive value carries no taint, so the
	// exfiltration policy has nothing to match on.
	res := core.Execute(context.Background(), testSession(), `
const v = api.custom.vault.getSensitive({key: "api-key"});
api.custom.external.exfiltrate({data: v.secret});`, nil)
	require.Equal(t, StatusCompleted, res.Status)
}

func TestExecuteWith_ProvenanceNoneOverrideHoldsAcrossResume(t *testing.T) {
	core, _ := newTestCore(t, nil)
	session := testSession()

	res := core.ExecuteWith(context.Background(), session, `
const v = api.custom.vault.getSensitive({key: "api-key"});
const answer = atp.llm.call(v.secret);
api.custom.external.exfiltrate({data: answer});`, nil,
		&Overrides{Provenance: config.ProvenanceNone})
	require.Equal(t, StatusPaused, res.Status)

	final, err := core.Resume(context.Background(), session, res.ExecutionID,
		json.RawMessage(`"reply"`))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
}

func TestResume_ClientErrorEndsExecution(t *testing.T) {
	core, _ := newTestCore(t, nil)
	session := testSession()

	res := core.Execute(context.Background(), session, `atp.llm.call("q");`, nil)
	require.Equal(t, StatusPaused, res.Status)

	final, err := core.Resume(context.Background(), session, res.ExecutionID,
		json.RawMessage(`{"__error": true, "message": "no llm provider"}`))
	require.NoError(t, err)
	require.Equal(t, StatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Equal(t, CodeServiceNotProvided, final.Error.Code)
	assert.Contains(t, final.Error.Message, "no llm provider")

	// The failure is terminal: the paused record is gone.
	_, err = core.Resume(context.Background(), session, res.ExecutionID, json.RawMessage(`"retry"`))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExecute_TopLevelAwait(t *testing.T) {
	core, _ := newTestCore(t, nil)
	session := testSession()

	res := core.Execute(context.Background(), session, `
const answer = await atp.llm.call("q");
atp.log("got", answer);`, nil)
	require.Equal(t, StatusPaused, res.Status)

	final, err := core.Resume(context.Background(), session, res.ExecutionID, json.RawMessage(`"done"`))
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, final.Status)
	require.Len(t, final.Logs, 1)
	assert.Equal(t, "got done", final.Logs[0])
}
