package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atp-project/atp/pkg/auth"
	"github.com/atp-project/atp/pkg/cache"
	"github.com/atp-project/atp/pkg/config"
	"github.com/atp-project/atp/pkg/executor"
	"github.com/atp-project/atp/pkg/pausestate"
	"github.com/atp-project/atp/pkg/policy"
	"github.com/atp-project/atp/pkg/provenance"
	"github.com/atp-project/atp/pkg/tools"
)

type fixture struct {
	ts       *httptest.Server
	clientID string
	token    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mem := cache.NewMemory()
	t.Cleanup(func() { _ = mem.Close() })

	cfg := config.Default()
	cfg.Auth.Secret = "server-test-secret-0123456789"
	cfg.Execution.Timeout = 5 * time.Second
	cfg.Provenance.Mode = config.ProvenanceAST

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	issuer, err := auth.NewTokenIssuer([]byte(cfg.Auth.Secret), cfg.Auth.TokenTTL, cfg.Auth.RotateAfter)
	require.NoError(t, err)
	authSvc := auth.NewService(issuer, mem, cfg.Auth.SessionTTL, logger)

	catalog := tools.NewCatalog()
	require.NoError(t, catalog.RegisterAll(tools.BuiltinTools()))

	core := executor.New(executor.Options{
		Catalog:        catalog,
		Store:          pausestate.NewStore(mem, cfg.Execution.StateTTL, cfg.Execution.MaxPauseDuration, logger),
		Cache:          mem,
		Policies:       policy.NewEngine(policy.Exfiltration(cfg.Provenance.ExternalGroups)),
		Provenance:     provenance.NewRegistry(),
		Logger:         logger,
		Execution:      cfg.Execution,
		ProvenanceMode: cfg.Provenance.Mode,
		CacheTTL:       cfg.Cache.DefaultTTL,
	})

	srv := New(Options{
		Config:  cfg,
		Auth:    authSvc,
		Core:    core,
		Catalog: catalog,
		Logger:  logger,
		Version: "test",
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	f := &fixture{ts: ts}
	f.init(t, nil)
	return f
}

// init provisions a client and stores its credentials on the fixture.
func (f *fixture) init(t *testing.T, body any) {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	resp, err := http.Post(f.ts.URL+"/api/init", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result auth.InitResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.NotEmpty(t, result.ClientID)
	require.NotEmpty(t, result.Token)
	f.clientID = result.ClientID
	f.token = result.Token
}

func (f *fixture) request(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.token)
	req.Header.Set(auth.HeaderClientID, f.clientID)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeResult(t *testing.T, resp *http.Response) *executor.Result {
	t.Helper()
	defer resp.Body.Close()
	var res executor.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	return &res
}

func TestServer_Health(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_Unauthorized(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.ts.URL + "/api/info")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_Info(t *testing.T) {
	f := newFixture(t)

	resp := f.request(t, http.MethodGet, "/api/info", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var info map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, "atp", info["name"])
	assert.Equal(t, "test", info["version"])
	assert.Contains(t, info["groups"], "openapi/github")
}

func TestServer_Definitions(t *testing.T) {
	f := newFixture(t)

	resp := f.request(t, http.MethodGet, "/api/definitions", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var defs struct {
		TypescriptLike string   `json:"typescriptLike"`
		APIGroups      []string `json:"apiGroups"`
		Guidance       string   `json:"guidance"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&defs))
	assert.Contains(t, defs.TypescriptLike, "declare namespace atp")
	assert.Contains(t, defs.TypescriptLike, "namespace openapi")
	assert.Contains(t, defs.TypescriptLike, "function getUser(")
	assert.Contains(t, defs.APIGroups, "openapi/github")
	assert.Empty(t, defs.Guidance)
}

func TestServer_DefinitionsEchoGuidance(t *testing.T) {
	f := newFixture(t)
	f.init(t, auth.InitRequest{
		ClientInfo: map[string]any{"name": "cli", "version": "1.0"},
		Guidance:   "prefer cached answers",
	})

	resp := f.request(t, http.MethodGet, "/api/definitions", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var defs struct {
		Guidance string `json:"guidance"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&defs))
	assert.Equal(t, "prefer cached answers", defs.Guidance)
}

func TestServer_Search(t *testing.T) {
	f := newFixture(t)

	resp := f.request(t, http.MethodPost, "/api/search", searchRequest{Query: "github user"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Results []tools.SearchResult `json:"results"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.Results)
	assert.Equal(t, "getUser", out.Results[0].Tool.Name)
}

func TestServer_Explore(t *testing.T) {
	f := newFixture(t)

	resp := f.request(t, http.MethodPost, "/api/explore", exploreRequest{Path: "/openapi/github"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listing tools.Listing
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	assert.True(t, listing.Directory)
	require.Len(t, listing.Items, 2)

	notFound := f.request(t, http.MethodPost, "/api/explore", exploreRequest{Path: "/no/such"})
	defer notFound.Body.Close()
	assert.Equal(t, http.StatusNotFound, notFound.StatusCode)
}

func TestServer_ExecuteCompleted(t *testing.T) {
	f := newFixture(t)

	resp := f.request(t, http.MethodPost, "/api/execute", executeRequest{Code: `1 + 2;`})
	res := decodeResult(t, resp)
	assert.Equal(t, executor.StatusCompleted, res.Status)
	assert.EqualValues(t, 3, res.Value)
}

func TestServer_ExecuteRequiresCode(t *testing.T) {
	f := newFixture(t)

	resp := f.request(t, http.MethodPost, "/api/execute", executeRequest{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_ExecutePerRequestConfig(t *testing.T) {
	f := newFixture(t)

	resp := f.request(t, http.MethodPost, "/api/execute", executeRequest{
		Code:   `Promise.all([atp.llm.call("a"), atp.llm.call("b")]);`,
		Config: &executor.Overrides{MaxLLMCalls: 1},
	})
	res := decodeResult(t, resp)
	assert.Equal(t, executor.StatusLLMCallsExceeded, res.Status)
}

func TestServer_ExecutePauseAndResume(t *testing.T) {
	f := newFixture(t)

	resp := f.request(t, http.MethodPost, "/api/execute",
		executeRequest{Code: `const a = atp.llm.call("q"); a;`})
	res := decodeResult(t, resp)
	require.Equal(t, executor.StatusPaused, res.Status)
	require.NotNil(t, res.Pending)
	assert.Equal(t, pausestate.CallbackLLM, res.Pending.Kind)

	resumed := f.request(t, http.MethodPost, "/api/resume/"+res.ExecutionID,
		resumeRequest{Result: json.RawMessage(`"answer"`)})
	final := decodeResult(t, resumed)
	assert.Equal(t, executor.StatusCompleted, final.Status)
	assert.Equal(t, "answer", final.Value)
}

func TestServer_ResumeBatchResults(t *testing.T) {
	f := newFixture(t)

	resp := f.request(t, http.MethodPost, "/api/execute",
		executeRequest{Code: `const rs = Promise.all([atp.llm.call("a"), atp.llm.call("b")]); rs;`})
	res := decodeResult(t, resp)
	require.Equal(t, executor.StatusPaused, res.Status)
	require.NotNil(t, res.Pending)
	require.Equal(t, pausestate.CallbackBatch, res.Pending.Kind)
	require.Len(t, res.Pending.Batch, 2)

	// Entries may come back in any order; ids restore the request order.
	resumed := f.request(t, http.MethodPost, "/api/resume/"+res.ExecutionID,
		resumeRequest{Results: []batchResultEntry{
			{ID: 1, Result: json.RawMessage(`"B"`)},
			{ID: 0, Result: json.RawMessage(`"A"`)},
		}})
	final := decodeResult(t, resumed)
	require.Equal(t, executor.StatusCompleted, final.Status)
	assert.Equal(t, []any{"A", "B"}, final.Value)
}

func TestServer_ResumeNotFound(t *testing.T) {
	f := newFixture(t)

	resp := f.request(t, http.MethodPost, "/api/resume/missing",
		resumeRequest{Result: json.RawMessage(`"x"`)})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_ResumeWrongOwner(t *testing.T) {
	f := newFixture(t)

	resp := f.request(t, http.MethodPost, "/api/execute",
		executeRequest{Code: `atp.llm.call("q");`})
	res := decodeResult(t, resp)
	require.Equal(t, executor.StatusPaused, res.Status)

	// A second client must not be able to resume the first client's run.
	f.init(t, nil)
	forbidden := f.request(t, http.MethodPost, "/api/resume/"+res.ExecutionID,
		resumeRequest{Result: json.RawMessage(`"x"`)})
	defer forbidden.Body.Close()
	assert.Equal(t, http.StatusForbidden, forbidden.StatusCode)
}

func TestServer_InitWithClientTools(t *testing.T) {
	f := newFixture(t)
	f.init(t, auth.InitRequest{
		Tools: []tools.Descriptor{{
			Name:        "notify",
			GroupPath:   "local",
			Description: "Show a notification.",
		}},
	})

	resp := f.request(t, http.MethodPost, "/api/execute",
		executeRequest{Code: `api.local.notify({message: "hi"});`})
	res := decodeResult(t, resp)
	require.Equal(t, executor.StatusPaused, res.Status)
	require.NotNil(t, res.Pending)
	assert.Equal(t, pausestate.CallbackTool, res.Pending.Kind)
	assert.Equal(t, "local.notify", res.Pending.Operation)
}

func TestServer_ExecuteStream(t *testing.T) {
	f := newFixture(t)

	resp := f.request(t, http.MethodPost, "/api/execute-stream",
		executeRequest{Code: `"streamed";`})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	var events []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		require.NoError(t, json.Unmarshal([]byte(line), &event))
		events = append(events, event.Event)
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, []string{"start", "result"}, events)
}

func TestServer_ExecuteStreamEmitsError(t *testing.T) {
	f := newFixture(t)

	resp := f.request(t, http.MethodPost, "/api/execute-stream",
		executeRequest{Code: `undefinedThing + 1;`})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var events []string
	var errData json.RawMessage
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		require.NoError(t, json.Unmarshal([]byte(line), &event))
		events = append(events, event.Event)
		if event.Event == "error" {
			errData = event.Data
		}
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, []string{"start", "error", "result"}, events)

	var execErr executor.ExecutionError
	require.NoError(t, json.Unmarshal(errData, &execErr))
	assert.Equal(t, executor.CodeReferenceError, execErr.Code)
}

func TestServer_InitReturnsRotateAt(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Post(f.ts.URL+"/api/init", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result auth.InitResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.False(t, result.RotateAt.IsZero())
	assert.True(t, result.RotateAt.Before(result.ExpiresAt))
}

func TestServer_EveryResponseRotatesToken(t *testing.T) {
	f := newFixture(t)

	resp := f.request(t, http.MethodGet, "/api/info", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	rotated := resp.Header.Get(auth.HeaderToken)
	require.NotEmpty(t, rotated)
	assert.NotEqual(t, f.token, rotated)

	// The replacement works immediately.
	f.token = rotated
	again := f.request(t, http.MethodGet, "/api/info", nil)
	defer again.Body.Close()
	assert.Equal(t, http.StatusOK, again.StatusCode)
}

func TestServer_Metrics(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
