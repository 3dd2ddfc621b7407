package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serverTool(group, name, description string, scopes ...string) *Tool {
	return &Tool{
		Descriptor: Descriptor{
			Name:        name,
			GroupPath:   group,
			Description: description,
			InputSchema: ObjectSchema(map[string]any{
				"id": map[string]any{"type": "string"},
			}, "id"),
			Metadata: Metadata{RequiredScopes: scopes, Source: OriginServer},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return nil, nil
		},
	}
}

func TestCatalog_RegisterAndGet(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.Register(serverTool("custom/vault", "getSensitive", "read a secret")))

	tool, ok := c.Get("custom/vault", "getSensitive")
	require.True(t, ok)
	assert.Equal(t, "custom.vault.getSensitive", tool.FullName())

	_, ok = c.Get("custom/vault", "missing")
	assert.False(t, ok)
	_, ok = c.Get("missing", "getSensitive")
	assert.False(t, ok)
}

func TestCatalog_RejectsDuplicatesAndBadPaths(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.Register(serverTool("custom/vault", "getSensitive", "")))
	assert.Error(t, c.Register(serverTool("custom/vault", "getSensitive", "")))
	assert.Error(t, c.Register(serverTool("/custom", "x", "")))
	assert.Error(t, c.Register(serverTool("custom", "", "")))
}

func TestCatalog_WithSessionDoesNotMutateBase(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.Register(serverTool("custom/vault", "getSensitive", "")))

	session := &Tool{
		Descriptor: Descriptor{
			Name:      "notify",
			GroupPath: "mcp/local",
			Metadata:  Metadata{Source: OriginUser},
		},
	}
	view, err := c.WithSession([]*Tool{session})
	require.NoError(t, err)

	_, ok := view.Get("mcp/local", "notify")
	assert.True(t, ok)
	_, ok = c.Get("mcp/local", "notify")
	assert.False(t, ok, "session tools must not leak into the base catalog")

	got, ok := view.Get("mcp/local", "notify")
	require.True(t, ok)
	assert.True(t, got.ClientResident())
}

func TestGroup_ClientResident(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.Register(&Tool{
		Descriptor: Descriptor{Name: "a", GroupPath: "mcp/local", Metadata: Metadata{Source: OriginUser}},
	}))
	g, ok := c.Group("mcp/local")
	require.True(t, ok)
	assert.True(t, g.ClientResident())

	require.NoError(t, c.Register(serverTool("mcp/local", "b", "")))
	assert.False(t, g.ClientResident())
}

func TestSearch_RankingAndScopes(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.RegisterAll([]*Tool{
		serverTool("openapi/github", "getUser", "Fetch a GitHub user profile"),
		serverTool("openapi/github", "listRepos", "List repositories for a user"),
		serverTool("custom/admin", "deleteUser", "Remove a user account", "admin:write"),
	}))

	results := c.Search(SearchQuery{Text: "user"})
	require.NotEmpty(t, results)
	for _, r := range results {
		assert.Greater(t, r.Score, 0.0)
	}
	// Exact-ish name matches outrank description-only matches.
	assert.Equal(t, "getUser", results[0].Tool.Name)

	// Without credentials, scope-requiring tools are filtered out.
	filtered := c.Search(SearchQuery{Text: "user", Filter: &ScopeFilter{}})
	for _, r := range filtered {
		assert.Empty(t, r.Tool.Metadata.RequiredScopes)
	}

	granted := c.Search(SearchQuery{Text: "user", Filter: &ScopeFilter{Scopes: []string{"admin:write"}}})
	names := make([]string, 0, len(granted))
	for _, r := range granted {
		names = append(names, r.Tool.Name)
	}
	assert.Contains(t, names, "deleteUser")
}

func TestSearch_MaxResultsAndEmptyQuery(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.RegisterAll(BuiltinTools()))

	assert.Nil(t, c.Search(SearchQuery{Text: "   "}))

	results := c.Search(SearchQuery{Text: "user", MaxResults: 1})
	assert.Len(t, results, 1)
}

func TestExplore_RootListsAllKinds(t *testing.T) {
	c := NewCatalog()
	listing, err := c.Explore("/")
	require.NoError(t, err)
	require.True(t, listing.Directory)

	names := make([]string, 0, len(listing.Items))
	for _, e := range listing.Items {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"custom", "mcp", "openapi"}, names)
}

func TestExplore_VerbPrefixedFunctionSitsUnderGroup(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.RegisterAll(BuiltinTools()))

	listing, err := c.Explore("/openapi/github")
	require.NoError(t, err)
	require.True(t, listing.Directory)

	names := make([]string, 0, len(listing.Items))
	for _, e := range listing.Items {
		names = append(names, e.Name)
		assert.Equal(t, EntryFunction, e.Type)
	}
	assert.Equal(t, []string{"getUser", "listRepos"}, names)

	fn, err := c.Explore("/openapi/github/getUser")
	require.NoError(t, err)
	assert.False(t, fn.Directory)
	require.NotNil(t, fn.Function)
	assert.Equal(t, "getUser", fn.Function.Name)
	assert.Contains(t, fn.Definition, "function getUser(username: string)")
}

func TestExplore_SegmentedNames(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.Register(serverTool("openapi/github", "reposListCommits", "")))
	require.NoError(t, c.Register(serverTool("openapi/github", "issues_create_comment", "")))

	listing, err := c.Explore("/openapi/github")
	require.NoError(t, err)
	var dirs []string
	for _, e := range listing.Items {
		if e.Type == EntryDirectory {
			dirs = append(dirs, e.Name)
		}
	}
	assert.Equal(t, []string{"issues", "repos"}, dirs)

	repos, err := c.Explore("/openapi/github/repos")
	require.NoError(t, err)
	require.Len(t, repos.Items, 1)
	assert.Equal(t, "ListCommits", repos.Items[0].Name)

	issues, err := c.Explore("/openapi/github/issues")
	require.NoError(t, err)
	require.Len(t, issues.Items, 1)
	assert.Equal(t, "create_comment", issues.Items[0].Name)
}

func TestExplore_NotFound(t *testing.T) {
	c := NewCatalog()
	_, err := c.Explore("/openapi/nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.Explore("/bogus")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRenderSurface(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.RegisterAll(BuiltinTools()))

	out := RenderSurface(c, nil)
	assert.Contains(t, out, "declare namespace atp")
	assert.Contains(t, out, "namespace llm {")
	assert.Contains(t, out, "function call(prompt: string, options?: LLMOptions): any;")
	assert.Contains(t, out, "function request(message: string, details?: object): boolean;")
	assert.Contains(t, out, "function has(key: string): boolean;")
	assert.Contains(t, out, "declare namespace api")
	assert.Contains(t, out, "namespace openapi {")
	assert.Contains(t, out, "namespace github {")
	assert.Contains(t, out, "function getUser(username: string)")
	assert.Contains(t, out, "{ login: string; name?: string }")
}

func TestRenderSurface_ScopeFiltered(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.Register(serverTool("custom/admin", "deleteUser", "", "admin:write")))
	require.NoError(t, c.Register(serverTool("custom/public", "getStatus", "")))

	out := RenderSurface(c, &ScopeFilter{})
	assert.NotContains(t, out, "deleteUser")
	assert.Contains(t, out, "getStatus")
}
