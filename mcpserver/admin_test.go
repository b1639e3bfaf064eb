package mcpserver_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unicitynetwork/unicity-orchestrator-sub000/backend"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/catalog"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/catalog/memstore"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/discovery"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/embedding"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/graph"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/ids"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/mcpserver"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/namespace"
)

type fakeDiscoveredCaller struct{}

func (f *fakeDiscoveredCaller) Initialize(context.Context) (backend.InitializeResult, error) {
	return backend.InitializeResult{ServerName: "fs-server"}, nil
}
func (f *fakeDiscoveredCaller) ListTools(context.Context) ([]backend.ToolDescriptor, error) {
	return []backend.ToolDescriptor{{Name: "read_file", Description: "reads a file"}}, nil
}
func (f *fakeDiscoveredCaller) ListPrompts(context.Context, string) (backend.PromptPage, error) {
	return backend.PromptPage{}, nil
}
func (f *fakeDiscoveredCaller) ListResources(context.Context, string) (backend.ResourcePage, error) {
	return backend.ResourcePage{}, nil
}
func (f *fakeDiscoveredCaller) ListResourceTemplates(context.Context, string) (backend.ResourceTemplatePage, error) {
	return backend.ResourceTemplatePage{}, nil
}
func (f *fakeDiscoveredCaller) GetPrompt(context.Context, string, map[string]string) (backend.PromptResult, error) {
	return backend.PromptResult{}, nil
}
func (f *fakeDiscoveredCaller) ReadResource(context.Context, string) (backend.ResourceContents, error) {
	return backend.ResourceContents{}, nil
}
func (f *fakeDiscoveredCaller) CallTool(context.Context, backend.CallRequest) (backend.CallResponse, error) {
	return backend.CallResponse{}, nil
}
func (f *fakeDiscoveredCaller) CreateElicitation(context.Context, backend.ElicitationRequest) (backend.ElicitationResponse, error) {
	return backend.ElicitationResponse{}, nil
}
func (f *fakeDiscoveredCaller) Close() error { return nil }

type fakeBackendSource struct{ decls []discovery.BackendDecl }

func (s fakeBackendSource) ListBackends(context.Context) ([]discovery.BackendDecl, error) {
	return s.decls, nil
}

func TestAdminHealthReportsOK(t *testing.T) {
	srv, _, _, _ := setup(t)
	admin := &mcpserver.AdminServer{Server: srv}
	mux := http.NewServeMux()
	admin.Routes(mux)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestAdminQueryCoercesParamsAndSelects(t *testing.T) {
	srv, _, _, _ := setup(t)
	admin := &mcpserver.AdminServer{Server: srv}
	mux := http.NewServeMux()
	admin.Routes(mux)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/query?q=read+a+file&urgent=true", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var result mcpserver.SelectToolResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
	require.Len(t, result.Selections, 1)
	assert.Equal(t, ids.ToolName("read_file"), result.Selections[0].ToolName)
}

func TestAdminDiscoverRunsPipelineAndReportsCount(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.EnsureSchema(ctx))

	registry := backend.NewRegistry()
	embedder := embedding.NewManager(fixedModel{vec: []float32{1, 0, 0}}, store, embedding.Config{})
	pipeline := discovery.NewPipeline(
		fakeBackendSource{decls: []discovery.BackendDecl{
			{Name: "fs", Enabled: true, Stdio: &backend.StdioOptions{Command: "fs-server"}},
		}},
		store, registry, embedder, graph.New(), namespace.NewPromptRegistry(), namespace.NewResourceRegistry(),
	)
	pipeline.OpenStdio = func(ctx context.Context, opts backend.StdioOptions) (backend.Caller, error) {
		return &fakeDiscoveredCaller{}, nil
	}

	admin := &mcpserver.AdminServer{Server: &mcpserver.Server{Store: store}, Pipeline: pipeline}
	mux := http.NewServeMux()
	admin.Routes(mux)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/discover", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["toolCount"])
}

func TestAdminAuditListsEntriesForUser(t *testing.T) {
	srv, store, _, ctx := setup(t)
	userID := ids.UserId("user-1")
	require.NoError(t, store.AppendAudit(ctx, catalog.AuditLog{UserID: &userID, Action: "tool_execution_denied"}))
	require.NoError(t, store.AppendAudit(ctx, catalog.AuditLog{Action: "unauthenticated"}))

	admin := &mcpserver.AdminServer{Server: srv}
	mux := http.NewServeMux()
	admin.Routes(mux)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/audit?user=user-1", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var page catalog.AuditPage
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &page))
	require.Len(t, page.Entries, 1)
	assert.Equal(t, "tool_execution_denied", page.Entries[0].Action)
}
