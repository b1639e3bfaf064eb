package mcpserver_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unicitynetwork/unicity-orchestrator-sub000/backend"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/catalog"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/catalog/memstore"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/dispatch"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/embedding"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/ids"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/mcpserver"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/namespace"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/rules"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/selector"
)

type fixedModel struct{ vec []float32 }

func (f fixedModel) EmbedText(context.Context, string) ([]float32, error) { return f.vec, nil }
func (f fixedModel) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vec
	}
	return out, nil
}

type staticRules struct{ rules []rules.Rule }

func (s staticRules) ActiveRules(context.Context) ([]rules.Rule, error) { return s.rules, nil }

type fakeCaller struct{ resp backend.CallResponse }

func (f *fakeCaller) Initialize(context.Context) (backend.InitializeResult, error) {
	return backend.InitializeResult{}, nil
}
func (f *fakeCaller) ListTools(context.Context) ([]backend.ToolDescriptor, error) { return nil, nil }
func (f *fakeCaller) ListPrompts(context.Context, string) (backend.PromptPage, error) {
	return backend.PromptPage{}, nil
}
func (f *fakeCaller) ListResources(context.Context, string) (backend.ResourcePage, error) {
	return backend.ResourcePage{}, nil
}
func (f *fakeCaller) ListResourceTemplates(context.Context, string) (backend.ResourceTemplatePage, error) {
	return backend.ResourceTemplatePage{}, nil
}
func (f *fakeCaller) GetPrompt(context.Context, string, map[string]string) (backend.PromptResult, error) {
	return backend.PromptResult{}, nil
}
func (f *fakeCaller) ReadResource(context.Context, string) (backend.ResourceContents, error) {
	return backend.ResourceContents{}, nil
}
func (f *fakeCaller) CallTool(ctx context.Context, req backend.CallRequest) (backend.CallResponse, error) {
	return f.resp, nil
}
func (f *fakeCaller) CreateElicitation(context.Context, backend.ElicitationRequest) (backend.ElicitationResponse, error) {
	return backend.ElicitationResponse{}, nil
}
func (f *fakeCaller) Close() error { return nil }

func setup(t *testing.T) (*mcpserver.Server, catalog.Store, *catalog.Tool, context.Context) {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.EnsureSchema(ctx))

	svc, err := store.UpsertService(ctx, catalog.ServiceCreate{Name: "fs", DiscoveryOrigin: "cfg:fs"})
	require.NoError(t, err)
	tool, err := store.UpsertTool(ctx, catalog.ToolCreate{ServiceID: svc.ID, Name: "read_file", Description: "reads a file"})
	require.NoError(t, err)

	emb := embedding.NewManager(fixedModel{vec: []float32{1, 0, 0}}, store, embedding.Config{ModelName: "test"})
	stored, err := emb.StoreEmbedding(ctx, []float32{1, 0, 0}, "tool", "hash-read-file")
	require.NoError(t, err)
	require.NoError(t, store.SetToolEmbedding(ctx, tool.ID, stored.ID))

	sel := &selector.Selector{Store: store, Embedder: emb, Rules: staticRules{}}

	registry := backend.NewRegistry()
	registry.Register(svc.ID, &fakeCaller{resp: backend.CallResponse{Result: json.RawMessage(`{"ok":true}`)}})
	disp := dispatch.NewDispatcher(store, registry)

	srv := &mcpserver.Server{
		Store:      store,
		Selector:   sel,
		Dispatcher: disp,
		Prompts:    namespace.NewPromptRegistry(),
		Resources:  namespace.NewResourceRegistry(),
	}
	return srv, store, tool, ctx
}

func TestSelectToolReturnsEmbeddingFallback(t *testing.T) {
	srv, _, _, ctx := setup(t)

	result, err := srv.SelectTool(ctx, "read a file", nil, nil)
	require.NoError(t, err)
	require.False(t, result.NoMatch)
	require.Len(t, result.Selections, 1)
	assert.Equal(t, ids.ToolName("read_file"), result.Selections[0].ToolName)
}

func TestSelectToolReportsNoMatchWhenNothingNarrows(t *testing.T) {
	srv, _, _, ctx := setup(t)
	srv.Selector.Embedder = embedding.NewManager(fixedModel{vec: []float32{0, 1, 0}}, srv.Store, embedding.Config{ModelName: "test"})

	result, err := srv.SelectTool(ctx, "send an email", nil, nil)
	require.NoError(t, err)
	assert.True(t, result.NoMatch)
	assert.Empty(t, result.Selections)
}

func TestPlanToolsSynthesizesReasoningFromSteps(t *testing.T) {
	srv, _, _, ctx := setup(t)

	result, err := srv.PlanTools(ctx, "read a file", nil, nil, rules.Constraints{})
	require.NoError(t, err)
	assert.Contains(t, result.Reasoning, "read a file")
}

func TestExecuteToolDelegatesToDispatcher(t *testing.T) {
	srv, _, tool, ctx := setup(t)

	result, err := srv.ExecuteTool(ctx, "session-1", tool.ID, tool.ServiceID, ids.UserId("user-1"), json.RawMessage(`{}`), nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result.Content))
	assert.False(t, result.IsError)
}

func TestDebugListToolsCountsTrustedAndBlocked(t *testing.T) {
	srv, _, _, ctx := setup(t)

	prefs := &catalog.UserPreferences{
		UserID:          ids.UserId("user-1"),
		TrustedServices: map[ids.ServiceId]struct{}{},
		BlockedServices: map[ids.ServiceId]struct{}{},
	}
	result, err := srv.DebugListTools(ctx, nil, true, prefs, 0, 10)
	require.NoError(t, err)
	require.Len(t, result.Tools, 1)
	assert.Equal(t, 0, result.BlockedCount)
	assert.Equal(t, 0, result.TrustedCount)
	assert.Empty(t, result.NextCursor)
}

func TestDebugListToolsPaginates(t *testing.T) {
	srv, store, _, ctx := setup(t)
	svc, err := store.UpsertService(ctx, catalog.ServiceCreate{Name: "mail", DiscoveryOrigin: "cfg:mail"})
	require.NoError(t, err)
	_, err = store.UpsertTool(ctx, catalog.ToolCreate{ServiceID: svc.ID, Name: "send_email", Description: "sends mail"})
	require.NoError(t, err)

	first, err := srv.DebugListTools(ctx, nil, true, nil, 0, 1)
	require.NoError(t, err)
	require.Len(t, first.Tools, 1)
	require.NotEmpty(t, first.NextCursor)

	second, err := srv.DebugListTools(ctx, nil, true, nil, 1, 1)
	require.NoError(t, err)
	require.Len(t, second.Tools, 1)
	assert.Empty(t, second.NextCursor)
	assert.NotEqual(t, first.Tools[0].ID, second.Tools[0].ID)
}

func TestResolvePromptAndResourceDelegateToNamespaceRegistries(t *testing.T) {
	srv, _, _, _ := setup(t)
	srv.Prompts.Register(namespace.DiscoveredPrompt{Name: "greet", ServiceID: ids.ServiceId("fs"), ServiceName: "fs"})
	require.NoError(t, srv.Resources.Register(namespace.DiscoveredResource{URI: "file:///a", Name: "a", ServiceID: ids.ServiceId("fs"), ServiceName: "fs"}))

	svcID, name, ok := srv.ResolvePrompt("greet")
	require.True(t, ok)
	assert.Equal(t, ids.ServiceId("fs"), svcID)
	assert.Equal(t, "greet", name)

	svcID, uri, ok := srv.ResolveResource("a")
	require.True(t, ok)
	assert.Equal(t, ids.ServiceId("fs"), svcID)
	assert.Equal(t, "file:///a", uri)
}
