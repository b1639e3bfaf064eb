package discovery_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unicitynetwork/unicity-orchestrator-sub000/backend"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/catalog/memstore"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/discovery"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/embedding"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/graph"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/ids"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/namespace"
)

type fakeSource struct{ decls []discovery.BackendDecl }

func (s fakeSource) ListBackends(context.Context) ([]discovery.BackendDecl, error) { return s.decls, nil }

// overlapSource records the largest number of ListBackends calls in flight
// at once.
type overlapSource struct{ inFlight, maxInFlight int32 }

func (s *overlapSource) ListBackends(context.Context) ([]discovery.BackendDecl, error) {
	n := atomic.AddInt32(&s.inFlight, 1)
	for m := atomic.LoadInt32(&s.maxInFlight); n > m && !atomic.CompareAndSwapInt32(&s.maxInFlight, m, n); m = atomic.LoadInt32(&s.maxInFlight) {
	}
	time.Sleep(20 * time.Millisecond)
	atomic.AddInt32(&s.inFlight, -1)
	return nil, nil
}

type fakeCaller struct{}

func (f *fakeCaller) Initialize(context.Context) (backend.InitializeResult, error) {
	return backend.InitializeResult{ServerName: "fs-server", ServerVersion: "1.0"}, nil
}
func (f *fakeCaller) ListTools(context.Context) ([]backend.ToolDescriptor, error) {
	return []backend.ToolDescriptor{
		{Name: "read_file", Description: "reads a file", InputSchema: map[string]any{"type": "object"}},
	}, nil
}
func (f *fakeCaller) ListPrompts(context.Context, string) (backend.PromptPage, error) {
	return backend.PromptPage{Prompts: []backend.PromptDescriptor{{Name: "commit", Description: "commit message"}}}, nil
}
func (f *fakeCaller) ListResources(context.Context, string) (backend.ResourcePage, error) {
	return backend.ResourcePage{Resources: []backend.ResourceDescriptor{{URI: "file:///report.csv", Name: "report"}}}, nil
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
func (f *fakeCaller) CallTool(context.Context, backend.CallRequest) (backend.CallResponse, error) {
	return backend.CallResponse{}, nil
}
func (f *fakeCaller) CreateElicitation(context.Context, backend.ElicitationRequest) (backend.ElicitationResponse, error) {
	return backend.ElicitationResponse{}, nil
}
func (f *fakeCaller) Close() error { return nil }

type fixedEmbedModel struct{}

func (fixedEmbedModel) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}
func (fixedEmbedModel) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func TestDiscoverPopulatesStoreAndRegistries(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.EnsureSchema(ctx))

	registry := backend.NewRegistry()
	g := graph.New()
	prompts := namespace.NewPromptRegistry()
	resources := namespace.NewResourceRegistry()
	embedder := embedding.NewManager(fixedEmbedModel{}, store, embedding.Config{})

	pipeline := discovery.NewPipeline(
		fakeSource{decls: []discovery.BackendDecl{
			{Name: "fs", Enabled: true, Stdio: &backend.StdioOptions{Command: "fs-server"}},
			{Name: "disabled", Enabled: false, Stdio: &backend.StdioOptions{Command: "nope"}},
		}},
		store, registry, embedder, g, prompts, resources,
	)
	pipeline.OpenStdio = func(ctx context.Context, opts backend.StdioOptions) (backend.Caller, error) {
		return &fakeCaller{}, nil
	}

	require.NoError(t, pipeline.Discover(ctx))

	services, err := store.ListServices(ctx)
	require.NoError(t, err)
	require.Len(t, services, 1)
	assert.Equal(t, ids.ServiceName("fs"), services[0].Name)

	tools, err := store.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.NotNil(t, tools[0].InputType)
	assert.NotNil(t, tools[0].EmbeddingID)

	_, _, ok := prompts.Resolve("commit")
	assert.True(t, ok)
	_, _, ok = resources.Resolve("file:///report.csv")
	assert.True(t, ok)

	_, ok = g.Node(graph.ServiceNodeID("fs"))
	assert.True(t, ok)
	_, ok = g.Node(graph.ToolNodeID("read_file"))
	assert.True(t, ok)

	_, found := registry.Get(services[0].ID)
	assert.True(t, found)
}

func TestDiscoverIsSerializedWithItself(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.EnsureSchema(ctx))
	registry := backend.NewRegistry()
	g := graph.New()
	embedder := embedding.NewManager(fixedEmbedModel{}, store, embedding.Config{})

	src := &overlapSource{}
	pipeline := discovery.NewPipeline(src, store, registry, embedder, g, namespace.NewPromptRegistry(), namespace.NewResourceRegistry())

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { done <- pipeline.Discover(ctx) }()
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, <-done)
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&src.maxInFlight))
}
