// Package discovery implements the discovery pipeline of spec §4.F:
// opening a handle to each configured backend, registering its tools,
// prompts, and resources, and then normalizing types, refreshing
// embeddings, and rebuilding the knowledge graph from the store.
package discovery

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"

	"github.com/unicitynetwork/unicity-orchestrator-sub000/backend"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/catalog"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/embedding"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/graph"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/ids"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/namespace"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/schema"
)

var tracer = otel.Tracer("unicity-orchestrator/discovery")

// BackendDecl is one declared backend, read from the external mcp.json-style
// configuration (spec §6).
type BackendDecl struct {
	Name    ids.ServiceName
	Enabled bool

	// Exactly one of Stdio/HTTP should be populated, selecting the caller
	// the pipeline opens for this backend.
	Stdio *backend.StdioOptions
	HTTP  *backend.HTTPOptions
}

// BackendSource supplies the set of declared backends (spec §4.F step 1),
// an external collaborator the pipeline does not own.
type BackendSource interface {
	ListBackends(ctx context.Context) ([]BackendDecl, error)
}

// Pipeline wires the catalog, backend registry, embedding manager, and
// knowledge graph together to implement Discover.
type Pipeline struct {
	Backends  BackendSource
	Store     catalog.Store
	Registry  *backend.Registry
	Embedder  *embedding.Manager
	Graph     *graph.Graph
	Prompts   *namespace.PromptRegistry
	Resources *namespace.ResourceRegistry

	// OpenStdio and OpenHTTP construct a live Caller for a declared backend.
	// Exposed as fields (not hardcoded constructors) so tests can substitute
	// fakes without spawning real subprocesses or HTTP servers.
	OpenStdio func(ctx context.Context, opts backend.StdioOptions) (backend.Caller, error)
	OpenHTTP  func(ctx context.Context, opts backend.HTTPOptions) (backend.Caller, error)

	mu sync.Mutex // serializes Discover with itself (spec §5)
}

// NewPipeline constructs a Pipeline with the production stdio/HTTP openers.
func NewPipeline(backends BackendSource, store catalog.Store, registry *backend.Registry, embedder *embedding.Manager, g *graph.Graph, prompts *namespace.PromptRegistry, resources *namespace.ResourceRegistry) *Pipeline {
	return &Pipeline{
		Backends:  backends,
		Store:     store,
		Registry:  registry,
		Embedder:  embedder,
		Graph:     g,
		Prompts:   prompts,
		Resources: resources,
		OpenStdio: func(ctx context.Context, opts backend.StdioOptions) (backend.Caller, error) {
			return backend.NewStdioCaller(ctx, opts)
		},
		OpenHTTP: func(ctx context.Context, opts backend.HTTPOptions) (backend.Caller, error) {
			return backend.NewHTTPCaller(ctx, opts)
		},
	}
}

// Discover implements spec §4.F's discover(): at most one discovery runs at
// a time; concurrent request processing sees either the pre- or
// post-discovery snapshot (the registries and store are updated in place,
// never torn down mid-read).
func (p *Pipeline) Discover(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "discovery.discover", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	p.mu.Lock()
	defer p.mu.Unlock()

	decls, err := p.Backends.ListBackends(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list backends failed")
		return fmt.Errorf("discovery: list backends: %w", err)
	}

	p.Prompts.Clear()
	p.Resources.Clear()

	for _, decl := range decls {
		if !decl.Enabled {
			continue
		}
		if err := p.discoverBackend(ctx, decl); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "discover backend failed")
			log.Error(ctx, err, log.KV{K: "component", V: "discovery"}, log.KV{K: "backend", V: string(decl.Name)})
			return fmt.Errorf("discovery: backend %q: %w", decl.Name, err)
		}
	}

	if err := p.normalizeToolTypes(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "normalize tool types failed")
		return fmt.Errorf("discovery: normalize tool types: %w", err)
	}
	if _, err := p.Embedder.UpdateToolEmbeddings(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update tool embeddings failed")
		return fmt.Errorf("discovery: update tool embeddings: %w", err)
	}
	if err := p.rebuildGraph(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rebuild graph failed")
		return fmt.Errorf("discovery: rebuild graph: %w", err)
	}
	span.AddEvent("discovery.backends_discovered", trace.WithAttributes(attribute.Int("discovery.backend_count", len(decls))))
	log.Printf(ctx, "discovery: %d backends processed", len(decls))
	return nil
}

func (p *Pipeline) discoverBackend(ctx context.Context, decl BackendDecl) error {
	ctx, span := tracer.Start(ctx, "discovery.discover_backend",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("discovery.backend", string(decl.Name))),
	)
	defer span.End()

	caller, err := p.open(ctx, decl)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "open backend failed")
		return fmt.Errorf("open: %w", err)
	}

	info, err := caller.Initialize(ctx)
	if err != nil {
		_ = caller.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	svc, err := p.Store.UpsertService(ctx, catalog.ServiceCreate{
		Name:            decl.Name,
		Title:           info.ServerName,
		Version:         info.ServerVersion,
		DiscoveryOrigin: string(decl.Name),
	})
	if err != nil {
		_ = caller.Close()
		return fmt.Errorf("upsert service: %w", err)
	}

	p.Registry.Register(svc.ID, caller)

	tools, err := caller.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}
	for _, t := range tools {
		if _, err := p.Store.UpsertTool(ctx, catalog.ToolCreate{
			ServiceID:       svc.ID,
			Name:            ids.ToolName(t.Name),
			Description:     t.Description,
			RawInputSchema:  t.InputSchema,
			RawOutputSchema: t.OutputSchema,
		}); err != nil {
			return fmt.Errorf("upsert tool %q: %w", t.Name, err)
		}
	}

	if err := p.registerPrompts(ctx, caller, svc); err != nil {
		return fmt.Errorf("register prompts: %w", err)
	}
	if err := p.registerResources(ctx, caller, svc); err != nil {
		return fmt.Errorf("register resources: %w", err)
	}
	return nil
}

func (p *Pipeline) open(ctx context.Context, decl BackendDecl) (backend.Caller, error) {
	switch {
	case decl.Stdio != nil:
		return p.OpenStdio(ctx, *decl.Stdio)
	case decl.HTTP != nil:
		return p.OpenHTTP(ctx, *decl.HTTP)
	default:
		return nil, fmt.Errorf("backend %q declares neither a stdio nor an http transport", decl.Name)
	}
}

func (p *Pipeline) registerPrompts(ctx context.Context, caller backend.Caller, svc *catalog.Service) error {
	cursor := ""
	for {
		page, err := caller.ListPrompts(ctx, cursor)
		if err != nil {
			return err
		}
		for _, pr := range page.Prompts {
			p.Prompts.Register(namespace.DiscoveredPrompt{
				Name:        pr.Name,
				Description: pr.Description,
				ArgCount:    len(pr.Arguments),
				ServiceID:   svc.ID,
				ServiceName: string(svc.Name),
			})
		}
		if page.NextCursor == "" {
			return nil
		}
		cursor = page.NextCursor
	}
}

func (p *Pipeline) registerResources(ctx context.Context, caller backend.Caller, svc *catalog.Service) error {
	cursor := ""
	for {
		page, err := caller.ListResources(ctx, cursor)
		if err != nil {
			return err
		}
		for _, r := range page.Resources {
			if err := p.Resources.Register(namespace.DiscoveredResource{
				URI:         r.URI,
				Name:        r.Name,
				Description: r.Description,
				MimeType:    r.MimeType,
				ServiceID:   svc.ID,
				ServiceName: string(svc.Name),
			}); err != nil {
				// An invalid URI from a misbehaving backend should not
				// abort the whole discovery pass.
				continue
			}
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	cursor = ""
	for {
		page, err := caller.ListResourceTemplates(ctx, cursor)
		if err != nil {
			return err
		}
		_ = page.Templates // resource templates are listed but neither stored nor registered
		if page.NextCursor == "" {
			return nil
		}
		cursor = page.NextCursor
	}
}

// normalizeToolTypes populates every tool's TypedSchema fields from its raw
// JSON-Schema-ish input/output schema, matching spec §4.F step 3's
// normalize_tool_types().
func (p *Pipeline) normalizeToolTypes(ctx context.Context) error {
	tools, err := p.Store.ListTools(ctx)
	if err != nil {
		return err
	}
	for _, t := range tools {
		inType := schema.Normalize(t.RawInputSchema)
		outType := schema.Normalize(t.RawOutputSchema)
		if err := p.Store.SetToolTypes(ctx, t.ID, inType, outType); err != nil {
			return err
		}
	}
	return nil
}

// rebuildGraph reloads services, tools, and compatibility edges from the
// store and swaps them into the live Graph atomically, matching spec §4.F
// step 3's final "rebuild the in-memory knowledge graph from the store".
func (p *Pipeline) rebuildGraph(ctx context.Context) error {
	services, err := p.Store.ListServices(ctx)
	if err != nil {
		return err
	}
	tools, err := p.Store.ListTools(ctx)
	if err != nil {
		return err
	}
	compat, err := p.Store.ListCompatibilityEdges(ctx)
	if err != nil {
		return err
	}

	toolByID := make(map[ids.ToolId]catalog.Tool, len(tools))
	for _, t := range tools {
		toolByID[t.ID] = t
	}
	serviceByID := make(map[ids.ServiceId]catalog.Service, len(services))
	for _, s := range services {
		serviceByID[s.ID] = s
	}

	var nodes []graph.Node
	var edges []graph.Edge

	for _, s := range services {
		nodes = append(nodes, graph.Node{ID: graph.ServiceNodeID(string(s.Name)), Kind: graph.NodeService, Label: string(s.Name)})
	}
	for _, t := range tools {
		nodeID := graph.ToolNodeID(string(t.Name))
		nodes = append(nodes, graph.Node{ID: nodeID, Kind: graph.NodeTool, Label: string(t.Name)})
		if svc, ok := serviceByID[t.ServiceID]; ok {
			edges = append(edges, graph.Edge{
				From: nodeID,
				To:   graph.ServiceNodeID(string(svc.Name)),
				Kind: graph.EdgeBelongsTo,
			})
		}
	}
	for _, e := range compat {
		from, ok1 := toolByID[e.FromTool]
		to, ok2 := toolByID[e.ToTool]
		if !ok1 || !ok2 {
			continue
		}
		edges = append(edges, graph.Edge{
			From:       graph.ToolNodeID(string(from.Name)),
			To:         graph.ToolNodeID(string(to.Name)),
			Kind:       graph.EdgeKind(e.Kind),
			Confidence: e.Confidence,
			Reasoning:  e.Reasoning,
		})
	}

	p.Graph.Rebuild(nodes, edges)
	return nil
}
