// Command orchestrator runs the MCP tool orchestrator: it discovers backend
// MCP servers declared in mcp.json, catalogs their tools/prompts/resources,
// and exposes four aggregate tools (unicity.select_tool, unicity.plan_tools,
// unicity.execute_tool, unicity.debug.list_tools) to a single connected MCP
// client over stdio, alongside a REST admin surface for health/query/discover.
//
// # Configuration
//
// Environment variables (see config.Load for full defaults):
//
//	ORCHESTRATOR_DATASTORE_URL        - catalog backend; empty uses the
//	                                     in-process memstore, a mongodb://
//	                                     URL switches to mongostore
//	ORCHESTRATOR_DATASTORE_DATABASE   - Mongo database name (default: "orchestrator")
//	ORCHESTRATOR_ADMIN_ADDR           - REST admin listen address (default: ":8080")
//	ORCHESTRATOR_CALLBACK_BASE_URL    - base URL this process is reachable at,
//	                                     used to build OAuth connect/callback URLs
//	ORCHESTRATOR_REDIS_URL            - optional; when set, backs the JWKS
//	                                     cache and the URL-elicitation
//	                                     broadcaster with shared Redis state
//	                                     instead of in-process equivalents
//	ORCHESTRATOR_JWKS_URL             - JWT verification key source
//	ORCHESTRATOR_ANONYMOUS_ALLOWED    - default true
//	ORCHESTRATOR_STATIC_API_KEY       - single shared API key, if set
//	ORCHESTRATOR_DB_API_KEYS_ENABLED  - per-user API keys stored in the catalog
//	MCP_CONFIG                        - path to mcp.json (default: "mcp.json")
//	ORCHESTRATOR_CONFIG               - path to an optional YAML defaults file
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	goapulse "goa.design/goa-ai/features/stream/pulse/clients/pulse"
	"goa.design/clue/log"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/unicitynetwork/unicity-orchestrator-sub000/approval"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/backend"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/catalog"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/catalog/memstore"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/catalog/mongostore"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/config"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/discovery"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/dispatch"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/embedding"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/embedding/cosineindex"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/graph"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/identity"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/identity/jwksredis"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/mcpserver"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/namespace"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/selector"
)

func main() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if os.Getenv("ORCHESTRATOR_DEBUG") != "" {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	if err := run(ctx); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	fd, err := config.LoadFileDefaults(os.Getenv("ORCHESTRATOR_CONFIG"))
	if err != nil {
		return fmt.Errorf("load file defaults: %w", err)
	}
	cfg, err := config.Load(fd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open catalog store: %w", err)
	}
	defer closeStore()

	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure catalog schema: %w", err)
	}

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.URL, Password: cfg.Redis.Password})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer rdb.Close()
		log.Print(ctx, log.KV{K: "redis", V: cfg.Redis.URL})
	}

	embedder := embedding.NewManager(embedding.HashModel{}, store, embedding.Config{ModelName: cfg.EmbeddingModel})
	if _, ok := store.(*memstore.Store); ok {
		embedder.SetIndex(cosineindex.New(store))
	}

	registry := backend.NewRegistry()
	defer registry.CloseAll()

	g := graph.New()
	prompts := namespace.NewPromptRegistry()
	resources := namespace.NewResourceRegistry()

	backends := &config.FileBackendSource{Path: cfg.McpConfigPath, InitTimeout: cfg.DiscoveryTimeout}
	pipeline := discovery.NewPipeline(backends, store, registry, embedder, g, prompts, resources)

	discoverCtx, cancel := context.WithTimeout(ctx, cfg.DiscoveryTimeout)
	if err := pipeline.Discover(discoverCtx); err != nil {
		cancel()
		return fmt.Errorf("discover backends: %w", err)
	}
	cancel()
	log.Print(ctx, log.KV{K: "event", V: "initial discovery complete"})

	sel := &selector.Selector{Store: store, Embedder: embedder, Rules: selector.CatalogRuleSource{Store: store}}
	disp := dispatch.NewDispatcher(store, registry)

	var keyCache identity.KeyCache
	if rdb != nil {
		keyCache = jwksredis.New(rdb, "orchestrator:jwks")
	}
	var jwks *identity.JwksCache
	if cfg.JWKS.URL != "" {
		jwks = identity.NewJwksCache(cfg.JWKS.URL, cfg.JWKS.CacheTTL, cfg.JWKS.AllowStale, keyCache)
	}
	resolver := &identity.Resolver{Store: store, JWKS: jwks, Config: cfg.IdentityConfig()}

	var broadcaster approval.Broadcaster
	if rdb != nil {
		pulseClient, err := goapulse.New(goapulse.Options{Redis: rdb})
		if err != nil {
			return fmt.Errorf("create pulse client: %w", err)
		}
		broadcaster = approval.NewPulseBroadcaster(pulseClient)
		log.Print(ctx, log.KV{K: "broadcaster", V: "pulse/redis"})
	} else {
		broadcaster = approval.NewChannelBroadcaster(64)
	}
	coordinator := &approval.Coordinator{
		Store:            store,
		CallbackBaseURL:  cfg.CallbackBaseURL,
		Broadcaster:      broadcaster,
		DefaultElicitTTL: cfg.ElicitationTTL,
	}

	srv := &mcpserver.Server{
		Store:      store,
		Selector:   sel,
		Dispatcher: disp,
		Prompts:    prompts,
		Resources:  resources,
		PageSize:   cfg.PageSize,
	}

	admin := &mcpserver.AdminServer{Server: srv, Pipeline: pipeline}
	oauth := &mcpserver.OAuthServer{Approval: coordinator, Resolver: resolver}
	mux := http.NewServeMux()
	admin.Routes(mux)
	oauth.Routes(mux)

	httpServer := &http.Server{Addr: cfg.AdminAddr, Handler: mux}
	errCh := make(chan error, 2)

	go func() {
		log.Print(ctx, log.KV{K: "admin-addr", V: cfg.AdminAddr})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("admin server: %w", err)
			return
		}
		errCh <- nil
	}()

	go func() {
		transport := &mcpserver.StdioTransport{Server: srv, Approval: coordinator}
		log.Print(ctx, log.KV{K: "transport", V: "stdio"})
		if err := transport.Serve(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("stdio transport: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			stop()
			_ = httpServer.Shutdown(context.Background())
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.DiscoveryTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shut down admin server: %w", err)
	}
	return nil
}

// openStore selects memstore or mongostore based on cfg.Datastore.URL,
// matching the teacher's own "empty means in-process, URL means the real
// backend" convention for optional infra.
func openStore(ctx context.Context, cfg config.Config) (catalog.Store, func(), error) {
	if cfg.Datastore.URL == "" {
		return memstore.New(), func() {}, nil
	}

	clientOpts := options.Client().ApplyURI(cfg.Datastore.URL)
	if cfg.Datastore.Username != "" {
		clientOpts.SetAuth(options.Credential{Username: cfg.Datastore.Username, Password: cfg.Datastore.Password})
	}
	client, err := mongo.Connect(clientOpts)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, fmt.Errorf("ping mongo: %w", err)
	}
	db := client.Database(cfg.Datastore.Database)
	closeFn := func() {
		if err := client.Disconnect(context.Background()); err != nil {
			log.Error(ctx, err, log.KV{K: "component", V: "cmd/orchestrator"}, log.KV{K: "event", V: "disconnect mongo"})
		}
	}
	return mongostore.New(db), closeFn, nil
}
