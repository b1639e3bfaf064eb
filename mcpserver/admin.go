package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"

	goahttp "goa.design/goa/v3/http"

	"github.com/unicitynetwork/unicity-orchestrator-sub000/discovery"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/ids"
	runtimemcp "github.com/unicitynetwork/unicity-orchestrator-sub000/runtime/mcp"
)

// AdminServer exposes the REST admin surface of spec §6: /health, /query,
// /discover, /audit. It is a thin HTTP wrapper around the same Server
// methods the stdio transport drives, using goahttp's content-negotiated
// JSON encoder exactly as the teacher's example/cmd/assistant/http.go wires
// it.
type AdminServer struct {
	Server   *Server
	Pipeline *discovery.Pipeline
}

// Routes registers /health, /query, /discover, /audit on mux.
func (a *AdminServer) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /query", a.handleQuery)
	mux.HandleFunc("POST /discover", a.handleDiscover)
	mux.HandleFunc("GET /audit", a.handleAudit)
}

func (a *AdminServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.encode(r.Context(), w, map[string]any{"status": "ok"})
}

// handleQuery exposes unicity.select_tool over GET, coercing the URL query
// into the same context object form the stdio transport decodes from JSON,
// via runtime/mcp.CoerceQuery (teacher's ambient query-coercion helper).
func (a *AdminServer) handleQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := q.Get("q")
	coerced := runtimemcp.CoerceQuery(q)
	delete(coerced, "q")

	result, err := a.Server.SelectTool(r.Context(), query, coerced, nil)
	if err != nil {
		a.encodeError(r.Context(), w, err)
		return
	}
	a.encode(r.Context(), w, result)
}

// handleDiscover triggers a discovery pass synchronously and reports the
// resulting catalog size.
func (a *AdminServer) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if err := a.Pipeline.Discover(r.Context()); err != nil {
		a.encodeError(r.Context(), w, err)
		return
	}
	tools, err := a.Server.Store.ListTools(r.Context())
	if err != nil {
		a.encodeError(r.Context(), w, err)
		return
	}
	a.encode(r.Context(), w, map[string]any{"status": "ok", "toolCount": len(tools)})
}

// handleAudit exposes catalog.Store.ListAudit (spec §4.J's audit logging
// responsibility, SPEC_FULL's supplemented audit surface): optional
// ?user=<id>, ?cursor=, ?limit= query parameters, newest-first.
func (a *AdminServer) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var userID *ids.UserId
	if v := q.Get("user"); v != "" {
		id := ids.UserId(v)
		userID = &id
	}
	limit := a.Server.PageSize
	if coerced, ok := runtimemcp.CoerceQuery(q)["limit"].(int64); ok && coerced > 0 {
		limit = int(coerced)
	}
	page, err := a.Server.Store.ListAudit(r.Context(), userID, q.Get("cursor"), limit)
	if err != nil {
		a.encodeError(r.Context(), w, err)
		return
	}
	a.encode(r.Context(), w, page)
}

func (a *AdminServer) encode(ctx context.Context, w http.ResponseWriter, v any) {
	if err := goahttp.ResponseEncoder(ctx, w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (a *AdminServer) encodeError(ctx context.Context, w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
