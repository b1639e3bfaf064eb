// Package mcpserver implements the orchestrator's upstream MCP contract
// (spec §6, server role): the four unicity.* tools exposed to the user's
// MCP client, namespaced prompt/resource forwarding, and the transport-
// agnostic core that stdio.go and admin.go (REST admin surface) both drive.
//
// Grounded on the teacher's runtime/mcp.go ambient helpers (query
// coercion, goahttp JSON encoding) and original_source/src/server.rs's
// tool dispatch table.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/unicitynetwork/unicity-orchestrator-sub000/catalog"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/dispatch"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/identity"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/ids"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/namespace"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/rules"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/selector"
)

// Server wires every core component into the four upstream operations.
// It is transport-agnostic: stdio.go and admin.go each drive it from their
// own framing, and tests call its methods directly.
type Server struct {
	Store      catalog.Store
	Selector   *selector.Selector
	Dispatcher *dispatch.Dispatcher
	Prompts    *namespace.PromptRegistry
	Resources  *namespace.ResourceRegistry
	PageSize   int
}

func (s *Server) pageSize() int {
	if s.PageSize > 0 {
		return s.PageSize
	}
	return namespace.DefaultPageSize
}

// SelectToolResult is the wire shape of unicity.select_tool's response.
type SelectToolResult struct {
	Selections []selector.ToolSelection `json:"selections,omitempty"`
	NoMatch    bool                     `json:"noMatch,omitempty"`
}

// SelectTool implements unicity.select_tool(query, context?).
func (s *Server) SelectTool(ctx context.Context, query string, queryContext map[string]any, filter selector.UserFilter) (SelectToolResult, error) {
	selections, err := s.Selector.Select(ctx, query, queryContext, filter)
	if err != nil {
		return SelectToolResult{}, fmt.Errorf("mcpserver: select_tool: %w", err)
	}
	if len(selections) == 0 {
		return SelectToolResult{NoMatch: true}, nil
	}
	return SelectToolResult{Selections: selections}, nil
}

// PlanToolsResult is the wire shape of unicity.plan_tools's response.
type PlanToolsResult struct {
	Steps      []rules.PlanStep `json:"steps"`
	Confidence float64          `json:"confidence"`
	Reasoning  string           `json:"reasoning"`
}

// PlanTools implements unicity.plan_tools(query, context?).
func (s *Server) PlanTools(ctx context.Context, goal string, queryContext map[string]any, filter selector.UserFilter, constraints rules.Constraints) (PlanToolsResult, error) {
	plan, err := s.Selector.Plan(ctx, goal, queryContext, filter, constraints)
	if err != nil {
		return PlanToolsResult{}, fmt.Errorf("mcpserver: plan_tools: %w", err)
	}
	reasoning := fmt.Sprintf("backward-chained %d step(s) toward %q", len(plan.Steps), goal)
	return PlanToolsResult{Steps: plan.Steps, Confidence: plan.Confidence, Reasoning: reasoning}, nil
}

// ExecuteToolResult is the wire shape of unicity.execute_tool's response.
type ExecuteToolResult struct {
	Content    json.RawMessage `json:"content,omitempty"`
	Structured json.RawMessage `json:"structured,omitempty"`
	IsError    bool            `json:"isError,omitempty"`
}

// ExecuteTool implements unicity.execute_tool(toolId, args), after approval
// has already been resolved to Granted by the caller (the stdio/admin
// transport owns the elicitation round-trip with the connected client,
// since only it holds the live connection — see stdio.go's callExecuteTool
// and resolveApproval).
func (s *Server) ExecuteTool(ctx context.Context, sessionID string, toolID ids.ToolId, serviceID ids.ServiceId, userID ids.UserId, args json.RawMessage, grantedPermission *ids.PermissionId) (ExecuteToolResult, error) {
	res, err := s.Dispatcher.Execute(ctx, sessionID, toolID, serviceID, userID, args, grantedPermission)
	if err != nil {
		return ExecuteToolResult{}, err
	}
	return ExecuteToolResult{Content: res.Content, Structured: res.Structured, IsError: res.IsError}, nil
}

// DebugListToolsResult is the wire shape of unicity.debug.list_tools.
type DebugListToolsResult struct {
	Tools         []catalog.Tool `json:"tools"`
	BlockedCount  int            `json:"blockedCount"`
	TrustedCount  int            `json:"trustedCount"`
	NextCursor    string         `json:"pagination"`
}

// DebugListTools implements unicity.debug.list_tools(service_filter?,
// include_blocked?, limit?, offset?). offset/limit follow the stringified
// non-negative integer cursor convention of spec §4.M (here applied to a
// zero-based tool index rather than a page-store position, since ListTools
// returns the full set).
func (s *Server) DebugListTools(ctx context.Context, serviceFilter *ids.ServiceId, includeBlocked bool, prefs *catalog.UserPreferences, offset, limit int) (DebugListToolsResult, error) {
	all, err := s.Store.ListTools(ctx)
	if err != nil {
		return DebugListToolsResult{}, fmt.Errorf("mcpserver: debug.list_tools: %w", err)
	}

	filtered := make([]catalog.Tool, 0, len(all))
	blocked, trusted := 0, 0
	for _, t := range all {
		if serviceFilter != nil && t.ServiceID != *serviceFilter {
			continue
		}
		isBlocked := false
		isTrusted := false
		if prefs != nil {
			uf := identity.UserToolFilter{Prefs: *prefs}
			isBlocked = !uf.IsToolAllowed(t.ServiceID)
			isTrusted = uf.IsServiceTrusted(t.ServiceID)
		}
		if isBlocked {
			blocked++
		}
		if isTrusted {
			trusted++
		}
		if isBlocked && !includeBlocked {
			continue
		}
		filtered = append(filtered, t)
	}

	if limit <= 0 {
		limit = s.pageSize()
	}
	page, next := paginateTools(filtered, offset, limit)

	return DebugListToolsResult{
		Tools:        page,
		BlockedCount: blocked,
		TrustedCount: trusted,
		NextCursor:   next,
	}, nil
}

func paginateTools(tools []catalog.Tool, offset, limit int) ([]catalog.Tool, string) {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(tools) {
		return nil, ""
	}
	end := offset + limit
	next := ""
	if end < len(tools) {
		next = fmt.Sprintf("%d", end)
	} else {
		end = len(tools)
	}
	return tools[offset:end], next
}

// ResolvePrompt implements spec §4.M prompt forwarding lookup for
// "prompts/get": resolve a (possibly namespaced) prompt name to the owning
// service. It only resolves the name: StdioTransport does not handle
// prompts/get, and nothing in this package calls backend.Caller.GetPrompt.
func (s *Server) ResolvePrompt(name string) (ids.ServiceId, string, bool) {
	return s.Prompts.Resolve(name)
}

// ResolveResource implements the resource counterpart of ResolvePrompt.
func (s *Server) ResolveResource(uriOrName string) (ids.ServiceId, string, bool) {
	return s.Resources.Resolve(uriOrName)
}
