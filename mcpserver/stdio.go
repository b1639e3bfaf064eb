package mcpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"goa.design/clue/log"

	"github.com/unicitynetwork/unicity-orchestrator-sub000/approval"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/catalog"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/identity"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/ids"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/orcherr"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/rules"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/selector"
)

// rpcMessage is the wire envelope for both directions of the stdio
// transport: a message with Method set is a request (from either side); a
// message with Method empty and ID set is a response to a previously-sent
// request. Framed with Content-Length headers, matching backend.StdioCaller
// on the opposite end of this same protocol.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcErrorWire   `json:"error,omitempty"`
}

type rpcErrorWire struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// StdioTransport serves the Server over stdin/stdout, dispatching inbound
// initialize, tools/list, tools/call, prompts/list and resources/list
// requests (prompts/get and resources/read are not handled) and driving the form-mode
// elicitation round-trip (an outbound "elicitation/create" request) needed
// by the tool approval gate (spec §4.K), since only the transport holding
// the live connection can forward an elicitation to the client.
type StdioTransport struct {
	Server   *Server
	Approval *approval.Coordinator
	User     *catalog.User

	w  io.Writer
	wmu sync.Mutex

	pending   map[uint64]chan rpcMessage
	pendingMu sync.Mutex
	nextID    uint64

	elicitCapable bool
}

// Serve runs the read loop until r is closed or ctx is canceled, dispatching
// every inbound request to its handler and writing the framed response.
func (t *StdioTransport) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	t.w = w
	t.pending = make(map[uint64]chan rpcMessage)
	reader := bufio.NewReader(r)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		frame, err := readFrame(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("mcpserver: read frame: %w", err)
		}
		var msg rpcMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			continue
		}

		if msg.Method == "" {
			t.deliverResponse(msg)
			continue
		}
		go t.handleRequest(ctx, msg)
	}
}

func (t *StdioTransport) deliverResponse(msg rpcMessage) {
	if msg.ID == nil {
		return
	}
	t.pendingMu.Lock()
	ch, ok := t.pending[*msg.ID]
	if ok {
		delete(t.pending, *msg.ID)
	}
	t.pendingMu.Unlock()
	if ok {
		ch <- msg
		close(ch)
	}
}

func (t *StdioTransport) handleRequest(ctx context.Context, msg rpcMessage) {
	log.Debugf(ctx, "mcpserver.dispatch %s", msg.Method)
	result, err := t.dispatch(ctx, msg.Method, msg.Params)
	if msg.ID == nil {
		return // notification, no response expected
	}
	if err != nil {
		log.Error(ctx, err, log.KV{K: "component", V: "mcpserver"}, log.KV{K: "method", V: msg.Method})
		t.writeError(*msg.ID, err)
		return
	}
	t.writeResult(*msg.ID, result)
}

func (t *StdioTransport) dispatch(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "initialize":
		return t.handleInitialize(params)
	case "tools/list":
		return t.toolDescriptors(), nil
	case "tools/call":
		return t.handleToolsCall(ctx, params)
	case "prompts/list":
		return t.handlePromptsList(params)
	case "resources/list":
		return t.handleResourcesList(params)
	default:
		return nil, fmt.Errorf("mcpserver: unknown method %q", method)
	}
}

type initializeParams struct {
	Capabilities struct {
		Elicitation bool `json:"elicitation"`
	} `json:"capabilities"`
}

func (t *StdioTransport) handleInitialize(params json.RawMessage) (any, error) {
	var p initializeParams
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}
	t.elicitCapable = p.Capabilities.Elicitation
	return map[string]any{
		"protocolVersion": "2025-06-18",
		"serverInfo":      map[string]any{"name": "unicity-orchestrator", "version": "dev"},
		"capabilities":    map[string]any{"tools": map[string]any{}, "prompts": map[string]any{}, "resources": map[string]any{}},
	}, nil
}

func (t *StdioTransport) toolDescriptors() []map[string]any {
	return []map[string]any{
		{"name": "unicity.select_tool", "description": "Select the best-matching registered tool for a natural-language query."},
		{"name": "unicity.plan_tools", "description": "Plan a multi-step sequence of registered tools toward a goal."},
		{"name": "unicity.execute_tool", "description": "Execute a previously selected tool by id."},
		{"name": "unicity.debug.list_tools", "description": "List catalog tools with filtering and pagination, for operator debugging."},
	}
}

func (t *StdioTransport) handleToolsCall(ctx context.Context, params json.RawMessage) (any, error) {
	var call struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(params, &call); err != nil {
		return nil, fmt.Errorf("mcpserver: decode tools/call params: %w", err)
	}

	switch call.Name {
	case "unicity.select_tool":
		return t.callSelectTool(ctx, call.Arguments)
	case "unicity.plan_tools":
		return t.callPlanTools(ctx, call.Arguments)
	case "unicity.execute_tool":
		return t.callExecuteTool(ctx, call.Arguments)
	case "unicity.debug.list_tools":
		return t.callDebugListTools(ctx, call.Arguments)
	default:
		return nil, fmt.Errorf("mcpserver: unknown tool %q", call.Name)
	}
}

func (t *StdioTransport) userFilterAndPrefs(ctx context.Context) (selector.UserFilter, *catalog.UserPreferences) {
	if t.User == nil {
		return nil, nil
	}
	prefs, err := t.Server.Store.GetUserPreferences(ctx, t.User.ID)
	if err != nil || prefs == nil {
		return nil, nil
	}
	return identity.UserToolFilter{Prefs: *prefs}, prefs
}

func (t *StdioTransport) callSelectTool(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		Query   string         `json:"query"`
		Context map[string]any `json:"context"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	filter, _ := t.userFilterAndPrefs(ctx)
	return t.Server.SelectTool(ctx, in.Query, in.Context, filter)
}

func (t *StdioTransport) callPlanTools(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		Query   string         `json:"query"`
		Context map[string]any `json:"context"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	filter, _ := t.userFilterAndPrefs(ctx)
	return t.Server.PlanTools(ctx, in.Query, in.Context, filter, rules.Constraints{})
}

func (t *StdioTransport) callDebugListTools(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		ServiceFilter  *string `json:"service_filter"`
		IncludeBlocked bool    `json:"include_blocked"`
		Limit          int     `json:"limit"`
		Offset         string  `json:"offset"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
	}
	var svc *ids.ServiceId
	if in.ServiceFilter != nil {
		id := ids.ServiceId(*in.ServiceFilter)
		svc = &id
	}
	offset := 0
	if in.Offset != "" {
		n, err := strconv.Atoi(in.Offset)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("mcpserver: invalid offset %q", in.Offset)
		}
		offset = n
	}
	_, prefs := t.userFilterAndPrefs(ctx)
	return t.Server.DebugListTools(ctx, svc, in.IncludeBlocked, prefs, offset, in.Limit)
}

func (t *StdioTransport) callExecuteTool(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		ToolID string          `json:"toolId"`
		Args   json.RawMessage `json:"args"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	toolID := ids.ToolId(in.ToolID)
	tool, err := t.Server.Store.FindToolByID(ctx, toolID)
	if err != nil {
		return nil, fmt.Errorf("mcpserver: execute_tool: %w", err)
	}
	userID := ids.UserId("")
	if t.User != nil {
		userID = t.User.ID
	}

	var grantedPermission *ids.PermissionId
	if t.Approval != nil {
		decision, err := t.Approval.Check(ctx, tool.ID, tool.ServiceID, userID)
		if err != nil {
			return nil, fmt.Errorf("mcpserver: approval check: %w", err)
		}
		switch decision {
		case approval.Denied:
			t.auditDeny(ctx, tool, userID)
			return nil, fmt.Errorf("mcpserver: %q: %w", tool.Name, orcherr.ErrPermissionDenied)
		case approval.Required, approval.Expired:
			perm, err := t.resolveApproval(ctx, tool, userID)
			if err != nil {
				return nil, err
			}
			grantedPermission = perm
		}
	}

	return t.Server.ExecuteTool(ctx, sessionIDFor(userID), toolID, tool.ServiceID, userID, in.Args, grantedPermission)
}

// auditDeny records a standing Deny permission short-circuit so operators
// can see who was blocked from what (spec §4.J, scenario E2). Failures to
// append are logged, not surfaced: audit logging must never turn a correct
// deny into a 500.
func (t *StdioTransport) auditDeny(ctx context.Context, tool *catalog.Tool, userID ids.UserId) {
	if t.Server == nil || t.Server.Store == nil {
		return
	}
	uid := userID
	resourceID := string(tool.ID)
	entry := catalog.AuditLog{
		UserID:       &uid,
		Action:       "tool_execution_denied",
		ResourceType: "tool",
		ResourceID:   &resourceID,
		Details: map[string]any{
			"service_id": string(tool.ServiceID),
			"tool_name":  string(tool.Name),
		},
	}
	if err := t.Server.Store.AppendAudit(ctx, entry); err != nil {
		log.Error(ctx, err, log.KV{K: "component", V: "mcpserver"}, log.KV{K: "event", V: "append audit failed"})
	}
}

// resolveApproval drives the form-mode elicitation round-trip with the
// connected client and returns the resulting permission id (non-nil only
// for a one-time allow), or an error if the client declines/cancels/lacks
// the elicitation capability.
func (t *StdioTransport) resolveApproval(ctx context.Context, tool *catalog.Tool, userID ids.UserId) (*ids.PermissionId, error) {
	if !t.elicitCapable {
		return nil, orcherr.ErrUnsupportedMode
	}
	serviceName := string(tool.ServiceID)
	if svc, err := t.Server.Store.FindServiceByID(ctx, tool.ServiceID); err == nil && svc != nil {
		serviceName = string(svc.Name)
	}
	message := approval.ApprovalMessage(serviceName, tool.Name)

	outcome, err := t.sendElicitation(ctx, message, map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action":   map[string]any{"type": "string", "enum": []string{"allow_once", "always_allow", "deny"}},
			"remember": map[string]any{"type": "boolean"},
		},
		"required": []string{"action"},
	})
	if err != nil {
		return nil, err
	}

	decision, err := t.Approval.RequestApproval(ctx, tool.Name, serviceName, tool.ID, tool.ServiceID, userID, outcome)
	if err != nil {
		return nil, err
	}
	if decision != approval.Granted {
		return nil, orcherr.ErrDeclined
	}
	if perm, err := t.Server.Store.FindPermission(ctx, tool.ID, userID); err == nil && perm.Action == catalog.AllowOnce {
		return &perm.ID, nil
	}
	return nil, nil
}

// sendElicitation issues an outbound "elicitation/create" request to the
// connected client and blocks for its response or ctx cancellation.
func (t *StdioTransport) sendElicitation(ctx context.Context, message string, schema map[string]any) (approval.ClientOutcome, error) {
	id := t.next()
	ch := make(chan rpcMessage, 1)
	t.pendingMu.Lock()
	t.pending[id] = ch
	t.pendingMu.Unlock()

	req := rpcMessage{JSONRPC: "2.0", ID: &id, Method: "elicitation/create"}
	params, _ := json.Marshal(map[string]any{"message": message, "requestedSchema": schema})
	req.Params = params
	if err := t.writeMessage(req); err != nil {
		return approval.ClientOutcome{}, err
	}

	select {
	case resp := <-ch:
		return decodeElicitationResponse(resp)
	case <-ctx.Done():
		return approval.ClientOutcome{}, orcherr.ErrExpired
	}
}

func decodeElicitationResponse(resp rpcMessage) (approval.ClientOutcome, error) {
	if resp.Error != nil {
		return approval.ClientOutcome{}, fmt.Errorf("mcpserver: elicitation/create: %s", resp.Error.Message)
	}
	var body struct {
		Action  string         `json:"action"`
		Content map[string]any `json:"content"`
	}
	if err := json.Unmarshal(resp.Result, &body); err != nil {
		return approval.ClientOutcome{}, fmt.Errorf("mcpserver: decode elicitation response: %w", err)
	}
	switch body.Action {
	case "decline":
		return approval.ClientOutcome{Declined: true}, nil
	case "cancel":
		return approval.ClientOutcome{Canceled: true}, nil
	default:
		return approval.ClientOutcome{Accepted: true, Content: body.Content}, nil
	}
}

func (t *StdioTransport) handlePromptsList(params json.RawMessage) (any, error) {
	cursor := cursorFromParams(params)
	page, err := t.Server.Prompts.ListPage(cursor, t.Server.pageSize())
	if err != nil {
		return nil, err
	}
	return page, nil
}

func (t *StdioTransport) handleResourcesList(params json.RawMessage) (any, error) {
	cursor := cursorFromParams(params)
	page, err := t.Server.Resources.ListPage(cursor, t.Server.pageSize())
	if err != nil {
		return nil, err
	}
	return page, nil
}

func cursorFromParams(params json.RawMessage) string {
	var p struct {
		Cursor string `json:"cursor"`
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}
	return p.Cursor
}

func (t *StdioTransport) next() uint64 {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	t.nextID++
	return t.nextID
}

func (t *StdioTransport) writeResult(id uint64, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		t.writeError(id, err)
		return
	}
	_ = t.writeMessage(rpcMessage{JSONRPC: "2.0", ID: &id, Result: data})
}

func (t *StdioTransport) writeError(id uint64, err error) {
	code, data, ok := orcherr.WireCode(err)
	if !ok {
		code = -32000
	}
	_ = t.writeMessage(rpcMessage{JSONRPC: "2.0", ID: &id, Error: &rpcErrorWire{Code: code, Message: err.Error(), Data: data}})
}

func (t *StdioTransport) writeMessage(msg rpcMessage) error {
	msg.JSONRPC = "2.0"
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(data))
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if _, err := io.WriteString(t.w, header); err != nil {
		return err
	}
	_, err = t.w.Write(data)
	return err
}

func readFrame(reader *bufio.Reader) ([]byte, error) {
	length := -1
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if length < 0 {
				continue
			}
			break
		}
		if after, ok := strings.CutPrefix(strings.ToLower(line), "content-length:"); ok {
			n, err := strconv.Atoi(strings.TrimSpace(after))
			if err != nil {
				return nil, fmt.Errorf("mcpserver: parse content-length: %w", err)
			}
			length = n
		}
	}
	if length < 0 {
		return nil, errors.New("mcpserver: content-length header missing")
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func sessionIDFor(userID ids.UserId) string {
	if userID == "" {
		return "anonymous"
	}
	return string(userID)
}
