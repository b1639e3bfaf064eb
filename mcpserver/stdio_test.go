package mcpserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unicitynetwork/unicity-orchestrator-sub000/approval"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/backend"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/catalog"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/catalog/memstore"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/dispatch"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/embedding"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/ids"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/namespace"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/rules"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/selector"
)

func TestSessionIDForFallsBackToAnonymous(t *testing.T) {
	assert.Equal(t, "anonymous", sessionIDFor(""))
	assert.Equal(t, "user-1", sessionIDFor(ids.UserId("user-1")))
}

func TestCursorFromParamsReadsCursorField(t *testing.T) {
	assert.Equal(t, "", cursorFromParams(nil))
	assert.Equal(t, "5", cursorFromParams(json.RawMessage(`{"cursor":"5"}`)))
}

func TestDecodeElicitationResponseMapsActions(t *testing.T) {
	declined, err := decodeElicitationResponse(rpcMessage{Result: json.RawMessage(`{"action":"decline"}`)})
	require.NoError(t, err)
	assert.True(t, declined.Declined)

	canceled, err := decodeElicitationResponse(rpcMessage{Result: json.RawMessage(`{"action":"cancel"}`)})
	require.NoError(t, err)
	assert.True(t, canceled.Canceled)

	accepted, err := decodeElicitationResponse(rpcMessage{Result: json.RawMessage(`{"action":"allow_once","content":{"action":"allow_once"}}`)})
	require.NoError(t, err)
	assert.True(t, accepted.Accepted)
	assert.Equal(t, "allow_once", accepted.Content["action"])

	_, err = decodeElicitationResponse(rpcMessage{Error: &rpcErrorWire{Message: "boom"}})
	assert.Error(t, err)
}

func TestWriteFrameAndReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	tr := &StdioTransport{w: &buf}
	id := uint64(7)
	require.NoError(t, tr.writeMessage(rpcMessage{ID: &id, Result: json.RawMessage(`{"ok":true}`)}))

	frame, err := readFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	var msg rpcMessage
	require.NoError(t, json.Unmarshal(frame, &msg))
	assert.Equal(t, id, *msg.ID)
	assert.JSONEq(t, `{"ok":true}`, string(msg.Result))
}

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

func setupServer(t *testing.T) (*Server, catalog.Store, *catalog.Tool) {
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

	registry := backend.NewRegistry()
	registry.Register(svc.ID, &fakeCaller{resp: backend.CallResponse{Result: json.RawMessage(`{"ok":true}`)}})

	srv := &Server{
		Store:      store,
		Selector:   &selector.Selector{Store: store, Embedder: emb, Rules: staticRules{}},
		Dispatcher: dispatch.NewDispatcher(store, registry),
		Prompts:    namespace.NewPromptRegistry(),
		Resources:  namespace.NewResourceRegistry(),
	}
	return srv, store, tool
}

// writeFrame is a minimal client-side framer used by tests that drive
// StdioTransport.Serve through a pipe, mirroring backend.StdioCaller's wire
// format on the other end of this protocol.
func writeFrame(w io.Writer, msg rpcMessage) error {
	msg.JSONRPC = "2.0"
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "Content-Length: %d\r\n\r\n%s", len(data), data)
	return err
}

func TestServeHandlesToolsCallSelectTool(t *testing.T) {
	srv, _, _ := setupServer(t)
	transport := &StdioTransport{Server: srv}

	clientR, serverW := io.Pipe()
	serverR, clientW := io.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = transport.Serve(ctx, serverR, serverW) }()

	reqID := uint64(1)
	params, _ := json.Marshal(map[string]any{"name": "unicity.select_tool", "arguments": json.RawMessage(`{"query":"read a file"}`)})
	require.NoError(t, writeFrame(clientW, rpcMessage{ID: &reqID, Method: "tools/call", Params: params}))

	reader := bufio.NewReader(clientR)
	frame, err := readFrame(reader)
	require.NoError(t, err)

	var resp rpcMessage
	require.NoError(t, json.Unmarshal(frame, &resp))
	require.Nil(t, resp.Error)
	var result SelectToolResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Selections, 1)
	assert.Equal(t, ids.ToolName("read_file"), result.Selections[0].ToolName)
}

func TestServeDrivesElicitationRoundTripForApproval(t *testing.T) {
	srv, store, tool := setupServer(t)
	transport := &StdioTransport{Server: srv, Approval: &approval.Coordinator{Store: store}}

	clientR, serverW := io.Pipe()
	serverR, clientW := io.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = transport.Serve(ctx, serverR, serverW) }()

	initID := uint64(1)
	initParams, _ := json.Marshal(map[string]any{"capabilities": map[string]any{"elicitation": true}})
	require.NoError(t, writeFrame(clientW, rpcMessage{ID: &initID, Method: "initialize", Params: initParams}))

	reader := bufio.NewReader(clientR)
	_, err := readFrame(reader)
	require.NoError(t, err)

	callID := uint64(2)
	callParams, _ := json.Marshal(map[string]any{
		"name": "unicity.execute_tool",
		"arguments": json.RawMessage(fmt.Sprintf(`{"toolId":%q,"args":{}}`, tool.ID)),
	})
	require.NoError(t, writeFrame(clientW, rpcMessage{ID: &callID, Method: "tools/call", Params: callParams}))

	elicitFrame, err := readFrame(reader)
	require.NoError(t, err)
	var elicitReq rpcMessage
	require.NoError(t, json.Unmarshal(elicitFrame, &elicitReq))
	assert.Equal(t, "elicitation/create", elicitReq.Method)
	require.NotNil(t, elicitReq.ID)

	elicitResult, _ := json.Marshal(map[string]any{"action": "allow_once", "content": map[string]any{"action": "allow_once"}})
	require.NoError(t, writeFrame(clientW, rpcMessage{ID: elicitReq.ID, Result: elicitResult}))

	finalFrame, err := readFrame(reader)
	require.NoError(t, err)
	var final rpcMessage
	require.NoError(t, json.Unmarshal(finalFrame, &final))
	require.Nil(t, final.Error)

	var execResult ExecuteToolResult
	require.NoError(t, json.Unmarshal(final.Result, &execResult))
	assert.JSONEq(t, `{"ok":true}`, string(execResult.Content))
}

func TestServeReturnsDeniedForStoredDenyPermission(t *testing.T) {
	srv, store, tool := setupServer(t)
	userID := ids.UserId("user-1")
	_, err := store.SavePermission(context.Background(), catalog.ToolPermission{
		ToolID:    tool.ID,
		ServiceID: tool.ServiceID,
		UserID:    userID,
		Action:    catalog.Deny,
	})
	require.NoError(t, err)

	transport := &StdioTransport{Server: srv, Approval: &approval.Coordinator{Store: store}, User: &catalog.User{ID: userID}}

	clientR, serverW := io.Pipe()
	serverR, clientW := io.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = transport.Serve(ctx, serverR, serverW) }()

	callID := uint64(1)
	callParams, _ := json.Marshal(map[string]any{
		"name":      "unicity.execute_tool",
		"arguments": json.RawMessage(fmt.Sprintf(`{"toolId":%q,"args":{}}`, tool.ID)),
	})
	require.NoError(t, writeFrame(clientW, rpcMessage{ID: &callID, Method: "tools/call", Params: callParams}))

	reader := bufio.NewReader(clientR)
	frame, err := readFrame(reader)
	require.NoError(t, err)
	var resp rpcMessage
	require.NoError(t, json.Unmarshal(frame, &resp))
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "denied")
	assert.NotContains(t, resp.Error.Message, "declined")

	page, err := store.ListAudit(context.Background(), &userID, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, "tool_execution_denied", page.Entries[0].Action)
}
