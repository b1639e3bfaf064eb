package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unicitynetwork/unicity-orchestrator-sub000/ids"
)

func TestHTTPCallerCallTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		switch req.Method {
		case "initialize":
			resp := rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{"protocolVersion":"2024-11-05","serverInfo":{"name":"fs","version":"1.0"}}`)}
			_ = json.NewEncoder(w).Encode(resp)
		case "tools/call":
			resp := rpcResponse{JSONRPC: "2.0", ID: req.ID,
				Result: json.RawMessage(`{"content":[{"type":"text","text":"{\"ok\":true}"}],"isError":false}`)}
			_ = json.NewEncoder(w).Encode(resp)
		default:
			http.Error(w, "unknown method", http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	caller, err := NewHTTPCaller(ctx, HTTPOptions{Endpoint: srv.URL})
	require.NoError(t, err)

	resp, err := caller.CallTool(ctx, CallRequest{Tool: "search", Payload: json.RawMessage(`{"query":"hi"}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Result))
}

func TestHTTPCallerPropagatesURLElicitationRequiredError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		switch req.Method {
		case "initialize":
			resp := rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{}`)}
			_ = json.NewEncoder(w).Encode(resp)
		case "tools/call":
			resp := rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{
				Code: -32042, Message: "authorization required",
				Data: json.RawMessage(`{"url":"https://example.com/connect","provider":"github"}`),
			}}
			_ = json.NewEncoder(w).Encode(resp)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	caller, err := NewHTTPCaller(ctx, HTTPOptions{Endpoint: srv.URL})
	require.NoError(t, err)

	_, err = caller.CallTool(ctx, CallRequest{Tool: "post_issue"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "github")
}

// --- stdio transport, tested against a self-exec helper subprocess ---

const stdioHelperEnv = "BACKEND_STDIO_HELPER"

func TestStdioCallerCallTool(t *testing.T) {
	ctx := context.Background()
	caller, err := NewStdioCaller(ctx, StdioOptions{
		Command:     os.Args[0],
		Args:        []string{"-test.run=TestStdioHelperProcess", "--"},
		Env:         []string{stdioHelperEnv + "=1"},
		InitTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	defer caller.Close()

	resp, err := caller.CallTool(ctx, CallRequest{Tool: "echo", Payload: json.RawMessage(`"hi"`)})
	require.NoError(t, err)

	var result string
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "hi", result)
}

// TestStdioHelperProcess is not a real test: it is re-executed as a
// subprocess by TestStdioCallerCallTool (the same self-exec trick the
// teacher's features/mcp/runtime.caller_test.go uses) and speaks the stdio
// MCP frame protocol over its own stdin/stdout.
func TestStdioHelperProcess(t *testing.T) {
	if os.Getenv(stdioHelperEnv) != "1" {
		t.Skip("helper process")
	}
	reader := bufio.NewReader(os.Stdin)
	writer := bufio.NewWriter(os.Stdout)
	for {
		frame, err := readFrame(reader)
		if err != nil {
			break
		}
		var req rpcRequest
		if err := json.Unmarshal(frame, &req); err != nil {
			continue
		}
		switch req.Method {
		case "initialize":
			writeHelperFrame(writer, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{}`)})
		case "tools/call":
			params, _ := req.Params.(map[string]any)
			args, _ := params["arguments"].(string)
			payload, _ := json.Marshal(args)
			result := toolsCallResult{Content: []contentItem{{Type: "text", Text: ptr(string(payload))}}}
			data, _ := json.Marshal(result)
			writeHelperFrame(writer, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: data})
		default:
			writeHelperFrame(writer, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: -32601, Message: "unknown method"}})
		}
	}
	_ = writer.Flush()
	os.Exit(0)
}

func ptr(s string) *string { return &s }

func writeHelperFrame(writer *bufio.Writer, resp rpcResponse) {
	data, _ := json.Marshal(resp)
	fmt.Fprintf(writer, "Content-Length: %d\r\n\r\n", len(data))
	_, _ = writer.Write(data)
	_ = writer.Flush()
}

func TestRegistryRegisterGetRemove(t *testing.T) {
	reg := NewRegistry()
	svc := ids.ServiceId("svc-1")

	_, ok := reg.Get(svc)
	assert.False(t, ok)

	fake := &fakeCaller{}
	reg.Register(svc, fake)

	got, ok := reg.Get(svc)
	require.True(t, ok)
	assert.Same(t, fake, got)

	reg.Remove(svc)
	_, ok = reg.Get(svc)
	assert.False(t, ok)
	assert.True(t, fake.closed)
}

type fakeCaller struct {
	closed bool
}

func (f *fakeCaller) Initialize(context.Context) (InitializeResult, error) { return InitializeResult{}, nil }
func (f *fakeCaller) ListTools(context.Context) ([]ToolDescriptor, error)  { return nil, nil }
func (f *fakeCaller) ListPrompts(context.Context, string) (PromptPage, error) {
	return PromptPage{}, nil
}
func (f *fakeCaller) ListResources(context.Context, string) (ResourcePage, error) {
	return ResourcePage{}, nil
}
func (f *fakeCaller) ListResourceTemplates(context.Context, string) (ResourceTemplatePage, error) {
	return ResourceTemplatePage{}, nil
}
func (f *fakeCaller) GetPrompt(context.Context, string, map[string]string) (PromptResult, error) {
	return PromptResult{}, nil
}
func (f *fakeCaller) ReadResource(context.Context, string) (ResourceContents, error) {
	return ResourceContents{}, nil
}
func (f *fakeCaller) CallTool(context.Context, CallRequest) (CallResponse, error) {
	return CallResponse{}, nil
}
func (f *fakeCaller) CreateElicitation(context.Context, ElicitationRequest) (ElicitationResponse, error) {
	return ElicitationResponse{}, nil
}
func (f *fakeCaller) Close() error { f.closed = true; return nil }
