package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"

	"github.com/unicitynetwork/unicity-orchestrator-sub000/orcherr"
)

// HTTPOptions configures an HTTP-transport Caller.
type HTTPOptions struct {
	Endpoint        string
	Client          *http.Client
	ProtocolVersion string
	ClientName      string
	ClientVersion   string
	InitTimeout     time.Duration
}

// HTTPCaller implements Caller over JSON-RPC-over-HTTP. Adapted from the
// teacher's features/mcp/runtime.HTTPCaller, generalized to the fuller
// method set.
type HTTPCaller struct {
	endpoint string
	client   *http.Client
	id       uint64
}

// NewHTTPCaller constructs an HTTP Caller and performs the MCP initialize
// handshake against it.
func NewHTTPCaller(ctx context.Context, opts HTTPOptions) (*HTTPCaller, error) {
	endpoint := opts.Endpoint
	if endpoint == "" {
		return nil, fmt.Errorf("backend: http endpoint is required")
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	c := &HTTPCaller{endpoint: endpoint, client: client}

	initCtx := ctx
	if opts.InitTimeout > 0 {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, opts.InitTimeout)
		defer cancel()
	}
	if _, err := c.doInitialize(initCtx, opts); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *HTTPCaller) Close() error { return nil }

func (c *HTTPCaller) Initialize(ctx context.Context) (InitializeResult, error) {
	return c.doInitialize(ctx, HTTPOptions{})
}

func (c *HTTPCaller) doInitialize(ctx context.Context, opts HTTPOptions) (InitializeResult, error) {
	protocol := opts.ProtocolVersion
	if protocol == "" {
		protocol = DefaultProtocolVersion
	}
	clientName := opts.ClientName
	if clientName == "" {
		clientName = "unicity-orchestrator"
	}
	clientVersion := opts.ClientVersion
	if clientVersion == "" {
		clientVersion = "dev"
	}
	payload := map[string]any{
		"protocolVersion": protocol,
		"clientInfo":      map[string]any{"name": clientName, "version": clientVersion},
	}
	var result initializeResultWire
	if err := c.call(ctx, "initialize", payload, &result); err != nil {
		return InitializeResult{}, fmt.Errorf("backend: mcp initialize: %w", err)
	}
	return result.toResult(), nil
}

func (c *HTTPCaller) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	var result toolsListResultWire
	if err := c.call(ctx, "tools/list", map[string]any{}, &result); err != nil {
		return nil, err
	}
	return result.toDescriptors(), nil
}

func (c *HTTPCaller) ListPrompts(ctx context.Context, cursor string) (PromptPage, error) {
	var result promptsListResultWire
	if err := c.call(ctx, "prompts/list", cursorParams(cursor), &result); err != nil {
		return PromptPage{}, err
	}
	return result.toPage(), nil
}

func (c *HTTPCaller) ListResources(ctx context.Context, cursor string) (ResourcePage, error) {
	var result resourcesListResultWire
	if err := c.call(ctx, "resources/list", cursorParams(cursor), &result); err != nil {
		return ResourcePage{}, err
	}
	return result.toPage(), nil
}

func (c *HTTPCaller) ListResourceTemplates(ctx context.Context, cursor string) (ResourceTemplatePage, error) {
	var result resourceTemplatesListResultWire
	if err := c.call(ctx, "resources/templates/list", cursorParams(cursor), &result); err != nil {
		return ResourceTemplatePage{}, err
	}
	return result.toPage(), nil
}

func (c *HTTPCaller) GetPrompt(ctx context.Context, name string, arguments map[string]string) (PromptResult, error) {
	var result promptGetResultWire
	params := map[string]any{"name": name, "arguments": arguments}
	if err := c.call(ctx, "prompts/get", params, &result); err != nil {
		return PromptResult{}, err
	}
	return result.toResult(), nil
}

func (c *HTTPCaller) ReadResource(ctx context.Context, uri string) (ResourceContents, error) {
	var result resourceReadResultWire
	if err := c.call(ctx, "resources/read", map[string]any{"uri": uri}, &result); err != nil {
		return ResourceContents{}, err
	}
	return result.toContents()
}

func (c *HTTPCaller) CallTool(ctx context.Context, req CallRequest) (CallResponse, error) {
	ctx, span := tracer.Start(ctx, "backend.call_tool",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("backend.tool", req.Tool), attribute.String("backend.transport", "http")),
	)
	defer span.End()

	params := map[string]any{"name": req.Tool, "arguments": req.Payload}
	addTraceMeta(ctx, params)
	var result toolsCallResult
	if err := c.call(ctx, "tools/call", params, &result); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "call tool failed")
		log.Error(ctx, err, log.KV{K: "component", V: "backend"}, log.KV{K: "tool", V: req.Tool})
		return CallResponse{}, err
	}
	return normalizeToolResult(result)
}

func (c *HTTPCaller) CreateElicitation(ctx context.Context, req ElicitationRequest) (ElicitationResponse, error) {
	params := map[string]any{"message": req.Message, "requestedSchema": req.Schema}
	var result elicitationResultWire
	if err := c.call(ctx, "elicitation/create", params, &result); err != nil {
		return ElicitationResponse{}, err
	}
	return result.toResponse(), nil
}

func (c *HTTPCaller) nextID() uint64 { return atomic.AddUint64(&c.id, 1) }

func (c *HTTPCaller) call(ctx context.Context, method string, params any, result any) error {
	req := rpcRequest{JSONRPC: "2.0", Method: method, ID: c.nextID(), Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("backend: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("backend: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	injectTraceHeaders(ctx, httpReq.Header)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("backend: http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: http status %d", orcherr.ErrBackendError, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("backend: decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error.toError()
	}
	if result != nil && rpcResp.Result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("backend: decode %s result: %w", method, err)
		}
	}
	return nil
}
