package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

// StdioOptions configures a subprocess-backed Caller.
type StdioOptions struct {
	Command         string
	Args            []string
	Env             []string
	Dir             string
	ProtocolVersion string
	ClientName      string
	ClientVersion   string
	InitTimeout     time.Duration
}

// StdioCaller implements Caller over the MCP stdio transport: a subprocess
// communicating JSON-RPC messages framed with Content-Length headers.
// Adapted from the teacher's features/mcp/runtime.StdioCaller, generalized
// to the fuller discovery/elicitation method set.
type StdioCaller struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	pending   map[uint64]chan callResult
	pendingMu sync.Mutex
	writeMu   sync.Mutex
	nextID    uint64

	closed     chan struct{}
	closeOnce  sync.Once
	closeErr   error
	closeErrMu sync.Mutex
}

type callResult struct {
	resp rpcResponse
	err  error
}

// NewStdioCaller launches the target command, performs the MCP initialize
// handshake, and returns a Caller that keeps the subprocess alive across
// calls.
func NewStdioCaller(ctx context.Context, opts StdioOptions) (*StdioCaller, error) {
	if opts.Command == "" {
		return nil, errors.New("backend: stdio command is required")
	}
	cmd := exec.CommandContext(ctx, opts.Command, opts.Args...)
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("backend: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("backend: stdout pipe: %w", err)
	}
	stderr, _ := cmd.StderrPipe()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("backend: start subprocess: %w", err)
	}

	caller := &StdioCaller{
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[uint64]chan callResult),
		closed:  make(chan struct{}),
	}
	go caller.readLoop(stdout)
	if stderr != nil {
		go func() { _, _ = io.Copy(io.Discard, stderr) }()
	}

	if _, err := caller.doInitialize(ctx, opts); err != nil {
		_ = caller.Close()
		return nil, err
	}
	return caller, nil
}

// Close terminates the subprocess and releases resources. Safe to call more
// than once.
func (c *StdioCaller) Close() error {
	c.closeOnce.Do(func() {
		if c.stdin != nil {
			_ = c.stdin.Close()
		}
		if c.cmd != nil && c.cmd.ProcessState == nil && c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
		if c.cmd != nil {
			_ = c.cmd.Wait()
		}
		close(c.closed)
	})
	return nil
}

func (c *StdioCaller) Initialize(ctx context.Context) (InitializeResult, error) {
	return c.doInitialize(ctx, StdioOptions{})
}

func (c *StdioCaller) doInitialize(ctx context.Context, opts StdioOptions) (InitializeResult, error) {
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
	initCtx := ctx
	if opts.InitTimeout > 0 {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, opts.InitTimeout)
		defer cancel()
	}
	var result initializeResultWire
	if err := c.call(initCtx, "initialize", payload, &result); err != nil {
		return InitializeResult{}, err
	}
	return result.toResult(), nil
}

func (c *StdioCaller) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	var result toolsListResultWire
	if err := c.call(ctx, "tools/list", map[string]any{}, &result); err != nil {
		return nil, err
	}
	return result.toDescriptors(), nil
}

func (c *StdioCaller) ListPrompts(ctx context.Context, cursor string) (PromptPage, error) {
	var result promptsListResultWire
	if err := c.call(ctx, "prompts/list", cursorParams(cursor), &result); err != nil {
		return PromptPage{}, err
	}
	return result.toPage(), nil
}

func (c *StdioCaller) ListResources(ctx context.Context, cursor string) (ResourcePage, error) {
	var result resourcesListResultWire
	if err := c.call(ctx, "resources/list", cursorParams(cursor), &result); err != nil {
		return ResourcePage{}, err
	}
	return result.toPage(), nil
}

func (c *StdioCaller) ListResourceTemplates(ctx context.Context, cursor string) (ResourceTemplatePage, error) {
	var result resourceTemplatesListResultWire
	if err := c.call(ctx, "resources/templates/list", cursorParams(cursor), &result); err != nil {
		return ResourceTemplatePage{}, err
	}
	return result.toPage(), nil
}

func (c *StdioCaller) GetPrompt(ctx context.Context, name string, arguments map[string]string) (PromptResult, error) {
	var result promptGetResultWire
	params := map[string]any{"name": name, "arguments": arguments}
	if err := c.call(ctx, "prompts/get", params, &result); err != nil {
		return PromptResult{}, err
	}
	return result.toResult(), nil
}

func (c *StdioCaller) ReadResource(ctx context.Context, uri string) (ResourceContents, error) {
	var result resourceReadResultWire
	if err := c.call(ctx, "resources/read", map[string]any{"uri": uri}, &result); err != nil {
		return ResourceContents{}, err
	}
	return result.toContents()
}

func (c *StdioCaller) CallTool(ctx context.Context, req CallRequest) (CallResponse, error) {
	ctx, span := tracer.Start(ctx, "backend.call_tool",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("backend.tool", req.Tool), attribute.String("backend.transport", "stdio")),
	)
	defer span.End()

	params := map[string]any{"name": req.Tool, "arguments": json.RawMessage(req.Payload)}
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

func (c *StdioCaller) CreateElicitation(ctx context.Context, req ElicitationRequest) (ElicitationResponse, error) {
	params := map[string]any{"message": req.Message, "requestedSchema": req.Schema}
	var result elicitationResultWire
	if err := c.call(ctx, "elicitation/create", params, &result); err != nil {
		return ElicitationResponse{}, err
	}
	return result.toResponse(), nil
}

func cursorParams(cursor string) map[string]any {
	if cursor == "" {
		return map[string]any{}
	}
	return map[string]any{"cursor": cursor}
}

func (c *StdioCaller) call(ctx context.Context, method string, params any, result any) error {
	id := c.next()
	ch := make(chan callResult, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", Method: method, ID: id, Params: params}
	if err := c.writeMessage(req); err != nil {
		c.removePending(id)
		return err
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		if res.resp.Error != nil {
			return res.resp.Error.toError()
		}
		if result != nil && res.resp.Result != nil {
			if err := json.Unmarshal(res.resp.Result, result); err != nil {
				return fmt.Errorf("backend: decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.removePending(id)
		return ctx.Err()
	case <-c.closed:
		return c.closeError()
	}
}

func (c *StdioCaller) writeMessage(req rpcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("backend: marshal request: %w", err)
	}
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(data))
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := io.WriteString(c.stdin, header); err != nil {
		return fmt.Errorf("backend: write header: %w", err)
	}
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("backend: write body: %w", err)
	}
	return nil
}

func (c *StdioCaller) readLoop(stdout io.Reader) {
	reader := bufio.NewReader(stdout)
	for {
		frame, err := readFrame(reader)
		if err != nil {
			c.failPending(err)
			return
		}
		var resp rpcResponse
		if err := json.Unmarshal(frame, &resp); err != nil {
			continue
		}
		if resp.ID == 0 {
			continue
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- callResult{resp: resp}
			close(ch)
		}
	}
}

func (c *StdioCaller) failPending(err error) {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- callResult{err: err}
		close(ch)
	}
	c.pendingMu.Unlock()
	c.setCloseError(err)
	_ = c.Close()
}

func (c *StdioCaller) removePending(id uint64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *StdioCaller) next() uint64 {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.nextID++
	return c.nextID
}

func (c *StdioCaller) setCloseError(err error) {
	if err == nil {
		return
	}
	c.closeErrMu.Lock()
	if c.closeErr == nil {
		c.closeErr = err
	}
	c.closeErrMu.Unlock()
}

func (c *StdioCaller) closeError() error {
	c.closeErrMu.Lock()
	defer c.closeErrMu.Unlock()
	if c.closeErr == nil {
		return errors.New("backend: stdio caller closed")
	}
	return c.closeErr
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
				return nil, fmt.Errorf("backend: parse content-length: %w", err)
			}
			length = n
		}
	}
	if length < 0 {
		return nil, errors.New("backend: content-length header missing")
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
