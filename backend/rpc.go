package backend

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/unicitynetwork/unicity-orchestrator-sub000/orcherr"
)

// DefaultProtocolVersion is the MCP protocol version used when none is
// configured.
const DefaultProtocolVersion = "2024-11-05"

// tracer spans the caller-side half of every tool call (spec's component E:
// "backend calls"), shared by HTTPCaller and StdioCaller.
var tracer = otel.Tracer("unicity-orchestrator/backend")

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	ID      uint64 `json:"id"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	ID      uint64          `json:"id"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// toError converts an MCP JSON-RPC error into the orcherr vocabulary. A
// -32042 code (URL-mode elicitation required) becomes a typed
// orcherr.URLElicitationRequired so the approval coordinator can detect it
// with errors.As; everything else wraps orcherr.ErrBackendError.
func (e *rpcError) toError() error {
	if e == nil {
		return nil
	}
	if e.Code == orcherr.URLElicitationRequiredCode {
		var data struct {
			URL      string `json:"url"`
			Provider string `json:"provider"`
		}
		_ = json.Unmarshal(e.Data, &data)
		return &orcherr.URLElicitationRequired{Message: e.Message, URL: data.URL, Provider: data.Provider}
	}
	return fmt.Errorf("%w: %d %s", orcherr.ErrBackendError, e.Code, e.Message)
}

type toolsCallResult struct {
	Content           []contentItem   `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent"`
	IsError           bool            `json:"isError"`
}

type contentItem struct {
	Type     string  `json:"type"`
	Text     *string `json:"text"`
	MimeType *string `json:"mimeType"`
}

func normalizeToolResult(result toolsCallResult) (CallResponse, error) {
	resp := CallResponse{IsError: result.IsError, Structured: result.StructuredContent}
	if len(result.Content) == 0 {
		return resp, nil
	}
	item := result.Content[0]
	if item.Text == nil {
		return resp, nil
	}
	raw := []byte(*item.Text)
	if json.Valid(raw) {
		resp.Result = append(json.RawMessage(nil), raw...)
		if resp.Structured == nil {
			resp.Structured = resp.Result
		}
		return resp, nil
	}
	marshaled, err := json.Marshal(*item.Text)
	if err != nil {
		return CallResponse{}, fmt.Errorf("backend: marshal text content: %w", err)
	}
	resp.Result = marshaled
	return resp, nil
}

func injectTraceHeaders(ctx context.Context, header http.Header) {
	if ctx == nil || header == nil {
		return
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(header))
}

func addTraceMeta(ctx context.Context, params map[string]any) {
	if ctx == nil || params == nil {
		return
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return
	}
	meta := make(map[string]string, len(carrier))
	for k, v := range carrier {
		meta[k] = v
	}
	params["_meta"] = meta
}

// --- initialize / list / get result shapes, decoded straight off the wire ---

type initializeResultWire struct {
	ProtocolVersion string `json:"protocolVersion"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
}

func (r initializeResultWire) toResult() InitializeResult {
	return InitializeResult{
		ProtocolVersion: r.ProtocolVersion,
		ServerName:      r.ServerInfo.Name,
		ServerVersion:   r.ServerInfo.Version,
	}
}

type toolsListResultWire struct {
	Tools []struct {
		Name         string         `json:"name"`
		Description  string         `json:"description"`
		InputSchema  map[string]any `json:"inputSchema"`
		OutputSchema map[string]any `json:"outputSchema"`
	} `json:"tools"`
}

func (r toolsListResultWire) toDescriptors() []ToolDescriptor {
	out := make([]ToolDescriptor, len(r.Tools))
	for i, t := range r.Tools {
		out[i] = ToolDescriptor{
			Name: t.Name, Description: t.Description,
			InputSchema: t.InputSchema, OutputSchema: t.OutputSchema,
		}
	}
	return out
}

type promptsListResultWire struct {
	Prompts []struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Arguments   []struct {
			Name        string `json:"name"`
			Description string `json:"description"`
			Required    bool   `json:"required"`
		} `json:"arguments"`
	} `json:"prompts"`
	NextCursor string `json:"nextCursor"`
}

func (r promptsListResultWire) toPage() PromptPage {
	prompts := make([]PromptDescriptor, len(r.Prompts))
	for i, p := range r.Prompts {
		args := make([]PromptArgument, len(p.Arguments))
		for j, a := range p.Arguments {
			args[j] = PromptArgument{Name: a.Name, Description: a.Description, Required: a.Required}
		}
		prompts[i] = PromptDescriptor{Name: p.Name, Description: p.Description, Arguments: args}
	}
	return PromptPage{Prompts: prompts, NextCursor: r.NextCursor}
}

type resourcesListResultWire struct {
	Resources []struct {
		URI         string `json:"uri"`
		Name        string `json:"name"`
		Description string `json:"description"`
		MimeType    string `json:"mimeType"`
	} `json:"resources"`
	NextCursor string `json:"nextCursor"`
}

func (r resourcesListResultWire) toPage() ResourcePage {
	resources := make([]ResourceDescriptor, len(r.Resources))
	for i, res := range r.Resources {
		resources[i] = ResourceDescriptor{URI: res.URI, Name: res.Name, Description: res.Description, MimeType: res.MimeType}
	}
	return ResourcePage{Resources: resources, NextCursor: r.NextCursor}
}

type resourceTemplatesListResultWire struct {
	ResourceTemplates []struct {
		URITemplate string `json:"uriTemplate"`
		Name        string `json:"name"`
		Description string `json:"description"`
		MimeType    string `json:"mimeType"`
	} `json:"resourceTemplates"`
	NextCursor string `json:"nextCursor"`
}

func (r resourceTemplatesListResultWire) toPage() ResourceTemplatePage {
	templates := make([]ResourceTemplateDescriptor, len(r.ResourceTemplates))
	for i, t := range r.ResourceTemplates {
		templates[i] = ResourceTemplateDescriptor{URITemplate: t.URITemplate, Name: t.Name, Description: t.Description, MimeType: t.MimeType}
	}
	return ResourceTemplatePage{Templates: templates, NextCursor: r.NextCursor}
}

type promptGetResultWire struct {
	Description string `json:"description"`
	Messages    []struct {
		Role    string `json:"role"`
		Content struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"messages"`
}

func (r promptGetResultWire) toResult() PromptResult {
	messages := make([]PromptMessage, len(r.Messages))
	for i, m := range r.Messages {
		messages[i] = PromptMessage{Role: m.Role, Text: m.Content.Text}
	}
	return PromptResult{Description: r.Description, Messages: messages}
}

type resourceReadResultWire struct {
	Contents []struct {
		URI      string `json:"uri"`
		MimeType string `json:"mimeType"`
		Text     string `json:"text"`
		Blob     string `json:"blob"`
	} `json:"contents"`
}

func (r resourceReadResultWire) toContents() (ResourceContents, error) {
	if len(r.Contents) == 0 {
		return ResourceContents{}, errors.New("backend: resources/read returned no contents")
	}
	c := r.Contents[0]
	out := ResourceContents{URI: c.URI, MimeType: c.MimeType, Text: c.Text}
	if c.Blob != "" {
		blob, err := base64.StdEncoding.DecodeString(c.Blob)
		if err != nil {
			return ResourceContents{}, fmt.Errorf("backend: decode resource blob: %w", err)
		}
		out.Blob = blob
	}
	return out, nil
}

type elicitationResultWire struct {
	Action  string         `json:"action"`
	Content map[string]any `json:"content"`
}

func (r elicitationResultWire) toResponse() ElicitationResponse {
	return ElicitationResponse{Action: r.Action, Content: r.Content}
}
