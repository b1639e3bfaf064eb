// Package backend defines the Caller abstraction the orchestrator uses to
// talk to downstream MCP services, and the registry that maps a discovered
// ServiceId to its live connection. Grounded on the teacher's
// runtime/mcp.Caller and features/mcp/runtime's stdio/HTTP implementations,
// generalized from a tool-calling-only interface to the fuller discovery +
// elicitation surface spec §4.E needs: Initialize, ListTools,
// ListPrompts/ListResources/ListResourceTemplates (cursor-paginated),
// GetPrompt, ReadResource, CallTool, CreateElicitation.
package backend

import (
	"context"
	"encoding/json"
)

// Caller is implemented by transport-specific clients (stdio subprocess,
// HTTP) for one downstream MCP service.
type Caller interface {
	// Initialize performs the MCP handshake; implementations call this once
	// during construction, but it is exposed so discovery can re-verify
	// liveness.
	Initialize(ctx context.Context) (InitializeResult, error)

	ListTools(ctx context.Context) ([]ToolDescriptor, error)
	ListPrompts(ctx context.Context, cursor string) (PromptPage, error)
	ListResources(ctx context.Context, cursor string) (ResourcePage, error)
	ListResourceTemplates(ctx context.Context, cursor string) (ResourceTemplatePage, error)

	GetPrompt(ctx context.Context, name string, arguments map[string]string) (PromptResult, error)
	ReadResource(ctx context.Context, uri string) (ResourceContents, error)

	CallTool(ctx context.Context, req CallRequest) (CallResponse, error)
	CreateElicitation(ctx context.Context, req ElicitationRequest) (ElicitationResponse, error)

	Close() error
}

// InitializeResult is the subset of the MCP initialize handshake response
// the orchestrator records.
type InitializeResult struct {
	ProtocolVersion string
	ServerName      string
	ServerVersion   string
}

// ToolDescriptor is a raw tool advertisement from tools/list, before schema
// normalization (schema.Normalize) and catalog persistence.
type ToolDescriptor struct {
	Name            string
	Description     string
	InputSchema     map[string]any
	OutputSchema    map[string]any
}

// PromptDescriptor is a raw prompt advertisement from prompts/list.
type PromptDescriptor struct {
	Name        string
	Description string
	Arguments   []PromptArgument
}

// PromptArgument describes one named argument a prompt accepts.
type PromptArgument struct {
	Name        string
	Description string
	Required    bool
}

// PromptPage is one cursor-paginated page of prompts/list.
type PromptPage struct {
	Prompts    []PromptDescriptor
	NextCursor string
}

// ResourceDescriptor is a raw resource advertisement from resources/list.
type ResourceDescriptor struct {
	URI         string
	Name        string
	Description string
	MimeType    string
}

// ResourcePage is one cursor-paginated page of resources/list.
type ResourcePage struct {
	Resources  []ResourceDescriptor
	NextCursor string
}

// ResourceTemplateDescriptor is a raw resource template advertisement from
// resources/templates/list.
type ResourceTemplateDescriptor struct {
	URITemplate string
	Name        string
	Description string
	MimeType    string
}

// ResourceTemplatePage is one cursor-paginated page of
// resources/templates/list.
type ResourceTemplatePage struct {
	Templates  []ResourceTemplateDescriptor
	NextCursor string
}

// PromptResult is the rendered message sequence returned by prompts/get.
type PromptResult struct {
	Description string
	Messages    []PromptMessage
}

// PromptMessage is one role-tagged message of a rendered prompt.
type PromptMessage struct {
	Role string
	Text string
}

// ResourceContents is the payload returned by resources/read.
type ResourceContents struct {
	URI      string
	MimeType string
	Text     string
	Blob     []byte
}

// CallRequest describes a tools/call invocation.
type CallRequest struct {
	// Tool is the backend-local tool name (without namespace prefix).
	Tool string
	// Payload is the JSON-encoded tool arguments.
	Payload json.RawMessage
}

// CallResponse captures a tools/call result.
type CallResponse struct {
	Result     json.RawMessage
	Structured json.RawMessage
	IsError    bool
}

// ElicitationRequest asks the downstream backend's connected client to
// collect input from the end user per the MCP elicitation extension.
type ElicitationRequest struct {
	Message string
	Schema  map[string]any
}

// ElicitationResponse carries back what the user submitted, or a decline.
type ElicitationResponse struct {
	Action  string // "accept", "decline", "cancel"
	Content map[string]any
}
