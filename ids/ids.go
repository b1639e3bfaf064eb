// Package ids defines the newtyped identifiers shared across the
// orchestrator. Each identifier wraps a plain string so that, for example, a
// ToolId can never be passed where a ServiceId is expected without an
// explicit conversion.
package ids

import "fmt"

type (
	// ToolId identifies a Tool row in the catalog store.
	ToolId string
	// ToolName is a tool's name as advertised by its owning service. Unique
	// only within a service, not globally.
	ToolName string
	// ServiceId identifies a Service row in the catalog store.
	ServiceId string
	// ServiceConfigId identifies a backend declaration from the external
	// configuration layer (mcp.json or equivalent).
	ServiceConfigId string
	// ServiceName is a service's human-facing name.
	ServiceName string
	// ExternalUserId is the subject identifier from an external identity
	// source (JWT `sub`, API key owner, or "anonymous").
	ExternalUserId string
	// IdentityProvider names the source that authenticated a user (e.g.
	// "jwt", "api_key", "anonymous", or an OAuth provider such as "github").
	IdentityProvider string
	// ResourceUri is a validated MCP resource URI.
	ResourceUri string
	// PromptName is a prompt's bare or namespaced name.
	PromptName string
	// OAuthUrl is a URL handed to the client for an out-of-band OAuth flow.
	OAuthUrl string
	// RedirectUri is the URI an OAuth provider redirects back to.
	RedirectUri string
	// ApiKeyHash is the SHA-256 hex digest of an API key's raw material.
	ApiKeyHash string
	// ApiKeyPrefix is the short, non-secret prefix of an API key used for
	// lookup hints and display.
	ApiKeyPrefix string
	// UserId identifies a User row in the catalog store.
	UserId string
	// PermissionId identifies a ToolPermission row.
	PermissionId string
	// EmbeddingId identifies an Embedding row.
	EmbeddingId string
)

// String implementations let every newtype satisfy fmt.Stringer, which keeps
// log call sites (log.Plain, log.KV) from needing explicit string() casts.
func (v ToolId) String() string           { return string(v) }
func (v ToolName) String() string         { return string(v) }
func (v ServiceId) String() string        { return string(v) }
func (v ServiceConfigId) String() string  { return string(v) }
func (v ServiceName) String() string      { return string(v) }
func (v ExternalUserId) String() string   { return string(v) }
func (v IdentityProvider) String() string { return string(v) }
func (v ResourceUri) String() string      { return string(v) }
func (v PromptName) String() string       { return string(v) }
func (v OAuthUrl) String() string         { return string(v) }
func (v RedirectUri) String() string      { return string(v) }
func (v ApiKeyHash) String() string       { return string(v) }
func (v ApiKeyPrefix) String() string     { return string(v) }
func (v UserId) String() string           { return string(v) }
func (v PermissionId) String() string     { return string(v) }
func (v EmbeddingId) String() string      { return string(v) }

// NamespacedToolKey returns the (service, name) compound key used to enforce
// the "logically unique (service-id, name)" invariant on tools.
func NamespacedToolKey(svc ServiceId, name ToolName) string {
	return fmt.Sprintf("%s\x00%s", svc, name)
}
