// Package catalog defines the persistence layer for the orchestrator's
// durable records: services, tools, typed schemas, embeddings,
// compatibility/sequence edges, users, permissions, API keys, OAuth state,
// and the audit log (spec §3, §4.B). It mirrors the interface-plus-backends
// split used by the teacher's registry/store package: a Store interface, an
// in-memory implementation for development and tests, and a MongoDB-backed
// implementation for production.
package catalog

import (
	"time"

	"github.com/unicitynetwork/unicity-orchestrator-sub000/ids"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/schema"
)

// Service is a discovered MCP backend.
type Service struct {
	ID            ids.ServiceId
	Name          ids.ServiceName
	Title         string
	Version       string
	Website       string
	DiscoveryOrigin string
	RegistryRef   string
	Icons         []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ServiceCreate is the upsert payload for a Service, keyed by discovery
// identity (ServiceConfigId encoded into DiscoveryOrigin by the caller).
type ServiceCreate struct {
	Name            ids.ServiceName
	Title           string
	Version         string
	Website         string
	DiscoveryOrigin string
	RegistryRef     string
	Icons           []string
}

// Tool is a callable operation advertised by a Service.
type Tool struct {
	ID                ids.ToolId
	ServiceID         ids.ServiceId
	Name              ids.ToolName
	Description       string
	RawInputSchema    map[string]any
	RawOutputSchema   map[string]any
	InputType         *schema.TypedSchema
	OutputType        *schema.TypedSchema
	EmbeddingID       *ids.EmbeddingId
	UsageCount        uint64
	LastUsedAt        *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ToolCreate is the upsert payload for a Tool, keyed by (ServiceID, Name).
type ToolCreate struct {
	ServiceID       ids.ServiceId
	Name            ids.ToolName
	Description     string
	RawInputSchema  map[string]any
	RawOutputSchema map[string]any
}

// Embedding stores a content-hashed vector.
type Embedding struct {
	ID          ids.EmbeddingId
	Vector      []float32
	Model       string
	ContentType string
	ContentHash string
	CreatedAt   time.Time
}

// EdgeKind enumerates the compatibility/sequence edge kinds of spec §3/§4.G.
type EdgeKind string

const (
	EdgeDataFlow            EdgeKind = "data_flow"
	EdgeSemanticSimilarity  EdgeKind = "semantic_similarity"
	EdgeSequential          EdgeKind = "sequential"
	EdgeParallel            EdgeKind = "parallel"
	EdgeConditional         EdgeKind = "conditional"
	EdgeTransform           EdgeKind = "transform"
)

// CompatibilityEdge links two tools by a structural/semantic relationship.
type CompatibilityEdge struct {
	FromTool   ids.ToolId
	ToTool     ids.ToolId
	Kind       EdgeKind
	Confidence float64
	Reasoning  string
}

// SequenceEdge records an observed execution-order relationship, updated by
// the dispatcher after each call (SPEC_FULL "Sequence edge frequency/success
// rate updates").
type SequenceEdge struct {
	FromTool    ids.ToolId
	ToTool      ids.ToolId
	Kind        EdgeKind
	Frequency   uint64
	SuccessRate float64
}

// User is a resolved identity.
type User struct {
	ID          ids.UserId
	ExternalID  ids.ExternalUserId
	Provider    ids.IdentityProvider
	Email       string
	DisplayName string
	IsActive    bool
	LastSeen    time.Time
}

// ApprovalMode is a user's default approval posture for tool execution.
type ApprovalMode string

const (
	ApprovalPrompt      ApprovalMode = "prompt"
	ApprovalAllowKnown  ApprovalMode = "allow_known"
	ApprovalDenyUnknown ApprovalMode = "deny_unknown"
)

// UserPreferences configures a single user's approval and filtering policy.
type UserPreferences struct {
	UserID               ids.UserId
	DefaultApprovalMode   ApprovalMode
	TrustedServices       map[ids.ServiceId]struct{}
	BlockedServices       map[ids.ServiceId]struct{}
	ElicitationTimeoutS   int
	RememberDecisions     bool
	NotifyOnGrant         bool
	NotifyOnDeny          bool
}

// PermissionAction enumerates the per-tool approval decisions of spec §3.
type PermissionAction string

const (
	AllowOnce   PermissionAction = "allow_once"
	AlwaysAllow PermissionAction = "always_allow"
	Deny        PermissionAction = "deny"
)

// ToolPermission is a recorded approval decision for (tool, service, user).
type ToolPermission struct {
	ID        ids.PermissionId
	ToolID    ids.ToolId
	ServiceID ids.ServiceId
	UserID    ids.UserId
	Action    PermissionAction
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// ApiKey is a hashed API key record. Raw key material is never stored.
type ApiKey struct {
	ID         ids.PermissionId // reuses the generic opaque-id type family
	KeyHash    ids.ApiKeyHash
	KeyPrefix  ids.ApiKeyPrefix
	UserID     *ids.UserId
	Name       string
	IsActive   bool
	ExpiresAt  *time.Time
	Scopes     []string
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

// OAuthState is a single-use, replay-safe binding between an in-flight
// URL-mode elicitation and the user who requested it.
type OAuthState struct {
	ElicitationID string
	UserID        ids.UserId
	Provider      ids.IdentityProvider
	StateToken    string
	RedirectURI   ids.RedirectUri
	ExpiresAt     time.Time
}

// RuleRecord is the persisted form of a symbolic rule (spec §4.H). The
// antecedent/consequent expression trees are stored as their JSON
// serialization; the rules package owns decoding them into rules.Expr so
// that catalog has no dependency on the rule engine's expression types.
type RuleRecord struct {
	ID           string
	Name         string
	Description  string
	Antecedents  []byte // JSON-encoded []rules.Expr
	Consequents  []byte // JSON-encoded []rules.Expr
	Confidence   float64
	Priority     int
	IsActive     bool
	CreatedAt    time.Time
}

// AuditLog is an append-only record of a security-relevant action.
type AuditLog struct {
	UserID     *ids.UserId
	Action     string
	ResourceType string
	ResourceID *string
	Details    map[string]any
	IP         string
	UserAgent  string
	CreatedAt  time.Time
}
