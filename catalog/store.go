package catalog

import (
	"context"
	"errors"

	"github.com/unicitynetwork/unicity-orchestrator-sub000/ids"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/orcherr"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/schema"
)

// ErrNotFound is returned by lookups that find nothing. Backends should
// return this (or wrap it) rather than orcherr.ErrNotFound directly, so
// callers can errors.Is against a single sentinel regardless of backend.
var ErrNotFound = errors.New("catalog: not found")

// ScoredTool pairs a tool id with its cosine similarity to a query embedding,
// as returned by FindToolsByEmbedding.
type ScoredTool struct {
	ToolID ids.ToolId
	Score  float64
}

// AuditPage is one page of the audit log, newest first, with an opaque
// decimal-string cursor for the next page (SPEC_FULL "audit log pagination").
type AuditPage struct {
	Entries    []AuditLog
	NextCursor string
}

// Store is the orchestrator's persistence interface (spec §4.B). Every
// method takes a context and must respect cancellation. Implementations:
// memstore (development/tests) and mongostore (production).
type Store interface {
	// Services

	UpsertService(ctx context.Context, svc ServiceCreate) (*Service, error)
	FindServiceByID(ctx context.Context, id ids.ServiceId) (*Service, error)
	ListServices(ctx context.Context) ([]Service, error)
	DeleteService(ctx context.Context, id ids.ServiceId) error

	// Tools

	UpsertTool(ctx context.Context, tool ToolCreate) (*Tool, error)
	FindToolByID(ctx context.Context, id ids.ToolId) (*Tool, error)
	FindToolsByService(ctx context.Context, svc ids.ServiceId) ([]Tool, error)
	ListTools(ctx context.Context) ([]Tool, error)
	SetToolEmbedding(ctx context.Context, id ids.ToolId, embeddingID ids.EmbeddingId) error
	SetToolTypes(ctx context.Context, id ids.ToolId, inputType, outputType *schema.TypedSchema) error
	IncrementToolUsage(ctx context.Context, id ids.ToolId) error
	DeleteToolsByService(ctx context.Context, svc ids.ServiceId) error

	// Embeddings

	StoreEmbedding(ctx context.Context, emb Embedding) (*Embedding, error)
	FindEmbeddingByHash(ctx context.Context, model, contentHash string) (*Embedding, error)
	FindToolsByEmbedding(ctx context.Context, query []float32, topK int) ([]ScoredTool, error)

	// Compatibility / sequence graph edges

	UpsertCompatibilityEdge(ctx context.Context, edge CompatibilityEdge) error
	ListCompatibilityEdges(ctx context.Context) ([]CompatibilityEdge, error)
	RecordSequence(ctx context.Context, from, to ids.ToolId, success bool) error
	ListSequenceEdges(ctx context.Context) ([]SequenceEdge, error)

	// Users

	UpsertUser(ctx context.Context, u User) (*User, error)
	FindUserByID(ctx context.Context, id ids.UserId) (*User, error)
	FindUserByExternalID(ctx context.Context, provider ids.IdentityProvider, externalID ids.ExternalUserId) (*User, error)
	GetUserPreferences(ctx context.Context, id ids.UserId) (*UserPreferences, error)
	SaveUserPreferences(ctx context.Context, p UserPreferences) error

	// Tool permissions

	SavePermission(ctx context.Context, p ToolPermission) (*ToolPermission, error)
	FindPermission(ctx context.Context, toolID ids.ToolId, userID ids.UserId) (*ToolPermission, error)
	ConsumePermission(ctx context.Context, id ids.PermissionId) error
	DeletePermission(ctx context.Context, id ids.PermissionId) error
	ListPermissions(ctx context.Context, userID ids.UserId) ([]ToolPermission, error)
	CleanupExpiredPermissions(ctx context.Context) (int, error)

	// API keys

	CreateApiKey(ctx context.Context, k ApiKey) (*ApiKey, error)
	FindApiKeyByHash(ctx context.Context, hash ids.ApiKeyHash) (*ApiKey, error)
	TouchApiKeyLastUsed(ctx context.Context, hash ids.ApiKeyHash) error
	DeactivateApiKey(ctx context.Context, id ids.PermissionId) error
	ListApiKeys(ctx context.Context, userID ids.UserId) ([]ApiKey, error)

	// OAuth state (URL-mode elicitation)

	StoreOAuthState(ctx context.Context, s OAuthState) error
	FindOAuthState(ctx context.Context, elicitationID string) (*OAuthState, error)
	ConsumeOAuthState(ctx context.Context, elicitationID, stateToken string) (*OAuthState, error)
	CleanupExpiredOAuthStates(ctx context.Context) (int, error)

	// Audit log

	AppendAudit(ctx context.Context, entry AuditLog) error
	ListAudit(ctx context.Context, userID *ids.UserId, cursor string, limit int) (AuditPage, error)

	// Symbolic rules

	SaveRule(ctx context.Context, r RuleRecord) (*RuleRecord, error)
	ListActiveRules(ctx context.Context) ([]RuleRecord, error)
	DeleteRule(ctx context.Context, id string) error

	// EnsureSchema idempotently prepares the backend (indexes, collections,
	// or in the memstore case the fallback rule seed) and must be safe to
	// call on every startup.
	EnsureSchema(ctx context.Context) error
}

// wrapNotFound returns an orcherr.NotFoundDetail for id, which unwraps to
// orcherr.ErrNotFound, so callers can present a stable message regardless
// of backend.
func wrapNotFound(id string) error {
	return &orcherr.NotFoundDetail{ID: id}
}
