package identity

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"goa.design/clue/log"

	"github.com/unicitynetwork/unicity-orchestrator-sub000/catalog"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/ids"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/orcherr"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/selector"
)

// Request carries the raw credential material a transport layer extracts
// from an inbound call, matching spec §4.J's
// extract_user(authorization?, api_key?, ip?, user_agent?) signature.
type Request struct {
	Authorization string
	APIKey        string
	IP            string
	UserAgent     string
}

// Config configures the precedence branches of ExtractUser.
type Config struct {
	AnonymousAllowed bool
	// StaticAPIKey, if non-empty, enables static-mode API key auth: any
	// request presenting this exact key (constant-time compared) is
	// accepted without a database lookup.
	StaticAPIKey string
	// DBAPIKeysEnabled enables database-mode API key auth: the key is
	// hashed and looked up in the catalog.
	DBAPIKeysEnabled bool
	JWTIssuer        string
	JWTAudience      string
}

// jwtClaims is the subset of standard + custom claims ExtractUser consumes.
type jwtClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Resolver implements spec §4.J's extract_user.
type Resolver struct {
	Store  catalog.Store
	JWKS   *JwksCache
	Config Config
}

// ExtractUser resolves a Request to a catalog user via the five-branch
// precedence of spec §4.J: JWT bearer, DB-mode API key, static-mode API
// key, anonymous, else Unauthenticated. Deactivated users are rejected at
// every branch.
func (r *Resolver) ExtractUser(ctx context.Context, req Request) (*catalog.User, error) {
	var (
		user *catalog.User
		err  error
	)
	switch {
	case strings.HasPrefix(req.Authorization, "Bearer "):
		user, err = r.extractFromJWT(ctx, req, strings.TrimPrefix(req.Authorization, "Bearer "))
	case req.APIKey != "" && r.Config.DBAPIKeysEnabled:
		user, err = r.extractFromDBAPIKey(ctx, req)
	case req.APIKey != "" && r.Config.StaticAPIKey != "":
		user, err = r.extractFromStaticAPIKey(ctx, req)
	case r.Config.AnonymousAllowed:
		user, err = r.getOrCreateUser(ctx, req, "anonymous", "anonymous", "", "")
	default:
		r.auditReject(ctx, req, nil, "unauthenticated", orcherr.ErrUnauthenticated)
		err = orcherr.ErrUnauthenticated
	}
	if err != nil {
		log.Error(ctx, err, log.KV{K: "component", V: "identity"}, log.KV{K: "event", V: "extract_user rejected"})
	}
	return user, err
}

func (r *Resolver) extractFromJWT(ctx context.Context, req Request, token string) (*catalog.User, error) {
	claims := &jwtClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("identity: unexpected signing method %v", t.Method.Alg())
		}
		kid, _ := t.Header["kid"].(string)
		return r.JWKS.GetKey(ctx, kid)
	},
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(r.Config.JWTIssuer),
		jwt.WithAudience(r.Config.JWTAudience),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		detail := &orcherr.InvalidTokenDetail{Reason: "signature or claim validation failed"}
		r.auditReject(ctx, req, nil, "invalid_token", detail)
		return nil, detail
	}

	sub := claims.Subject
	if sub == "" {
		detail := &orcherr.InvalidTokenDetail{Reason: "missing subject claim"}
		r.auditReject(ctx, req, nil, "invalid_token", detail)
		return nil, detail
	}
	return r.getOrCreateUser(ctx, req, sub, "jwt", claims.Email, claims.Name)
}

func (r *Resolver) extractFromDBAPIKey(ctx context.Context, req Request) (*catalog.User, error) {
	rawKey := req.APIKey
	sum := sha256.Sum256([]byte(rawKey))
	hash := ids.ApiKeyHash(hex.EncodeToString(sum[:]))

	key, err := r.Store.FindApiKeyByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			r.auditReject(ctx, req, nil, "invalid_api_key", orcherr.ErrInvalidAPIKey)
			return nil, orcherr.ErrInvalidAPIKey
		}
		return nil, fmt.Errorf("identity: lookup api key: %w", err)
	}
	if !key.IsActive {
		r.auditReject(ctx, req, key.UserID, "api_key_revoked", orcherr.ErrAPIKeyRevoked)
		return nil, orcherr.ErrAPIKeyRevoked
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
		r.auditReject(ctx, req, key.UserID, "api_key_expired", orcherr.ErrAPIKeyExpired)
		return nil, orcherr.ErrAPIKeyExpired
	}
	if err := r.Store.TouchApiKeyLastUsed(ctx, hash); err != nil {
		return nil, fmt.Errorf("identity: touch api key: %w", err)
	}
	if key.UserID == nil {
		r.auditReject(ctx, req, nil, "invalid_api_key", orcherr.ErrInvalidAPIKey)
		return nil, orcherr.ErrInvalidAPIKey
	}
	user, err := r.Store.FindUserByID(ctx, *key.UserID)
	if err != nil {
		return nil, fmt.Errorf("identity: lookup api key user: %w", err)
	}
	return r.rejectInactive(ctx, req, user)
}

func (r *Resolver) extractFromStaticAPIKey(ctx context.Context, req Request) (*catalog.User, error) {
	if subtle.ConstantTimeCompare([]byte(req.APIKey), []byte(r.Config.StaticAPIKey)) != 1 {
		r.auditReject(ctx, req, nil, "invalid_api_key", orcherr.ErrInvalidAPIKey)
		return nil, orcherr.ErrInvalidAPIKey
	}
	return r.getOrCreateUser(ctx, req, "static-api-key", "api_key", "", "")
}

func (r *Resolver) getOrCreateUser(ctx context.Context, req Request, externalID string, provider ids.IdentityProvider, email, name string) (*catalog.User, error) {
	existing, err := r.Store.FindUserByExternalID(ctx, provider, ids.ExternalUserId(externalID))
	if err == nil {
		return r.rejectInactive(ctx, req, existing)
	}
	if !errors.Is(err, catalog.ErrNotFound) {
		return nil, fmt.Errorf("identity: lookup user: %w", err)
	}

	created, err := r.Store.UpsertUser(ctx, catalog.User{
		ExternalID:  ids.ExternalUserId(externalID),
		Provider:    provider,
		Email:       email,
		DisplayName: name,
		IsActive:    true,
		LastSeen:    time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("identity: create user: %w", err)
	}
	return created, nil
}

// rejectInactive blocks a deactivated user, auditing the rejection (spec
// §7's audit-log policy for UserDeactivated).
func (r *Resolver) rejectInactive(ctx context.Context, req Request, user *catalog.User) (*catalog.User, error) {
	if !user.IsActive {
		r.auditReject(ctx, req, &user.ID, "user_deactivated", orcherr.ErrUserDeactivated)
		return nil, orcherr.ErrUserDeactivated
	}
	return user, nil
}

// auditReject appends a best-effort audit log entry for a rejected
// authentication attempt. A failure to append is logged, never returned:
// audit logging must never itself cause an auth rejection to fail harder.
func (r *Resolver) auditReject(ctx context.Context, req Request, userID *ids.UserId, action string, cause error) {
	if r.Store == nil {
		return
	}
	entry := catalog.AuditLog{
		UserID:       userID,
		Action:       action,
		ResourceType: "identity",
		Details:      map[string]any{"reason": cause.Error()},
		IP:           req.IP,
		UserAgent:    req.UserAgent,
	}
	if err := r.Store.AppendAudit(ctx, entry); err != nil {
		log.Error(ctx, err, log.KV{K: "component", V: "identity"}, log.KV{K: "event", V: "append audit failed"})
	}
}

// UserToolFilter applies a user's preferences to tool/selection lists,
// matching spec §4.J: is_tool_allowed, is_service_trusted, filter_tools,
// filter_selections, apply_trust_boost.
type UserToolFilter struct {
	Prefs catalog.UserPreferences
}

// IsServiceTrusted reports whether svc is in the user's trusted set.
func (f UserToolFilter) IsServiceTrusted(svc ids.ServiceId) bool {
	_, ok := f.Prefs.TrustedServices[svc]
	return ok
}

// IsToolAllowed reports whether a tool belonging to svc is allowed to run:
// blocked services are always rejected; DenyUnknown mode additionally
// requires the service to be explicitly trusted.
func (f UserToolFilter) IsToolAllowed(svc ids.ServiceId) bool {
	if _, blocked := f.Prefs.BlockedServices[svc]; blocked {
		return false
	}
	if f.Prefs.DefaultApprovalMode == catalog.ApprovalDenyUnknown {
		return f.IsServiceTrusted(svc)
	}
	return true
}

// FilterTools drops tools whose service is not allowed.
func (f UserToolFilter) FilterTools(tools []catalog.Tool) []catalog.Tool {
	out := make([]catalog.Tool, 0, len(tools))
	for _, t := range tools {
		if f.IsToolAllowed(t.ServiceID) {
			out = append(out, t)
		}
	}
	return out
}

// FilterSelections drops selections whose service is not allowed.
func (f UserToolFilter) FilterSelections(selections []selector.ToolSelection) []selector.ToolSelection {
	out := make([]selector.ToolSelection, 0, len(selections))
	for _, s := range selections {
		if f.IsToolAllowed(s.ServiceID) {
			out = append(out, s)
		}
	}
	return out
}

// ApplyTrustBoost adds epsilon to the confidence of any selection whose
// service is trusted, capped at 1.0 (spec §4.I step 7 / §4.J).
func (f UserToolFilter) ApplyTrustBoost(selections []selector.ToolSelection, epsilon float64) []selector.ToolSelection {
	out := make([]selector.ToolSelection, len(selections))
	for i, s := range selections {
		if f.IsServiceTrusted(s.ServiceID) {
			s.Confidence += epsilon
			if s.Confidence > 1.0 {
				s.Confidence = 1.0
			}
		}
		out[i] = s
	}
	return out
}
