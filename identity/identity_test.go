package identity_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unicitynetwork/unicity-orchestrator-sub000/catalog"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/catalog/memstore"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/identity"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/ids"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/orcherr"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/selector"
)

func jwksServer(t *testing.T, key *rsa.PrivateKey, kid string) *httptest.Server {
	t.Helper()
	n := base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes())
	eBytes := []byte{1, 0, 1} // 65537
	e := base64.RawURLEncoding.EncodeToString(eBytes)
	doc := map[string]any{
		"keys": []map[string]any{
			{"kty": "RSA", "kid": kid, "use": "sig", "n": n, "e": e},
		},
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(doc)
	}))
}

func TestExtractUserFromJWTBearerToken(t *testing.T) {
	ctx := context.Background()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	srv := jwksServer(t, key, "kid-1")
	defer srv.Close()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": "user-42",
		"iss": "https://issuer.example",
		"aud": "orchestrator",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	token.Header["kid"] = "kid-1"
	signed, err := token.SignedString(key)
	require.NoError(t, err)

	store := memstore.New()
	require.NoError(t, store.EnsureSchema(ctx))
	resolver := &identity.Resolver{
		Store: store,
		JWKS:  identity.NewJwksCache(srv.URL, time.Hour, true, nil),
		Config: identity.Config{
			JWTIssuer:   "https://issuer.example",
			JWTAudience: "orchestrator",
		},
	}

	user, err := resolver.ExtractUser(ctx, identity.Request{Authorization: "Bearer " + signed})
	require.NoError(t, err)
	assert.Equal(t, ids.ExternalUserId("user-42"), user.ExternalID)
	assert.Equal(t, ids.IdentityProvider("jwt"), user.Provider)

	again, err := resolver.ExtractUser(ctx, identity.Request{Authorization: "Bearer " + signed})
	require.NoError(t, err)
	assert.Equal(t, user.ID, again.ID)
}

func TestExtractUserRejectsBadSignature(t *testing.T) {
	ctx := context.Background()
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	wrongKey, _ := rsa.GenerateKey(rand.Reader, 2048)
	srv := jwksServer(t, key, "kid-1")
	defer srv.Close()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": "user-1", "exp": time.Now().Add(time.Hour).Unix(),
	})
	token.Header["kid"] = "kid-1"
	signed, _ := token.SignedString(wrongKey)

	resolver := &identity.Resolver{
		Store: memstore.New(),
		JWKS:  identity.NewJwksCache(srv.URL, time.Hour, false, nil),
	}
	_, err := resolver.ExtractUser(ctx, identity.Request{Authorization: "Bearer " + signed})
	assert.Error(t, err)
}

func TestExtractUserStaticAPIKey(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.EnsureSchema(ctx))
	resolver := &identity.Resolver{Store: store, Config: identity.Config{StaticAPIKey: "secret-key"}}

	user, err := resolver.ExtractUser(ctx, identity.Request{APIKey: "secret-key"})
	require.NoError(t, err)
	assert.Equal(t, ids.IdentityProvider("api_key"), user.Provider)

	_, err = resolver.ExtractUser(ctx, identity.Request{APIKey: "wrong-key"})
	assert.ErrorIs(t, err, orcherr.ErrInvalidAPIKey)

	page, err := store.ListAudit(ctx, nil, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, "invalid_api_key", page.Entries[0].Action)
}

func TestExtractUserAnonymousFallback(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.EnsureSchema(ctx))
	resolver := &identity.Resolver{Store: store, Config: identity.Config{AnonymousAllowed: true}}

	user, err := resolver.ExtractUser(ctx, identity.Request{})
	require.NoError(t, err)
	assert.Equal(t, ids.ExternalUserId("anonymous"), user.ExternalID)
}

func TestExtractUserUnauthenticatedWhenNoCredentialOffered(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.EnsureSchema(ctx))
	resolver := &identity.Resolver{Store: store}
	_, err := resolver.ExtractUser(ctx, identity.Request{IP: "10.0.0.5"})
	assert.ErrorIs(t, err, orcherr.ErrUnauthenticated)

	page, err := store.ListAudit(ctx, nil, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, "unauthenticated", page.Entries[0].Action)
	assert.Equal(t, "10.0.0.5", page.Entries[0].IP)
}

func TestExtractUserRejectsDeactivatedUser(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.EnsureSchema(ctx))
	_, err := store.UpsertUser(ctx, catalog.User{
		ExternalID: "anonymous", Provider: "anonymous", IsActive: false,
	})
	require.NoError(t, err)

	resolver := &identity.Resolver{Store: store, Config: identity.Config{AnonymousAllowed: true}}
	_, err = resolver.ExtractUser(ctx, identity.Request{})
	assert.ErrorIs(t, err, orcherr.ErrUserDeactivated)

	page, err := store.ListAudit(ctx, nil, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, "user_deactivated", page.Entries[0].Action)
}

func TestUserToolFilterBlocksBlockedServiceAndBoostsTrusted(t *testing.T) {
	blocked := ids.ServiceId("bad-svc")
	trusted := ids.ServiceId("good-svc")
	filter := identity.UserToolFilter{Prefs: catalog.UserPreferences{
		BlockedServices: map[ids.ServiceId]struct{}{blocked: {}},
		TrustedServices: map[ids.ServiceId]struct{}{trusted: {}},
	}}

	assert.False(t, filter.IsToolAllowed(blocked))
	assert.True(t, filter.IsToolAllowed(trusted))
	assert.True(t, filter.IsServiceTrusted(trusted))

	selections := []selector.ToolSelection{
		{ServiceID: trusted, Confidence: 0.95},
		{ServiceID: "other", Confidence: 0.5},
	}
	boosted := filter.ApplyTrustBoost(selections, 0.2)
	assert.InDelta(t, 1.0, boosted[0].Confidence, 1e-9)
	assert.InDelta(t, 0.5, boosted[1].Confidence, 1e-9)
}

func TestUserToolFilterDenyUnknownModeRequiresTrust(t *testing.T) {
	trusted := ids.ServiceId("good-svc")
	filter := identity.UserToolFilter{Prefs: catalog.UserPreferences{
		DefaultApprovalMode: catalog.ApprovalDenyUnknown,
		TrustedServices:     map[ids.ServiceId]struct{}{trusted: {}},
	}}

	assert.True(t, filter.IsToolAllowed(trusted))
	assert.False(t, filter.IsToolAllowed("unknown-svc"))
}
