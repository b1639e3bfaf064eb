package mcpserver_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unicitynetwork/unicity-orchestrator-sub000/approval"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/catalog"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/catalog/memstore"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/identity"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/ids"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/mcpserver"
)

func TestOAuthConnectReportsRedirectURIForLiveElicitation(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.EnsureSchema(ctx))

	coord := &approval.Coordinator{Store: store, CallbackBaseURL: "https://orchestrator.example.com"}
	req, err := coord.RequestURLElicitation(ctx, ids.UserId("user-1"), ids.IdentityProvider("github"), ids.RedirectUri("https://client.example.com/callback"), "Connect GitHub to continue", "github-tools", 0)
	require.NoError(t, err)

	oauth := &mcpserver.OAuthServer{Approval: coord}
	mux := http.NewServeMux()
	oauth.Routes(mux)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/oauth/connect/github?elicitation_id="+req.ElicitationID, nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "https://client.example.com/callback", body["redirectUri"])
}

func TestOAuthConnectRejectsMissingElicitationID(t *testing.T) {
	oauth := &mcpserver.OAuthServer{Approval: &approval.Coordinator{Store: memstore.New()}}
	mux := http.NewServeMux()
	oauth.Routes(mux)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/oauth/connect/github", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestOAuthConnectRejectsUnknownElicitation(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.EnsureSchema(ctx))

	oauth := &mcpserver.OAuthServer{Approval: &approval.Coordinator{Store: store}}
	mux := http.NewServeMux()
	oauth.Routes(mux)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/oauth/connect/github?elicitation_id=elicitation-bogus", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestOAuthCallbackConsumesStateForAnonymousUser(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.EnsureSchema(ctx))
	anon, err := store.UpsertUser(ctx, catalog.User{ExternalID: "anonymous", Provider: "anonymous", IsActive: true})
	require.NoError(t, err)

	coord := &approval.Coordinator{Store: store, CallbackBaseURL: "https://orchestrator.example.com"}
	elicitation, err := coord.RequestURLElicitation(ctx, anon.ID, ids.IdentityProvider("github"), ids.RedirectUri("https://client.example.com/callback"), "Connect GitHub to continue", "github-tools", 0)
	require.NoError(t, err)

	state, err := store.FindOAuthState(ctx, elicitation.ElicitationID)
	require.NoError(t, err)

	oauth := &mcpserver.OAuthServer{
		Approval: coord,
		Resolver: &identity.Resolver{Store: store, Config: identity.Config{AnonymousAllowed: true}},
	}
	mux := http.NewServeMux()
	oauth.Routes(mux)

	rr := httptest.NewRecorder()
	url := "/oauth/callback/github?elicitation_id=" + elicitation.ElicitationID + "&state=" + state.StateToken
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, url, nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, true, body["completed"])

	_, err = store.FindOAuthState(ctx, elicitation.ElicitationID)
	assert.Error(t, err)
}

func TestOAuthCallbackRejectsUnauthenticatedCaller(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.EnsureSchema(ctx))

	oauth := &mcpserver.OAuthServer{
		Approval: &approval.Coordinator{Store: store},
		Resolver: &identity.Resolver{Store: store, Config: identity.Config{AnonymousAllowed: false}},
	}
	mux := http.NewServeMux()
	oauth.Routes(mux)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/oauth/callback/github?elicitation_id=elicitation-1&state=state-1", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
