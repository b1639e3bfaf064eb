package mcpserver

import (
	"encoding/json"
	"net/http"

	"github.com/unicitynetwork/unicity-orchestrator-sub000/approval"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/identity"
)

// OAuthServer exposes the OAuth callback surface of spec §6: the connect
// endpoint that begins provider auth, and the provider redirect URI that
// completes it by consuming the OAuthState. The actual per-provider
// authorization-code exchange is an external collaborator (no OAuth
// provider SDK is part of the domain stack — see DESIGN.md); this package
// owns only the elicitation_id handshake around it.
type OAuthServer struct {
	Approval *approval.Coordinator
	Resolver *identity.Resolver
}

// Routes registers /oauth/connect/{provider} and /oauth/callback/{provider}.
func (o *OAuthServer) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /oauth/connect/{provider}", o.handleConnect)
	mux.HandleFunc("GET /oauth/callback/{provider}", o.handleCallback)
}

// handleConnect validates that elicitation_id names a live, unexpired
// OAuthState (spec §6) before handing off to the provider. The provider
// redirect itself is left to deployment-specific configuration, since no
// provider client is wired into this repository.
func (o *OAuthServer) handleConnect(w http.ResponseWriter, r *http.Request) {
	elicitationID := r.URL.Query().Get("elicitation_id")
	if elicitationID == "" {
		writeJSONError(w, http.StatusBadRequest, "elicitation_id is required")
		return
	}
	state, err := o.Approval.Store.FindOAuthState(r.Context(), elicitationID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "unknown or expired elicitation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"provider":      r.PathValue("provider"),
		"elicitationId": elicitationID,
		"redirectUri":   state.RedirectURI,
	})
}

// handleCallback completes a URL-mode elicitation: the calling user is
// resolved the same way any other request is (spec §4.J), then
// ConsumeURLElicitation asserts it matches the state's owning user and
// that the state is single-use and unexpired.
func (o *OAuthServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	elicitationID := q.Get("elicitation_id")
	stateToken := q.Get("state")
	if elicitationID == "" || stateToken == "" {
		writeJSONError(w, http.StatusBadRequest, "elicitation_id and state are required")
		return
	}

	user, err := o.Resolver.ExtractUser(r.Context(), identity.Request{
		Authorization: r.Header.Get("Authorization"),
		APIKey:        r.Header.Get("X-API-Key"),
		IP:            r.RemoteAddr,
		UserAgent:     r.UserAgent(),
	})
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, err.Error())
		return
	}

	consumed, err := o.Approval.ConsumeURLElicitation(r.Context(), elicitationID, stateToken, user.ID)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"provider": consumed.Provider, "completed": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
