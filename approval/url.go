package approval

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/unicitynetwork/unicity-orchestrator-sub000/catalog"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/ids"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/orcherr"
)

// UrlElicitationRequest is delivered to the user's client through a side
// channel (the Broadcaster) rather than the form-mode elicitation path,
// matching spec §4.K.
type UrlElicitationRequest struct {
	Message       string
	URL           string
	ElicitationID string
	ServiceName   string
}

// defaultOAuthStateTTL is used when RequestURLElicitation's caller does not
// specify one.
const defaultOAuthStateTTL = 10 * time.Minute

// RequestURLElicitation implements spec §4.K's URL-mode elicitation flow:
// generate an elicitation/state-token pair, persist the OAuthState, build
// the connect URL, and publish a UrlElicitationRequest to the user's
// broadcaster channel. Matches original_source/src/elicitation/url.rs's
// UrlHandler::create_oauth_state / build_connect_url, with
// "elicitation-<uuid>" / "state-<uuid>" prefixes preserved verbatim.
func (c *Coordinator) RequestURLElicitation(ctx context.Context, userID ids.UserId, provider ids.IdentityProvider, redirectURI ids.RedirectUri, message, serviceName string, ttl time.Duration) (UrlElicitationRequest, error) {
	if message == "" {
		return UrlElicitationRequest{}, &orcherr.InvalidSchemaDetail{Field: "message", Reason: "must not be empty"}
	}
	if ttl <= 0 {
		ttl = defaultOAuthStateTTL
	}

	elicitationID := fmt.Sprintf("elicitation-%s", uuid.NewString())
	stateToken := fmt.Sprintf("state-%s", uuid.NewString())

	state := catalog.OAuthState{
		ElicitationID: elicitationID,
		UserID:        userID,
		Provider:      provider,
		StateToken:    stateToken,
		RedirectURI:   redirectURI,
		ExpiresAt:     time.Now().Add(ttl),
	}
	if err := c.Store.StoreOAuthState(ctx, state); err != nil {
		return UrlElicitationRequest{}, fmt.Errorf("approval: store oauth state: %w", err)
	}

	connectURL, err := c.buildConnectURL(string(provider), elicitationID)
	if err != nil {
		return UrlElicitationRequest{}, err
	}

	req := UrlElicitationRequest{
		Message:       provenanceWrap(serviceName, message),
		URL:           connectURL,
		ElicitationID: elicitationID,
		ServiceName:   serviceName,
	}
	if c.Broadcaster != nil {
		c.Broadcaster.Publish(userID, req)
	}
	return req, nil
}

// buildConnectURL constructs "<callback_base>/oauth/connect/<provider>?elicitation_id=<id>"
// and validates it per spec §4.K's security invariants: scheme must be
// http or https; non-loopback http is permitted but would warn in a full
// deployment (logging is the caller's concern, not this pure builder's).
func (c *Coordinator) buildConnectURL(provider, elicitationID string) (string, error) {
	raw := fmt.Sprintf("%s/oauth/connect/%s?elicitation_id=%s", strings.TrimRight(c.CallbackBaseURL, "/"), provider, elicitationID)
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", &orcherr.InvalidSchemaDetail{Field: "url", Reason: "invalid URL format"}
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", &orcherr.InvalidSchemaDetail{Field: "url", Reason: "URL must use HTTP or HTTPS"}
	}
	return raw, nil
}

// ConsumeURLElicitation implements spec §4.K step 5: on OAuth callback,
// consume(elicitation_id) is single-use and asserts the calling user's
// identity, so a user cannot complete another user's elicitation.
func (c *Coordinator) ConsumeURLElicitation(ctx context.Context, elicitationID, stateToken string, callingUser ids.UserId) (*catalog.OAuthState, error) {
	state, err := c.Store.FindOAuthState(ctx, elicitationID)
	if err != nil {
		if err == catalog.ErrNotFound {
			return nil, &orcherr.NotFoundDetail{ID: elicitationID}
		}
		return nil, fmt.Errorf("approval: find oauth state: %w", err)
	}
	if state.UserID != callingUser {
		return nil, &orcherr.NotFoundDetail{ID: elicitationID}
	}
	if state.ExpiresAt.Before(time.Now()) {
		return nil, orcherr.ErrExpired
	}

	consumed, err := c.Store.ConsumeOAuthState(ctx, elicitationID, stateToken)
	if err != nil {
		if err == catalog.ErrNotFound {
			return nil, &orcherr.NotFoundDetail{ID: elicitationID}
		}
		return nil, fmt.Errorf("approval: consume oauth state: %w", err)
	}
	return consumed, nil
}

// provenanceWrap prepends "[<service-name>] " to a message forwarded from a
// downstream service, matching spec §4.K's provenance wrapping.
func provenanceWrap(serviceName, message string) string {
	if serviceName == "" {
		return message
	}
	return fmt.Sprintf("[%s] %s", serviceName, message)
}
