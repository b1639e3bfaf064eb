// Package approval implements the tool approval gate and the elicitation
// coordinator (spec §4.K): a pre-flight permission check, form-mode
// elicitation with JSON-Schema validation of the client's response, and
// URL-mode (OAuth) elicitation for authorization flows that must not pass
// through the MCP client. Grounded on
// original_source/src/elicitation/{mod,approval,store,url}.rs.
package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"goa.design/clue/log"

	"github.com/unicitynetwork/unicity-orchestrator-sub000/catalog"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/ids"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/orcherr"
)

// Decision is the outcome of a pre-flight approval check, matching spec
// §4.K's Granted | Denied | Required | Expired.
type Decision string

const (
	Granted  Decision = "granted"
	Denied   Decision = "denied"
	Required Decision = "required"
	Expired  Decision = "expired"
)

// ElicitationAction is the client's response to a composed tool-approval
// elicitation.
type ElicitationAction string

const (
	ActionAllowOnce   ElicitationAction = "allow_once"
	ActionAlwaysAllow ElicitationAction = "always_allow"
	ActionDeny        ElicitationAction = "deny"
)

// ClientOutcome is the envelope around a client's response to any
// elicitation: Accept with content, Decline, or Cancel.
type ClientOutcome struct {
	Accepted bool
	Declined bool
	Canceled bool
	Content  map[string]any
}

// Coordinator implements the tool approval gate and elicitation flows.
// Peer reports whether a client connection supports form-mode elicitation
// (the "elicitation" capability) and is currently connected; a nil Peer is
// treated as never supporting it.
type Coordinator struct {
	Store              catalog.Store
	Peer               PeerCapability
	CallbackBaseURL    string
	Broadcaster        Broadcaster
	DefaultElicitTTL   time.Duration
}

// PeerCapability reports the connected MCP client's elicitation support.
type PeerCapability interface {
	SupportsElicitation() bool
	Connected() bool
}

// Check implements spec §4.K's tool approval pre-flight: look up a stored
// permission for (tool, service, user); Granted/Denied if found and not
// expired; Required if none exists; Expired if the returned row is past
// ExpiresAt. Both catalog stores' FindPermission skip rows past ExpiresAt,
// so with them an expired permission reads as no permission and Check
// returns Required, not Expired.
func (c *Coordinator) Check(ctx context.Context, toolID ids.ToolId, serviceID ids.ServiceId, userID ids.UserId) (Decision, error) {
	perm, err := c.Store.FindPermission(ctx, toolID, userID)
	if err != nil {
		if err == catalog.ErrNotFound {
			return Required, nil
		}
		return "", fmt.Errorf("approval: find permission: %w", err)
	}
	if perm.ExpiresAt != nil && perm.ExpiresAt.Before(time.Now()) {
		return Expired, nil
	}
	switch perm.Action {
	case catalog.Deny:
		log.Debugf(ctx, "approval.check tool=%s user=%s decision=denied", toolID, userID)
		return Denied, nil
	default:
		return Granted, nil
	}
}

// approvalSchemaJSON is the fixed schema for a tool-approval elicitation (spec
// §4.K): an enum field `action` and an optional boolean `remember`.
var approvalSchemaJSON = []byte(`{
	"type": "object",
	"properties": {
		"action": {"type": "string", "enum": ["allow_once", "always_allow", "deny"]},
		"remember": {"type": "boolean"}
	},
	"required": ["action"]
}`)

// RequestApproval composes and would forward a tool-approval elicitation,
// then resolves the client's outcome into a persisted permission decision
// and a final Decision. The actual "forward to client" transport is the
// caller's responsibility (it owns the MCP connection); RequestApproval
// takes the client's resolved outcome directly so it can be driven from
// tests and from the real transport identically.
func (c *Coordinator) RequestApproval(ctx context.Context, toolName ids.ToolName, serviceName string, toolID ids.ToolId, serviceID ids.ServiceId, userID ids.UserId, outcome ClientOutcome) (Decision, error) {
	switch {
	case outcome.Canceled:
		return "", orcherr.ErrCanceled
	case outcome.Declined:
		return Denied, nil
	case !outcome.Accepted:
		return "", orcherr.ErrDeclined
	}

	if err := validateAgainstSchema(approvalSchemaJSON, outcome.Content); err != nil {
		return "", err
	}
	actionRaw, _ := outcome.Content["action"].(string)
	action := ElicitationAction(actionRaw)

	var perm catalog.ToolPermission
	switch action {
	case ActionDeny:
		perm = catalog.ToolPermission{ToolID: toolID, ServiceID: serviceID, UserID: userID, Action: catalog.Deny}
	case ActionAlwaysAllow:
		perm = catalog.ToolPermission{ToolID: toolID, ServiceID: serviceID, UserID: userID, Action: catalog.AlwaysAllow}
	default:
		perm = catalog.ToolPermission{ToolID: toolID, ServiceID: serviceID, UserID: userID, Action: catalog.AllowOnce}
	}

	if _, err := c.Store.SavePermission(ctx, perm); err != nil {
		return "", fmt.Errorf("approval: save permission: %w", err)
	}
	if action == ActionDeny {
		log.Print(ctx, log.KV{K: "component", V: "approval"}, log.KV{K: "tool", V: toolName}, log.KV{K: "decision", V: "denied"})
		return Denied, nil
	}
	log.Print(ctx, log.KV{K: "component", V: "approval"}, log.KV{K: "tool", V: toolName}, log.KV{K: "decision", V: "granted"})
	return Granted, nil
}

// ApprovalMessage renders the exact message text spec §4.K requires.
func ApprovalMessage(serviceName string, toolName ids.ToolName) string {
	return fmt.Sprintf("The '%s' service is requesting permission to execute the '%s' tool.", serviceName, toolName)
}

// Primitive kinds for a form-mode elicitation field, matching spec §4.K.
type PrimitiveKind string

const (
	PrimitiveString  PrimitiveKind = "string"
	PrimitiveNumber  PrimitiveKind = "number"
	PrimitiveInteger PrimitiveKind = "integer"
	PrimitiveBoolean PrimitiveKind = "boolean"
	PrimitiveEnum    PrimitiveKind = "enum"
)

// FieldSchema describes one property of a form-mode elicitation schema.
type FieldSchema struct {
	Kind      PrimitiveKind
	Format    string // email | uri | date | date-time, String only
	MinLength *int
	MaxLength *int
	Minimum   *float64
	Maximum   *float64
	EnumValues []string
}

// FormSchema is the schema of a form-mode elicitation request, matching
// spec §4.K's `{ type: "object", properties: {...}, required: [...] }`.
type FormSchema struct {
	Properties map[string]FieldSchema
	Required   []string
}

// FormRequest is a form-mode elicitation request forwarded to the client.
type FormRequest struct {
	Message string
	Schema  FormSchema
}

// RequestForm implements spec §4.K's form-mode elicitation: requires the
// "elicitation" client capability and a connected peer; on Accept, validates
// the response content against the schema and returns it; on validation
// failure returns orcherr.ErrInvalidSchema; races ctx (the caller's
// elicitation-timeout-bound context, per SPEC_FULL's suspending-wait note)
// against the outcome arriving.
func (c *Coordinator) RequestForm(ctx context.Context, req FormRequest, outcomeCh <-chan ClientOutcome) (map[string]any, error) {
	if c.Peer == nil || !c.Peer.SupportsElicitation() || !c.Peer.Connected() {
		return nil, orcherr.ErrUnsupportedMode
	}

	var outcome ClientOutcome
	select {
	case outcome = <-outcomeCh:
	case <-ctx.Done():
		return nil, orcherr.ErrExpired
	}

	switch {
	case outcome.Canceled:
		return nil, orcherr.ErrCanceled
	case outcome.Declined:
		return nil, orcherr.ErrDeclined
	case !outcome.Accepted:
		return nil, orcherr.ErrDeclined
	}

	if err := req.Schema.validate(outcome.Content); err != nil {
		return nil, err
	}
	return outcome.Content, nil
}

// validate checks content against a FormSchema per spec §4.K: required
// fields present, values conform to primitive constraints, string formats
// parse.
func (s FormSchema) validate(content map[string]any) error {
	for _, name := range s.Required {
		if _, ok := content[name]; !ok {
			return &orcherr.InvalidSchemaDetail{Field: name, Reason: "required field missing"}
		}
	}
	for name, field := range s.Properties {
		v, ok := content[name]
		if !ok {
			continue
		}
		if err := field.validateValue(v); err != nil {
			return &orcherr.InvalidSchemaDetail{Field: name, Reason: err.Error()}
		}
	}
	return nil
}

func (f FieldSchema) validateValue(v any) error {
	switch f.Kind {
	case PrimitiveString:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string")
		}
		if f.MinLength != nil && len(s) < *f.MinLength {
			return fmt.Errorf("shorter than minLength %d", *f.MinLength)
		}
		if f.MaxLength != nil && len(s) > *f.MaxLength {
			return fmt.Errorf("longer than maxLength %d", *f.MaxLength)
		}
		return validateFormat(f.Format, s)
	case PrimitiveNumber, PrimitiveInteger:
		n, ok := toFloat(v)
		if !ok {
			return fmt.Errorf("expected number")
		}
		if f.Kind == PrimitiveInteger && n != float64(int64(n)) {
			return fmt.Errorf("expected integer")
		}
		if f.Minimum != nil && n < *f.Minimum {
			return fmt.Errorf("below minimum %g", *f.Minimum)
		}
		if f.Maximum != nil && n > *f.Maximum {
			return fmt.Errorf("above maximum %g", *f.Maximum)
		}
		return nil
	case PrimitiveBoolean:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("expected boolean")
		}
		return nil
	case PrimitiveEnum:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string enum value")
		}
		for _, allowed := range f.EnumValues {
			if s == allowed {
				return nil
			}
		}
		return fmt.Errorf("value %q not in enum", s)
	default:
		return nil
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func validateFormat(format, s string) error {
	switch format {
	case "email":
		if !bytes.ContainsRune([]byte(s), '@') {
			return fmt.Errorf("invalid email format")
		}
	case "uri":
		if parsed, err := url.Parse(s); err != nil || parsed.Scheme == "" {
			return fmt.Errorf("invalid uri format")
		}
	case "date":
		if _, err := time.Parse("2006-01-02", s); err != nil {
			return fmt.Errorf("invalid date format")
		}
	case "date-time":
		if _, err := time.Parse(time.RFC3339, s); err != nil {
			return fmt.Errorf("invalid date-time format")
		}
	}
	return nil
}

// validateAgainstSchema compiles the fixed approval-elicitation JSON schema
// with jsonschema/v6 and validates content against it, matching the
// approval gate's request/response shape exactly as spec §4.K defines it.
func validateAgainstSchema(schemaJSON []byte, content map[string]any) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("approval-schema.json", bytes.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("approval: compile schema resource: %w", err)
	}
	sch, err := compiler.Compile("approval-schema.json")
	if err != nil {
		return fmt.Errorf("approval: compile schema: %w", err)
	}

	data, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("approval: marshal content: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("approval: unmarshal content: %w", err)
	}
	if err := sch.Validate(instance); err != nil {
		return &orcherr.InvalidSchemaDetail{Field: "action", Reason: err.Error()}
	}
	return nil
}
