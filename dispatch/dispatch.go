// Package dispatch implements Execute, the final step of a tool call once
// selection and approval have already happened (spec §4.L): resolve the
// tool and its backend, invoke the tool, update usage/sequence statistics,
// and consume one-shot permissions.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"

	"github.com/unicitynetwork/unicity-orchestrator-sub000/backend"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/catalog"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/ids"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/orcherr"
)

var (
	tracer = otel.Tracer("unicity-orchestrator/dispatch")
	meter  = otel.Meter("unicity-orchestrator/dispatch")

	dispatchCount, _     = meter.Int64Counter("dispatch.count", metric.WithDescription("Tool dispatches, by outcome"))
	dispatchLatencyMs, _ = meter.Float64Histogram("dispatch.latency_ms", metric.WithDescription("Tool dispatch latency in milliseconds"))
)

// Dispatcher wires the catalog and the live backend registry together to
// implement Execute. LastTool tracks, per session, the most recently
// dispatched tool so consecutive calls can be recorded as a sequence edge
// (spec §3's tool-sequence learning, recovered in more detail by
// SPEC_FULL's "sequence edge frequency/success-rate updates" note).
type Dispatcher struct {
	Store    catalog.Store
	Registry *backend.Registry

	mu       sync.Mutex
	lastTool map[string]ids.ToolId // sessionID -> last dispatched tool
}

// NewDispatcher constructs a Dispatcher ready to serve Execute calls.
func NewDispatcher(store catalog.Store, registry *backend.Registry) *Dispatcher {
	return &Dispatcher{Store: store, Registry: registry, lastTool: map[string]ids.ToolId{}}
}

// Result is the outcome of a dispatched tool call.
type Result struct {
	Content    json.RawMessage
	Structured json.RawMessage
	IsError    bool
}

// Execute implements spec §4.L exactly: load the tool, resolve its backend,
// invoke call_tool, update usage_count, consume an AllowOnce permission if
// one was granted for this call, and record the sequence edge from the
// session's previously dispatched tool, if any.
func (d *Dispatcher) Execute(ctx context.Context, sessionID string, selection ids.ToolId, serviceID ids.ServiceId, userID ids.UserId, args json.RawMessage, grantedPermission *ids.PermissionId) (Result, error) {
	ctx, span := tracer.Start(ctx, "dispatch.execute",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("dispatch.tool_id", string(selection)), attribute.String("dispatch.session", sessionID)),
	)
	start := time.Now()
	defer span.End()

	result, err := d.execute(ctx, sessionID, selection, args, grantedPermission)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch failed")
		log.Error(ctx, err, log.KV{K: "component", V: "dispatch"}, log.KV{K: "tool_id", V: string(selection)})
	} else if result.IsError {
		outcome = "tool_error"
	}
	dispatchCount.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	dispatchLatencyMs.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("outcome", outcome)))
	return result, err
}

func (d *Dispatcher) execute(ctx context.Context, sessionID string, selection ids.ToolId, args json.RawMessage, grantedPermission *ids.PermissionId) (Result, error) {
	tool, err := d.Store.FindToolByID(ctx, selection)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return Result{}, &orcherr.NotFoundDetail{ID: string(selection)}
		}
		return Result{}, fmt.Errorf("dispatch: load tool: %w", err)
	}

	caller, ok := d.Registry.Get(tool.ServiceID)
	if !ok {
		return Result{}, &orcherr.NotFoundDetail{ID: string(tool.ServiceID)}
	}

	resp, err := caller.CallTool(ctx, backend.CallRequest{Tool: string(tool.Name), Payload: args})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s", orcherr.ErrBackendError, err.Error())
	}

	if err := d.Store.IncrementToolUsage(ctx, tool.ID); err != nil {
		return Result{}, fmt.Errorf("dispatch: increment usage: %w", err)
	}

	if grantedPermission != nil {
		if err := d.Store.ConsumePermission(ctx, *grantedPermission); err != nil {
			return Result{}, fmt.Errorf("dispatch: consume permission: %w", err)
		}
	}

	d.recordSequence(ctx, sessionID, tool.ID, !resp.IsError)

	return Result{Content: resp.Result, Structured: resp.Structured, IsError: resp.IsError}, nil
}

// recordSequence updates the session's last-dispatched tool and, if a prior
// tool exists for this session, records the observed (prev, tool) edge.
// Failures are not fatal to the dispatch itself — sequence learning is a
// supplementary signal, not part of the call's correctness.
func (d *Dispatcher) recordSequence(ctx context.Context, sessionID string, tool ids.ToolId, success bool) {
	d.mu.Lock()
	prev, hadPrev := d.lastTool[sessionID]
	d.lastTool[sessionID] = tool
	d.mu.Unlock()

	if !hadPrev {
		return
	}
	_ = d.Store.RecordSequence(ctx, prev, tool, success)
}
