package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	goapulse "goa.design/goa-ai/features/stream/pulse/clients/pulse"

	"github.com/unicitynetwork/unicity-orchestrator-sub000/ids"
)

// Broadcaster delivers server-initiated UrlElicitationRequests to a user's
// connected client. The default implementation (NewChannelBroadcaster) is
// an in-process per-user channel fanout, adapted from the teacher's
// runtime/mcp.Broadcaster; PulseBroadcaster backs onto
// goa.design/pulse-via-Redis streams for multi-replica deployments,
// adapted from the teacher's features/stream/pulse.Sink.
type Broadcaster interface {
	// Publish delivers req to every subscriber registered for userID.
	Publish(userID ids.UserId, req UrlElicitationRequest)
	// Subscribe registers for UrlElicitationRequests addressed to userID.
	// The returned channel is closed when ctx is done or Close is called.
	Subscribe(ctx context.Context, userID ids.UserId) (<-chan UrlElicitationRequest, error)
	Close() error
}

// channelBroadcaster is an in-process Broadcaster, used when Pulse/Redis
// isn't configured. Grounded on runtime/mcp.channelBroadcaster's
// map-of-channels-under-a-mutex shape, specialized to per-user addressing
// and the UrlElicitationRequest payload type.
type channelBroadcaster struct {
	mu     sync.RWMutex
	subs   map[ids.UserId]map[chan UrlElicitationRequest]struct{}
	buf    int
	closed bool
}

// NewChannelBroadcaster constructs the default in-process Broadcaster.
func NewChannelBroadcaster(buf int) Broadcaster {
	return &channelBroadcaster{subs: map[ids.UserId]map[chan UrlElicitationRequest]struct{}{}, buf: buf}
}

func (b *channelBroadcaster) Subscribe(ctx context.Context, userID ids.UserId) (<-chan UrlElicitationRequest, error) {
	ch := make(chan UrlElicitationRequest, b.buf)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, nil
	}
	if b.subs[userID] == nil {
		b.subs[userID] = map[chan UrlElicitationRequest]struct{}{}
	}
	b.subs[userID][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.unsubscribe(userID, ch)
	}()
	return ch, nil
}

func (b *channelBroadcaster) unsubscribe(userID ids.UserId, ch chan UrlElicitationRequest) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subs[userID]; ok {
		if _, ok := subs[ch]; ok {
			delete(subs, ch)
			close(ch)
		}
	}
}

func (b *channelBroadcaster) Publish(userID ids.UserId, req UrlElicitationRequest) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for ch := range b.subs[userID] {
		select {
		case ch <- req:
		default:
			ch <- req
		}
	}
}

func (b *channelBroadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for ch := range subs {
			close(ch)
		}
	}
	b.subs = map[ids.UserId]map[chan UrlElicitationRequest]struct{}{}
	return nil
}

// PulseBroadcaster publishes UrlElicitationRequests onto a per-user
// goa.design/pulse stream, letting multiple orchestrator replicas share
// elicitation delivery. Adapted from features/stream/pulse.Sink's
// envelope-and-publish shape, specialized to UrlElicitationRequest.
type PulseBroadcaster struct {
	client goapulse.Client
}

// NewPulseBroadcaster constructs a Pulse-backed Broadcaster.
func NewPulseBroadcaster(client goapulse.Client) *PulseBroadcaster {
	return &PulseBroadcaster{client: client}
}

func (p *PulseBroadcaster) streamName(userID ids.UserId) string {
	return fmt.Sprintf("elicitation/%s", userID)
}

func (p *PulseBroadcaster) Publish(userID ids.UserId, req UrlElicitationRequest) {
	stream, err := p.client.Stream(p.streamName(userID))
	if err != nil {
		return
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return
	}
	_, _ = stream.Add(context.Background(), "url_elicitation", payload)
}

func (p *PulseBroadcaster) Subscribe(ctx context.Context, userID ids.UserId) (<-chan UrlElicitationRequest, error) {
	stream, err := p.client.Stream(p.streamName(userID))
	if err != nil {
		return nil, fmt.Errorf("approval: open pulse stream: %w", err)
	}
	sink, err := stream.NewSink(ctx, fmt.Sprintf("elicitation-sink-%s", userID))
	if err != nil {
		return nil, fmt.Errorf("approval: create pulse sink: %w", err)
	}

	out := make(chan UrlElicitationRequest)
	go func() {
		defer close(out)
		defer sink.Close(context.Background())
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sink.Subscribe():
				if !ok {
					return
				}
				var req UrlElicitationRequest
				if err := json.Unmarshal(ev.Payload, &req); err != nil {
					continue
				}
				select {
				case out <- req:
					_ = sink.Ack(ctx, ev)
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (p *PulseBroadcaster) Close() error { return p.client.Close(context.Background()) }
