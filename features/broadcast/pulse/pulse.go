// Package pulse implements the cross-process side of the broadcast bus on
// goa.design/pulse streams. The Publisher writes event frames to the shared
// broadcast_channel stream; the Relay consumes them with a per-process sink
// and fans them out locally only, so events never loop back onto the wire.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	clientspulse "github.com/parleyhq/parley/features/broadcast/pulse/clients/pulse"
	"github.com/parleyhq/parley/runtime/dialog/broadcast"
	"github.com/parleyhq/parley/runtime/dialog/telemetry"
)

// StreamName is the shared pub/sub channel carrying broadcast frames.
const StreamName = "broadcast_channel"

type (
	// envelope is the wire frame: the public {event, data} contract plus
	// the origin process id used for loop prevention.
	envelope struct {
		Event  string          `json:"event"`
		Data   json.RawMessage `json:"data,omitempty"`
		Origin string          `json:"origin,omitempty"`
	}

	// Publisher writes broadcast events to the shared stream.
	Publisher struct {
		stream clientspulse.Stream
		origin string
	}

	// Relay consumes the shared stream and fans events out on the local
	// bus. Each process runs one relay with a unique sink so every
	// process sees every frame.
	Relay struct {
		sink   clientspulse.Sink
		bus    *broadcast.Bus
		logger telemetry.Logger
		origin string
		cancel context.CancelFunc
		done   chan struct{}
	}
)

// NewPublisher opens the broadcast stream on the client. The origin id
// pairs the publisher with its process relay.
func NewPublisher(client clientspulse.Client, origin string) (*Publisher, error) {
	if client == nil {
		return nil, errors.New("pulse client is required")
	}
	if origin == "" {
		origin = uuid.NewString()
	}
	stream, err := client.Stream(StreamName)
	if err != nil {
		return nil, err
	}
	return &Publisher{stream: stream, origin: origin}, nil
}

// Origin returns the publisher's process id.
func (p *Publisher) Origin() string { return p.origin }

// Publish implements broadcast.Publisher.
func (p *Publisher) Publish(ctx context.Context, ev broadcast.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal broadcast data: %w", err)
	}
	payload, err := json.Marshal(envelope{Event: ev.Name, Data: data, Origin: p.origin})
	if err != nil {
		return fmt.Errorf("marshal broadcast envelope: %w", err)
	}
	if _, err := p.stream.Add(ctx, ev.Name, payload); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Name, err)
	}
	return nil
}

// NewRelay opens a per-process sink on the broadcast stream and starts the
// consume loop. Frames originating from this process are acked and
// skipped; everything else is fanned out locally via BroadcastLocal.
func NewRelay(ctx context.Context, client clientspulse.Client, bus *broadcast.Bus, origin string, logger telemetry.Logger) (*Relay, error) {
	if client == nil {
		return nil, errors.New("pulse client is required")
	}
	if bus == nil {
		return nil, errors.New("bus is required")
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	stream, err := client.Stream(StreamName)
	if err != nil {
		return nil, err
	}
	sink, err := stream.NewSink(ctx, "relay-"+uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("create relay sink: %w", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	r := &Relay{
		sink:   sink,
		bus:    bus,
		logger: logger,
		origin: origin,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go r.consume(runCtx)
	return r, nil
}

// consume reads frames, acks them and fans out foreign-origin events.
func (r *Relay) consume(ctx context.Context) {
	defer close(r.done)
	ch := r.sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal(evt.Payload, &env); err != nil {
				r.logger.Warn(ctx, "relay: drop undecodable frame", "err", err.Error())
			} else if env.Origin != r.origin {
				var data any
				if len(env.Data) > 0 {
					if err := json.Unmarshal(env.Data, &data); err != nil {
						r.logger.Warn(ctx, "relay: drop frame with bad data", "event", env.Event, "err", err.Error())
						data = nil
					}
				}
				r.bus.BroadcastLocal(ctx, broadcast.Event{Name: env.Event, Data: data})
			}
			if err := r.sink.Ack(ctx, evt); err != nil {
				r.logger.Warn(ctx, "relay: ack failed", "err", err.Error())
			}
		}
	}
}

// Close stops consumption and releases the sink.
func (r *Relay) Close(ctx context.Context) {
	r.cancel()
	r.sink.Close(ctx)
	select {
	case <-r.done:
	case <-ctx.Done():
	}
}
