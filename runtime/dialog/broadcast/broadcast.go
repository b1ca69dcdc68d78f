// Package broadcast implements the two-level event bus: a local registry of
// subscriber channels plus an optional cross-process Publisher. Remote
// deliveries fan out locally only, never republish, so events cannot loop
// between processes.
package broadcast

import (
	"context"
	"errors"
	"sync"

	"github.com/parleyhq/parley/runtime/dialog"
	"github.com/parleyhq/parley/runtime/dialog/telemetry"
)

// Event names observable on the bus.
const (
	EventMessageUpdate      = "message_update"
	EventCompletionFinished = "completion_finished"
	EventMessageError       = "message_error"
	EventSessionUpdate      = "session_update"
	EventUserInputRequired  = "user_input_required"
	EventSessionCompleted   = "session_completed"
	EventSessionError       = "session_error"
	EventServerShutdown     = "server_shutdown"
)

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 64

var (
	// ErrBusClosed indicates the bus has shut down.
	ErrBusClosed = errors.New("broadcast bus closed")
	// ErrDuplicateSubscriber indicates the client id is already registered.
	ErrDuplicateSubscriber = errors.New("duplicate subscriber id")
)

type (
	// Event is the frame delivered to subscribers and published on the
	// cross-process channel.
	Event struct {
		// Name is the event name.
		Name string `json:"event"`
		// Data is the event payload.
		Data any `json:"data"`
	}

	// Publisher sends events to the cross-process channel. Implementations
	// must not deliver back to the local bus; the relay does that.
	Publisher interface {
		Publish(ctx context.Context, ev Event) error
	}

	// Bus is the local subscriber registry. Safe for concurrent use.
	Bus struct {
		logger    telemetry.Logger
		metrics   telemetry.Metrics
		publisher Publisher
		bufSize   int

		mu     sync.Mutex
		subs   map[string]chan Event
		closed bool
	}

	// Option configures a Bus.
	Option func(*Bus)
)

// WithPublisher attaches a cross-process publisher. Broadcast failures on
// the publisher are logged and do not affect local delivery.
func WithPublisher(p Publisher) Option {
	return func(b *Bus) { b.publisher = p }
}

// WithBufferSize overrides the per-subscriber channel capacity.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufSize = n
		}
	}
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// New creates a Bus. A nil logger disables logging.
func New(logger telemetry.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	b := &Bus{
		logger:  logger,
		metrics: telemetry.NewNoopMetrics(),
		bufSize: DefaultBufferSize,
		subs:    make(map[string]chan Event),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register adds a subscriber and returns its event channel. The channel is
// closed on Unregister, on overflow, and on bus shutdown.
func (b *Bus) Register(id string) (<-chan Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	if _, exists := b.subs[id]; exists {
		return nil, ErrDuplicateSubscriber
	}
	ch := make(chan Event, b.bufSize)
	b.subs[id] = ch
	return ch, nil
}

// Unregister removes a subscriber and closes its channel. Unknown ids are
// ignored.
func (b *Bus) Unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Broadcast fans the event out to all local subscribers and, when a
// publisher is attached, to the cross-process channel. Delivery is
// best-effort: a subscriber whose channel is full is dropped and
// unregistered rather than blocking the producer.
func (b *Bus) Broadcast(ctx context.Context, event string, data any) {
	ev := Event{Name: event, Data: data}
	b.fanOut(ctx, ev)
	if b.publisher != nil {
		if err := b.publisher.Publish(ctx, ev); err != nil {
			b.logger.Warn(ctx, "publish failed", "event", event, "err", err.Error())
		}
	}
}

// BroadcastLocal fans the event out to local subscribers only. The
// cross-process relay uses this on receipt to prevent republish loops.
func (b *Bus) BroadcastLocal(ctx context.Context, ev Event) {
	b.fanOut(ctx, ev)
}

func (b *Bus) fanOut(ctx context.Context, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			delete(b.subs, id)
			close(ch)
			b.logger.Warn(ctx, "subscriber dropped: channel full", "subscriber", id, "event", ev.Name)
			b.metrics.IncCounter("broadcast.subscribers.dropped", 1)
		}
	}
	b.metrics.IncCounter("broadcast.events", 1, "event", ev.Name)
}

// ModelUpdate applies the per-type broadcast strategy to a changed entity.
// Messages broadcast once their status leaves created; dialogs always
// broadcast. Unknown entity types are ignored.
func (b *Bus) ModelUpdate(ctx context.Context, entity any) {
	for _, ev := range eventsFor(entity) {
		b.Broadcast(ctx, ev.Name, ev.Data)
	}
}

// eventsFor computes the (event, payload) list for an entity per the
// model-update convention.
func eventsFor(entity any) []Event {
	switch e := entity.(type) {
	case *dialog.Message:
		if e.Status == dialog.MessageStatusCreated {
			return nil
		}
		payload := messagePayload(e)
		events := []Event{{Name: EventMessageUpdate, Data: payload}}
		if e.Role == dialog.RoleAssistant && e.Status == dialog.MessageStatusDelivered {
			events = append(events, Event{Name: EventCompletionFinished, Data: payload})
		}
		if e.Status == dialog.MessageStatusFailed {
			events = append(events, Event{Name: EventMessageError, Data: payload})
		}
		return events
	case *dialog.Dialog:
		payload := dialogPayload(e)
		events := []Event{{Name: EventSessionUpdate, Data: payload}}
		switch e.Status {
		case dialog.StatusWaitingForInput:
			events = append(events, Event{Name: EventUserInputRequired, Data: payload})
		case dialog.StatusCompleted:
			events = append(events, Event{Name: EventSessionCompleted, Data: payload})
		case dialog.StatusFailed:
			events = append(events, Event{Name: EventSessionError, Data: payload})
		}
		return events
	default:
		return nil
	}
}

func messagePayload(m *dialog.Message) map[string]any {
	return map[string]any{
		"id":        m.ID,
		"dialog_id": m.DialogID,
		"status":    m.Status,
		"role":      m.Role,
		"text":      m.Text,
		"timestamp": m.Timestamp,
	}
}

func dialogPayload(d *dialog.Dialog) map[string]any {
	return map[string]any{
		"id":            d.ID,
		"status":        d.Status,
		"current_state": d.CurrentState,
		"description":   d.Description,
		"created_at":    d.CreatedAt,
	}
}

// Close broadcasts server_shutdown to local subscribers, then closes all
// channels. The bus rejects further registrations and drops further
// broadcasts.
func (b *Bus) Close(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	ev := Event{Name: EventServerShutdown}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
		close(ch)
	}
	b.subs = make(map[string]chan Event)
	b.closed = true
}
