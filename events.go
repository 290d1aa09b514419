package tokenvault

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tokenvault/tokenvault/tokenerr"
)

// EventType names one token lifecycle transition.
type EventType string

const (
	// EventCreated fires after a token is persisted.
	EventCreated EventType = "created"
	// EventAccessed fires after a read that found data.
	EventAccessed EventType = "accessed"
	// EventRevoked fires after a token is removed.
	EventRevoked EventType = "revoked"
)

// Event is one lifecycle notification. It carries a token prefix only;
// full token values never leave the registry.
type Event struct {
	ID          string
	Type        EventType
	TokenPrefix string
	UserID      string
	DeviceID    string
	At          time.Time
}

// EventSink receives lifecycle events. Emit must not block for long; slow
// sinks cause drops when the dispatcher buffer is full and DropIfFull is
// set.
type EventSink interface {
	Emit(ctx context.Context, event Event)
}

// NoOpSink discards all events.
type NoOpSink struct{}

// Emit does nothing.
func (NoOpSink) Emit(context.Context, Event) {}

// eventDispatcher decouples event fan-out from the request path: events are
// buffered on a channel and delivered by a single background goroutine,
// draining on close.
type eventDispatcher struct {
	cfg       EventConfig
	sink      EventSink
	ch        chan Event
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

func newEventDispatcher(cfg EventConfig, sink EventSink) *eventDispatcher {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	d := &eventDispatcher{
		cfg:  cfg,
		sink: sink,
		ch:   make(chan Event, cfg.BufferSize),
		done: make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *eventDispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case event := <-d.ch:
			d.sink.Emit(context.Background(), event)
		case <-d.done:
			for {
				select {
				case event := <-d.ch:
					d.sink.Emit(context.Background(), event)
				default:
					return
				}
			}
		}
	}
}

// emit queues a lifecycle event. Safe on a nil dispatcher (events disabled).
func (d *eventDispatcher) emit(ctx context.Context, typ EventType, token, userID, deviceID string) {
	if d == nil || d.closed.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	event := Event{
		ID:          uuid.NewString(),
		Type:        typ,
		TokenPrefix: tokenerr.Prefix(token),
		UserID:      userID,
		DeviceID:    deviceID,
		At:          time.Now().UTC(),
	}

	if d.cfg.DropIfFull {
		select {
		case d.ch <- event:
		case <-d.done:
		default:
			d.dropped.Add(1)
		}
		return
	}

	select {
	case d.ch <- event:
	case <-ctx.Done():
	case <-d.done:
	}
}

func (d *eventDispatcher) close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

// Dropped reports how many events were discarded because the buffer was
// full.
func (d *eventDispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
