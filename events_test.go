package tokenvault

import (
	"context"
	"sync"
	"testing"
	"time"
)

// blockingSink holds deliveries until released.
type blockingSink struct {
	release chan struct{}
	mu      sync.Mutex
	seen    int
}

func (s *blockingSink) Emit(_ context.Context, _ Event) {
	<-s.release
	s.mu.Lock()
	s.seen++
	s.mu.Unlock()
}

func (s *blockingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	d := newEventDispatcher(EventConfig{Enabled: true, BufferSize: 2, DropIfFull: true}, sink)

	// one event may be in-flight in the run loop, two fit the buffer; the
	// rest must be dropped rather than block the caller
	for i := 0; i < 10; i++ {
		d.emit(context.Background(), EventCreated, "tok-drop", "alice", "phone")
	}

	if d.Dropped() == 0 {
		t.Fatal("no events dropped under backpressure")
	}

	close(sink.release)
	d.close()

	if got := d.Dropped() + uint64(sink.count()); got != 10 {
		t.Fatalf("delivered + dropped = %d, want 10", got)
	}
}

func TestDispatcherDrainsOnClose(t *testing.T) {
	sink := &collectSink{}
	d := newEventDispatcher(EventConfig{Enabled: true, BufferSize: 16, DropIfFull: true}, sink)

	for i := 0; i < 5; i++ {
		d.emit(context.Background(), EventRevoked, "tok-drain", "alice", "phone")
	}
	d.close()

	if got := len(sink.byType(EventRevoked)); got != 5 {
		t.Fatalf("delivered = %d, want all 5 drained on close", got)
	}
}

func TestDispatcherDisabledIsNil(t *testing.T) {
	d := newEventDispatcher(EventConfig{Enabled: false}, nil)
	if d != nil {
		t.Fatal("disabled dispatcher must be nil")
	}

	// every entry point tolerates the nil dispatcher
	d.emit(context.Background(), EventCreated, "tok", "alice", "phone")
	d.close()
	if d.Dropped() != 0 {
		t.Fatal("nil dispatcher reported drops")
	}
}

func TestEmitAfterCloseIsIgnored(t *testing.T) {
	sink := &collectSink{}
	d := newEventDispatcher(EventConfig{Enabled: true, BufferSize: 4, DropIfFull: true}, sink)
	d.close()

	d.emit(context.Background(), EventCreated, "tok-late", "alice", "phone")

	time.Sleep(10 * time.Millisecond)
	if got := len(sink.byType(EventCreated)); got != 0 {
		t.Fatalf("events after close = %d, want 0", got)
	}
}

func TestEventTokenPrefixTruncation(t *testing.T) {
	sink := &collectSink{}
	d := newEventDispatcher(EventConfig{Enabled: true, BufferSize: 4, DropIfFull: false}, sink)

	d.emit(context.Background(), EventCreated, "tok-very-long-secret-value", "alice", "phone")
	d.close()

	events := sink.byType(EventCreated)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].TokenPrefix != "tok-very..." {
		t.Fatalf("prefix = %q, want tok-very...", events[0].TokenPrefix)
	}
}
