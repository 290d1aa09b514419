package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tokenvault/tokenvault/tokenerr"
)

// ErrOpen is returned for a short-circuited call when no prior failure has
// been recorded for the operation.
var ErrOpen = errors.New("circuit breaker open")

// State of one breaker.
type State int

const (
	// Closed admits every call.
	Closed State = iota
	// Open rejects calls until the reset timeout elapses.
	Open
	// HalfOpen admits a single probe call.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// FallbackFunc substitutes a safe result for a business-classified failure.
// The default (nil) fallback resolves to a nil result.
type FallbackFunc func(err error) (interface{}, error)

// Options tune one breaker. Zero values fall back to the manager defaults.
type Options struct {
	Timeout                  time.Duration // per-call budget; 0 disables
	ErrorThresholdPercentage int           // failure rate that opens, default 50
	VolumeThreshold          int           // minimum attempts before opening, default 5
	ResetTimeout             time.Duration // open -> probe delay, default 30s
	WindowInterval           time.Duration // rolling counter window, default 10s
	Fallback                 FallbackFunc
}

func (o Options) withDefaults() Options {
	if o.ErrorThresholdPercentage <= 0 {
		o.ErrorThresholdPercentage = 50
	}
	if o.VolumeThreshold <= 0 {
		o.VolumeThreshold = 5
	}
	if o.ResetTimeout <= 0 {
		o.ResetTimeout = 30 * time.Second
	}
	if o.WindowInterval <= 0 {
		o.WindowInterval = 10 * time.Second
	}
	return o
}

// Snapshot is a point-in-time view of one breaker for health reporting.
type Snapshot struct {
	State     string `json:"state"`
	Requests  int    `json:"requests"`
	Failures  int    `json:"failures"`
	Successes int    `json:"successes"`
	LastError string `json:"last_error,omitempty"`
}

type breakerState struct {
	mu   sync.Mutex
	opts Options

	state       State
	windowStart time.Time
	requests    int
	failures    int
	successes   int
	openedAt    time.Time
	probing     bool
	lastError   error
}

// Manager owns one breaker per operation name. Breakers are created lazily
// on first use and live for the process lifetime. All state transitions run
// under the breaker's own mutex.
type Manager struct {
	mu       sync.Mutex
	classify Classifier
	defaults Options
	configs  map[string]Options
	breakers map[string]*breakerState
	now      func() time.Time
}

// NewManager creates a breaker [Manager]. A nil classifier falls back to
// [Classify].
func NewManager(classify Classifier, defaults Options) *Manager {
	if classify == nil {
		classify = Classify
	}
	return &Manager{
		classify: classify,
		defaults: defaults.withDefaults(),
		configs:  make(map[string]Options),
		breakers: make(map[string]*breakerState),
		now:      time.Now,
	}
}

// SetClock overrides the time source. Test helper; call before any Execute.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	for _, b := range m.breakers {
		b.mu.Lock()
		b.windowStart = now()
		b.mu.Unlock()
	}
}

// Configure registers per-operation overrides. Must be called before the
// operation's first Execute to take effect from the start.
func (m *Manager) Configure(name string, opts Options) {
	merged := opts
	if merged.ErrorThresholdPercentage <= 0 {
		merged.ErrorThresholdPercentage = m.defaults.ErrorThresholdPercentage
	}
	if merged.VolumeThreshold <= 0 {
		merged.VolumeThreshold = m.defaults.VolumeThreshold
	}
	if merged.ResetTimeout <= 0 {
		merged.ResetTimeout = m.defaults.ResetTimeout
	}
	if merged.WindowInterval <= 0 {
		merged.WindowInterval = m.defaults.WindowInterval
	}
	if merged.Timeout <= 0 {
		merged.Timeout = m.defaults.Timeout
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[name] = merged
}

func (m *Manager) breaker(name string) *breakerState {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[name]; ok {
		return b
	}
	opts, ok := m.configs[name]
	if !ok {
		opts = m.defaults
	}
	b := &breakerState{opts: opts, windowStart: m.now()}
	m.breakers[name] = b
	return b
}

// Execute runs the action under the named breaker. Open breakers
// short-circuit straight to the fallback path without invoking the action.
func (m *Manager) Execute(ctx context.Context, name string, action func(context.Context) (interface{}, error)) (interface{}, error) {
	b := m.breaker(name)

	probe, admitted := m.admit(b)
	if !admitted {
		return m.degrade(b, nil)
	}

	val, err := m.run(ctx, name, b.opts, action)
	if err == nil {
		m.recordSuccess(b, probe)
		return val, nil
	}

	if m.classify(err) == Critical {
		m.recordFailure(b, probe, err)
		return nil, err
	}

	// business failure: remember it for diagnostics, keep breaker health
	// untouched, and degrade through the fallback
	m.recordBusiness(b, probe, err)
	return m.degrade(b, err)
}

func (m *Manager) run(ctx context.Context, name string, opts Options, action func(context.Context) (interface{}, error)) (interface{}, error) {
	if opts.Timeout <= 0 {
		return action(ctx)
	}

	runCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	type outcome struct {
		val interface{}
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		val, err := action(runCtx)
		done <- outcome{val: val, err: err}
	}()

	select {
	case out := <-done:
		return out.val, out.err
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			// synthetic timeout failure; the action's eventual result is
			// discarded
			return nil, tokenerr.NewTimeout(name, opts.Timeout)
		}
		return nil, runCtx.Err()
	}
}

// admit decides whether the call may proceed. The second result is false
// when the breaker short-circuits; the first marks a half-open probe.
func (m *Manager) admit(b *breakerState) (probe, admitted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return false, true
	case Open:
		if m.now().Sub(b.openedAt) >= b.opts.ResetTimeout {
			b.state = HalfOpen
			b.probing = true
			return true, true
		}
		return false, false
	case HalfOpen:
		if b.probing {
			return false, false
		}
		b.probing = true
		return true, true
	default:
		return false, true
	}
}

func (m *Manager) recordSuccess(b *breakerState, probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	m.rollWindow(b)
	b.requests++
	b.successes++
	b.lastError = nil

	if probe || b.state == HalfOpen {
		b.state = Closed
		b.probing = false
		b.requests = 0
		b.failures = 0
		b.successes = 0
	}
}

func (m *Manager) recordFailure(b *breakerState, probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	m.rollWindow(b)
	b.requests++
	b.failures++
	b.lastError = err

	now := m.now()
	if probe || b.state == HalfOpen {
		b.state = Open
		b.openedAt = now
		b.probing = false
		return
	}

	if b.requests >= b.opts.VolumeThreshold &&
		b.failures*100 >= b.opts.ErrorThresholdPercentage*b.requests {
		b.state = Open
		b.openedAt = now
	}
}

func (m *Manager) recordBusiness(b *breakerState, probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastError = err
	if probe || b.state == HalfOpen {
		// the backend answered; the probe counts as recovery
		b.state = Closed
		b.probing = false
		b.requests = 0
		b.failures = 0
		b.successes = 0
	}
}

// degrade routes a rejected or business-failed call. Critical last errors
// are re-thrown so infrastructure outages are never masked; business errors
// resolve through the fallback.
func (m *Manager) degrade(b *breakerState, err error) (interface{}, error) {
	b.mu.Lock()
	last := b.lastError
	fallback := b.opts.Fallback
	b.mu.Unlock()

	if err == nil {
		err = last
	}
	if err == nil {
		err = ErrOpen
	}

	if m.classify(err) == Critical {
		return nil, err
	}
	if fallback == nil {
		return nil, nil
	}
	return fallback(err)
}

func (m *Manager) rollWindow(b *breakerState) {
	now := m.now()
	if now.Sub(b.windowStart) >= b.opts.WindowInterval {
		b.windowStart = now
		b.requests = 0
		b.failures = 0
		b.successes = 0
	}
}

// StateOf returns the named breaker's current state, creating it if needed.
func (m *Manager) StateOf(name string) State {
	b := m.breaker(name)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshots returns a point-in-time view of every breaker.
func (m *Manager) Snapshots() map[string]Snapshot {
	m.mu.Lock()
	names := make([]string, 0, len(m.breakers))
	states := make([]*breakerState, 0, len(m.breakers))
	for name, b := range m.breakers {
		names = append(names, name)
		states = append(states, b)
	}
	m.mu.Unlock()

	out := make(map[string]Snapshot, len(names))
	for i, b := range states {
		b.mu.Lock()
		snap := Snapshot{
			State:     b.state.String(),
			Requests:  b.requests,
			Failures:  b.failures,
			Successes: b.successes,
		}
		if b.lastError != nil {
			snap.LastError = b.lastError.Error()
		}
		b.mu.Unlock()
		out[names[i]] = snap
	}
	return out
}
