package tokenvault

import (
	"fmt"
	"time"

	"github.com/tokenvault/tokenvault/tokenerr"
)

// Config defines the tunable behavior of a [Registry] and its store.
//
// Config instances are intended to be configured during initialization and
// then treated as immutable.
type Config struct {
	Store   StoreConfig
	Service ServiceConfig
	Breaker BreakerConfig
	Cleanup CleanupConfig
	Events  EventConfig
}

/*
====================================
STORE CONFIG
====================================
*/

// StoreConfig controls key layout, TTL regimes, and scan budgets.
type StoreConfig struct {
	KeyPrefix   string // record namespace, default "refresh:"
	IndexPrefix string // per-user index namespace, default "user_tokens:"
	StatsPrefix string // stats memo namespace, default "refresh_stats:"

	// ActiveTokenTTL is the retention of an unused token. Bounded 1-365 days.
	ActiveTokenTTL time.Duration
	// UsedTokenTTL is the shorter retention of a consumed token, kept so a
	// replay within the grace window is detectable but not re-usable.
	// Bounded 1-60 minutes.
	UsedTokenTTL time.Duration

	MaxTokenLength int           // default 512
	MaxScanBatch   int           // per-call scan budget, default 512
	StatsCacheTTL  time.Duration // 0 disables the stats memo

	// SlidingExpiration refreshes an unused record's TTL on read. Off by
	// default: reads are TTL-preserving.
	SlidingExpiration bool
}

/*
====================================
SERVICE CONFIG
====================================
*/

// ServiceConfig controls the registry envelope around store calls.
type ServiceConfig struct {
	// DefaultTTL applies when a caller omits the per-call TTL. Falls back
	// to Store.ActiveTokenTTL when zero.
	DefaultTTL time.Duration
	// OperationTimeout bounds each public operation; 0 disables the race.
	OperationTimeout time.Duration
	// DisableValidation skips the request validator. Intended for callers
	// that validate upstream.
	DisableValidation bool
	// StrictMode escalates soft limits (the device cap) into hard failures.
	StrictMode bool
	// MaxDevicesPerUser caps distinct devices per user on save; 0 disables.
	MaxDevicesPerUser int
	// MaxBatchSize caps SaveBatchTokens input length, default 100.
	MaxBatchSize int
	// ShutdownGrace is how long Shutdown waits for in-flight hook and
	// event fan-out to settle, default 2s.
	ShutdownGrace time.Duration
}

// BreakerConfig tunes the per-operation circuit breakers wrapping the store.
type BreakerConfig struct {
	Enabled                  bool
	Timeout                  time.Duration
	ErrorThresholdPercentage int
	VolumeThreshold          int
	ResetTimeout             time.Duration
	WindowInterval           time.Duration
}

// CleanupConfig controls the periodic expired-token sweep. Disabling it
// only affects staleness of the active index, never correctness.
type CleanupConfig struct {
	Enabled  bool
	Interval time.Duration // default 1h
}

// EventConfig tunes the async lifecycle-event dispatcher.
type EventConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// DefaultConfig returns the configuration used when callers do not override
// anything: 30-day active tokens, a 5-minute used-token grace window,
// breaker and hourly sweep enabled.
func DefaultConfig() Config {
	return Config{
		Store: StoreConfig{
			ActiveTokenTTL: 30 * 24 * time.Hour,
			UsedTokenTTL:   5 * time.Minute,
			MaxTokenLength: 512,
			MaxScanBatch:   512,
		},
		Service: ServiceConfig{
			OperationTimeout: 5 * time.Second,
			MaxBatchSize:     100,
			ShutdownGrace:    2 * time.Second,
		},
		Breaker: BreakerConfig{
			Enabled:                  true,
			Timeout:                  3 * time.Second,
			ErrorThresholdPercentage: 50,
			VolumeThreshold:          5,
			ResetTimeout:             30 * time.Second,
			WindowInterval:           10 * time.Second,
		},
		Cleanup: CleanupConfig{
			Enabled:  true,
			Interval: time.Hour,
		},
		Events: EventConfig{
			Enabled:    true,
			BufferSize: 256,
			DropIfFull: true,
		},
	}
}

const (
	minActiveTTL = 24 * time.Hour
	maxActiveTTL = 365 * 24 * time.Hour
	minUsedTTL   = time.Minute
	maxUsedTTL   = time.Hour
)

// Validate checks TTL bounds and structural limits. Every violation is a
// ConfigurationError.
func (c Config) Validate() error {
	if c.Store.ActiveTokenTTL < minActiveTTL || c.Store.ActiveTokenTTL > maxActiveTTL {
		return tokenerr.NewConfiguration(fmt.Sprintf(
			"active token ttl %s out of bounds [%s, %s]",
			c.Store.ActiveTokenTTL, minActiveTTL, maxActiveTTL))
	}
	if c.Store.UsedTokenTTL < minUsedTTL || c.Store.UsedTokenTTL > maxUsedTTL {
		return tokenerr.NewConfiguration(fmt.Sprintf(
			"used token ttl %s out of bounds [%s, %s]",
			c.Store.UsedTokenTTL, minUsedTTL, maxUsedTTL))
	}
	if c.Store.MaxTokenLength <= 0 {
		return tokenerr.NewConfiguration("max token length must be positive")
	}
	if c.Store.MaxScanBatch <= 0 {
		return tokenerr.NewConfiguration("max scan batch must be positive")
	}
	if c.Service.OperationTimeout < 0 {
		return tokenerr.NewConfiguration("operation timeout must not be negative")
	}
	if c.Service.MaxBatchSize <= 0 {
		return tokenerr.NewConfiguration("max batch size must be positive")
	}
	if c.Service.MaxDevicesPerUser < 0 {
		return tokenerr.NewConfiguration("max devices per user must not be negative")
	}
	if c.Service.DefaultTTL < 0 {
		return tokenerr.NewConfiguration("default ttl must not be negative")
	}
	if c.Cleanup.Enabled && c.Cleanup.Interval <= 0 {
		return tokenerr.NewConfiguration("cleanup interval must be positive when cleanup is enabled")
	}
	return nil
}

// effectiveTTL resolves the per-call TTL: explicit value, then the service
// default, then the active-token TTL.
func (c Config) effectiveTTL(ttl time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	if c.Service.DefaultTTL > 0 {
		return c.Service.DefaultTTL
	}
	return c.Store.ActiveTokenTTL
}
