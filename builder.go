package tokenvault

import (
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/tokenvault/tokenvault/breaker"
	"github.com/tokenvault/tokenvault/cleanup"
	"github.com/tokenvault/tokenvault/store"
	"github.com/tokenvault/tokenvault/tokenerr"
)

// Builder assembles a [Registry]. Construction is the only place the stack
// is composed: store adapter, breaker wrap, plugin order, and background
// workers are all fixed at Build time.
//
//	reg, err := tokenvault.New().
//		WithRedis(client).
//		WithPlugin(audit).
//		Build()
type Builder struct {
	cfg        Config
	cfgSet     bool
	client     redis.UniversalClient
	rawStore   Store
	plugins    []Plugin
	sink       EventSink
	logger     *slog.Logger
	classifier breaker.Classifier
	metricsOff bool
}

// New starts a builder with [DefaultConfig].
func New() *Builder {
	return &Builder{}
}

// WithConfig replaces the default configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.cfg = cfg
	b.cfgSet = true
	return b
}

// WithRedis selects the Redis store adapter backed by client.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.client = client
	return b
}

// WithStore injects a prebuilt store adapter. Takes precedence over
// WithRedis.
func (b *Builder) WithStore(s Store) *Builder {
	b.rawStore = s
	return b
}

// WithPlugin registers an extension. Call order breaks priority ties.
func (b *Builder) WithPlugin(p Plugin) *Builder {
	b.plugins = append(b.plugins, p)
	return b
}

// WithEventSink sets the lifecycle event receiver.
func (b *Builder) WithEventSink(sink EventSink) *Builder {
	b.sink = sink
	return b
}

// WithLogger sets the structured logger. Defaults to slog.Default.
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithClassifier overrides the breaker's error classifier.
func (b *Builder) WithClassifier(c breaker.Classifier) *Builder {
	b.classifier = c
	return b
}

// WithMetricsDisabled turns the internal counters into no-ops.
func (b *Builder) WithMetricsDisabled() *Builder {
	b.metricsOff = true
	return b
}

// Build validates the configuration, composes the store stack, and starts
// the background workers. The returned registry is ready for traffic.
func (b *Builder) Build() (*Registry, error) {
	cfg := b.cfg
	if !b.cfgSet {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	raw := b.rawStore
	if raw == nil {
		if b.client == nil {
			return nil, tokenerr.NewConfiguration("no store adapter: provide WithRedis or WithStore")
		}
		sliding := cfg.Store.ActiveTokenTTL
		if !cfg.Store.SlidingExpiration {
			sliding = 0
		}
		raw = store.NewRedisStore(b.client, store.Config{
			KeyPrefix:     cfg.Store.KeyPrefix,
			IndexPrefix:   cfg.Store.IndexPrefix,
			StatsPrefix:   cfg.Store.StatsPrefix,
			MaxScanBatch:  cfg.Store.MaxScanBatch,
			StatsCacheTTL: cfg.Store.StatsCacheTTL,
			SlidingTTL:    sliding,
		})
	}

	metrics := NewMetrics(!b.metricsOff)

	backing := raw
	var manager *breaker.Manager
	if cfg.Breaker.Enabled {
		manager = breaker.NewManager(b.classifier, breaker.Options{
			Timeout:                  cfg.Breaker.Timeout,
			ErrorThresholdPercentage: cfg.Breaker.ErrorThresholdPercentage,
			VolumeThreshold:          cfg.Breaker.VolumeThreshold,
			ResetTimeout:             cfg.Breaker.ResetTimeout,
			WindowInterval:           cfg.Breaker.WindowInterval,
		})
		backing = NewBreakerStore(raw, manager, cfg.Breaker)
	}

	plugins, err := newPluginSet(b.plugins, logger, metrics)
	if err != nil {
		return nil, err
	}

	reg := &Registry{
		cfg:       cfg,
		store:     backing,
		validator: NewValidator(cfg.Store.MaxTokenLength),
		plugins:   plugins,
		events:    newEventDispatcher(cfg.Events, b.sink),
		metrics:   metrics,
		breakers:  manager,
		logger:    logger,
	}

	if cfg.Cleanup.Enabled {
		reg.cleaner = cleanup.NewWorker(backing, cfg.Cleanup.Interval, logger)
		reg.cleaner.Start()
	}

	return reg, nil
}
