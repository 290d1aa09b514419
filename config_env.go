package tokenvault

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// envConfig is the flat environment surface mapped onto [Config].
type envConfig struct {
	KeyPrefix      string        `env:"TOKENVAULT_KEY_PREFIX"`
	IndexPrefix    string        `env:"TOKENVAULT_INDEX_PREFIX"`
	StatsPrefix    string        `env:"TOKENVAULT_STATS_PREFIX"`
	ActiveTokenTTL time.Duration `env:"TOKENVAULT_ACTIVE_TTL" envDefault:"720h"`
	UsedTokenTTL   time.Duration `env:"TOKENVAULT_USED_TTL" envDefault:"5m"`
	MaxTokenLength int           `env:"TOKENVAULT_MAX_TOKEN_LENGTH" envDefault:"512"`
	MaxScanBatch   int           `env:"TOKENVAULT_MAX_SCAN_BATCH" envDefault:"512"`
	StatsCacheTTL  time.Duration `env:"TOKENVAULT_STATS_CACHE_TTL" envDefault:"0"`

	DefaultTTL        time.Duration `env:"TOKENVAULT_DEFAULT_TTL" envDefault:"0"`
	OperationTimeout  time.Duration `env:"TOKENVAULT_OPERATION_TIMEOUT" envDefault:"5s"`
	DisableValidation bool          `env:"TOKENVAULT_DISABLE_VALIDATION" envDefault:"false"`
	StrictMode        bool          `env:"TOKENVAULT_STRICT_MODE" envDefault:"false"`
	MaxDevicesPerUser int           `env:"TOKENVAULT_MAX_DEVICES_PER_USER" envDefault:"0"`
	MaxBatchSize      int           `env:"TOKENVAULT_MAX_BATCH_SIZE" envDefault:"100"`
	ShutdownGrace     time.Duration `env:"TOKENVAULT_SHUTDOWN_GRACE" envDefault:"2s"`

	BreakerEnabled        bool          `env:"TOKENVAULT_BREAKER_ENABLED" envDefault:"true"`
	BreakerTimeout        time.Duration `env:"TOKENVAULT_BREAKER_TIMEOUT" envDefault:"3s"`
	BreakerErrorThreshold int           `env:"TOKENVAULT_BREAKER_ERROR_THRESHOLD" envDefault:"50"`
	BreakerVolume         int           `env:"TOKENVAULT_BREAKER_VOLUME_THRESHOLD" envDefault:"5"`
	BreakerResetTimeout   time.Duration `env:"TOKENVAULT_BREAKER_RESET_TIMEOUT" envDefault:"30s"`

	CleanupEnabled  bool          `env:"TOKENVAULT_CLEANUP_ENABLED" envDefault:"true"`
	CleanupInterval time.Duration `env:"TOKENVAULT_CLEANUP_INTERVAL" envDefault:"1h"`
}

// ConfigFromEnv loads configuration from TOKENVAULT_* environment variables
// on top of [DefaultConfig], then validates it.
func ConfigFromEnv() (Config, error) {
	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := DefaultConfig()
	cfg.Store.KeyPrefix = raw.KeyPrefix
	cfg.Store.IndexPrefix = raw.IndexPrefix
	cfg.Store.StatsPrefix = raw.StatsPrefix
	cfg.Store.ActiveTokenTTL = raw.ActiveTokenTTL
	cfg.Store.UsedTokenTTL = raw.UsedTokenTTL
	cfg.Store.MaxTokenLength = raw.MaxTokenLength
	cfg.Store.MaxScanBatch = raw.MaxScanBatch
	cfg.Store.StatsCacheTTL = raw.StatsCacheTTL
	cfg.Service.DefaultTTL = raw.DefaultTTL
	cfg.Service.OperationTimeout = raw.OperationTimeout
	cfg.Service.DisableValidation = raw.DisableValidation
	cfg.Service.StrictMode = raw.StrictMode
	cfg.Service.MaxDevicesPerUser = raw.MaxDevicesPerUser
	cfg.Service.MaxBatchSize = raw.MaxBatchSize
	cfg.Service.ShutdownGrace = raw.ShutdownGrace
	cfg.Breaker.Enabled = raw.BreakerEnabled
	cfg.Breaker.Timeout = raw.BreakerTimeout
	cfg.Breaker.ErrorThresholdPercentage = raw.BreakerErrorThreshold
	cfg.Breaker.VolumeThreshold = raw.BreakerVolume
	cfg.Breaker.ResetTimeout = raw.BreakerResetTimeout
	cfg.Cleanup.Enabled = raw.CleanupEnabled
	cfg.Cleanup.Interval = raw.CleanupInterval

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
