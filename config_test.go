package tokenvault

import (
	"errors"
	"testing"
	"time"

	"github.com/tokenvault/tokenvault/tokenerr"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestConfigValidateBounds(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"active ttl too short", func(c *Config) { c.Store.ActiveTokenTTL = time.Hour }},
		{"active ttl too long", func(c *Config) { c.Store.ActiveTokenTTL = 400 * 24 * time.Hour }},
		{"used ttl too short", func(c *Config) { c.Store.UsedTokenTTL = time.Second }},
		{"used ttl too long", func(c *Config) { c.Store.UsedTokenTTL = 2 * time.Hour }},
		{"zero token length", func(c *Config) { c.Store.MaxTokenLength = 0 }},
		{"zero scan batch", func(c *Config) { c.Store.MaxScanBatch = 0 }},
		{"negative operation timeout", func(c *Config) { c.Service.OperationTimeout = -time.Second }},
		{"zero batch size", func(c *Config) { c.Service.MaxBatchSize = 0 }},
		{"negative device cap", func(c *Config) { c.Service.MaxDevicesPerUser = -1 }},
		{"negative default ttl", func(c *Config) { c.Service.DefaultTTL = -time.Hour }},
		{"cleanup enabled without interval", func(c *Config) {
			c.Cleanup.Enabled = true
			c.Cleanup.Interval = 0
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)

			err := cfg.Validate()
			var confErr *tokenerr.ConfigurationError
			if !errors.As(err, &confErr) {
				t.Fatalf("Validate() = %v, want ConfigurationError", err)
			}
			if tokenerr.CodeOf(err) != tokenerr.CodeConfiguration {
				t.Fatalf("code = %q", tokenerr.CodeOf(err))
			}
		})
	}
}

func TestEffectiveTTLResolution(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Service.DefaultTTL = 48 * time.Hour

	if got := cfg.effectiveTTL(time.Hour); got != time.Hour {
		t.Fatalf("explicit ttl = %s, want 1h", got)
	}
	if got := cfg.effectiveTTL(0); got != 48*time.Hour {
		t.Fatalf("default ttl = %s, want 48h", got)
	}

	cfg.Service.DefaultTTL = 0
	if got := cfg.effectiveTTL(0); got != cfg.Store.ActiveTokenTTL {
		t.Fatalf("fallback ttl = %s, want active token ttl", got)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("TOKENVAULT_ACTIVE_TTL", "168h")
	t.Setenv("TOKENVAULT_USED_TTL", "10m")
	t.Setenv("TOKENVAULT_STRICT_MODE", "true")
	t.Setenv("TOKENVAULT_BREAKER_ENABLED", "false")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("config from env: %v", err)
	}
	if cfg.Store.ActiveTokenTTL != 168*time.Hour {
		t.Fatalf("active ttl = %s, want 168h", cfg.Store.ActiveTokenTTL)
	}
	if cfg.Store.UsedTokenTTL != 10*time.Minute {
		t.Fatalf("used ttl = %s, want 10m", cfg.Store.UsedTokenTTL)
	}
	if !cfg.Service.StrictMode {
		t.Fatal("strict mode not applied")
	}
	if cfg.Breaker.Enabled {
		t.Fatal("breaker toggle not applied")
	}
}

func TestConfigFromEnvRejectsOutOfBounds(t *testing.T) {
	t.Setenv("TOKENVAULT_ACTIVE_TTL", "1h")

	_, err := ConfigFromEnv()
	var confErr *tokenerr.ConfigurationError
	if !errors.As(err, &confErr) {
		t.Fatalf("out-of-bounds env = %v, want ConfigurationError", err)
	}
}
