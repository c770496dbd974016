package modload

import (
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/golobby/cast"
)

// Config aggregates the tunables of the loading subsystem. Defaults come
// from DefaultConfig; individual values can be overridden from environment
// variables via ApplyEnvOverrides.
type Config struct {
	Cache    CacheConfig    `json:"cache" yaml:"cache"`
	Retry    RetryConfig    `json:"retry" yaml:"retry"`
	Tracker  TrackerConfig  `json:"tracker" yaml:"tracker"`
	Recovery RecoveryConfig `json:"recovery" yaml:"recovery"`
}

// CacheConfig configures the artifact cache.
type CacheConfig struct {
	// MaxEntries bounds the number of cached artifacts. The least recently
	// accessed entry is evicted when the bound is hit.
	MaxEntries int `json:"maxEntries" yaml:"maxEntries" env:"CACHE_MAX_ENTRIES" default:"100"`

	// DefaultTTL is the absolute expiry applied at insertion.
	DefaultTTL time.Duration `json:"defaultTTL" yaml:"defaultTTL" env:"CACHE_DEFAULT_TTL" default:"5m"`

	// MaxEntryAge is the absolute staleness bound, independent of TTL.
	MaxEntryAge time.Duration `json:"maxEntryAge" yaml:"maxEntryAge" env:"CACHE_MAX_ENTRY_AGE" default:"30m"`

	// MemoryThreshold is the aggregate size-estimate bound in bytes. When
	// an insert would cross it, the oldest 30% of entries are dropped.
	MemoryThreshold int64 `json:"memoryThreshold" yaml:"memoryThreshold" env:"CACHE_MEMORY_THRESHOLD" default:"52428800"`

	// SnapshotPath is where the statistics snapshot is persisted. Empty
	// disables persistence.
	SnapshotPath string `json:"snapshotPath" yaml:"snapshotPath" env:"CACHE_SNAPSHOT_PATH"`

	// SnapshotInterval is how often the snapshot is written.
	SnapshotInterval time.Duration `json:"snapshotInterval" yaml:"snapshotInterval" env:"CACHE_SNAPSHOT_INTERVAL" default:"30s"`
}

// RetryConfig configures the retry coordinator.
type RetryConfig struct {
	// BaseDelay is the first retry delay.
	BaseDelay time.Duration `json:"baseDelay" yaml:"baseDelay" env:"RETRY_BASE_DELAY" default:"1s"`

	// MaxDelay caps the computed backoff.
	MaxDelay time.Duration `json:"maxDelay" yaml:"maxDelay" env:"RETRY_MAX_DELAY" default:"30s"`

	// Multiplier is the exponential backoff factor.
	Multiplier float64 `json:"multiplier" yaml:"multiplier" env:"RETRY_MULTIPLIER" default:"2.0"`

	// Jitter is the fractional randomness applied to each delay.
	Jitter float64 `json:"jitter" yaml:"jitter" env:"RETRY_JITTER" default:"0.1"`

	// MaxAttempts is the default per-module retry budget. Descriptors can
	// override it.
	MaxAttempts int `json:"maxAttempts" yaml:"maxAttempts" env:"RETRY_MAX_ATTEMPTS" default:"3"`

	// Cooldown is the quiet period after exhaustion.
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown" env:"RETRY_COOLDOWN" default:"60s"`

	// StateTTL is how long inactive retry state is kept before the sweep
	// purges it.
	StateTTL time.Duration `json:"stateTTL" yaml:"stateTTL" env:"RETRY_STATE_TTL" default:"1h"`

	// SweepInterval is how often the purge sweep runs.
	SweepInterval time.Duration `json:"sweepInterval" yaml:"sweepInterval" env:"RETRY_SWEEP_INTERVAL" default:"10m"`
}

// TrackerConfig configures the loading state tracker.
type TrackerConfig struct {
	// ExpectedDuration is the assumed typical load time used to derive
	// progress from elapsed time.
	ExpectedDuration time.Duration `json:"expectedDuration" yaml:"expectedDuration" env:"TRACKER_EXPECTED_DURATION" default:"3s"`

	// SoftBudget bounds a state update plus notification queueing.
	SoftBudget time.Duration `json:"softBudget" yaml:"softBudget" env:"TRACKER_SOFT_BUDGET" default:"100ms"`

	// RefreshInterval is the batching cycle for subscriber notifications.
	RefreshInterval time.Duration `json:"refreshInterval" yaml:"refreshInterval" env:"TRACKER_REFRESH_INTERVAL" default:"50ms"`

	// SlowThreshold is the elapsed time after which a load under a poor
	// network condition produces a slow-connection warning.
	SlowThreshold time.Duration `json:"slowThreshold" yaml:"slowThreshold" env:"TRACKER_SLOW_THRESHOLD" default:"3s"`

	// TimeoutWarningThreshold is the elapsed time after which a timeout
	// warning is delivered.
	TimeoutWarningThreshold time.Duration `json:"timeoutWarningThreshold" yaml:"timeoutWarningThreshold" env:"TRACKER_TIMEOUT_WARNING" default:"8s"`

	// ForceClearAge force-clears any session still loading or retrying.
	ForceClearAge time.Duration `json:"forceClearAge" yaml:"forceClearAge" env:"TRACKER_FORCE_CLEAR_AGE" default:"30s"`

	// SweepInterval is how often the auto-advance / force-clear sweep runs.
	SweepInterval time.Duration `json:"sweepInterval" yaml:"sweepInterval" env:"TRACKER_SWEEP_INTERVAL" default:"1s"`

	// AutoAdvanceDelay is the session age after which the sweep starts
	// advancing progress automatically.
	AutoAdvanceDelay time.Duration `json:"autoAdvanceDelay" yaml:"autoAdvanceDelay" env:"TRACKER_AUTO_ADVANCE_DELAY" default:"1s"`
}

// RecoveryConfig configures the resource recovery watcher.
type RecoveryConfig struct {
	// MaxAttempts bounds recovery attempts per asset.
	MaxAttempts int `json:"maxAttempts" yaml:"maxAttempts" env:"RECOVERY_MAX_ATTEMPTS" default:"3"`

	// BaseDelay is the first recovery backoff delay.
	BaseDelay time.Duration `json:"baseDelay" yaml:"baseDelay" env:"RECOVERY_BASE_DELAY" default:"2s"`

	// MaxDelay caps the recovery backoff.
	MaxDelay time.Duration `json:"maxDelay" yaml:"maxDelay" env:"RECOVERY_MAX_DELAY" default:"30s"`
}

// DefaultConfig returns the configuration with every field at its default.
func DefaultConfig() Config {
	return Config{
		Cache: CacheConfig{
			MaxEntries:       100,
			DefaultTTL:       5 * time.Minute,
			MaxEntryAge:      30 * time.Minute,
			MemoryThreshold:  50 * 1024 * 1024,
			SnapshotInterval: 30 * time.Second,
		},
		Retry: RetryConfig{
			BaseDelay:     time.Second,
			MaxDelay:      30 * time.Second,
			Multiplier:    2.0,
			Jitter:        0.1,
			MaxAttempts:   3,
			Cooldown:      60 * time.Second,
			StateTTL:      time.Hour,
			SweepInterval: 10 * time.Minute,
		},
		Tracker: TrackerConfig{
			ExpectedDuration:        3 * time.Second,
			SoftBudget:              100 * time.Millisecond,
			RefreshInterval:         50 * time.Millisecond,
			SlowThreshold:           3 * time.Second,
			TimeoutWarningThreshold: 8 * time.Second,
			ForceClearAge:           30 * time.Second,
			SweepInterval:           time.Second,
			AutoAdvanceDelay:        time.Second,
		},
		Recovery: RecoveryConfig{
			MaxAttempts: 3,
			BaseDelay:   2 * time.Second,
			MaxDelay:    30 * time.Second,
		},
	}
}

// ApplyEnvOverrides feeds configuration values from environment variables.
// Each field's env tag is looked up as PREFIX_TAG (for example
// MODLOAD_CACHE_MAX_ENTRIES); unset variables leave the field unchanged.
func (c *Config) ApplyEnvOverrides(prefix string) error {
	root := reflect.ValueOf(c).Elem()
	for i := 0; i < root.NumField(); i++ {
		section := root.Field(i)
		if section.Kind() != reflect.Struct {
			continue
		}
		if err := feedStructFromEnv(prefix, section); err != nil {
			return err
		}
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// feedStructFromEnv assigns env values onto a single config section.
func feedStructFromEnv(prefix string, section reflect.Value) error {
	sectionType := section.Type()
	for i := 0; i < sectionType.NumField(); i++ {
		tag := sectionType.Field(i).Tag.Get("env")
		if tag == "" {
			continue
		}
		key := prefix + "_" + tag
		raw, ok := os.LookupEnv(key)
		if !ok || raw == "" {
			continue
		}

		field := section.Field(i)
		if field.Type() == durationType {
			parsed, err := time.ParseDuration(raw)
			if err != nil {
				return fmt.Errorf("invalid duration in %s: %w", key, err)
			}
			field.Set(reflect.ValueOf(parsed))
			continue
		}
		if field.Kind() == reflect.String {
			field.SetString(raw)
			continue
		}

		value, err := cast.FromString(raw, field.Type().String())
		if err != nil {
			return fmt.Errorf("invalid value in %s: %w", key, err)
		}
		field.Set(reflect.ValueOf(value).Convert(field.Type()))
	}
	return nil
}
