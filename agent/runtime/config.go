// Package runtime implements the Agent Runtime and Execution Stream
// (spec.md §4.7, §4.8): top-level lifecycle, per-entry-point execution
// pools, trigger routing, and background maintenance, composing every
// lower-level component (storage, shared state, event bus, log store,
// outcome aggregator, graph executor) into one running instance.
package runtime

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RetryConfig mirrors spec.md §6.4's default_retry.* options.
type RetryConfig struct {
	BaseDelay    time.Duration `yaml:"base_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	JitterFactor float64       `yaml:"jitter_factor"`
}

// Config bundles the runtime-wide tunables from spec.md §6.4. Zero
// values are replaced by their documented defaults in DefaultConfig and
// in New.
type Config struct {
	StoragePath string `yaml:"storage_path"`

	MaxConcurrentExecutions int           `yaml:"max_concurrent_executions"`
	CacheTTL                time.Duration `yaml:"cache_ttl"`
	BatchInterval           time.Duration `yaml:"batch_interval"`
	MaxHistory              int           `yaml:"max_history"`
	ExecutionStateTTL       time.Duration `yaml:"execution_state_ttl"`
	CleanupInterval         time.Duration `yaml:"cleanup_interval"`

	// CleanupErrorBackoff is the Python original's two-tier cleanup timing
	// (spec.md's SPEC_FULL.md "Cleanup-loop backoff detail"): on an
	// unexpected purge error, the loop waits this long before its next
	// attempt instead of resuming at the normal CleanupInterval cadence.
	CleanupErrorBackoff time.Duration `yaml:"cleanup_error_backoff"`

	DefaultRetry RetryConfig `yaml:"default_retry"`
}

// DefaultConfig returns the spec.md §6.4 defaults.
func DefaultConfig() Config {
	return Config{
		StoragePath:             "./agentrt-data",
		MaxConcurrentExecutions: 100,
		CacheTTL:                time.Hour,
		BatchInterval:           100 * time.Millisecond,
		MaxHistory:              1000,
		ExecutionStateTTL:       time.Hour,
		CleanupInterval:         300 * time.Second,
		CleanupErrorBackoff:     60 * time.Second,
		DefaultRetry: RetryConfig{
			BaseDelay:    time.Second,
			MaxDelay:     60 * time.Second,
			JitterFactor: 0.5,
		},
	}
}

// applyDefaults fills any zero-valued field with DefaultConfig's value.
func (c Config) applyDefaults() Config {
	d := DefaultConfig()
	if c.StoragePath == "" {
		c.StoragePath = d.StoragePath
	}
	if c.MaxConcurrentExecutions <= 0 {
		c.MaxConcurrentExecutions = d.MaxConcurrentExecutions
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = d.BatchInterval
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = d.MaxHistory
	}
	if c.ExecutionStateTTL <= 0 {
		c.ExecutionStateTTL = d.ExecutionStateTTL
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	if c.CleanupErrorBackoff <= 0 {
		c.CleanupErrorBackoff = d.CleanupErrorBackoff
	}
	if c.DefaultRetry.BaseDelay <= 0 {
		c.DefaultRetry.BaseDelay = d.DefaultRetry.BaseDelay
	}
	if c.DefaultRetry.MaxDelay <= 0 {
		c.DefaultRetry.MaxDelay = d.DefaultRetry.MaxDelay
	}
	if c.DefaultRetry.JitterFactor <= 0 {
		c.DefaultRetry.JitterFactor = d.DefaultRetry.JitterFactor
	}
	return c
}

// LoadConfigFile reads a YAML-encoded Config from path, applying defaults
// to any field the file leaves zero. Deployable agent graphs are
// naturally authored as config rather than code (spec.md's AMBIENT STACK
// expansion), so GraphSpec/Goal loading follows the same convention in
// graphyaml.go.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("runtime: read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("runtime: parse config %s: %w", path, err)
	}
	return cfg.applyDefaults(), nil
}
