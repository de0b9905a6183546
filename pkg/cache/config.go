package cache

import (
	"fmt"
	"time"
)

// Config configures the semantic cache engine. Use DefaultConfig() for
// production-ready settings and override as needed; Validate() rejects bad
// configurations before the engine serves traffic.
type Config struct {
	// Namespace scopes every key this engine reads and writes
	Namespace string `json:"namespace" mapstructure:"namespace"`

	// Strategy is the profile active at startup
	Strategy StrategyProfile `json:"strategy" mapstructure:"strategy"`

	// Ladders holds the similarity threshold ladder per profile. Values
	// here are tunables, not constants; validate them against your
	// embedding source.
	Ladders map[StrategyProfile]ThresholdLadder `json:"ladders" mapstructure:"ladders"`

	// MaxCandidates bounds how many similarity candidates are examined
	MaxCandidates int `json:"max_candidates" mapstructure:"max_candidates"`

	// TTL configures expiry resolution
	TTL TTLConfig `json:"ttl" mapstructure:"ttl"`

	// L1 configures the process-local tier
	L1 L1Config `json:"l1" mapstructure:"l1"`

	// L2 configures the shared Redis tier
	L2 RedisConfig `json:"l2" mapstructure:"l2"`

	// L3 configures the durable disk tier
	L3 DiskConfig `json:"l3" mapstructure:"l3"`

	// IndexShards is the shard count for the similarity index and L1 store
	IndexShards int `json:"index_shards" mapstructure:"index_shards"`

	// SweepInterval is how often the background sweeper runs
	SweepInterval time.Duration `json:"sweep_interval" mapstructure:"sweep_interval"`

	// MaxQueryLength bounds accepted raw queries
	MaxQueryLength int `json:"max_query_length" mapstructure:"max_query_length"`

	// EnableMetrics enables metrics collection
	EnableMetrics bool `json:"enable_metrics" mapstructure:"enable_metrics"`

	// Synonyms maps surface forms to canonical tokens; loaded once and
	// immutable afterwards. Merged over the built-in table.
	Synonyms map[string]string `json:"synonyms,omitempty" mapstructure:"synonyms"`
}

// L1Config bounds the process-local tier
type L1Config struct {
	MaxEntries int           `json:"max_entries" mapstructure:"max_entries"`
	TTLCeiling time.Duration `json:"ttl_ceiling" mapstructure:"ttl_ceiling"`
}

// RedisConfig configures the shared L2 tier
type RedisConfig struct {
	Enabled          bool          `json:"enabled" mapstructure:"enabled"`
	Addr             string        `json:"addr" mapstructure:"addr"`
	Password         string        `json:"password,omitempty" mapstructure:"password"`
	DB               int           `json:"db" mapstructure:"db"`
	DialTimeout      time.Duration `json:"dial_timeout" mapstructure:"dial_timeout"`
	OperationTimeout time.Duration `json:"operation_timeout" mapstructure:"operation_timeout"`
}

// DiskConfig configures the durable L3 tier
type DiskConfig struct {
	Enabled          bool          `json:"enabled" mapstructure:"enabled"`
	Path             string        `json:"path" mapstructure:"path"`
	OperationTimeout time.Duration `json:"operation_timeout" mapstructure:"operation_timeout"`
}

// TTLConfig drives expiry resolution per content type and intent
type TTLConfig struct {
	// Base TTL per content type
	Base map[ContentType]time.Duration `json:"base" mapstructure:"base"`

	// IntentMultipliers scale the base TTL; volatile intents below 1,
	// stable intents above
	IntentMultipliers map[Intent]float64 `json:"intent_multipliers" mapstructure:"intent_multipliers"`

	// Min and Max clamp the resolved TTL
	Min time.Duration `json:"min" mapstructure:"min"`
	Max time.Duration `json:"max" mapstructure:"max"`
}

// DefaultConfig returns a configuration with production defaults:
// embeddings cached for a week, search results for an hour, generated
// responses for fifteen minutes, Smart strategy, 10k-entry L1.
func DefaultConfig() *Config {
	return &Config{
		Namespace:     "semcache",
		Strategy:      StrategySmart,
		Ladders:       DefaultLadders(),
		MaxCandidates: 10,
		TTL: TTLConfig{
			Base: map[ContentType]time.Duration{
				ContentTypeEmbedding:         7 * 24 * time.Hour,
				ContentTypeSearchResult:      time.Hour,
				ContentTypeGeneratedResponse: 15 * time.Minute,
			},
			IntentMultipliers: map[Intent]float64{
				IntentPrice:         0.3,
				IntentAvailability:  0.5,
				IntentInformational: 1.5,
				IntentComparison:    1.0,
				IntentLookup:        1.0,
			},
			Min: 30 * time.Second,
			Max: 7 * 24 * time.Hour,
		},
		L1: L1Config{
			MaxEntries: 10000,
			TTLCeiling: time.Hour,
		},
		L2: RedisConfig{
			Enabled:          false,
			DialTimeout:      5 * time.Second,
			OperationTimeout: 2 * time.Second,
		},
		L3: DiskConfig{
			Enabled:          false,
			OperationTimeout: 2 * time.Second,
		},
		IndexShards:    16,
		SweepInterval:  time.Minute,
		MaxQueryLength: 1000,
		EnableMetrics:  true,
	}
}

// Validate rejects invalid configurations before traffic is served
func (c *Config) Validate() error {
	if c.Namespace == "" {
		return fmt.Errorf("%w: namespace is required", ErrInvalidConfig)
	}
	if _, ok := c.Ladders[c.Strategy]; !ok && c.Strategy != StrategyExactOnly {
		return fmt.Errorf("%w: no threshold ladder for strategy %q", ErrInvalidConfig, c.Strategy)
	}
	for profile, ladder := range c.Ladders {
		if err := ladder.validate(); err != nil {
			return fmt.Errorf("%w: ladder for %q: %v", ErrInvalidConfig, profile, err)
		}
	}
	if c.MaxCandidates <= 0 {
		return fmt.Errorf("%w: max_candidates must be positive", ErrInvalidConfig)
	}
	if c.TTL.Min <= 0 || c.TTL.Max < c.TTL.Min {
		return fmt.Errorf("%w: ttl bounds must satisfy 0 < min <= max", ErrInvalidConfig)
	}
	for ct, base := range c.TTL.Base {
		if !ct.valid() {
			return fmt.Errorf("%w: unknown content type %q in ttl.base", ErrInvalidConfig, ct)
		}
		if base <= 0 {
			return fmt.Errorf("%w: ttl.base for %q must be positive", ErrInvalidConfig, ct)
		}
	}
	for intent, mult := range c.TTL.IntentMultipliers {
		if mult <= 0 {
			return fmt.Errorf("%w: ttl multiplier for %q must be positive", ErrInvalidConfig, intent)
		}
	}
	if c.L1.MaxEntries <= 0 {
		return fmt.Errorf("%w: l1.max_entries must be positive", ErrInvalidConfig)
	}
	if c.L2.Enabled && c.L2.Addr == "" {
		return fmt.Errorf("%w: l2.addr is required when l2 is enabled", ErrInvalidConfig)
	}
	if c.L3.Enabled && c.L3.Path == "" {
		return fmt.Errorf("%w: l3.path is required when l3 is enabled", ErrInvalidConfig)
	}
	if c.IndexShards <= 0 {
		return fmt.Errorf("%w: index_shards must be positive", ErrInvalidConfig)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("%w: sweep_interval must be positive", ErrInvalidConfig)
	}
	if c.MaxQueryLength <= 0 {
		return fmt.Errorf("%w: max_query_length must be positive", ErrInvalidConfig)
	}
	return nil
}

// baseTTL returns the configured base TTL for a content type, falling back
// to the search-result TTL for unknown types
func (c *TTLConfig) baseTTL(ct ContentType) time.Duration {
	if base, ok := c.Base[ct]; ok {
		return base
	}
	return c.Base[ContentTypeSearchResult]
}
