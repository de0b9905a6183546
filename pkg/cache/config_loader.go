package cache

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// LoadConfig reads configuration from the given file (optional) and the
// environment, layered over DefaultConfig(). Environment variables use the
// SEMCACHE_ prefix with underscores for nesting, e.g. SEMCACHE_L2_ADDR.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SEMCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setConfigDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: read config %s: %v", ErrInvalidConfig, path, err)
		}
	}

	return LoadConfigFromViper(v)
}

// LoadConfigFromViper unmarshals an already-populated viper instance into
// a validated Config. Hosts embedding the cache in a larger service can
// hand in their own viper.
func LoadConfigFromViper(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	// Unmarshal leaves nested maps untouched when the source omits them;
	// the defaults above already populated those
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setConfigDefaults registers defaults so env-only deployments work
// without a config file
func setConfigDefaults(v *viper.Viper) {
	def := DefaultConfig()
	v.SetDefault("namespace", def.Namespace)
	v.SetDefault("strategy", string(def.Strategy))
	v.SetDefault("max_candidates", def.MaxCandidates)
	v.SetDefault("index_shards", def.IndexShards)
	v.SetDefault("sweep_interval", def.SweepInterval)
	v.SetDefault("max_query_length", def.MaxQueryLength)
	v.SetDefault("enable_metrics", def.EnableMetrics)

	v.SetDefault("ttl.min", def.TTL.Min)
	v.SetDefault("ttl.max", def.TTL.Max)

	v.SetDefault("l1.max_entries", def.L1.MaxEntries)
	v.SetDefault("l1.ttl_ceiling", def.L1.TTLCeiling)

	v.SetDefault("l2.enabled", false)
	v.SetDefault("l2.dial_timeout", 5*time.Second)
	v.SetDefault("l2.operation_timeout", 2*time.Second)

	v.SetDefault("l3.enabled", false)
	v.SetDefault("l3.operation_timeout", 2*time.Second)
}
