package cache

import "time"

// TTLPolicy resolves a dynamic time-to-live per entry from its content type
// and detected intent. Pure function of its configuration; safe for
// concurrent use without synchronization.
type TTLPolicy struct {
	config TTLConfig
}

// NewTTLPolicy creates a policy from validated configuration
func NewTTLPolicy(config TTLConfig) *TTLPolicy {
	return &TTLPolicy{config: config}
}

// ResolveTTL computes the expiry duration for an entry. Base TTL comes from
// the content type (embeddings are stable and live longest, generated
// responses are freshness-sensitive and live shortest), scaled by the
// intent multiplier and clamped to the configured bounds.
func (p *TTLPolicy) ResolveTTL(ct ContentType, intent Intent) time.Duration {
	ttl := p.config.baseTTL(ct)

	if mult, ok := p.config.IntentMultipliers[intent]; ok {
		ttl = time.Duration(float64(ttl) * mult)
	}

	if ttl < p.config.Min {
		ttl = p.config.Min
	}
	if ttl > p.config.Max {
		ttl = p.config.Max
	}
	return ttl
}
