package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTTLPolicy_ResolveTTL(t *testing.T) {
	policy := NewTTLPolicy(TTLConfig{
		Base: map[ContentType]time.Duration{
			ContentTypeEmbedding:         7 * 24 * time.Hour,
			ContentTypeSearchResult:      time.Hour,
			ContentTypeGeneratedResponse: 15 * time.Minute,
		},
		IntentMultipliers: map[Intent]float64{
			IntentPrice:         0.3,
			IntentAvailability:  0.5,
			IntentInformational: 1.5,
		},
		Min: 30 * time.Second,
		Max: 7 * 24 * time.Hour,
	})

	tests := []struct {
		name   string
		ct     ContentType
		intent Intent
		want   time.Duration
	}{
		{"search result base", ContentTypeSearchResult, IntentLookup, time.Hour},
		{"price shortens", ContentTypeSearchResult, IntentPrice, 18 * time.Minute},
		{"availability halves", ContentTypeSearchResult, IntentAvailability, 30 * time.Minute},
		{"informational extends", ContentTypeSearchResult, IntentInformational, 90 * time.Minute},
		{"generated response base", ContentTypeGeneratedResponse, IntentLookup, 15 * time.Minute},
		{"embedding clamped to max", ContentTypeEmbedding, IntentInformational, 7 * 24 * time.Hour},
		{"unknown content type falls back to search result", ContentType("bogus"), IntentLookup, time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, policy.ResolveTTL(tt.ct, tt.intent))
		})
	}
}

func TestTTLPolicy_ClampsToMin(t *testing.T) {
	policy := NewTTLPolicy(TTLConfig{
		Base: map[ContentType]time.Duration{
			ContentTypeSearchResult: time.Minute,
		},
		IntentMultipliers: map[Intent]float64{IntentPrice: 0.01},
		Min:               30 * time.Second,
		Max:               time.Hour,
	})

	assert.Equal(t, 30*time.Second, policy.ResolveTTL(ContentTypeSearchResult, IntentPrice))
}
