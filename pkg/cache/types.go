package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ContentType identifies what kind of value a cache entry holds
type ContentType string

// Content types
const (
	ContentTypeEmbedding         ContentType = "embedding"
	ContentTypeSearchResult      ContentType = "search_result"
	ContentTypeGeneratedResponse ContentType = "generated_response"
)

// valid reports whether ct is a known content type
func (ct ContentType) valid() bool {
	switch ct {
	case ContentTypeEmbedding, ContentTypeSearchResult, ContentTypeGeneratedResponse:
		return true
	}
	return false
}

// Intent is the coarse classification of a query's purpose. It only
// influences TTL resolution and strategy thresholds, never correctness.
type Intent string

// Intents form a closed set; IntentLookup is the fallback
const (
	IntentLookup        Intent = "lookup"
	IntentAvailability  Intent = "availability"
	IntentPrice         Intent = "price"
	IntentInformational Intent = "informational"
	IntentComparison    Intent = "comparison"
)

// IsVolatile reports whether the intent refers to data that changes often
// (stock levels, prices). Volatile intents shorten TTLs and raise the
// similarity bar.
func (i Intent) IsVolatile() bool {
	return i == IntentAvailability || i == IntentPrice
}

// Tier identifies which storage tier currently owns an entry
type Tier string

// Storage tiers, fastest to slowest
const (
	TierL1 Tier = "l1"
	TierL2 Tier = "l2"
	TierL3 Tier = "l3"
)

// MatchKind classifies the outcome of a cache lookup
type MatchKind string

const (
	// MatchExact means the normalized query matched a cached key verbatim
	MatchExact MatchKind = "exact"
	// MatchSemantic means a semantically equivalent query was served.
	// Depending on the active strategy profile the payload may belong to a
	// query that is close but not identical; callers opting into the
	// Aggressive profile accept that trade-off.
	MatchSemantic MatchKind = "semantic"
	// MatchMiss means nothing usable was cached
	MatchMiss MatchKind = "miss"
)

// CacheKey identifies an entry by namespace, normalized query, and content
// type. Keys are value types and immutable.
type CacheKey struct {
	Namespace   string      `json:"namespace"`
	Canonical   string      `json:"canonical"`
	ContentType ContentType `json:"content_type"`
}

// NewCacheKey builds a key from its parts
func NewCacheKey(namespace, canonical string, ct ContentType) CacheKey {
	return CacheKey{
		Namespace:   namespace,
		Canonical:   canonical,
		ContentType: ct,
	}
}

// String renders the storage form of the key. The canonical text is hashed
// so keys stay bounded and safe for any backend.
func (k CacheKey) String() string {
	sum := sha256.Sum256([]byte(k.Canonical))
	return k.Namespace + ":" + string(k.ContentType) + ":" + hex.EncodeToString(sum[:16])
}

// KeyPrefix returns the storage prefix shared by all entries of a namespace,
// used for bulk invalidation.
func KeyPrefix(namespace string) string {
	return namespace + ":"
}

// CacheEntry is a cached value plus the metadata the tiers need to manage
// it. Entries are treated as immutable once stored; updates go through
// touched(), which produces a new version that atomically replaces the old
// one.
type CacheEntry struct {
	Key            CacheKey        `json:"key"`
	Version        string          `json:"version"`
	ContentType    ContentType     `json:"content_type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Embedding      []float32       `json:"embedding,omitempty"`
	Intent         Intent          `json:"intent"`
	CreatedAt      time.Time       `json:"created_at"`
	LastAccessedAt time.Time       `json:"last_accessed_at"`
	HitCount       int64           `json:"hit_count"`
	Tier           Tier            `json:"tier"`
	TTL            time.Duration   `json:"ttl"`
}

// NewCacheEntry builds a fresh entry in L1 with a new version id
func NewCacheEntry(key CacheKey, payload json.RawMessage, embedding []float32, intent Intent, ttl time.Duration) *CacheEntry {
	now := time.Now()
	return &CacheEntry{
		Key:            key,
		Version:        uuid.NewString(),
		ContentType:    key.ContentType,
		Payload:        payload,
		Embedding:      embedding,
		Intent:         intent,
		CreatedAt:      now,
		LastAccessedAt: now,
		Tier:           TierL1,
		TTL:            ttl,
	}
}

// SimilaritySearchable reports whether the entry participates in the
// similarity index. Embedding entries are exact-key only; their vector is
// the payload, not a search key.
func (e *CacheEntry) SimilaritySearchable() bool {
	return len(e.Embedding) > 0 && e.ContentType != ContentTypeEmbedding
}

// ExpiresAt returns the absolute expiry for the entry in the given tier.
// L1 expiry is recency-based; L2/L3 expiry is absolute from creation.
func (e *CacheEntry) ExpiresAt(tier Tier) time.Time {
	if tier == TierL1 {
		return e.LastAccessedAt.Add(e.TTL)
	}
	return e.CreatedAt.Add(e.TTL)
}

// Expired reports whether the entry is past its TTL in the given tier
func (e *CacheEntry) Expired(tier Tier, now time.Time) bool {
	return now.After(e.ExpiresAt(tier))
}

// RemainingTTL returns how long the entry may still live, measured from its
// creation time. Used when demoting so lower tiers never extend lifetime.
func (e *CacheEntry) RemainingTTL(now time.Time) time.Duration {
	return e.CreatedAt.Add(e.TTL).Sub(now)
}

// touched returns a copy with access stats bumped and a new version id.
// Copy-on-write keeps concurrent readers of the old version safe.
func (e *CacheEntry) touched() *CacheEntry {
	clone := *e
	clone.Version = uuid.NewString()
	clone.LastAccessedAt = time.Now()
	clone.HitCount = e.HitCount + 1
	return &clone
}

// withTier returns a copy owned by the given tier
func (e *CacheEntry) withTier(tier Tier) *CacheEntry {
	clone := *e
	clone.Tier = tier
	return &clone
}

// Entity is a structured value extracted from a query during normalization
type Entity struct {
	Kind      string `json:"kind"`
	Raw       string `json:"raw"`
	Canonical string `json:"canonical"`
}

// Entity kinds produced by the normalizer
const (
	EntityQuantity    = "quantity"
	EntityUnit        = "unit"
	EntityProductCode = "product_code"
)

// NormalizedQuery is the result of normalizing raw query text
type NormalizedQuery struct {
	Canonical string   `json:"canonical"`
	Intent    Intent   `json:"intent"`
	Entities  []Entity `json:"entities,omitempty"`
}

// ComputeFunc produces a payload for a query on a cache miss. It is the
// injection point for the retrieval/generation backend.
type ComputeFunc func(ctx context.Context) (json.RawMessage, error)

// EmbedFunc produces an embedding vector for text. It is the injection
// point for the external embedding service.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)
