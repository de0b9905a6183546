package cache

import (
	"hash/fnv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// evictionHandler receives entries pushed out of L1 by capacity pressure.
// The handler decides whether the victim is demoted or dropped.
type evictionHandler func(entry *CacheEntry)

// l1Store is the process-local tier: a sharded, bounded LRU map. TTL
// expiry in L1 is recency-based (last access plus TTL), so hot entries
// stay as long as they are used.
type l1Store struct {
	shards []*l1Shard
	// ttlCeiling caps how long any entry may sit in L1 regardless of its
	// own TTL; zero means no ceiling
	ttlCeiling time.Duration
}

type l1Shard struct {
	mu sync.Mutex
	// suppressEvict is set while an intentional removal runs so the LRU
	// eviction callback only fires for capacity-pressure victims
	suppressEvict bool
	cache         *lru.Cache[string, *CacheEntry]
	onEvict       evictionHandler
}

// newL1Store creates a store with the given total capacity spread over
// shards. onEvict may be nil.
func newL1Store(capacity, shards int, ttlCeiling time.Duration, onEvict evictionHandler) (*l1Store, error) {
	if shards <= 0 {
		shards = 16
	}
	perShard := capacity / shards
	if perShard < 1 {
		perShard = 1
	}

	store := &l1Store{shards: make([]*l1Shard, shards), ttlCeiling: ttlCeiling}
	for i := range store.shards {
		shard := &l1Shard{onEvict: onEvict}
		c, err := lru.NewWithEvict[string, *CacheEntry](perShard, func(key string, entry *CacheEntry) {
			if shard.suppressEvict || shard.onEvict == nil {
				return
			}
			shard.onEvict(entry)
		})
		if err != nil {
			return nil, err
		}
		shard.cache = c
		store.shards[i] = shard
	}
	return store, nil
}

func (s *l1Store) shardFor(key string) *l1Shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// get returns the entry for key, or nil when absent or expired. Expired
// entries are removed on sight; the removed entry is returned via the
// second value so the caller can clean up the similarity index.
func (s *l1Store) get(key string) (entry *CacheEntry, expired *CacheEntry) {
	shard := s.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	e, ok := shard.cache.Get(key)
	if !ok {
		return nil, nil
	}
	if s.expired(e, time.Now()) {
		shard.suppressEvict = true
		shard.cache.Remove(key)
		shard.suppressEvict = false
		return nil, e
	}
	return e, nil
}

// contains reports residency without touching recency
func (s *l1Store) contains(key string) bool {
	shard := s.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	_, ok := shard.cache.Peek(key)
	return ok
}

// put stores an entry; capacity overflow evicts the shard's LRU victim
// through the eviction handler
func (s *l1Store) put(entry *CacheEntry) {
	shard := s.shardFor(entry.Key.String())
	shard.mu.Lock()
	defer shard.mu.Unlock()
	shard.cache.Add(entry.Key.String(), entry)
}

// remove deletes a key without triggering the eviction handler
func (s *l1Store) remove(key string) bool {
	shard := s.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	shard.suppressEvict = true
	ok := shard.cache.Remove(key)
	shard.suppressEvict = false
	return ok
}

// removePrefix deletes every key with the given prefix, returning the
// removed keys
func (s *l1Store) removePrefix(prefix string) []string {
	var removed []string
	for _, shard := range s.shards {
		shard.mu.Lock()
		shard.suppressEvict = true
		for _, key := range shard.cache.Keys() {
			if strings.HasPrefix(key, prefix) {
				shard.cache.Remove(key)
				removed = append(removed, key)
			}
		}
		shard.suppressEvict = false
		shard.mu.Unlock()
	}
	return removed
}

// purgeExpired removes every expired entry, returning the victims for
// index cleanup. Called by the background sweeper.
func (s *l1Store) purgeExpired(now time.Time) []*CacheEntry {
	var purged []*CacheEntry
	for _, shard := range s.shards {
		shard.mu.Lock()
		shard.suppressEvict = true
		for _, key := range shard.cache.Keys() {
			if entry, ok := shard.cache.Peek(key); ok && s.expired(entry, now) {
				shard.cache.Remove(key)
				purged = append(purged, entry)
			}
		}
		shard.suppressEvict = false
		shard.mu.Unlock()
	}
	return purged
}

// snapshot returns every resident entry, used for the shutdown flush
func (s *l1Store) snapshot() []*CacheEntry {
	var entries []*CacheEntry
	for _, shard := range s.shards {
		shard.mu.Lock()
		for _, key := range shard.cache.Keys() {
			if entry, ok := shard.cache.Peek(key); ok {
				entries = append(entries, entry)
			}
		}
		shard.mu.Unlock()
	}
	return entries
}

// expired applies the recency TTL capped by the store's ceiling
func (s *l1Store) expired(e *CacheEntry, now time.Time) bool {
	ttl := e.TTL
	if s.ttlCeiling > 0 && ttl > s.ttlCeiling {
		ttl = s.ttlCeiling
	}
	return now.After(e.LastAccessedAt.Add(ttl))
}

// len returns the resident entry count
func (s *l1Store) len() int {
	total := 0
	for _, shard := range s.shards {
		shard.mu.Lock()
		total += shard.cache.Len()
		shard.mu.Unlock()
	}
	return total
}
