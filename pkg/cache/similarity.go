package cache

import (
	"hash/fnv"
	"math"
	"sort"
	"sync"
)

// Candidate is a similarity match returned by the index, score normalized
// to [0,1] with 1 meaning identical direction.
type Candidate struct {
	Key   string  `json:"key"`
	Score float32 `json:"score"`
}

// SimilarityIndex holds the vectors of similarity-searchable entries
// resident in L1 and L2. It is sharded by key hash so concurrent inserts
// and removals on different keys rarely contend; FindNearest takes each
// shard's read lock briefly while scanning.
//
// Lookup cost is linear in the resident set, which is acceptable because
// L1/L2 are bounded.
type SimilarityIndex struct {
	shards []*indexShard
}

type indexShard struct {
	mu sync.RWMutex
	// vectors are stored unit-normalized so scoring is a dot product
	vectors map[string][]float32
}

// NewSimilarityIndex creates an index with the given shard count
func NewSimilarityIndex(shards int) *SimilarityIndex {
	if shards <= 0 {
		shards = 16
	}
	idx := &SimilarityIndex{shards: make([]*indexShard, shards)}
	for i := range idx.shards {
		idx.shards[i] = &indexShard{vectors: make(map[string][]float32)}
	}
	return idx
}

func (idx *SimilarityIndex) shardFor(key string) *indexShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return idx.shards[h.Sum32()%uint32(len(idx.shards))]
}

// Insert adds or replaces the vector for a key. Zero vectors are ignored.
func (idx *SimilarityIndex) Insert(key string, vector []float32) {
	unit, ok := unitVector(vector)
	if !ok {
		return
	}
	shard := idx.shardFor(key)
	shard.mu.Lock()
	shard.vectors[key] = unit
	shard.mu.Unlock()
}

// Remove drops a key from the index. Removing an absent key is a no-op.
func (idx *SimilarityIndex) Remove(key string) {
	shard := idx.shardFor(key)
	shard.mu.Lock()
	delete(shard.vectors, key)
	shard.mu.Unlock()
}

// Contains reports whether the index holds a vector for the key
func (idx *SimilarityIndex) Contains(key string) bool {
	shard := idx.shardFor(key)
	shard.mu.RLock()
	_, ok := shard.vectors[key]
	shard.mu.RUnlock()
	return ok
}

// Len returns the number of indexed vectors
func (idx *SimilarityIndex) Len() int {
	total := 0
	for _, shard := range idx.shards {
		shard.mu.RLock()
		total += len(shard.vectors)
		shard.mu.RUnlock()
	}
	return total
}

// Keys returns every indexed key, used by the sweeper to reconcile the
// index against the resident tiers
func (idx *SimilarityIndex) Keys() []string {
	var keys []string
	for _, shard := range idx.shards {
		shard.mu.RLock()
		for key := range shard.vectors {
			keys = append(keys, key)
		}
		shard.mu.RUnlock()
	}
	return keys
}

// FindNearest returns up to topK candidates ordered by descending score
func (idx *SimilarityIndex) FindNearest(vector []float32, topK int) []Candidate {
	if topK <= 0 {
		return nil
	}
	query, ok := unitVector(vector)
	if !ok {
		return nil
	}

	var candidates []Candidate
	for _, shard := range idx.shards {
		shard.mu.RLock()
		for key, vec := range shard.vectors {
			if len(vec) != len(query) {
				continue
			}
			candidates = append(candidates, Candidate{
				Key:   key,
				Score: normalizedCosine(query, vec),
			})
		}
		shard.mu.RUnlock()
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	return candidates
}

// RemoveMatching drops every key accepted by the predicate, returning how
// many were removed. Used for namespace invalidation.
func (idx *SimilarityIndex) RemoveMatching(match func(key string) bool) int {
	removed := 0
	for _, shard := range idx.shards {
		shard.mu.Lock()
		for key := range shard.vectors {
			if match(key) {
				delete(shard.vectors, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// unitVector returns a unit-length copy of v, or false for zero or empty
// vectors
func unitVector(v []float32) ([]float32, bool) {
	if len(v) == 0 {
		return nil, false
	}
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return nil, false
	}
	norm := math.Sqrt(sum)
	unit := make([]float32, len(v))
	for i, x := range v {
		unit[i] = float32(float64(x) / norm)
	}
	return unit, true
}

// normalizedCosine maps the cosine of two unit vectors from [-1,1] to [0,1]
func normalizedCosine(a, b []float32) float32 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	// Clamp against floating point drift
	if dot > 1 {
		dot = 1
	}
	if dot < -1 {
		dot = -1
	}
	return float32((1 + dot) / 2)
}
