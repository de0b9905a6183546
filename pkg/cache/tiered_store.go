package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/developer-mesh/semantic-cache/pkg/observability"
)

// demoteQueueSize bounds how many L1 eviction victims may wait for
// demotion to L2 before new victims are dropped
const demoteQueueSize = 256

// tieredStore coordinates the three storage tiers and the similarity
// index. Reads walk L1, L2, L3 in order and promote hits upward; writes go
// through all enabled tiers. Any tier past L1 is optional and best-effort:
// when one is down the store degrades to the tiers that remain and keeps
// serving.
type tieredStore struct {
	l1    *l1Store
	index *SimilarityIndex

	// l2 and l3 are swapped in by the recovery loop when a tier that was
	// down at startup comes back
	l2 atomic.Pointer[redisStore]
	l3 atomic.Pointer[diskStore]

	l2Config RedisConfig
	l3Config DiskConfig

	logger  observability.Logger
	metrics observability.MetricsClient

	sweepInterval time.Duration
	demoteCh      chan *CacheEntry
	stopCh        chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
	closed        atomic.Bool
}

// newTieredStore builds the store and starts its background workers. A
// tier that cannot be reached at startup is logged and retried by the
// recovery loop; only L1 setup failures are fatal.
func newTieredStore(cfg *Config, index *SimilarityIndex, logger observability.Logger, metrics observability.MetricsClient) (*tieredStore, error) {
	s := &tieredStore{
		index:         index,
		l2Config:      cfg.L2,
		l3Config:      cfg.L3,
		logger:        logger,
		metrics:       metrics,
		sweepInterval: cfg.SweepInterval,
		demoteCh:      make(chan *CacheEntry, demoteQueueSize),
		stopCh:        make(chan struct{}),
	}

	l1, err := newL1Store(cfg.L1.MaxEntries, cfg.IndexShards, cfg.L1.TTLCeiling, s.onL1Evict)
	if err != nil {
		return nil, err
	}
	s.l1 = l1

	if cfg.L2.Enabled {
		l2, err := newRedisStore(cfg.L2, logger, metrics)
		if err != nil {
			logger.Warn("L2 unreachable at startup, degrading to remaining tiers", map[string]interface{}{
				"addr":  cfg.L2.Addr,
				"error": err.Error(),
			})
			metrics.IncrementCounterWithLabels("cache.tier_degraded", 1, map[string]string{"tier": string(TierL2)})
		} else {
			s.l2.Store(l2)
		}
	}
	if cfg.L3.Enabled {
		l3, err := newDiskStore(cfg.L3, logger, metrics)
		if err != nil {
			logger.Warn("L3 unreachable at startup, degrading to remaining tiers", map[string]interface{}{
				"path":  cfg.L3.Path,
				"error": err.Error(),
			})
			metrics.IncrementCounterWithLabels("cache.tier_degraded", 1, map[string]string{"tier": string(TierL3)})
		} else {
			s.l3.Store(l3)
		}
	}

	s.wg.Add(2)
	go s.demoteWorker()
	go s.sweeper()

	return s, nil
}

// onL1Evict receives capacity-pressure victims from L1. It runs under the
// victim's shard lock, so it must never call back into l1 or block; the
// victim is handed to the demote worker instead of being written to L2
// inline.
func (s *tieredStore) onL1Evict(entry *CacheEntry) {
	if s.closed.Load() {
		return
	}
	select {
	case s.demoteCh <- entry:
	default:
		// Demotion is an optimization; under pressure dropping the victim
		// is safer than blocking the L1 shard. The index entry is dropped
		// outright (the index has its own locks): that only costs a
		// semantic match the L2 copy could have served, while a key the
		// index cannot fetch would be a consistency bug.
		s.metrics.IncrementCounter("cache.demote_dropped", 1)
		if entry.SimilaritySearchable() {
			s.index.Remove(entry.Key.String())
		}
	}
}

// demoteWorker moves L1 eviction victims down to L2 with their remaining
// absolute lifetime
func (s *tieredStore) demoteWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case entry := <-s.demoteCh:
			l2 := s.l2.Load()
			if l2 == nil {
				s.dropFromIndexUnlessResident(context.Background(), entry)
				continue
			}
			if err := l2.put(context.Background(), entry); err != nil {
				s.logger.Debug("Demotion to L2 failed", map[string]interface{}{
					"key":   entry.Key.String(),
					"error": err.Error(),
				})
				s.dropFromIndexUnlessResident(context.Background(), entry)
				continue
			}
			s.metrics.IncrementCounterWithLabels("cache.demotions", 1, map[string]string{"from": string(TierL1), "to": string(TierL2)})
		}
	}
}

// get walks the tiers for the storage key. Hits are promoted to the faster
// tiers with their access stats bumped. A tier failure is recorded and the
// walk continues.
func (s *tieredStore) get(ctx context.Context, key string) (*CacheEntry, Tier) {
	if entry, expired := s.l1.get(key); entry != nil {
		touched := entry.touched()
		s.l1.put(touched)
		return touched, TierL1
	} else if expired != nil {
		s.dropFromIndexUnlessResident(ctx, expired)
	}

	now := time.Now()

	if l2 := s.l2.Load(); l2 != nil {
		entry, err := l2.get(ctx, key)
		switch {
		case err != nil:
			s.recordTierError(TierL2, err)
		case entry != nil && !entry.Expired(TierL2, now):
			s.promote(ctx, entry, TierL2)
			return entry, TierL2
		case entry != nil:
			_ = l2.delete(ctx, key)
		}
	}

	if l3 := s.l3.Load(); l3 != nil {
		entry, err := l3.get(ctx, key)
		switch {
		case err != nil:
			s.recordTierError(TierL3, err)
		case entry != nil:
			s.promote(ctx, entry, TierL3)
			return entry, TierL3
		}
	}

	return nil, ""
}

// promote copies a lower-tier hit up into the faster tiers
func (s *tieredStore) promote(ctx context.Context, entry *CacheEntry, from Tier) {
	touched := entry.touched().withTier(TierL1)
	s.l1.put(touched)
	if touched.SimilaritySearchable() {
		s.index.Insert(touched.Key.String(), touched.Embedding)
	}

	if from == TierL3 {
		if l2 := s.l2.Load(); l2 != nil {
			if err := l2.put(ctx, touched); err != nil {
				s.recordTierError(TierL2, err)
			}
		}
	}
	s.metrics.IncrementCounterWithLabels("cache.promotions", 1, map[string]string{"from": string(from)})
}

// put writes the entry through every enabled tier and indexes its vector.
// L1 always succeeds; L2 and L3 failures degrade to the tiers that took
// the write.
func (s *tieredStore) put(ctx context.Context, entry *CacheEntry) {
	key := entry.Key.String()
	s.l1.put(entry.withTier(TierL1))
	if entry.SimilaritySearchable() {
		s.index.Insert(key, entry.Embedding)
	}

	if l2 := s.l2.Load(); l2 != nil {
		if err := l2.put(ctx, entry); err != nil {
			s.recordTierError(TierL2, err)
		}
	}
	if l3 := s.l3.Load(); l3 != nil {
		if err := l3.put(ctx, entry); err != nil {
			s.recordTierError(TierL3, err)
		}
	}
}

// invalidate removes the key from every tier and the index. Unreachable
// tiers contribute an error but never stop the removal elsewhere.
func (s *tieredStore) invalidate(ctx context.Context, key string) error {
	var errs []error
	s.l1.remove(key)
	s.index.Remove(key)

	if l2 := s.l2.Load(); l2 != nil {
		if err := l2.delete(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	if l3 := s.l3.Load(); l3 != nil {
		if err := l3.delete(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// invalidateNamespace removes every entry of the namespace from every tier
// and the index, returning how many keys were removed from shared tiers.
func (s *tieredStore) invalidateNamespace(ctx context.Context, namespace string) (int, error) {
	prefix := KeyPrefix(namespace)
	var errs []error

	removed := len(s.l1.removePrefix(prefix))
	s.index.RemoveMatching(func(key string) bool {
		return strings.HasPrefix(key, prefix)
	})

	if l2 := s.l2.Load(); l2 != nil {
		n, err := l2.deletePattern(ctx, prefix+"*")
		removed += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	if l3 := s.l3.Load(); l3 != nil {
		n, err := l3.deleteNamespace(ctx, namespace)
		removed += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return removed, errors.Join(errs...)
}

// dropFromIndexUnlessResident removes a key from the similarity index
// unless a copy still lives in L1 or L2. The index must only answer with
// keys a lookup can actually fetch.
func (s *tieredStore) dropFromIndexUnlessResident(ctx context.Context, entry *CacheEntry) {
	if !entry.SimilaritySearchable() {
		return
	}
	key := entry.Key.String()
	if s.l1.contains(key) {
		return
	}
	if l2 := s.l2.Load(); l2 != nil {
		if ok, err := l2.exists(ctx, key); err == nil && ok {
			return
		}
	}
	s.index.Remove(key)
}

// sweeper periodically removes expired entries and reconciles the index
// against the resident tiers
func (s *tieredStore) sweeper() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep(context.Background())
		}
	}
}

// sweep runs one maintenance pass
func (s *tieredStore) sweep(ctx context.Context) {
	now := time.Now()

	for _, victim := range s.l1.purgeExpired(now) {
		s.dropFromIndexUnlessResident(ctx, victim)
	}

	if l3 := s.l3.Load(); l3 != nil {
		if n, err := l3.sweep(ctx, now); err != nil {
			s.recordTierError(TierL3, err)
		} else if n > 0 {
			s.metrics.IncrementCounterWithLabels("cache.swept", float64(n), map[string]string{"tier": string(TierL3)})
		}
	}

	// Redis expires L2 keys on its own; drop index entries whose key is no
	// longer resident anywhere similarity search can serve from
	l2 := s.l2.Load()
	for _, key := range s.index.Keys() {
		if s.l1.contains(key) {
			continue
		}
		if l2 != nil {
			ok, err := l2.exists(ctx, key)
			if err != nil || ok {
				continue
			}
		}
		s.index.Remove(key)
	}

	s.maybeRecoverTiers(ctx)
}

// maybeRecoverTiers retries tiers that were unreachable at startup
func (s *tieredStore) maybeRecoverTiers(ctx context.Context) {
	if s.l2Config.Enabled && s.l2.Load() == nil {
		if l2, err := newRedisStore(s.l2Config, s.logger, s.metrics); err == nil {
			s.l2.Store(l2)
			s.logger.Info("L2 recovered", map[string]interface{}{"addr": s.l2Config.Addr})
			s.metrics.IncrementCounterWithLabels("cache.tier_recovered", 1, map[string]string{"tier": string(TierL2)})
		}
	}
	if s.l3Config.Enabled && s.l3.Load() == nil {
		if l3, err := newDiskStore(s.l3Config, s.logger, s.metrics); err == nil {
			s.l3.Store(l3)
			s.logger.Info("L3 recovered", map[string]interface{}{"path": s.l3Config.Path})
			s.metrics.IncrementCounterWithLabels("cache.tier_recovered", 1, map[string]string{"tier": string(TierL3)})
		}
	}
}

func (s *tieredStore) recordTierError(tier Tier, err error) {
	s.logger.Debug("Tier operation failed, degrading", map[string]interface{}{
		"tier":  string(tier),
		"error": err.Error(),
	})
	s.metrics.IncrementCounterWithLabels("cache.tier_errors", 1, map[string]string{"tier": string(tier)})
}

// tierHealth reports per-tier reachability
func (s *tieredStore) tierHealth(ctx context.Context) map[Tier]bool {
	health := map[Tier]bool{TierL1: true}
	if s.l2Config.Enabled {
		l2 := s.l2.Load()
		health[TierL2] = l2 != nil && l2.healthy(ctx)
	}
	if s.l3Config.Enabled {
		l3 := s.l3.Load()
		health[TierL3] = l3 != nil && l3.healthy(ctx)
	}
	return health
}

// tierSizes reports per-tier resident entry counts. L2 is not counted; a
// shared Redis holds keys from other processes too.
func (s *tieredStore) tierSizes(ctx context.Context) map[Tier]int {
	sizes := map[Tier]int{TierL1: s.l1.len()}
	if l3 := s.l3.Load(); l3 != nil {
		if n, err := l3.len(ctx); err == nil {
			sizes[TierL3] = n
		}
	}
	return sizes
}

// shutdown stops the background workers, flushes L1 survivors down to L2
// so warm state survives the process, and closes the tier clients.
func (s *tieredStore) shutdown(ctx context.Context) error {
	s.closed.Store(true)
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()

	var errs []error
	if l2 := s.l2.Load(); l2 != nil {
		now := time.Now()
		for _, entry := range s.l1.snapshot() {
			if entry.RemainingTTL(now) <= 0 {
				continue
			}
			if err := l2.put(ctx, entry); err != nil {
				errs = append(errs, err)
				break
			}
		}
		errs = append(errs, l2.close())
	}
	if l3 := s.l3.Load(); l3 != nil {
		errs = append(errs, l3.close())
	}
	return errors.Join(errs...)
}
