package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/developer-mesh/semantic-cache/pkg/observability"
	"github.com/developer-mesh/semantic-cache/pkg/resilience"
)

const diskSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key        TEXT PRIMARY KEY,
	namespace  TEXT NOT NULL,
	data       BLOB NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_namespace ON cache_entries(namespace);
CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries(expires_at);
`

// diskStore is the durable L3 tier backed by an embedded SQLite database.
// Entries survive restarts; expiry is absolute from creation, enforced on
// read and by the background sweeper.
type diskStore struct {
	db        *sqlx.DB
	breakers  *resilience.BreakerRegistry
	opTimeout time.Duration
	logger    observability.Logger
	metrics   observability.MetricsClient
}

// newDiskStore opens or creates the database at cfg.Path and ensures the
// schema exists
func newDiskStore(cfg DiskConfig, logger observability.Logger, metrics observability.MetricsClient) (*diskStore, error) {
	db, err := sqlx.Open("sqlite", cfg.Path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open disk store: %w", err)
	}
	// SQLite allows one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under concurrent puts
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(diskSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply disk store schema: %w", err)
	}

	return &diskStore{
		db:        db,
		breakers:  resilience.NewBreakerRegistry(logger, metrics),
		opTimeout: cfg.OperationTimeout,
		logger:    logger,
		metrics:   metrics,
	}, nil
}

// execute runs fn behind the disk breaker with a bounded timeout
func (s *diskStore) execute(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	_, err := s.breakers.Execute(ctx, resilience.DiskCircuitBreaker, resilience.CircuitBreakerConfig{}, func() (interface{}, error) {
		return nil, fn(ctx)
	})
	return err
}

// get returns the entry for key, nil when absent or expired. Expired rows
// are deleted on sight; corrupt rows are deleted and reported absent.
func (s *diskStore) get(ctx context.Context, key string) (*CacheEntry, error) {
	var data []byte
	var expiresAt int64
	var missing bool

	err := s.execute(ctx, func(ctx context.Context) error {
		row := s.db.QueryRowContext(ctx,
			`SELECT data, expires_at FROM cache_entries WHERE key = ?`, key)
		err := row.Scan(&data, &expiresAt)
		// A missing row is a result, not a failure; it must not count
		// against the circuit breaker
		if errors.Is(err, sql.ErrNoRows) {
			missing = true
			return nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTierUnavailable, err)
	}
	if missing {
		return nil, nil
	}

	if time.Now().Unix() >= expiresAt {
		_ = s.delete(ctx, key)
		return nil, nil
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		s.logger.Warn("Dropping corrupt L3 entry", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		s.metrics.IncrementCounterWithLabels("cache.corrupt_entry", 1, map[string]string{"tier": string(TierL3)})
		_ = s.delete(ctx, key)
		return nil, nil
	}
	return &entry, nil
}

// put upserts an entry under its remaining absolute TTL
func (s *diskStore) put(ctx context.Context, entry *CacheEntry) error {
	if entry.RemainingTTL(time.Now()) <= 0 {
		return nil
	}

	stored := entry.withTier(TierL3)
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	err = s.execute(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO cache_entries (key, namespace, data, expires_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET
			   namespace = excluded.namespace,
			   data = excluded.data,
			   expires_at = excluded.expires_at`,
			entry.Key.String(), entry.Key.Namespace, data, entry.ExpiresAt(TierL3).Unix())
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTierUnavailable, err)
	}
	return nil
}

// delete removes a key
func (s *diskStore) delete(ctx context.Context, key string) error {
	err := s.execute(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTierUnavailable, err)
	}
	return nil
}

// deleteNamespace removes every entry of a namespace, returning the count
func (s *diskStore) deleteNamespace(ctx context.Context, namespace string) (int, error) {
	var deleted int64
	err := s.execute(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM cache_entries WHERE namespace = ?`, namespace)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTierUnavailable, err)
	}
	return int(deleted), nil
}

// sweep deletes expired rows, returning how many were removed
func (s *diskStore) sweep(ctx context.Context, now time.Time) (int, error) {
	var deleted int64
	err := s.execute(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM cache_entries WHERE expires_at <= ?`, now.Unix())
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTierUnavailable, err)
	}
	return int(deleted), nil
}

// len returns the stored row count, used by stats
func (s *diskStore) len(ctx context.Context) (int, error) {
	var n int
	err := s.execute(ctx, func(ctx context.Context) error {
		return s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM cache_entries`)
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTierUnavailable, err)
	}
	return n, nil
}

// healthy reports whether the database answers
func (s *diskStore) healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	return s.db.PingContext(ctx) == nil
}

// close releases the database
func (s *diskStore) close() error {
	return s.db.Close()
}
