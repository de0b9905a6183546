package cache

import "errors"

var (
	// Query errors
	ErrEmptyQuery        = errors.New("query cannot be empty")
	ErrQueryTooLong      = errors.New("query exceeds maximum length")
	ErrInvalidCharacters = errors.New("query contains invalid characters")

	// Compute errors. Collaborator failures are propagated to the caller
	// and never cached as negative results.
	ErrComputeFailed   = errors.New("compute function failed")
	ErrEmbeddingFailed = errors.New("embedding service failed")

	// Storage errors. Tier failures stay internal; these values only show
	// up in logs and metrics, never on the lookup path's return.
	ErrTierUnavailable = errors.New("storage tier unavailable")
	ErrCorruptEntry    = errors.New("corrupt cache entry")

	// Lifecycle errors
	ErrShuttingDown = errors.New("cache is shutting down")

	// Configuration errors, rejected at load time
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrUnknownStrategy = errors.New("unknown strategy profile")
)
