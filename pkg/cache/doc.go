// Package cache implements a semantic cache for retrieval-augmented query
// pipelines. Queries are normalized to a canonical form, matched exactly
// or by embedding similarity against previously cached results, and served
// from a three-tier store: a process-local LRU (L1), a shared Redis (L2),
// and a durable embedded database (L3).
//
// The engine entry point is SemanticCache, built with New. Lookup and
// LookupOrCompute resolve queries; Store, Invalidate, InvalidateNamespace,
// SetStrategy, and Stats form the management surface, also exposed over
// HTTP by ManagementHandler.
//
// Matching behavior is governed by a strategy profile (ExactOnly,
// Conservative, Smart, Aggressive), switchable at runtime. Lower tiers are
// optional and best-effort: the engine degrades to the tiers that remain
// reachable and keeps serving.
package cache
