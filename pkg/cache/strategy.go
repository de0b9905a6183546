package cache

import (
	"fmt"
	"sync/atomic"
)

// StrategyProfile names a precision/recall trade-off for similarity
// matching. Profiles are switchable at runtime; switching never invalidates
// stored entries, it only changes how future lookups are classified.
type StrategyProfile string

// Built-in profiles, strictest to loosest
const (
	// StrategyExactOnly disables similarity matching entirely
	StrategyExactOnly StrategyProfile = "exact_only"
	// StrategyConservative accepts only near-identical queries
	StrategyConservative StrategyProfile = "conservative"
	// StrategySmart is the default precision/recall balance
	StrategySmart StrategyProfile = "smart"
	// StrategyAggressive favors recall: semantically "close enough"
	// results may be served for queries that are not identical. Callers
	// selecting this profile accept that trade-off explicitly.
	StrategyAggressive StrategyProfile = "aggressive"
)

// KnownProfiles lists every accepted profile name
func KnownProfiles() []StrategyProfile {
	return []StrategyProfile{StrategyExactOnly, StrategyConservative, StrategySmart, StrategyAggressive}
}

// ThresholdLadder holds the similarity cut-offs for one profile. Scores are
// cosine similarity normalized to [0,1], 1 meaning identical.
type ThresholdLadder struct {
	// Exact: at or above this score the match counts as exact
	Exact float32 `json:"exact" mapstructure:"exact"`
	// Hit: at or above this score stable-intent queries count as hits
	Hit float32 `json:"hit" mapstructure:"hit"`
	// VolatileHit: the stricter bar applied to volatile intents (price,
	// availability) and generated responses
	VolatileHit float32 `json:"volatile_hit" mapstructure:"volatile_hit"`
}

func (l ThresholdLadder) validate() error {
	for _, v := range []float32{l.Exact, l.Hit, l.VolatileHit} {
		if v < 0 || v > 1 {
			return fmt.Errorf("threshold %v out of [0,1]", v)
		}
	}
	if l.Hit > l.Exact || l.VolatileHit > l.Exact {
		return fmt.Errorf("hit thresholds must not exceed exact threshold")
	}
	if l.Hit > l.VolatileHit {
		return fmt.Errorf("volatile_hit must be at least hit")
	}
	return nil
}

// DefaultLadders returns the built-in threshold ladders. These are starting
// points, not constants; tune them against your embedding model.
func DefaultLadders() map[StrategyProfile]ThresholdLadder {
	return map[StrategyProfile]ThresholdLadder{
		StrategyConservative: {Exact: 0.9999, Hit: 0.97, VolatileHit: 0.99},
		StrategySmart:        {Exact: 0.9999, Hit: 0.95, VolatileHit: 0.98},
		StrategyAggressive:   {Exact: 0.9999, Hit: 0.85, VolatileHit: 0.92},
	}
}

// strategy is the immutable value swapped atomically on profile change
type strategy struct {
	profile StrategyProfile
	ladder  ThresholdLadder
}

// StrategyEngine classifies similarity scores against the active profile.
// The active profile is an atomically swappable value; Classify never locks.
type StrategyEngine struct {
	current atomic.Pointer[strategy]
	ladders map[StrategyProfile]ThresholdLadder
}

// NewStrategyEngine creates an engine with the given ladders, activating
// the named profile
func NewStrategyEngine(profile StrategyProfile, ladders map[StrategyProfile]ThresholdLadder) (*StrategyEngine, error) {
	if ladders == nil {
		ladders = DefaultLadders()
	}
	e := &StrategyEngine{ladders: ladders}
	if err := e.SetProfile(profile); err != nil {
		return nil, err
	}
	return e, nil
}

// SetProfile switches the active profile. Safe to call at runtime; lookups
// in flight finish under the profile they started with.
func (e *StrategyEngine) SetProfile(profile StrategyProfile) error {
	if profile == StrategyExactOnly {
		e.current.Store(&strategy{profile: profile})
		return nil
	}
	ladder, ok := e.ladders[profile]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStrategy, profile)
	}
	e.current.Store(&strategy{profile: profile, ladder: ladder})
	return nil
}

// Profile returns the active profile name
func (e *StrategyEngine) Profile() StrategyProfile {
	return e.current.Load().profile
}

// SimilarityEnabled reports whether the active profile consults the
// similarity index at all
func (e *StrategyEngine) SimilarityEnabled() bool {
	return e.current.Load().profile != StrategyExactOnly
}

// Classify maps a similarity score to a match decision for the given
// content type and intent. For a fixed profile the decision is monotone in
// the score: any score above a score that hits also hits.
func (e *StrategyEngine) Classify(score float32, ct ContentType, intent Intent) MatchKind {
	s := e.current.Load()
	if s.profile == StrategyExactOnly {
		return MatchMiss
	}

	if score >= s.ladder.Exact {
		return MatchExact
	}

	threshold := s.ladder.Hit
	if intent.IsVolatile() || ct == ContentTypeGeneratedResponse {
		threshold = s.ladder.VolatileHit
	}
	if score >= threshold {
		return MatchSemantic
	}
	return MatchMiss
}
