package providers

import (
	"context"
	"sync/atomic"
)

const (
	baseScore              = 1.0
	statusPreferenceWeight = 5.0
	metadataMatchWeight    = 1.0
)

// RequestRouter selects a provider for a set of required capabilities and
// caller preferences, per spec §4.15.
type RequestRouter struct {
	registry Registry
	cache    Cache
	counter  uint64 // round-robin tie-break, advanced on every selection
}

// NewRequestRouter builds a router over registry. cache may be nil, in which
// case every call queries the registry directly.
func NewRequestRouter(registry Registry, cache Cache) *RequestRouter {
	return &RequestRouter{registry: registry, cache: cache}
}

func (r *RequestRouter) candidates(ctx context.Context, requiredCaps []string, status string) ([]Provider, error) {
	if r.cache != nil {
		if cached, ok := r.cache.Get(ctx, requiredCaps, status); ok {
			return cached, nil
		}
	}
	found, err := r.registry.Query(ctx, requiredCaps, status)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.Put(ctx, requiredCaps, status, found)
	}
	return found, nil
}

// scoreProvider computes an unnormalized score: a base weight, plus a large
// bonus when the provider's status matches a "status" preference, plus a
// small bonus per matching metadata key/value pair.
func scoreProvider(p Provider, preferences map[string]string) float64 {
	score := baseScore
	for k, v := range preferences {
		if k == "status" {
			if p.Status == v {
				score += statusPreferenceWeight
			}
			continue
		}
		if p.Metadata[k] == v {
			score += metadataMatchWeight
		}
	}
	return score
}

func normalizeScore(score, max float64) float64 {
	if max <= 0 {
		return 0
	}
	normalized := score / max
	if normalized > 1 {
		normalized = 1
	}
	return normalized
}

// SelectProvider scores every candidate satisfying requiredCaps and the
// "status" preference (default "active" when absent), breaking ties
// round-robin, and returns (provider_id, endpoint, score) with score
// normalized to [0,1].
func (r *RequestRouter) SelectProvider(ctx context.Context, requiredCaps []string, preferences map[string]string) (string, string, float64, error) {
	status := preferences["status"]
	if status == "" {
		status = "active"
	}

	candidates, err := r.candidates(ctx, requiredCaps, status)
	if err != nil {
		return "", "", 0, err
	}
	if len(candidates) == 0 {
		return "", "", 0, ErrNoProviderAvailable
	}

	maxPossible := baseScore
	metadataKeys := 0
	for k := range preferences {
		if k == "status" {
			maxPossible += statusPreferenceWeight
			continue
		}
		metadataKeys++
	}
	maxPossible += metadataMatchWeight * float64(metadataKeys)

	type scored struct {
		provider Provider
		score    float64
	}
	scoredCandidates := make([]scored, len(candidates))
	bestScore := -1.0
	var tied []int
	for i, p := range candidates {
		s := scoreProvider(p, preferences)
		scoredCandidates[i] = scored{provider: p, score: s}
		if s > bestScore {
			bestScore = s
			tied = []int{i}
		} else if s == bestScore {
			tied = append(tied, i)
		}
	}

	winner := tied[int(atomic.AddUint64(&r.counter, 1)-1)%len(tied)]
	best := scoredCandidates[winner]

	return best.provider.ID, best.provider.Endpoint, normalizeScore(best.score, maxPossible), nil
}

// RouteRequest selects a single provider, returning ErrNoProviderAvailable
// if none satisfies requiredCaps/preferences.
func (r *RequestRouter) RouteRequest(ctx context.Context, requiredCaps []string, preferences map[string]string) (Provider, error) {
	id, _, _, err := r.SelectProvider(ctx, requiredCaps, preferences)
	if err != nil {
		return Provider{}, err
	}
	status := preferences["status"]
	if status == "" {
		status = "active"
	}
	candidates, err := r.candidates(ctx, requiredCaps, status)
	if err != nil {
		return Provider{}, err
	}
	for _, p := range candidates {
		if p.ID == id {
			return p, nil
		}
	}
	return Provider{}, ErrNoProviderAvailable
}

// RouteRequestWithFallback picks one provider offering requiredCaps whose
// status matches preferences["status"] (default "active"), round-robin over
// the matches; other preferences are not scored. It returns that first pick,
// so no provider is retried or skipped within a call. It returns
// ErrNoProviderAvailable when maxAttempts <= 0 or no provider matches.
func (r *RequestRouter) RouteRequestWithFallback(ctx context.Context, requiredCaps []string, preferences map[string]string, maxAttempts int) (Provider, error) {
	status := preferences["status"]
	if status == "" {
		status = "active"
	}

	tried := make(map[string]struct{})
	var lastErr error = ErrNoProviderAvailable

	for attempt := 0; attempt < maxAttempts; attempt++ {
		candidates, err := r.candidates(ctx, requiredCaps, status)
		if err != nil {
			return Provider{}, err
		}
		var remaining []Provider
		for _, p := range candidates {
			if _, skip := tried[p.ID]; !skip {
				remaining = append(remaining, p)
			}
		}
		if len(remaining) == 0 {
			return Provider{}, lastErr
		}

		winner := remaining[int(atomic.AddUint64(&r.counter, 1)-1)%len(remaining)]
		tried[winner.ID] = struct{}{}
		return winner, nil
	}
	return Provider{}, lastErr
}
