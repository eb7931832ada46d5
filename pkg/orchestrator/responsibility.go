package orchestrator

import (
	"context"
	"fmt"
	"sort"

	"github.com/aegismesh/aegis/pkg/capability"
)

// scoredCandidate pairs a service name with its relevance score, keeping
// the cache's discovery-order index so ties break by insertion order.
type scoredCandidate struct {
	serviceName string
	score       float64
	index       int
}

// ResponsibilityRouter determines which mesh service should own a request
// and drives the take/fallback protocol against it, per spec §4.13 step 2.
type ResponsibilityRouter struct {
	manager *capability.Manager
}

// NewResponsibilityRouter wraps a capability.Manager for use by Processor.
func NewResponsibilityRouter(manager *capability.Manager) *ResponsibilityRouter {
	return &ResponsibilityRouter{manager: manager}
}

// scoreCandidates scores every cached capability against req, returning
// only candidates with a positive score, highest first, ties broken by
// discovery order.
func (r *ResponsibilityRouter) scoreCandidates(req UserRequest) []scoredCandidate {
	all := r.manager.Cache().GetAll()
	creq := capability.Request{Input: req.Input, InputType: req.InputType}

	candidates := make([]scoredCandidate, 0, len(all))
	for i, cc := range all {
		score := capability.RelevanceScore(creq, cc.Capability)
		if score > 0 {
			candidates = append(candidates, scoredCandidate{serviceName: cc.ServiceName, score: score, index: i})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].index < candidates[j].index
	})
	return candidates
}

// Route determines the responsible service, asks it to take the request,
// and falls back through the remaining scored candidates on rejection. It
// returns the service name that accepted responsibility.
func (r *ResponsibilityRouter) Route(ctx context.Context, req UserRequest) (string, error) {
	candidates := r.scoreCandidates(req)
	if len(candidates) == 0 {
		if err := r.manager.DiscoverAll(ctx); err != nil {
			return "", fmt.Errorf("orchestrator: discovery: %w", err)
		}
		candidates = r.scoreCandidates(req)
		if len(candidates) == 0 {
			return "", ErrNoServiceFound
		}
	}

	takeReq := capability.TakeResponsibilityRequest{
		RequestID: req.RequestID,
		UserID:    req.UserID,
		DeviceID:  req.DeviceID,
		Input:     req.Input,
		InputType: req.InputType,
	}

	for i, candidate := range candidates {
		takeReq.Reason = fmt.Sprintf("relevance score: %.1f", candidate.score)
		resp, err := r.manager.TakeResponsibility(ctx, candidate.serviceName, takeReq)
		if err != nil {
			return "", fmt.Errorf("orchestrator: take responsibility from %s: %w", candidate.serviceName, err)
		}
		if resp.Accepted {
			return candidate.serviceName, nil
		}
		if i == len(candidates)-1 {
			return "", ErrNoFallbackService
		}
	}
	return "", ErrNoFallbackService
}
