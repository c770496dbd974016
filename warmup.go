package modload

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// PreloadFunc loads a module ahead of demand. The orchestrator installs its
// own preload path here so the cache can execute warmup plans without
// depending on the orchestrator type.
type PreloadFunc func(ctx context.Context, id string) error

// warmupConcurrency is the ceiling on simultaneous warmup loads.
const warmupConcurrency = 3

// explicitRequestBonus is added to the score of modules the caller asked
// for by id, so they outrank role defaults of the same tier.
const explicitRequestBonus = 20

// WarmupRequest describes a warmup pass for one user session.
type WarmupRequest struct {
	// User identifies the requesting user, recorded on emitted events.
	User string

	// Role selects the role-default priority modules.
	Role string

	// PriorityIDs are additional module ids the caller wants warmed.
	PriorityIDs []string

	// Network is the condition under which the warmup runs. Offline skips
	// the pass entirely; constrained conditions trim the plan to the
	// highest tiers.
	Network NetworkCondition
}

// WarmupReport summarizes a completed warmup pass.
type WarmupReport struct {
	// Planned are the module ids selected, in execution order.
	Planned []string `json:"planned"`

	// Loaded are the ids that warmed successfully.
	Loaded []string `json:"loaded"`

	// Failed maps ids to their load errors. Warmup failures are reported,
	// never propagated: a failed warmup is indistinguishable from a module
	// that was simply never requested.
	Failed map[string]error `json:"-"`
}

// SetPreloader installs the function used to execute warmup loads.
func (c *ArtifactCache) SetPreloader(fn PreloadFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.preloader = fn
}

// WarmupForUser merges the role's default priority modules with the
// caller-supplied ids, scores each module by priority tier, and loads them
// in descending score order with at most three loads in flight.
func (c *ArtifactCache) WarmupForUser(ctx context.Context, registry *Registry, req WarmupRequest) (*WarmupReport, error) {
	c.mu.Lock()
	preloader := c.preloader
	c.mu.Unlock()

	if preloader == nil {
		return nil, ErrNoPreloader
	}
	if req.Network == NetworkOffline {
		return nil, ErrWarmupOffline
	}

	candidates := c.planWarmup(registry, req)

	report := &WarmupReport{Failed: make(map[string]error)}
	for _, cand := range candidates {
		report.Planned = append(report.Planned, cand.id)
	}

	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(warmupConcurrency)
	for _, cand := range candidates {
		cand := cand
		group.Go(func() error {
			err := preloader(groupCtx, cand.id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed[cand.id] = err
				c.logger.Debug("warmup load failed", "moduleId", cand.id, "error", err)
			} else {
				report.Loaded = append(report.Loaded, cand.id)
			}
			// Individual failures never abort the pass.
			return nil
		})
	}
	_ = group.Wait()

	return report, nil
}

type warmupCandidate struct {
	id    string
	score int
}

// planWarmup computes the scored, ordered candidate list. Already cached
// modules and unknown ids are skipped. Under fair conditions low priority
// modules are dropped; under poor conditions only critical and high tiers
// remain.
func (c *ArtifactCache) planWarmup(registry *Registry, req WarmupRequest) []warmupCandidate {
	explicit := make(map[string]bool, len(req.PriorityIDs))
	for _, id := range req.PriorityIDs {
		explicit[id] = true
	}

	minScore := 0
	switch req.Network {
	case NetworkFair:
		minScore = PriorityMedium.Score()
	case NetworkPoor:
		minScore = PriorityHigh.Score()
	}

	seen := make(map[string]bool)
	var candidates []warmupCandidate
	for _, id := range append(registry.DefaultsForRole(req.Role), req.PriorityIDs...) {
		if seen[id] {
			continue
		}
		seen[id] = true

		desc, err := registry.Get(id)
		if err != nil {
			c.logger.Warn("skipping unknown module in warmup plan", "moduleId", id)
			continue
		}
		if !desc.CacheEnabled {
			continue
		}
		if c.contains(id) {
			continue
		}

		score := desc.Priority.Score()
		if explicit[id] {
			score += explicitRequestBonus
		}
		if score < minScore {
			continue
		}
		candidates = append(candidates, warmupCandidate{id: id, score: score})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	return candidates
}
