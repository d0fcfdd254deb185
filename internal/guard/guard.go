// Package guard decides whether and where a dispatch may run.
package guard

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rogers-f/taskengine/internal/breaker"
	"github.com/rogers-f/taskengine/internal/budget"
	"github.com/rogers-f/taskengine/internal/config"
	"github.com/rogers-f/taskengine/internal/domain"
)

// Guard coordinates budget, breaker and rate checks before a dispatch.
type Guard struct {
	Budget  *budget.Governor
	Breaker *breaker.Breaker
	Config  config.Dispatch

	now        func() time.Time
	mu         sync.Mutex
	rateCounts map[string]*rateBucket
}

type rateBucket struct {
	count       int
	windowStart int64
}

// New creates a Guard with the given dependencies.
func New(gov *budget.Governor, br *breaker.Breaker, cfg config.Dispatch) *Guard {
	return &Guard{
		Budget:     gov,
		Breaker:    br,
		Config:     cfg,
		now:        time.Now,
		rateCounts: make(map[string]*rateBucket),
	}
}

// Check runs the budget check, then picks the resource to call: the
// primary when its circuit allows, else the first allowed fallback.
func (g *Guard) Check(ctx context.Context) (string, error) {
	return g.check(ctx, nil)
}

func (g *Guard) check(ctx context.Context, skip map[string]bool) (string, error) {
	if err := g.Budget.Allow(ctx); err != nil {
		return "", err
	}
	var limited error
	for {
		primary := g.Config.Primary
		if skip[primary] {
			primary = ""
		}
		var fallbacks []string
		for _, fb := range g.Config.Fallbacks {
			if !skip[fb] {
				fallbacks = append(fallbacks, fb)
			}
		}
		if primary == "" && len(fallbacks) == 0 && limited != nil {
			return "", limited
		}
		resource, err := g.Breaker.Select(ctx, primary, fallbacks)
		if err != nil {
			if limited != nil {
				return "", limited
			}
			return "", err
		}
		if err := g.CheckRateLimit(resource); err != nil {
			limited = err
			skip = withSkip(skip, resource)
			continue
		}
		return resource, nil
	}
}

func withSkip(skip map[string]bool, resource string) map[string]bool {
	out := make(map[string]bool, len(skip)+1)
	for k, v := range skip {
		out[k] = v
	}
	out[resource] = true
	return out
}

// Dispatch selects a resource and runs fn against it through the breaker.
// A resource that loses its trial slot between selection and the call is
// skipped in favour of the next candidate.
func (g *Guard) Dispatch(ctx context.Context, fn func(ctx context.Context, resource string) error) (string, error) {
	skip := make(map[string]bool)
	for {
		resource, err := g.check(ctx, skip)
		if err != nil {
			return "", err
		}
		err = g.Breaker.Execute(ctx, resource, func(ctx context.Context) error {
			return fn(ctx, resource)
		})
		if errors.Is(err, domain.ErrCircuitOpen) && !skip[resource] {
			skip[resource] = true
			continue
		}
		return resource, err
	}
}

// CheckRateLimit enforces a per-resource fixed 60 second window and
// returns ErrRateLimited once the resource has used its calls.
func (g *Guard) CheckRateLimit(resource string) error {
	limit := g.Config.RateLimitPerMinute
	if limit <= 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().Unix()
	bucket, ok := g.rateCounts[resource]
	if !ok {
		g.rateCounts[resource] = &rateBucket{count: 1, windowStart: now}
		return nil
	}

	if now-bucket.windowStart >= 60 {
		bucket.count = 1
		bucket.windowStart = now
		return nil
	}

	if bucket.count >= limit {
		return domain.Errorf(domain.ErrRateLimited, "resource %s exceeded %d calls per minute", resource, limit)
	}

	bucket.count++
	return nil
}
