package advisor

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/joescharf/advisor/internal/models"
)

// RateLimited wraps next so calls wait on limiter before reaching the
// provider. A nil limiter returns next unchanged.
func RateLimited(next Advisor, limiter *rate.Limiter) Advisor {
	if limiter == nil {
		return next
	}
	return &rateLimited{next: next, limiter: limiter}
}

// NewLimiter builds a limiter allowing perSecond calls with the given burst.
// perSecond <= 0 disables limiting.
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

type rateLimited struct {
	next    Advisor
	limiter *rate.Limiter
}

func (r *rateLimited) Evaluate(ctx context.Context, messages []models.Message) (Result, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("advisor rate limit: %w", err)
	}
	return r.next.Evaluate(ctx, messages)
}
