package protocol

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Limiter paces requests to one source. It backs off when the source
// throttles and recovers gradually on success, staying between a quarter
// and twice the configured rate.
type Limiter struct {
	source string

	mu      sync.Mutex
	limiter *rate.Limiter
	current rate.Limit
	max     rate.Limit
	min     rate.Limit
}

// NewLimiter creates a Limiter starting at perSecond requests per second.
func NewLimiter(source string, perSecond float64, burst int) *Limiter {
	r := rate.Limit(perSecond)
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		source:  source,
		limiter: rate.NewLimiter(r, burst),
		current: r,
		max:     r * 2,
		min:     r / 4,
	}
}

// Wait blocks until the next request may be sent.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// OnSuccess raises the rate by 20%.
func (l *Limiter) OnSuccess() {
	l.set(l.Limit() * 1.2)
}

// OnThrottle halves the rate.
func (l *Limiter) OnThrottle() {
	r := l.set(l.Limit() * 0.5)
	zap.L().Warn("source throttled, reducing request rate",
		zap.String("component", "adapter.protocol"),
		zap.String("source", l.source),
		zap.Float64("new_rate", float64(r)),
	)
}

// Limit returns the current rate.
func (l *Limiter) Limit() rate.Limit {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

func (l *Limiter) set(r rate.Limit) rate.Limit {
	l.mu.Lock()
	defer l.mu.Unlock()
	r = max(l.min, min(l.max, r))
	l.current = r
	l.limiter.SetLimit(r)
	return r
}
