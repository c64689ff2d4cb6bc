package device

import (
	"time"

	"golang.org/x/time/rate"
)

// Throttle suppresses commands issued within interval of the previous
// accepted one. Suppressed commands are dropped, not queued.
type Throttle struct {
	limiter *rate.Limiter
}

func NewThrottle(interval time.Duration) *Throttle {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Throttle{limiter: rate.NewLimiter(limit, 1)}
}

func (t *Throttle) Allow(now time.Time) bool {
	return t.limiter.AllowN(now, 1)
}
