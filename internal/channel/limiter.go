package channel

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// userLimiter keeps one token bucket per user.
type userLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// newUserLimiter allows perMinute events per user with the given burst.
// A non-positive perMinute disables limiting.
func newUserLimiter(perMinute float64, burst int) *userLimiter {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Every(time.Duration(float64(time.Minute) / perMinute))
	}
	return &userLimiter{limiters: make(map[string]*rate.Limiter), limit: limit, burst: burst}
}

func (l *userLimiter) Allow(userID string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[userID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
