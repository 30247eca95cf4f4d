package limiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// UserRate is a token bucket per authenticated user.
type UserRate struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	idle    time.Duration
	buckets map[int64]*userBucket
	now     func() time.Time
}

type userBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewUserRate allows rps sustained requests per user with the given burst.
func NewUserRate(rps float64, burst int) *UserRate {
	return &UserRate{
		limit:   rate.Limit(rps),
		burst:   burst,
		idle:    10 * time.Minute,
		buckets: make(map[int64]*userBucket),
		now:     time.Now,
	}
}

// Allow takes one token from the user's bucket.
func (u *UserRate) Allow(userID int64) bool {
	now := u.now()
	u.mu.Lock()
	b, ok := u.buckets[userID]
	if !ok {
		b = &userBucket{lim: rate.NewLimiter(u.limit, u.burst)}
		u.buckets[userID] = b
	}
	b.seen = now
	u.mu.Unlock()
	return b.lim.AllowN(now, 1)
}

// Sweep drops buckets idle longer than the idle horizon.
func (u *UserRate) Sweep() int {
	cutoff := u.now().Add(-u.idle)
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for id, b := range u.buckets {
		if b.seen.Before(cutoff) {
			delete(u.buckets, id)
			n++
		}
	}
	return n
}

// Run sweeps periodically until ctx is done.
func (u *UserRate) Run(ctx context.Context) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			u.Sweep()
		}
	}
}
