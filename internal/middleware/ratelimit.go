package middleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxCallers bounds the limiter map; new callers past it are rejected until
// cleanup frees space.
const maxCallers = 100_000

// RateLimiter limits requests per caller with one token bucket each.
// Callers are keyed by user id when identity middleware ran first, else by
// remote IP.
type RateLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	callers map[string]*callerLimit
}

type callerLimit struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perSecond requests per second sustained, with
// bursts of up to burst.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		limit:   rate.Limit(perSecond),
		burst:   max(burst, 1),
		now:     time.Now,
		callers: make(map[string]*callerLimit),
	}
}

// Handler rejects callers over their budget with 429 and Retry-After.
// Every response carries X-RateLimit-Remaining.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remaining, wait, ok := rl.take(callerKey(r))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func callerKey(r *http.Request) string {
	if uid := UserIDFromContext(r.Context()); uid != "" {
		return "user:" + uid
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// take spends one token of key's budget. When the budget is exhausted it
// reports how long until a token is available and spends nothing.
func (rl *RateLimiter) take(key string) (remaining int, wait time.Duration, ok bool) {
	now := rl.now()

	rl.mu.Lock()
	c, found := rl.callers[key]
	if !found {
		if len(rl.callers) >= maxCallers {
			rl.mu.Unlock()
			return 0, time.Second, false
		}
		c = &callerLimit{lim: rate.NewLimiter(rl.limit, rl.burst)}
		rl.callers[key] = c
	}
	c.lastSeen = now
	rl.mu.Unlock()

	res := c.lim.ReserveN(now, 1)
	if !res.OK() {
		return 0, time.Second, false
	}
	if d := res.DelayFrom(now); d > 0 {
		res.CancelAt(now)
		return 0, d, false
	}
	return max(int(c.lim.TokensAt(now)), 0), 0, true
}

// StartCleanup forgets callers idle for longer than maxIdle, checking every
// interval until ctx is done.
func (rl *RateLimiter) StartCleanup(ctx context.Context, interval, maxIdle time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.cleanup(maxIdle)
			}
		}
	}()
}

func (rl *RateLimiter) cleanup(maxIdle time.Duration) {
	cutoff := rl.now().Add(-maxIdle)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for k, c := range rl.callers {
		if c.lastSeen.Before(cutoff) {
			delete(rl.callers, k)
		}
	}
}

// Len returns the number of tracked callers.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.callers)
}
