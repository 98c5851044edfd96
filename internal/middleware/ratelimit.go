package middleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

const (
	// DefaultRequestsPerMinute is the default per-caller request budget.
	DefaultRequestsPerMinute = 600

	// DefaultMaxTrackedCallers bounds the number of buckets kept in memory.
	DefaultMaxTrackedCallers = 10000

	cleanupInterval = time.Minute
	staleThreshold  = 5 * time.Minute
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a token bucket per caller. A caller is the authenticated API
// key when there is one and the client IP otherwise. Each caller may burst up
// to the per-minute budget, which refills evenly over the minute.
type RateLimiter struct {
	mu           sync.Mutex
	buckets      map[string]*bucket
	maxPerMinute int
	maxTracked   int
	clock        clock.Clock
	cancel       context.CancelFunc
}

// RateLimitOption configures a RateLimiter.
type RateLimitOption func(*RateLimiter)

// WithRateLimitClock replaces the wall clock, e.g. with clock.NewMock() in tests.
func WithRateLimitClock(c clock.Clock) RateLimitOption {
	return func(rl *RateLimiter) { rl.clock = c }
}

// NewRateLimiter creates a rate limiter allowing maxPerMinute requests per
// caller. Pass 0 to use DefaultRequestsPerMinute. Idle buckets are swept in
// the background until ctx is done or Stop is called.
func NewRateLimiter(ctx context.Context, maxPerMinute int, opts ...RateLimitOption) *RateLimiter {
	if maxPerMinute <= 0 {
		maxPerMinute = DefaultRequestsPerMinute
	}
	ctx, cancel := context.WithCancel(ctx)
	rl := &RateLimiter{
		buckets:      make(map[string]*bucket),
		maxPerMinute: maxPerMinute,
		maxTracked:   DefaultMaxTrackedCallers,
		clock:        clock.New(),
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(rl)
	}
	go rl.cleanup(ctx)
	return rl
}

// Allow consumes one token for caller and reports whether the request is
// within the limit.
func (rl *RateLimiter) Allow(caller string) bool {
	ok, _ := rl.reserve(caller)
	return ok
}

// reserve consumes a token if one is available. Otherwise it returns how long
// until the caller's next token.
func (rl *RateLimiter) reserve(caller string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	b := rl.bucketLocked(caller, now)
	if b.limiter.AllowN(now, 1) {
		return true, 0
	}
	missing := 1 - b.limiter.TokensAt(now)
	return false, time.Duration(missing / float64(b.limiter.Limit()) * float64(time.Second))
}

func (rl *RateLimiter) bucketLocked(caller string, now time.Time) *bucket {
	b, ok := rl.buckets[caller]
	if !ok {
		if len(rl.buckets) >= rl.maxTracked {
			rl.evictOldestLocked()
		}
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(float64(rl.maxPerMinute)/60.0), rl.maxPerMinute)}
		rl.buckets[caller] = b
	}
	b.lastSeen = now
	return b
}

// Stop cancels the background cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.cancel()
}

func (rl *RateLimiter) cleanup(ctx context.Context) {
	ticker := rl.clock.Ticker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.removeStale()
		}
	}
}

func (rl *RateLimiter) removeStale() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.clock.Now()
	for caller, b := range rl.buckets {
		if now.Sub(b.lastSeen) > staleThreshold {
			delete(rl.buckets, caller)
		}
	}
}

func (rl *RateLimiter) evictOldestLocked() {
	var oldest string
	var oldestTime time.Time
	for caller, b := range rl.buckets {
		if oldest == "" || b.lastSeen.Before(oldestTime) {
			oldest = caller
			oldestTime = b.lastSeen
		}
	}
	delete(rl.buckets, oldest)
}

// ExtractIP extracts the IP address from a RemoteAddr string, stripping the port.
func ExtractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr // already just an IP
	}
	return host
}

// callerKey prefers the API key set by HTTPBearerAuthMiddleware so clients
// behind one NAT do not share a budget.
func callerKey(r *http.Request) string {
	if keyID, ok := APIKeyIDFromContext(r.Context()); ok {
		return "key:" + keyID
	}
	return "ip:" + ExtractIP(r.RemoteAddr)
}

// HTTPRateLimit rejects requests over the caller's budget with 429 Too Many
// Requests and a Retry-After in whole seconds. onLimited, if non-nil, is
// called for every rejected request.
func HTTPRateLimit(rl *RateLimiter, onLimited func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := callerKey(r)
			ok, wait := rl.reserve(caller)
			if ok {
				next.ServeHTTP(w, r)
				return
			}
			if onLimited != nil {
				onLimited()
			}
			LoggerFromContext(r.Context()).WarnContext(r.Context(), "rate limited",
				"caller", caller,
				"path", r.URL.Path,
				"retry_in", wait,
			)
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}` + "\n"))
		})
	}
}

func retryAfterSeconds(wait time.Duration) int {
	return max(1, int(math.Ceil(wait.Seconds())))
}
