package channel

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// maxClients bounds how many client buckets are tracked at once.
const maxClients = 4096

// RateLimiter is a token bucket per client address for message submissions.
type RateLimiter struct {
	mu      sync.Mutex
	max     float64
	rate    float64 // tokens per second
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	tokens   float64
	lastTime time.Time
}

// NewRateLimiter allows bursts of maxBurst requests and ratePerMinute
// sustained requests per client. A non-positive rate disables limiting and
// returns nil.
func NewRateLimiter(maxBurst int, ratePerMinute float64) *RateLimiter {
	if ratePerMinute <= 0 {
		return nil
	}
	if maxBurst <= 0 {
		maxBurst = 10
	}
	return &RateLimiter{
		max:     float64(maxBurst),
		rate:    ratePerMinute / 60.0,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow takes one token from the bucket of client. When it is empty Allow
// returns false and how long until the next token.
func (rl *RateLimiter) Allow(client string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[client]
	if !ok {
		if len(rl.buckets) >= maxClients {
			rl.evictFull(now)
		}
		b = &bucket{tokens: rl.max, lastTime: now}
		rl.buckets[client] = b
	}

	b.tokens += now.Sub(b.lastTime).Seconds() * rl.rate
	if b.tokens > rl.max {
		b.tokens = rl.max
	}
	b.lastTime = now

	if b.tokens >= 1.0 {
		b.tokens -= 1.0
		return true, 0
	}
	wait := time.Duration((1.0 - b.tokens) / rl.rate * float64(time.Second))
	return false, wait
}

// evictFull forgets clients whose bucket has refilled completely; they are
// indistinguishable from new ones.
func (rl *RateLimiter) evictFull(now time.Time) {
	for k, b := range rl.buckets {
		if b.tokens+now.Sub(b.lastTime).Seconds()*rl.rate >= rl.max {
			delete(rl.buckets, k)
		}
	}
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
