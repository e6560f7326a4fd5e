package app

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Progressive tiers: once a source has made more than softTier attempts in
// the window its limit drops to softLimit, above hardTier to hardLimit.
const (
	softTier  = 50
	softLimit = 20
	hardTier  = 80
	hardLimit = 5

	// maxTracked bounds one key's history; anything above hardTier already
	// yields the strictest limit.
	maxTracked = 2 * hardTier
)

type Admission struct {
	Allowed    bool
	RetryAfter time.Duration
	// Limit is the effective limit applied to this attempt.
	Limit int
}

// RateLimiter is a per-source sliding window over connection attempts.
// Rejected attempts are recorded too, so a source that keeps hammering
// escalates through the tiers instead of being let in as soon as one
// entry ages out.
type RateLimiter struct {
	mu      sync.Mutex
	history map[string][]time.Time
	limit   int
	window  time.Duration
	now     func() time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		history: make(map[string][]time.Time),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

// effectiveLimit is the limit for a source that already has attempts
// recorded inside the window.
func effectiveLimit(base, attempts int) int {
	switch {
	case attempts > hardTier:
		return min(base, hardLimit)
	case attempts > softTier:
		return min(base, softLimit)
	default:
		return base
	}
}

// Admit decides one attempt from the attempts already in the window, then
// records it whatever the outcome.
func (rl *RateLimiter) Admit(key string) Admission {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.window)

	fresh := prune(rl.history[key], windowStart)
	prior := len(fresh)
	limit := effectiveLimit(rl.limit, prior)

	fresh = append(fresh, now)
	if len(fresh) > maxTracked {
		fresh = fresh[len(fresh)-maxTracked:]
	}
	rl.history[key] = fresh

	if prior < limit {
		return Admission{Allowed: true, Limit: limit}
	}
	retry := rl.retryAfter(fresh, now)
	log.Debug().Str("module", "app.limiter").Str("key", key).Int("attempts", prior).Int("limit", limit).Dur("retry_after", retry).Msg("rejected")
	return Admission{Allowed: false, RetryAfter: retry, Limit: limit}
}

// retryAfter is how long until enough of attempts age out that the next
// one passes its effective limit, assuming nothing else arrives meanwhile.
// An entry leaves the window at exactly its timestamp plus the window.
func (rl *RateLimiter) retryAfter(attempts []time.Time, now time.Time) time.Duration {
	n := len(attempts)
	for expired := 1; expired <= n; expired++ {
		left := n - expired
		if left < effectiveLimit(rl.limit, left) {
			return attempts[expired-1].Add(rl.window).Sub(now)
		}
	}
	return rl.window
}

// Sweep drops keys that have no attempt inside the window and returns how
// many were dropped. It runs on its own timer so idle sources are reclaimed
// even if they never come back.
func (rl *RateLimiter) Sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	windowStart := rl.now().Add(-rl.window)
	dropped := 0
	for key, attempts := range rl.history {
		fresh := prune(attempts, windowStart)
		if len(fresh) == 0 {
			delete(rl.history, key)
			dropped++
			continue
		}
		rl.history[key] = fresh
	}
	return dropped
}

func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.history)
}

// prune keeps the timestamps after windowStart. Timestamps are appended in
// order, so the survivors are a suffix.
func prune(attempts []time.Time, windowStart time.Time) []time.Time {
	i := 0
	for i < len(attempts) && !attempts[i].After(windowStart) {
		i++
	}
	if i == len(attempts) {
		return nil
	}
	out := make([]time.Time, len(attempts)-i, len(attempts)-i+1)
	copy(out, attempts[i:])
	return out
}
