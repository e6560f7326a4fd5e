package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLimiter(limit int) (*RateLimiter, *testClock) {
	clk := &testClock{now: time.Unix(1_700_000_000, 0)}
	rl := NewRateLimiter(limit, 15*time.Minute)
	rl.now = clk.Now
	return rl, clk
}

func TestBaseLimit(t *testing.T) {
	rl, clk := newTestLimiter(3)
	for i := 0; i < 3; i++ {
		require.True(t, rl.Admit("1.2.3.4").Allowed, "attempt %d", i+1)
		clk.Advance(time.Minute)
	}
	a := rl.Admit("1.2.3.4")
	assert.False(t, a.Allowed)
	assert.Equal(t, 3, a.Limit)
	// the rejected attempt counts, so two entries must age out
	assert.Equal(t, 13*time.Minute, a.RetryAfter)

	assert.True(t, rl.Admit("5.6.7.8").Allowed, "other sources are independent")
}

func TestWaitingRetryAfterIsAdmitted(t *testing.T) {
	rl, clk := newTestLimiter(3)
	for i := 0; i < 3; i++ {
		rl.Admit("k")
		clk.Advance(time.Minute)
	}
	a := rl.Admit("k")
	require.False(t, a.Allowed)

	clk.Advance(a.RetryAfter - time.Second)
	early := rl.Admit("k")
	require.False(t, early.Allowed, "one second early")

	clk.Advance(early.RetryAfter)
	assert.True(t, rl.Admit("k").Allowed)
}

func TestSoftTierRetryAfter(t *testing.T) {
	rl, clk := newTestLimiter(100)
	for i := 1; i <= 51; i++ {
		require.True(t, rl.Admit("k").Allowed, "attempt %d", i)
		clk.Advance(10 * time.Second)
	}

	a := rl.Admit("k")
	require.False(t, a.Allowed)
	assert.Equal(t, softLimit, a.Limit)
	// 52 entries, 50 may stay: the second oldest decides
	assert.Equal(t, 15*time.Minute+10*time.Second-51*10*time.Second, a.RetryAfter)

	clk.Advance(a.RetryAfter)
	assert.True(t, rl.Admit("k").Allowed)
}

func TestProgressiveTiers(t *testing.T) {
	rl, clk := newTestLimiter(100)

	var last Admission
	for i := 1; i <= 51; i++ {
		last = rl.Admit("k")
		require.True(t, last.Allowed, "attempt %d", i)
		require.Equal(t, 100, last.Limit)
	}
	clk.Advance(5 * time.Minute)

	for i := 52; i <= 81; i++ {
		last = rl.Admit("k")
		require.False(t, last.Allowed)
		require.Equal(t, softLimit, last.Limit, "attempt %d", i)
	}

	last = rl.Admit("k")
	assert.False(t, last.Allowed)
	assert.Equal(t, hardLimit, last.Limit)
	// the 51 early attempts expire together and leave 31 under the base limit
	assert.Equal(t, 10*time.Minute, last.RetryAfter)

	clk.Advance(last.RetryAfter)
	assert.True(t, rl.Admit("k").Allowed)
}

func TestWindowExpiryAndSweep(t *testing.T) {
	rl, clk := newTestLimiter(2)
	rl.Admit("a")
	rl.Admit("a")
	rl.Admit("b")
	require.False(t, rl.Admit("a").Allowed)
	assert.Equal(t, 2, rl.Tracked())

	clk.Advance(15*time.Minute + time.Second)
	assert.Equal(t, 2, rl.Sweep())
	assert.Zero(t, rl.Tracked())

	assert.True(t, rl.Admit("a").Allowed)
}

func TestSweepKeepsActiveKeys(t *testing.T) {
	rl, clk := newTestLimiter(10)
	rl.Admit("old")
	clk.Advance(10 * time.Minute)
	rl.Admit("new")
	clk.Advance(6 * time.Minute)

	assert.Equal(t, 1, rl.Sweep())
	assert.Equal(t, 1, rl.Tracked())
}

func TestHistoryIsBounded(t *testing.T) {
	rl, _ := newTestLimiter(1)
	for i := 0; i < 10*maxTracked; i++ {
		rl.Admit("flood")
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.Len(t, rl.history["flood"], maxTracked)
}
