package app

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/EgorSempai/zlover/internal/core"
	"github.com/EgorSempai/zlover/internal/domain"
	"github.com/EgorSempai/zlover/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu      sync.Mutex
	frames  []core.Frame
	bufSize int
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bufSize > 0 && len(c.frames) >= c.bufSize {
		return core.ErrBackpressure
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {}

func (c *fakeConn) decoded(t *testing.T) []protocol.ServerMessage {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.ServerMessage, 0, len(c.frames))
	for _, f := range c.frames {
		m, err := protocol.DecodeServer(f)
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func TestRegistryDeliverAndBroadcast(t *testing.T) {
	r := NewRegistry(nil)
	a, b, c := &fakeConn{}, &fakeConn{}, &fakeConn{}
	pa := r.Bind(a, "10.0.0.1", func() {})
	pb := r.Bind(b, "10.0.0.2", func() {})
	pc := r.Bind(c, "10.0.0.3", func() {})
	assert.Equal(t, 3, r.Count())
	assert.NotEqual(t, pa, pb)

	require.NoError(t, r.Deliver(pa, protocol.Pong{Timestamp: 7}))
	r.Broadcast([]domain.ParticipantID{pa, pb, pc}, pa, protocol.MemberLeft{ID: "gone"})

	assert.Equal(t, []protocol.ServerMessage{&protocol.Pong{Timestamp: 7}}, a.decoded(t))
	assert.Equal(t, []protocol.ServerMessage{&protocol.MemberLeft{ID: "gone"}}, b.decoded(t))
	assert.Equal(t, []protocol.ServerMessage{&protocol.MemberLeft{ID: "gone"}}, c.decoded(t))

	src, ok := r.Source(pb)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.2", src)

	r.Unbind(pa)
	assert.ErrorIs(t, r.Deliver(pa, protocol.Pong{}), ErrUnknownParticipant)
}

func TestRegistryBackpressureDisconnects(t *testing.T) {
	r := NewRegistry(SimplePolicy{})
	var canceled atomic.Bool
	var dropped atomic.Int32
	r.OnDrop = func(domain.ParticipantID, protocol.Type) { dropped.Add(1) }

	slow := &fakeConn{bufSize: 1}
	pid := r.Bind(slow, "", func() { canceled.Store(true) })

	require.NoError(t, r.Deliver(pid, protocol.Pong{}))
	err := r.Deliver(pid, protocol.MemberLeft{ID: "x"})
	assert.ErrorIs(t, err, core.ErrBackpressure)
	assert.True(t, canceled.Load())
	assert.Equal(t, int32(1), dropped.Load())
}

func TestLenientPolicyDropsPongs(t *testing.T) {
	r := NewRegistry(LenientPolicy{})
	var canceled atomic.Bool
	slow := &fakeConn{bufSize: 1}
	pid := r.Bind(slow, "", func() { canceled.Store(true) })

	require.NoError(t, r.Deliver(pid, protocol.Pong{}))
	assert.ErrorIs(t, r.Deliver(pid, protocol.Pong{}), core.ErrBackpressure)
	assert.False(t, canceled.Load())

	_ = r.Deliver(pid, protocol.HostChanged{NewHostID: "b"})
	assert.True(t, canceled.Load())
}

func TestSweeperEvictsIdleRateRecords(t *testing.T) {
	rl := NewRateLimiter(10, 20*time.Millisecond)
	rl.Admit("1.1.1.1")
	rl.Admit("2.2.2.2")
	require.Equal(t, 2, rl.Tracked())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := &Sweeper{Limiter: rl, LimiterEvery: 5 * time.Millisecond, RoomsEvery: time.Hour}
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return rl.Tracked() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestSweeperReclaimsRooms(t *testing.T) {
	f := newMembership(t, MembershipConfig{EmptyRetention: time.Minute})
	f.join(t, "A", "r1", "alice")
	f.m.Leave("A")
	f.clk.Advance(2 * time.Minute)

	var reaped atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := &Sweeper{
		Membership:    f.m,
		LimiterEvery:  time.Hour,
		RoomsEvery:    5 * time.Millisecond,
		OnRoomsReaped: func(n int) { reaped.Add(int32(n)) },
	}
	go func() { _ = s.Run(ctx) }()

	require.Eventually(t, func() bool { return reaped.Load() == 1 }, time.Second, 5*time.Millisecond)
	_, ok := f.dir.GetRoom("r1")
	assert.False(t, ok)
}
