package orch

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/EgorSempai/zlover/internal/app"
	"github.com/EgorSempai/zlover/internal/core"
	"github.com/EgorSempai/zlover/internal/domain"
	"github.com/EgorSempai/zlover/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {}

type client struct {
	pid      domain.ParticipantID
	conn     *fakeConn
	canceled atomic.Bool
}

// drain returns and forgets everything the client received so far.
func (c *client) drain(t *testing.T) []protocol.ServerMessage {
	t.Helper()
	c.conn.mu.Lock()
	frames := c.conn.frames
	c.conn.frames = nil
	c.conn.mu.Unlock()

	out := make([]protocol.ServerMessage, 0, len(frames))
	for _, f := range frames {
		m, err := protocol.DecodeServer(f)
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func types(ms []protocol.ServerMessage) []protocol.Type {
	out := make([]protocol.Type, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.MessageType())
	}
	return out
}

func newTestOrchestrator(t *testing.T, capacity int) *Orchestrator {
	t.Helper()
	return New(Deps{
		Limiter:      app.NewRateLimiter(100, time.Minute),
		Rooms:        app.MembershipConfig{DefaultCapacity: capacity},
		RelayServers: []protocol.RelayServer{{URLs: []string{"stun:stun.example.org:3478"}}},
		KickDelay:    10 * time.Millisecond,
	})
}

func connect(o *Orchestrator) *client {
	c := &client{conn: &fakeConn{}}
	c.pid = o.Connect(c.conn, "127.0.0.1", func() { c.canceled.Store(true) })
	return c
}

func joinRoom(t *testing.T, o *Orchestrator, room, nick string) *client {
	t.Helper()
	c := connect(o)
	o.Join(c.pid, protocol.JoinRequest{RoomID: room, Nickname: nick})
	return c
}

func TestThreeJoinersSeeEarlierMembers(t *testing.T) {
	o := newTestOrchestrator(t, 10)
	a := joinRoom(t, o, "R1", "alice")
	b := joinRoom(t, o, "R1", "bob")
	c := joinRoom(t, o, "R1", "carol")

	am := a.drain(t)
	require.Equal(t, []protocol.Type{protocol.TypeJoinAccepted, protocol.TypeMemberJoined, protocol.TypeMemberJoined}, types(am))
	acc := am[0].(*protocol.JoinAccepted)
	assert.True(t, acc.IsHost)
	assert.Empty(t, acc.ExistingMembers)
	assert.Equal(t, a.pid, acc.SelfID)
	assert.Equal(t, domain.RoomID("r1"), acc.Room.ID)
	assert.Equal(t, 10, acc.Room.Capacity)
	require.Len(t, acc.RelayServers, 1)
	assert.Equal(t, b.pid, am[1].(*protocol.MemberJoined).ID)
	assert.Equal(t, c.pid, am[2].(*protocol.MemberJoined).ID)

	bm := b.drain(t)
	require.Equal(t, []protocol.Type{protocol.TypeJoinAccepted, protocol.TypeMemberJoined}, types(bm))
	bacc := bm[0].(*protocol.JoinAccepted)
	assert.False(t, bacc.IsHost)
	assert.Equal(t, []protocol.Member{{ID: a.pid, Nickname: "alice"}}, bacc.ExistingMembers)

	cm := c.drain(t)
	require.Equal(t, []protocol.Type{protocol.TypeJoinAccepted}, types(cm))
	cacc := cm[0].(*protocol.JoinAccepted)
	assert.Equal(t, []protocol.Member{{ID: a.pid, Nickname: "alice"}, {ID: b.pid, Nickname: "bob"}}, cacc.ExistingMembers)
	assert.Equal(t, a.pid, cacc.Room.HostID)
}

func TestHostDisconnectHandsOver(t *testing.T) {
	o := newTestOrchestrator(t, 10)
	a := joinRoom(t, o, "R1", "alice")
	b := joinRoom(t, o, "R1", "bob")
	a.drain(t)
	b.drain(t)

	o.Disconnect(a.pid)

	bm := b.drain(t)
	require.Equal(t, []protocol.Type{protocol.TypeHostAssigned, protocol.TypeHostChanged, protocol.TypeMemberLeft}, types(bm))
	assert.Equal(t, b.pid, bm[1].(*protocol.HostChanged).NewHostID)
	assert.Equal(t, a.pid, bm[2].(*protocol.MemberLeft).ID)

	r, ok := o.Membership.Directory().GetRoom("r1")
	require.True(t, ok)
	assert.Equal(t, 1, r.MemberCount())
	assert.Equal(t, b.pid, r.Host)
	assert.Equal(t, 1, o.Registry.Count())
}

func TestJoinRejections(t *testing.T) {
	o := newTestOrchestrator(t, 1)
	joinRoom(t, o, "R1", "alice")

	full := joinRoom(t, o, "R1", "bob")
	fm := full.drain(t)
	require.Len(t, fm, 1)
	rej := fm[0].(*protocol.JoinRejected)
	assert.Equal(t, domain.KindRoomFull, rej.Kind)

	bad := joinRoom(t, o, "no spaces", "b")
	bm := bad.drain(t)
	require.Len(t, bm, 1)
	assert.Equal(t, domain.KindValidation, bm[0].(*protocol.JoinRejected).Kind)
}

func TestExplicitLeaveKeepsConnection(t *testing.T) {
	o := newTestOrchestrator(t, 10)
	a := joinRoom(t, o, "R1", "alice")
	a.drain(t)

	o.Leave(a.pid)
	assert.False(t, a.canceled.Load())
	_, ok := o.Membership.Directory().GetRoom("r1")
	assert.False(t, ok)

	o.Leave(a.pid)
	am := a.drain(t)
	require.Len(t, am, 1)
	assert.Equal(t, domain.KindUnauthorized, am[0].(*protocol.Error).Kind)

	o.Join(a.pid, protocol.JoinRequest{RoomID: "R2", Nickname: "alice"})
	assert.Equal(t, []protocol.Type{protocol.TypeJoinAccepted}, types(a.drain(t)))
}

func TestKickNotifiesThenDisconnects(t *testing.T) {
	o := newTestOrchestrator(t, 10)
	a := joinRoom(t, o, "R1", "alice")
	b := joinRoom(t, o, "R1", "bob")
	c := joinRoom(t, o, "R1", "carol")
	a.drain(t)
	b.drain(t)
	c.drain(t)

	o.Kick(b.pid, protocol.KickRequest{TargetID: c.pid})
	bm := b.drain(t)
	require.Len(t, bm, 1)
	assert.Equal(t, domain.KindUnauthorized, bm[0].(*protocol.Error).Kind)

	o.Kick(a.pid, protocol.KickRequest{TargetID: c.pid, Reason: "spam"})
	cm := c.drain(t)
	require.Len(t, cm, 1)
	kicked := cm[0].(*protocol.Kicked)
	assert.Equal(t, "spam", kicked.Reason)
	assert.Equal(t, int64(10), kicked.DisconnectInMs)

	assert.Equal(t, []protocol.Type{protocol.TypeMemberLeft}, types(a.drain(t)))
	assert.Equal(t, []protocol.Type{protocol.TypeMemberLeft}, types(b.drain(t)))

	require.Eventually(t, c.canceled.Load, time.Second, 5*time.Millisecond)
	o.Disconnect(c.pid)
	assert.Empty(t, a.drain(t), "the kicked participant's disconnect is silent")
}

func TestSignalForwarding(t *testing.T) {
	o := newTestOrchestrator(t, 10)
	a := joinRoom(t, o, "R1", "alice")
	b := joinRoom(t, o, "R1", "bob")
	x := joinRoom(t, o, "R2", "xavier")
	a.drain(t)
	b.drain(t)
	x.drain(t)

	body := json.RawMessage(`{"sdp":"v=0"}`)
	o.Signal(b.pid, protocol.Signal{To: a.pid, Kind: protocol.SignalOffer, Body: body})
	am := a.drain(t)
	require.Len(t, am, 1)
	sig := am[0].(*protocol.Signal)
	assert.Equal(t, b.pid, sig.From)
	assert.Equal(t, domain.RoomID("r1"), sig.RoomID)
	assert.JSONEq(t, string(body), string(sig.Body))

	o.Signal(x.pid, protocol.Signal{To: a.pid, Kind: protocol.SignalCandidate, Body: body})
	assert.Empty(t, a.drain(t))
	xm := x.drain(t)
	require.Len(t, xm, 1)
	assert.Equal(t, domain.KindRouting, xm[0].(*protocol.Error).Kind)
}

func TestPingEchoesTimestamp(t *testing.T) {
	o := newTestOrchestrator(t, 10)
	a := connect(o)
	o.Ping(a.pid, protocol.Ping{Timestamp: 1234})
	assert.Equal(t, []protocol.ServerMessage{&protocol.Pong{Timestamp: 1234}}, a.drain(t))
}

func TestAdmitWithoutLimiter(t *testing.T) {
	o := New(Deps{})
	assert.True(t, o.Admit("anyone").Allowed)
}

func TestAdmitRejectsFlood(t *testing.T) {
	o := New(Deps{Limiter: app.NewRateLimiter(2, time.Minute)})
	assert.True(t, o.Admit("1.1.1.1").Allowed)
	assert.True(t, o.Admit("1.1.1.1").Allowed)
	adm := o.Admit("1.1.1.1")
	assert.False(t, adm.Allowed)
	assert.Positive(t, adm.RetryAfter)
}
