package app

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/EgorSempai/zlover/internal/core"
	"github.com/EgorSempai/zlover/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu     sync.Mutex
	joined []JoinOutcome
	left   []LeaveOutcome
	kicked []KickOutcome
}

func (n *recordingNotifier) Joined(out JoinOutcome) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.joined = append(n.joined, out)
}

func (n *recordingNotifier) Left(out LeaveOutcome) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.left = append(n.left, out)
}

func (n *recordingNotifier) Kicked(out KickOutcome) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.kicked = append(n.kicked, out)
}

type membershipFixture struct {
	m     *Membership
	dir   *core.Directory
	clk   *syncClock
	notes *recordingNotifier
}

type syncClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *syncClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *syncClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newMembership(t *testing.T, cfg MembershipConfig) membershipFixture {
	t.Helper()
	clk := &syncClock{now: time.Unix(1_700_000_000, 0)}
	dir := core.NewDirectory(core.WithClock(clk.Now))
	notes := &recordingNotifier{}
	m := NewMembership(dir, cfg, notes)
	m.now = clk.Now
	return membershipFixture{m: m, dir: dir, clk: clk, notes: notes}
}

func (f membershipFixture) join(t *testing.T, pid, room, nick string) JoinOutcome {
	t.Helper()
	out, err := f.m.Join(domain.ParticipantID(pid), "127.0.0.1", room, nick)
	require.NoError(t, err)
	f.clk.Advance(time.Second)
	return out
}

func memberIDs(ps []domain.Participant) []domain.ParticipantID {
	out := make([]domain.ParticipantID, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.ID)
	}
	return out
}

func TestJoinOrderAndHost(t *testing.T) {
	f := newMembership(t, MembershipConfig{DefaultCapacity: 10})

	a := f.join(t, "A", "R1", "alice")
	b := f.join(t, "B", "r1", "bob")
	c := f.join(t, "C", " R1 ", "carol")

	assert.True(t, a.IsHost())
	assert.True(t, a.Created)
	assert.Empty(t, a.Existing)

	assert.False(t, b.IsHost())
	assert.False(t, b.Created)
	assert.Equal(t, []domain.ParticipantID{"A"}, memberIDs(b.Existing))

	assert.False(t, c.IsHost())
	assert.Equal(t, []domain.ParticipantID{"A", "B"}, memberIDs(c.Existing))
	assert.Equal(t, domain.RoomID("r1"), c.Room.ID)
	assert.Equal(t, domain.ParticipantID("A"), c.Room.Host)

	f.notes.mu.Lock()
	assert.Len(t, f.notes.joined, 3)
	f.notes.mu.Unlock()
}

func TestJoinValidation(t *testing.T) {
	f := newMembership(t, MembershipConfig{})
	_, err := f.m.Join("A", "", "bad room!", "x")
	de := domain.AsError(err)
	require.Equal(t, domain.KindValidation, de.Kind)
	details := de.Details.(domain.ValidationDetails)
	assert.Contains(t, details.Violations, "roomId:roomid")
	assert.Contains(t, details.Violations, "nickname:min=2")

	rooms, parts := f.dir.Counts()
	assert.Zero(t, rooms)
	assert.Zero(t, parts)
}

func TestJoinRejectsSecondMembership(t *testing.T) {
	f := newMembership(t, MembershipConfig{})
	f.join(t, "A", "r1", "alice")
	_, err := f.m.Join("A", "", "r2", "alice")
	assert.Equal(t, domain.KindAlreadyInRoom, domain.KindOf(err))
	_, ok := f.dir.GetRoom("r2")
	assert.False(t, ok)
}

func TestJoinRoomFull(t *testing.T) {
	f := newMembership(t, MembershipConfig{DefaultCapacity: 2})
	f.join(t, "A", "r1", "alice")
	f.join(t, "B", "r1", "bob")

	_, err := f.m.Join("C", "", "r1", "carol")
	de := domain.AsError(err)
	require.Equal(t, domain.KindRoomFull, de.Kind)
	assert.Equal(t, domain.RoomFullDetails{Current: 2, Max: 2}, de.Details)

	r, _ := f.dir.GetRoom("r1")
	assert.Equal(t, 2, r.MemberCount())
}

func TestNicknameCaseInsensitive(t *testing.T) {
	f := newMembership(t, MembershipConfig{})
	f.join(t, "A", "r1", "Alice")
	f.join(t, "B", "r1", "alice2")

	_, err := f.m.Join("C", "", "r1", "alice")
	de := domain.AsError(err)
	require.Equal(t, domain.KindNicknameTaken, de.Kind)
	assert.Equal(t, domain.NicknameTakenDetails{Nickname: "alice", Suggestion: "alice3"}, de.Details)

	// the same nickname is fine in another room
	f.join(t, "C", "r2", "alice")
}

func TestSuggestNicknameStaysWithinLimit(t *testing.T) {
	long := "abcdefghijklmnopqrst"
	got := suggestNickname(long, []domain.Participant{{Nickname: long}})
	assert.Equal(t, "abcdefghijklmnopqrs2", got)
	assert.LessOrEqual(t, len(got), domain.MaxNicknameLen)
}

func TestLeaveHostTransfersToEarliest(t *testing.T) {
	f := newMembership(t, MembershipConfig{})
	f.join(t, "A", "r1", "alice")
	f.join(t, "B", "r1", "bob")

	out, ok := f.m.Leave("A")
	require.True(t, ok)
	assert.Equal(t, domain.ParticipantID("B"), out.NewHost)
	assert.False(t, out.RoomDeleted)
	assert.Equal(t, []domain.ParticipantID{"B"}, out.Remaining)

	r, ok := f.dir.GetRoom("r1")
	require.True(t, ok)
	assert.Equal(t, 1, r.MemberCount())
	assert.Equal(t, domain.ParticipantID("B"), r.Host)

	f.notes.mu.Lock()
	defer f.notes.mu.Unlock()
	require.Len(t, f.notes.left, 1)
	assert.Equal(t, domain.ParticipantID("B"), f.notes.left[0].NewHost)
}

func TestLeaveNonHostKeepsHost(t *testing.T) {
	f := newMembership(t, MembershipConfig{})
	f.join(t, "A", "r1", "alice")
	f.join(t, "B", "r1", "bob")

	out, ok := f.m.Leave("B")
	require.True(t, ok)
	assert.Empty(t, out.NewHost)
	r, _ := f.dir.GetRoom("r1")
	assert.Equal(t, domain.ParticipantID("A"), r.Host)
}

func TestLeaveLastMemberDeletesRoom(t *testing.T) {
	f := newMembership(t, MembershipConfig{})
	first := f.join(t, "A", "r1", "alice")

	out, ok := f.m.Leave("A")
	require.True(t, ok)
	assert.True(t, out.RoomDeleted)
	_, exists := f.dir.GetRoom("r1")
	assert.False(t, exists)

	f.clk.Advance(time.Minute)
	again := f.join(t, "B", "r1", "bob")
	assert.True(t, again.Created)
	assert.True(t, again.IsHost())
	assert.True(t, again.Room.CreatedAt.After(first.Room.CreatedAt))

	_, ok = f.m.Leave("A")
	assert.False(t, ok, "second leave is a no-op")
}

func TestEmptyRetentionAndReclaim(t *testing.T) {
	f := newMembership(t, MembershipConfig{EmptyRetention: time.Minute, IdleTimeout: 24 * time.Hour})
	f.join(t, "A", "r1", "alice")
	f.join(t, "B", "r2", "bob")

	out, ok := f.m.Leave("A")
	require.True(t, ok)
	assert.False(t, out.RoomDeleted)

	assert.Empty(t, f.m.ReclaimIdle())
	_, exists := f.dir.GetRoom("r1")
	assert.True(t, exists)

	f.clk.Advance(time.Minute)
	assert.Equal(t, []domain.RoomID{"r1"}, f.m.ReclaimIdle())
	_, exists = f.dir.GetRoom("r1")
	assert.False(t, exists)

	f.clk.Advance(48 * time.Hour)
	assert.Empty(t, f.m.ReclaimIdle(), "occupied rooms are never reclaimed")
}

func TestRejoinWithinRetentionBecomesHost(t *testing.T) {
	f := newMembership(t, MembershipConfig{EmptyRetention: time.Hour})
	f.join(t, "A", "r1", "alice")
	f.m.Leave("A")

	out := f.join(t, "B", "r1", "bob")
	assert.False(t, out.Created)
	assert.True(t, out.IsHost())
}

func TestKickRules(t *testing.T) {
	f := newMembership(t, MembershipConfig{})
	f.join(t, "A", "r1", "alice")
	f.join(t, "B", "r1", "bob")
	f.join(t, "C", "r1", "carol")
	f.join(t, "X", "r2", "xavier")

	cases := []struct {
		name              string
		requester, target domain.ParticipantID
	}{
		{"not host", "B", "C"},
		{"self", "A", "A"},
		{"other room", "A", "X"},
		{"unknown target", "A", "nobody"},
		{"requester not joined", "nobody", "B"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.m.Kick(tc.requester, tc.target, "")
			assert.Equal(t, domain.KindUnauthorized, domain.KindOf(err))
		})
	}

	out, err := f.m.Kick("A", "B", "spam")
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantID("B"), out.Target.ID)
	assert.Equal(t, "spam", out.Reason)
	assert.Equal(t, []domain.ParticipantID{"A", "C"}, out.Remaining)

	_, ok := f.dir.Participant("B")
	assert.False(t, ok)
	_, ok = f.m.Leave("B")
	assert.False(t, ok, "disconnect after kick finds nothing to remove")
}

func TestConcurrentJoinsRespectCapacity(t *testing.T) {
	const capacity, joiners = 3, 24
	f := newMembership(t, MembershipConfig{DefaultCapacity: capacity})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		full     int
	)
	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.m.Join(domain.ParticipantID(fmt.Sprintf("p%d", i)), "", "busy", fmt.Sprintf("user%d", i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case domain.KindOf(err) == domain.KindRoomFull:
				full++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, capacity, accepted)
	assert.Equal(t, joiners-capacity, full)
	r, _ := f.dir.GetRoom("busy")
	assert.Equal(t, capacity, r.MemberCount())
	assert.True(t, r.HasMember(r.Host))
}

func TestHostIsAlwaysMember(t *testing.T) {
	f := newMembership(t, MembershipConfig{DefaultCapacity: 4})
	rng := rand.New(rand.NewPCG(1, 2))
	rooms := []string{"a", "b"}

	for step := 0; step < 500; step++ {
		pid := domain.ParticipantID(fmt.Sprintf("p%d", rng.IntN(12)))
		switch rng.IntN(3) {
		case 0:
			_, _ = f.m.Join(pid, "", rooms[rng.IntN(len(rooms))], fmt.Sprintf("n%s", pid))
		case 1:
			f.m.Leave(pid)
		case 2:
			target := domain.ParticipantID(fmt.Sprintf("p%d", rng.IntN(12)))
			_, _ = f.m.Kick(pid, target, "")
		}
		for _, r := range f.dir.Rooms() {
			require.LessOrEqual(t, r.MemberCount(), r.Capacity)
			if r.IsEmpty() {
				require.Empty(t, r.Host)
				continue
			}
			require.True(t, r.HasMember(r.Host), "step %d room %s host %s members %v", step, r.ID, r.Host, r.Members)
		}
		f.clk.Advance(time.Millisecond)
	}
}
