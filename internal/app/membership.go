package app

import (
	"errors"
	"strconv"
	"time"

	"github.com/EgorSempai/zlover/internal/core"
	"github.com/EgorSempai/zlover/internal/domain"
	"github.com/rs/zerolog/log"
)

type MembershipConfig struct {
	DefaultCapacity int
	// EmptyRetention keeps an empty room for quick rejoins. Zero deletes the
	// room on the last leave.
	EmptyRetention time.Duration
	IdleTimeout    time.Duration
}

// Notifier receives membership changes while the room lock is still held,
// so notifications for one room are emitted in the order the changes were
// committed. Implementations must not call back into Membership.
type Notifier interface {
	Joined(out JoinOutcome)
	Left(out LeaveOutcome)
	Kicked(out KickOutcome)
}

type JoinOutcome struct {
	Participant domain.Participant
	Room        domain.Room
	// Existing are the members present before the join, in join order.
	Existing []domain.Participant
	Created  bool
}

func (o JoinOutcome) IsHost() bool { return o.Room.Host == o.Participant.ID }

type LeaveOutcome struct {
	Participant domain.Participant
	RoomID      domain.RoomID
	Remaining   []domain.ParticipantID
	// NewHost is set when the leaver was host and someone is left.
	NewHost     domain.ParticipantID
	RoomDeleted bool
}

type KickOutcome struct {
	Requester domain.ParticipantID
	Target    domain.Participant
	RoomID    domain.RoomID
	Reason    string
	Remaining []domain.ParticipantID
}

// Membership runs the join, leave and kick flows on top of the Directory.
// Every flow holds the room lock from its first read to its last write.
type Membership struct {
	dir    *core.Directory
	cfg    MembershipConfig
	notify Notifier
	now    func() time.Time
}

func NewMembership(dir *core.Directory, cfg MembershipConfig, notify Notifier) *Membership {
	if cfg.DefaultCapacity < 1 {
		cfg.DefaultCapacity = domain.DefaultCapacity
	}
	return &Membership{dir: dir, cfg: cfg, notify: notify, now: time.Now}
}

func (m *Membership) Join(pid domain.ParticipantID, source, roomRaw, nicknameRaw string) (JoinOutcome, error) {
	roomID, nickname, err := domain.NormalizeJoin(roomRaw, nicknameRaw)
	if err != nil {
		return JoinOutcome{}, err
	}
	if p, ok := m.dir.Participant(pid); ok {
		return JoinOutcome{}, domain.NewAlreadyInRoomError(p.RoomID)
	}

	unlock := m.dir.LockRoom(roomID)
	defer unlock()

	room, created, err := m.getOrCreate(roomID)
	if err != nil {
		return JoinOutcome{}, err
	}
	// A room created here must not outlive a rejected join.
	fail := func(err error) (JoinOutcome, error) {
		if created {
			if _, derr := m.dir.DeleteRoomIfEmpty(roomID); derr != nil {
				log.Error().Err(derr).Str("module", "app.membership").Str("room", string(roomID)).Msg("drop room after failed join")
			}
		}
		return JoinOutcome{}, err
	}

	if room.IsFull() {
		return fail(domain.NewRoomFullError(room.MemberCount(), room.Capacity))
	}

	existing, err := m.dir.Members(roomID)
	if err != nil {
		return fail(err)
	}
	if takenNickname(existing, nickname) {
		return fail(domain.NewNicknameTakenError(nickname, suggestNickname(nickname, existing)))
	}

	room, err = m.dir.AddMember(roomID, domain.Participant{
		ID:       pid,
		Nickname: nickname,
		Source:   source,
		JoinedAt: m.now(),
	})
	switch {
	case errors.Is(err, domain.ErrRoomFull):
		cur, _ := m.dir.GetRoom(roomID)
		return fail(domain.NewRoomFullError(cur.MemberCount(), cur.Capacity))
	case errors.Is(err, domain.ErrParticipantExists):
		p, _ := m.dir.Participant(pid)
		return fail(domain.NewAlreadyInRoomError(p.RoomID))
	case err != nil:
		return fail(err)
	}

	self, _ := m.dir.Participant(pid)
	out := JoinOutcome{Participant: self, Room: room, Existing: existing, Created: created}
	log.Info().Str("module", "app.membership").Str("room", string(roomID)).Str("pid", string(pid)).Str("nickname", nickname).Bool("host", out.IsHost()).Int("members", room.MemberCount()).Msg("joined")
	if m.notify != nil {
		m.notify.Joined(out)
	}
	return out, nil
}

func (m *Membership) getOrCreate(id domain.RoomID) (domain.Room, bool, error) {
	if r, ok := m.dir.GetRoom(id); ok {
		return r, false, nil
	}
	r, err := m.dir.CreateRoom(id, m.cfg.DefaultCapacity)
	if errors.Is(err, domain.ErrRoomExists) {
		r, _ = m.dir.GetRoom(id)
		return r, false, nil
	}
	return r, err == nil, err
}

func takenNickname(members []domain.Participant, nickname string) bool {
	for _, p := range members {
		if domain.SameNickname(p.Nickname, nickname) {
			return true
		}
	}
	return false
}

// suggestNickname appends the smallest free counter, trimming the base so the
// result stays within the nickname length limit.
func suggestNickname(nickname string, members []domain.Participant) string {
	for n := 2; ; n++ {
		suffix := strconv.Itoa(n)
		base := []rune(nickname)
		if keep := domain.MaxNicknameLen - len(suffix); len(base) > keep {
			base = base[:keep]
		}
		candidate := string(base) + suffix
		if !takenNickname(members, candidate) {
			return candidate
		}
	}
}

// Leave removes pid from its room. It reports false if pid is not in a room,
// which is the normal case for a connection that never joined.
func (m *Membership) Leave(pid domain.ParticipantID) (LeaveOutcome, bool) {
	p, ok := m.dir.Participant(pid)
	if !ok {
		return LeaveOutcome{}, false
	}

	unlock := m.dir.LockRoom(p.RoomID)
	defer unlock()

	res, err := m.dir.RemoveMember(p.RoomID, pid)
	if err != nil {
		// Lost a race with a kick on the same participant.
		log.Debug().Err(err).Str("module", "app.membership").Str("pid", string(pid)).Msg("leave: already removed")
		return LeaveOutcome{}, false
	}

	out := LeaveOutcome{
		Participant: res.Participant,
		RoomID:      res.Room.ID,
		Remaining:   res.Room.Members,
		NewHost:     res.NewHost,
	}
	if res.Room.IsEmpty() && m.cfg.EmptyRetention <= 0 {
		deleted, err := m.dir.DeleteRoomIfEmpty(res.Room.ID)
		if err != nil {
			log.Error().Err(err).Str("module", "app.membership").Str("room", string(res.Room.ID)).Msg("delete empty room")
		}
		out.RoomDeleted = deleted
	}

	log.Info().Str("module", "app.membership").Str("room", string(out.RoomID)).Str("pid", string(pid)).Str("new_host", string(out.NewHost)).Bool("room_deleted", out.RoomDeleted).Msg("left")
	if m.notify != nil {
		m.notify.Left(out)
	}
	return out, true
}

// Kick removes target from the requester's room. Only the current host may
// kick, and only another member of the same room.
func (m *Membership) Kick(requester, target domain.ParticipantID, reason string) (KickOutcome, error) {
	req, ok := m.dir.Participant(requester)
	if !ok {
		return KickOutcome{}, domain.NewUnauthorizedError("not in a room")
	}
	if requester == target {
		return KickOutcome{}, domain.NewUnauthorizedError("cannot kick yourself")
	}

	unlock := m.dir.LockRoom(req.RoomID)
	defer unlock()

	room, ok := m.dir.GetRoom(req.RoomID)
	if !ok || !room.HasMember(requester) {
		return KickOutcome{}, domain.NewUnauthorizedError("not in a room")
	}
	if room.Host != requester {
		return KickOutcome{}, domain.NewUnauthorizedError("only the host can kick")
	}
	tgt, ok := m.dir.Participant(target)
	if !ok || tgt.RoomID != room.ID {
		return KickOutcome{}, domain.NewUnauthorizedError("target is not in your room")
	}

	res, err := m.dir.RemoveMember(room.ID, target)
	if err != nil {
		return KickOutcome{}, err
	}
	out := KickOutcome{
		Requester: requester,
		Target:    res.Participant,
		RoomID:    room.ID,
		Reason:    reason,
		Remaining: res.Room.Members,
	}
	log.Info().Str("module", "app.membership").Str("room", string(room.ID)).Str("host", string(requester)).Str("target", string(target)).Str("reason", reason).Msg("kicked")
	if m.notify != nil {
		m.notify.Kicked(out)
	}
	return out, nil
}

// ReclaimIdle deletes empty rooms whose retention has passed or that have
// seen no activity for IdleTimeout. Occupied rooms are never reclaimed.
func (m *Membership) ReclaimIdle() []domain.RoomID {
	now := m.now()
	var reclaimed []domain.RoomID
	for _, snap := range m.dir.Rooms() {
		if !snap.IsEmpty() {
			continue
		}
		if m.reclaim(snap.ID, now) {
			reclaimed = append(reclaimed, snap.ID)
		}
	}
	if len(reclaimed) > 0 {
		log.Info().Str("module", "app.membership").Int("rooms", len(reclaimed)).Msg("reclaimed idle rooms")
	}
	return reclaimed
}

func (m *Membership) reclaim(id domain.RoomID, now time.Time) bool {
	unlock := m.dir.LockRoom(id)
	defer unlock()

	r, ok := m.dir.GetRoom(id)
	if !ok || !r.IsEmpty() {
		return false
	}
	expired := now.Sub(r.EmptySince) >= m.cfg.EmptyRetention
	idle := m.cfg.IdleTimeout > 0 && now.Sub(r.LastActivity) >= m.cfg.IdleTimeout
	if !expired && !idle {
		return false
	}
	deleted, err := m.dir.DeleteRoomIfEmpty(id)
	if err != nil {
		return false
	}
	return deleted
}

// Touch records activity on the participant's room.
func (m *Membership) Touch(pid domain.ParticipantID) {
	if p, ok := m.dir.Participant(pid); ok {
		_ = m.dir.Touch(p.RoomID)
	}
}

func (m *Membership) Directory() *core.Directory { return m.dir }
