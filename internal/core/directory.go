package core

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/EgorSempai/zlover/internal/domain"
	"github.com/rs/zerolog/log"
)

// HostElector picks the next host among the remaining members, which are
// passed in join order. Returning an id that is not among them is a bug and
// falls back to the first member.
type HostElector func(remaining []domain.Participant) domain.ParticipantID

// EarliestJoined elects the member with the oldest JoinedAt.
func EarliestJoined(remaining []domain.Participant) domain.ParticipantID {
	if len(remaining) == 0 {
		return ""
	}
	best := remaining[0]
	for _, p := range remaining[1:] {
		if p.JoinedAt.Before(best.JoinedAt) {
			best = p
		}
	}
	return best.ID
}

// Removal describes the room after a member was removed.
type Removal struct {
	Participant domain.Participant
	Room        domain.Room
	WasHost     bool
	// NewHost is set only when the host left a non-empty room.
	NewHost domain.ParticipantID
}

// Directory is the authoritative in-memory store of rooms and participants.
// Each mutation is atomic and validated before it is committed. Multi-step
// flows on one room hold LockRoom for their whole duration.
type Directory struct {
	mu           sync.RWMutex
	rooms        map[domain.RoomID]*domain.Room
	participants map[domain.ParticipantID]*domain.Participant

	locks *keyedMutex[domain.RoomID]
	elect HostElector
	now   func() time.Time
}

type Option func(*Directory)

func WithClock(now func() time.Time) Option {
	return func(d *Directory) { d.now = now }
}

func NewDirectory(opts ...Option) *Directory {
	d := &Directory{
		rooms:        make(map[domain.RoomID]*domain.Room),
		participants: make(map[domain.ParticipantID]*domain.Participant),
		locks:        newKeyedMutex[domain.RoomID](),
		elect:        EarliestJoined,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// LockRoom serializes membership flows on one room id. The id does not need
// to exist yet, so create-or-join is covered as well.
func (d *Directory) LockRoom(id domain.RoomID) (unlock func()) {
	return d.locks.Lock(id)
}

func (d *Directory) CreateRoom(id domain.RoomID, capacity int) (domain.Room, error) {
	if capacity < 1 {
		return domain.Room{}, domain.ErrInvalidCapacity
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.rooms[id]; ok {
		return domain.Room{}, domain.ErrRoomExists
	}
	now := d.now()
	r := &domain.Room{
		ID:           id,
		Capacity:     capacity,
		CreatedAt:    now,
		LastActivity: now,
		EmptySince:   now,
	}
	d.rooms[id] = r
	log.Debug().Str("module", "core.directory").Str("room", string(id)).Int("capacity", capacity).Msg("room created")
	return r.Clone(), nil
}

func (d *Directory) GetRoom(id domain.RoomID) (domain.Room, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.rooms[id]
	if !ok {
		return domain.Room{}, false
	}
	return r.Clone(), true
}

// AddMember places p into room id. The first member of a hostless room
// becomes its host.
func (d *Directory) AddMember(id domain.RoomID, p domain.Participant) (domain.Room, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.rooms[id]
	if !ok {
		return domain.Room{}, domain.ErrRoomNotFound
	}
	if _, ok := d.participants[p.ID]; ok {
		return domain.Room{}, domain.ErrParticipantExists
	}
	if r.IsFull() {
		return domain.Room{}, domain.ErrRoomFull
	}

	now := d.now()
	next := r.Clone()
	next.Members = append(next.Members, p.ID)
	if next.Host == "" {
		next.Host = p.ID
	}
	next.LastActivity = now
	next.EmptySince = time.Time{}
	if err := checkRoom(&next); err != nil {
		return domain.Room{}, err
	}

	p.RoomID = id
	if p.JoinedAt.IsZero() {
		p.JoinedAt = now
	}
	*r = next
	d.participants[p.ID] = &p
	return r.Clone(), nil
}

// RemoveMember removes pid from room id and, if pid was host of a room that
// still has members, hands the host role over in the same step.
func (d *Directory) RemoveMember(id domain.RoomID, pid domain.ParticipantID) (Removal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.rooms[id]
	if !ok {
		return Removal{}, domain.ErrRoomNotFound
	}
	p, ok := d.participants[pid]
	if !ok || p.RoomID != id || !r.HasMember(pid) {
		return Removal{}, domain.ErrNotMember
	}

	now := d.now()
	next := r.Clone()
	next.Members = slices.DeleteFunc(next.Members, func(m domain.ParticipantID) bool { return m == pid })
	next.LastActivity = now
	res := Removal{Participant: *p, WasHost: r.Host == pid}

	switch {
	case next.IsEmpty():
		next.Host = ""
		next.EmptySince = now
	case res.WasHost:
		next.Host = d.electLocked(next.Members)
		res.NewHost = next.Host
	}
	if err := checkRoom(&next); err != nil {
		return Removal{}, err
	}

	*r = next
	delete(d.participants, pid)
	res.Room = r.Clone()
	return res, nil
}

func (d *Directory) electLocked(members []domain.ParticipantID) domain.ParticipantID {
	remaining := make([]domain.Participant, 0, len(members))
	for _, m := range members {
		remaining = append(remaining, *d.participants[m])
	}
	elected := d.elect(remaining)
	if !slices.Contains(members, elected) {
		log.Error().Str("module", "core.directory").Str("elected", string(elected)).Msg("elector returned a non-member, using first member")
		return members[0]
	}
	return elected
}

func (d *Directory) SetHost(id domain.RoomID, pid domain.ParticipantID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.rooms[id]
	if !ok {
		return domain.ErrRoomNotFound
	}
	next := r.Clone()
	next.Host = pid
	next.LastActivity = d.now()
	if err := checkRoom(&next); err != nil {
		return err
	}
	*r = next
	return nil
}

// DeleteRoomIfEmpty reports whether the room was deleted.
func (d *Directory) DeleteRoomIfEmpty(id domain.RoomID) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.rooms[id]
	if !ok {
		return false, domain.ErrRoomNotFound
	}
	if !r.IsEmpty() {
		return false, nil
	}
	delete(d.rooms, id)
	log.Debug().Str("module", "core.directory").Str("room", string(id)).Msg("room deleted")
	return true, nil
}

func (d *Directory) Touch(id domain.RoomID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.rooms[id]
	if !ok {
		return domain.ErrRoomNotFound
	}
	r.LastActivity = d.now()
	return nil
}

func (d *Directory) Participant(pid domain.ParticipantID) (domain.Participant, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.participants[pid]
	if !ok {
		return domain.Participant{}, false
	}
	return *p, true
}

// Members returns the room's participants in join order.
func (d *Directory) Members(id domain.RoomID) ([]domain.Participant, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.rooms[id]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	out := make([]domain.Participant, 0, len(r.Members))
	for _, m := range r.Members {
		out = append(out, *d.participants[m])
	}
	return out, nil
}

func (d *Directory) Rooms() []domain.Room {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]domain.Room, 0, len(d.rooms))
	for _, r := range d.rooms {
		out = append(out, r.Clone())
	}
	slices.SortFunc(out, func(a, b domain.Room) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

func (d *Directory) Counts() (rooms, participants int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.rooms), len(d.participants)
}

// Clear drops every record. Used on shutdown.
func (d *Directory) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.rooms)
	clear(d.participants)
}

func checkRoom(r *domain.Room) error {
	if len(r.Members) > r.Capacity {
		return fmt.Errorf("%w: %d/%d", domain.ErrRoomFull, len(r.Members), r.Capacity)
	}
	if r.IsEmpty() {
		if r.Host != "" {
			return domain.ErrHostNotMember
		}
		return nil
	}
	if !r.HasMember(r.Host) {
		return domain.ErrHostNotMember
	}
	return nil
}
