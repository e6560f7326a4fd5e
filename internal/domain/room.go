package domain

import (
	"slices"
	"time"
)

const (
	MaxRoomIDLen    = 50
	DefaultCapacity = 10
)

type RoomID string

// Room is the directory record of one session. Members are kept in join order,
// which is also the host succession order.
type Room struct {
	ID           RoomID
	Members      []ParticipantID
	Host         ParticipantID
	Capacity     int
	CreatedAt    time.Time
	LastActivity time.Time
	// EmptySince is zero while the room has members.
	EmptySince time.Time
}

func (r *Room) MemberCount() int { return len(r.Members) }

func (r *Room) HasMember(id ParticipantID) bool {
	return slices.Contains(r.Members, id)
}

func (r *Room) IsEmpty() bool { return len(r.Members) == 0 }

func (r *Room) IsFull() bool { return len(r.Members) >= r.Capacity }

// Clone returns a copy that shares nothing with r.
func (r *Room) Clone() Room {
	c := *r
	c.Members = slices.Clone(r.Members)
	return c
}
