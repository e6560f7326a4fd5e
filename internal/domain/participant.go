// Package domain contains entities and their validation, without transport or locking.
package domain

import (
	"time"

	"github.com/google/uuid"
)

type ParticipantID string

// NewParticipantID issues an id for a freshly accepted connection.
func NewParticipantID() ParticipantID {
	return ParticipantID(uuid.NewString())
}

// Participant references its room by id only; traversal goes through the directory.
type Participant struct {
	ID       ParticipantID `json:"id"`
	Nickname string        `json:"nickname"`
	RoomID   RoomID        `json:"roomId"`
	Source   string        `json:"-"`
	JoinedAt time.Time     `json:"joinedAt"`
}
