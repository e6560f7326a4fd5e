package app

import (
	"github.com/EgorSempai/zlover/internal/domain"
	"github.com/EgorSempai/zlover/internal/protocol"
)

type BackpressureAction int

const (
	DropMessage BackpressureAction = iota
	DisconnectParticipant
)

// Policy decides what happens when a participant's send buffer is full.
type Policy interface {
	OnBackPressure(pid domain.ParticipantID, t protocol.Type) BackpressureAction
}

// SimplePolicy disconnects any participant that cannot keep up. A missed
// membership or signal message leaves the client with a wrong view of the
// room, so dropping is never safe.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.ParticipantID, protocol.Type) BackpressureAction {
	return DisconnectParticipant
}

// LenientPolicy drops pongs, which the client can miss, and disconnects
// for everything else.
type LenientPolicy struct{}

func (LenientPolicy) OnBackPressure(_ domain.ParticipantID, t protocol.Type) BackpressureAction {
	if t == protocol.TypePong {
		return DropMessage
	}
	return DisconnectParticipant
}
