// Package protocol defines the signaling message set. Each direction is a
// closed set: only types in this package implement ClientMessage or
// ServerMessage, and decoding goes through a fixed type table.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/EgorSempai/zlover/internal/domain"
)

type Type string

const (
	TypeJoinRequest  Type = "join-request"
	TypeLeaveRequest Type = "leave-request"
	TypeKickRequest  Type = "kick-request"
	TypeSignal       Type = "signal"
	TypePing         Type = "ping"

	TypeJoinAccepted Type = "join-accepted"
	TypeJoinRejected Type = "join-rejected"
	TypeMemberJoined Type = "member-joined"
	TypeMemberLeft   Type = "member-left"
	TypeHostChanged  Type = "host-changed"
	TypeHostAssigned Type = "host-assigned"
	TypeKicked       Type = "kicked"
	TypePong         Type = "pong"
	TypeError        Type = "error"
)

// Envelope is the wire frame of every message.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Message interface {
	MessageType() Type
}

// ClientMessage is a message a participant sends to the server.
type ClientMessage interface {
	Message
	clientMessage()
}

// ServerMessage is a message the server sends to a participant.
type ServerMessage interface {
	Message
	serverMessage()
}

type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)

func (k SignalKind) Valid() bool {
	switch k {
	case SignalOffer, SignalAnswer, SignalCandidate:
		return true
	}
	return false
}

type JoinRequest struct {
	RoomID   string `json:"roomId"`
	Nickname string `json:"nickname"`
}

type LeaveRequest struct{}

type KickRequest struct {
	TargetID domain.ParticipantID `json:"targetId"`
	Reason   string               `json:"reason,omitempty"`
}

// Signal carries an opaque negotiation body. To is set by the sender; the
// server replaces it with From and RoomID on delivery.
type Signal struct {
	To     domain.ParticipantID `json:"to,omitempty"`
	From   domain.ParticipantID `json:"from,omitempty"`
	RoomID domain.RoomID        `json:"roomId,omitempty"`
	Kind   SignalKind           `json:"kind"`
	Body   json.RawMessage      `json:"body"`
}

type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

type Member struct {
	ID       domain.ParticipantID `json:"id"`
	Nickname string               `json:"nickname"`
}

type RoomMeta struct {
	ID          domain.RoomID        `json:"id"`
	HostID      domain.ParticipantID `json:"hostId"`
	Capacity    int                  `json:"capacity"`
	MemberCount int                  `json:"memberCount"`
	CreatedAt   time.Time            `json:"createdAt"`
}

// RelayServer is an opaque traversal server descriptor handed to clients.
type RelayServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type JoinAccepted struct {
	SelfID          domain.ParticipantID `json:"selfId"`
	ExistingMembers []Member             `json:"existingMembers"`
	IsHost          bool                 `json:"isHost"`
	Room            RoomMeta             `json:"roomMeta"`
	RelayServers    []RelayServer        `json:"relayServers"`
}

type JoinRejected struct {
	Kind    domain.ErrorKind `json:"errorKind"`
	Message string           `json:"message"`
	Details any              `json:"details,omitempty"`
}

type MemberJoined struct {
	ID       domain.ParticipantID `json:"id"`
	Nickname string               `json:"nickname"`
}

type MemberLeft struct {
	ID domain.ParticipantID `json:"id"`
}

type HostChanged struct {
	NewHostID domain.ParticipantID `json:"newHostId"`
}

type HostAssigned struct {
	RoomID domain.RoomID `json:"roomId"`
}

type Kicked struct {
	Reason         string `json:"reason"`
	DisconnectInMs int64  `json:"disconnectInMs"`
}

type Error struct {
	Kind    domain.ErrorKind `json:"kind"`
	Message string           `json:"message"`
	Details any              `json:"details,omitempty"`
}

// NewError converts any error into the wire error envelope.
func NewError(err error) Error {
	de := domain.AsError(err)
	return Error{Kind: de.Kind, Message: de.Message, Details: de.Details}
}

func NewJoinRejected(err error) JoinRejected {
	de := domain.AsError(err)
	return JoinRejected{Kind: de.Kind, Message: de.Message, Details: de.Details}
}

func (JoinRequest) MessageType() Type  { return TypeJoinRequest }
func (LeaveRequest) MessageType() Type { return TypeLeaveRequest }
func (KickRequest) MessageType() Type  { return TypeKickRequest }
func (Signal) MessageType() Type       { return TypeSignal }
func (Ping) MessageType() Type         { return TypePing }
func (JoinAccepted) MessageType() Type { return TypeJoinAccepted }
func (JoinRejected) MessageType() Type { return TypeJoinRejected }
func (MemberJoined) MessageType() Type { return TypeMemberJoined }
func (MemberLeft) MessageType() Type   { return TypeMemberLeft }
func (HostChanged) MessageType() Type  { return TypeHostChanged }
func (HostAssigned) MessageType() Type { return TypeHostAssigned }
func (Kicked) MessageType() Type       { return TypeKicked }
func (Pong) MessageType() Type         { return TypePong }
func (Error) MessageType() Type        { return TypeError }

func (JoinRequest) clientMessage()  {}
func (LeaveRequest) clientMessage() {}
func (KickRequest) clientMessage()  {}
func (Signal) clientMessage()       {}
func (Ping) clientMessage()         {}

func (Signal) serverMessage()       {}
func (JoinAccepted) serverMessage() {}
func (JoinRejected) serverMessage() {}
func (MemberJoined) serverMessage() {}
func (MemberLeft) serverMessage()   {}
func (HostChanged) serverMessage()  {}
func (HostAssigned) serverMessage() {}
func (Kicked) serverMessage()       {}
func (Pong) serverMessage()         {}
func (Error) serverMessage()        {}
