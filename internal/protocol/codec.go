package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownType = errors.New("unknown message type")
	ErrBadFrame    = errors.New("malformed frame")
)

var clientTable = map[Type]func() ClientMessage{
	TypeJoinRequest:  func() ClientMessage { return &JoinRequest{} },
	TypeLeaveRequest: func() ClientMessage { return &LeaveRequest{} },
	TypeKickRequest:  func() ClientMessage { return &KickRequest{} },
	TypeSignal:       func() ClientMessage { return &Signal{} },
	TypePing:         func() ClientMessage { return &Ping{} },
}

var serverTable = map[Type]func() ServerMessage{
	TypeSignal:       func() ServerMessage { return &Signal{} },
	TypeJoinAccepted: func() ServerMessage { return &JoinAccepted{} },
	TypeJoinRejected: func() ServerMessage { return &JoinRejected{} },
	TypeMemberJoined: func() ServerMessage { return &MemberJoined{} },
	TypeMemberLeft:   func() ServerMessage { return &MemberLeft{} },
	TypeHostChanged:  func() ServerMessage { return &HostChanged{} },
	TypeHostAssigned: func() ServerMessage { return &HostAssigned{} },
	TypeKicked:       func() ServerMessage { return &Kicked{} },
	TypePong:         func() ServerMessage { return &Pong{} },
	TypeError:        func() ServerMessage { return &Error{} },
}

// Encode frames m in an Envelope.
func Encode(m Message) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.MessageType(), err)
	}
	return json.Marshal(Envelope{Type: m.MessageType(), Payload: payload})
}

// DecodeClient parses a frame sent by a participant. The returned value is
// always a pointer to one of the client message types.
func DecodeClient(data []byte) (ClientMessage, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	newMsg, ok := clientTable[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	m := newMsg()
	if err := decodePayload(env, m); err != nil {
		return nil, err
	}
	return m, nil
}

// DecodeServer parses a frame sent by the server.
func DecodeServer(data []byte) (ServerMessage, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	newMsg, ok := serverTable[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	m := newMsg()
	if err := decodePayload(env, m); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	return env, nil
}

func decodePayload(env Envelope, into any) error {
	if len(env.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Payload, into); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrBadFrame, env.Type, err)
	}
	return nil
}
