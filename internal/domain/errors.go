package domain

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Directory invariant violations. These never leave the server as-is; the
// membership layer maps them onto an ErrorKind.
var (
	ErrRoomNotFound      = errors.New("room not found")
	ErrRoomExists        = errors.New("room already exists")
	ErrRoomFull          = errors.New("room is full")
	ErrRoomNotEmpty      = errors.New("room is not empty")
	ErrParticipantExists = errors.New("participant already has a room")
	ErrNotMember         = errors.New("participant is not a member of the room")
	ErrHostNotMember     = errors.New("host is not a member of the room")
	ErrInvalidCapacity   = errors.New("invalid room capacity")
)

type ErrorKind string

const (
	KindValidation    ErrorKind = "ValidationError"
	KindAlreadyInRoom ErrorKind = "AlreadyInRoomError"
	KindRoomFull      ErrorKind = "RoomFullError"
	KindNicknameTaken ErrorKind = "NicknameTakenError"
	KindRouting       ErrorKind = "RoutingError"
	KindRateLimited   ErrorKind = "RateLimited"
	KindUnauthorized  ErrorKind = "Unauthorized"
	KindInternal      ErrorKind = "InternalError"
)

// Error is the caller-facing failure of an operation. Details is marshalled
// as-is into the error envelope.
type Error struct {
	Kind    ErrorKind
	Message string
	Details any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

type ValidationDetails struct {
	Violations []string `json:"violations"`
}

type RoomFullDetails struct {
	Current int `json:"current"`
	Max     int `json:"max"`
}

type NicknameTakenDetails struct {
	Nickname   string `json:"nickname"`
	Suggestion string `json:"suggestion"`
}

type RateLimitedDetails struct {
	RetryAfterSeconds int `json:"retryAfterSeconds"`
}

func NewValidationError(violations []string) *Error {
	return &Error{
		Kind:    KindValidation,
		Message: "invalid join request",
		Details: ValidationDetails{Violations: violations},
	}
}

func NewAlreadyInRoomError(room RoomID) *Error {
	return &Error{Kind: KindAlreadyInRoom, Message: fmt.Sprintf("already in room %q", room)}
}

func NewRoomFullError(current, capacity int) *Error {
	return &Error{
		Kind:    KindRoomFull,
		Message: "room is full",
		Details: RoomFullDetails{Current: current, Max: capacity},
	}
}

func NewNicknameTakenError(nickname, suggestion string) *Error {
	return &Error{
		Kind:    KindNicknameTaken,
		Message: fmt.Sprintf("nickname %q is taken", nickname),
		Details: NicknameTakenDetails{Nickname: nickname, Suggestion: suggestion},
	}
}

func NewRoutingError(msg string) *Error {
	return &Error{Kind: KindRouting, Message: msg}
}

// NewRateLimitedError rounds retryAfter up to whole seconds.
func NewRateLimitedError(retryAfter time.Duration) *Error {
	return &Error{
		Kind:    KindRateLimited,
		Message: "too many connection attempts",
		Details: RateLimitedDetails{RetryAfterSeconds: int(math.Ceil(retryAfter.Seconds()))},
	}
}

func NewUnauthorizedError(msg string) *Error {
	return &Error{Kind: KindUnauthorized, Message: msg}
}

func NewInternalError() *Error {
	return &Error{Kind: KindInternal, Message: "internal error"}
}

// AsError returns err as a caller-facing *Error. Anything that is not already
// one becomes an InternalError.
func AsError(err error) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return NewInternalError()
}

func KindOf(err error) ErrorKind {
	return AsError(err).Kind
}
