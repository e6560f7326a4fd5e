// Package negotiation runs the offer/answer/candidate exchange with each
// remote room-mate. One Link per remote participant; links share nothing.
package negotiation

import (
	"github.com/EgorSempai/zlover/internal/domain"
	"github.com/EgorSempai/zlover/internal/protocol"
	"github.com/pion/webrtc/v4"
)

// Transport is the media connection a Link drives. CreateOffer and
// CreateAnswer also apply the result as the local description.
type Transport interface {
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	// Rollback discards a local offer that has not been answered.
	Rollback() error
	Close() error
}

// TransportEvents are the callbacks a Transport reports into its Link.
type TransportEvents struct {
	OnState     func(webrtc.PeerConnectionState)
	OnCandidate func(webrtc.ICECandidateInit)
}

type TransportFactory func(remote domain.ParticipantID, ev TransportEvents) (Transport, error)

// Signaler carries negotiation bodies to a remote participant through the
// signaling server.
type Signaler interface {
	SendSignal(to domain.ParticipantID, kind protocol.SignalKind, body []byte) error
}
