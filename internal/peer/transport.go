package peer

import (
	"github.com/EgorSempai/zlover/internal/adapters/rtc"
	"github.com/EgorSempai/zlover/internal/domain"
	"github.com/EgorSempai/zlover/internal/negotiation"
	"github.com/EgorSempai/zlover/internal/protocol"
	"github.com/rs/zerolog/log"
)

// RTCTransports builds pion connections using the room's relay servers.
// Data channel messages are logged.
func RTCTransports(relays []protocol.RelayServer) negotiation.TransportFactory {
	cfg := rtc.ConfigFromRelays(relays)
	return func(remote domain.ParticipantID, ev negotiation.TransportEvents) (negotiation.Transport, error) {
		c, err := rtc.NewConnection(cfg, remote, ev)
		if err != nil {
			return nil, err
		}
		c.OnMessage(func(from domain.ParticipantID, msg []byte) {
			log.Info().Str("module", "peer").Str("remote", string(from)).Str("text", string(msg)).Msg("data channel message")
		})
		return c, nil
	}
}
