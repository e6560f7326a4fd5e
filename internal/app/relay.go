package app

import (
	"github.com/EgorSempai/zlover/internal/core"
	"github.com/EgorSempai/zlover/internal/domain"
	"github.com/EgorSempai/zlover/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Deliverer hands a message to one participant's connection.
type Deliverer interface {
	Deliver(pid domain.ParticipantID, m protocol.ServerMessage) error
}

// SignalRelay forwards negotiation payloads between room-mates. It only
// reads the directory and never looks inside the body.
type SignalRelay struct {
	dir *core.Directory
	out Deliverer
}

func NewSignalRelay(dir *core.Directory, out Deliverer) *SignalRelay {
	return &SignalRelay{dir: dir, out: out}
}

func (r *SignalRelay) Forward(sender domain.ParticipantID, sig protocol.Signal) error {
	if !sig.Kind.Valid() {
		return domain.NewValidationError([]string{"kind:oneof=offer answer candidate"})
	}
	from, ok := r.dir.Participant(sender)
	if !ok {
		return domain.NewRoutingError("sender is not in a room")
	}
	if sig.To == "" || sig.To == sender {
		return domain.NewRoutingError("invalid recipient")
	}
	to, ok := r.dir.Participant(sig.To)
	if !ok || to.RoomID != from.RoomID {
		return domain.NewRoutingError("recipient is not in your room")
	}

	err := r.out.Deliver(to.ID, protocol.Signal{
		From:   from.ID,
		RoomID: from.RoomID,
		Kind:   sig.Kind,
		Body:   sig.Body,
	})
	if err != nil {
		log.Warn().Err(err).Str("module", "app.relay").Str("from", string(from.ID)).Str("to", string(to.ID)).Str("kind", string(sig.Kind)).Msg("deliver signal")
		return domain.NewRoutingError("recipient unavailable")
	}
	return nil
}
