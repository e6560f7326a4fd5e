package signal

import (
	"github.com/EgorSempai/zlover/internal/domain"
	"github.com/EgorSempai/zlover/internal/protocol"
	"github.com/rs/zerolog/log"
)

// handleRelay forwards an offer, answer or candidate to a room-mate. The
// body is passed through untouched.
func (ctl *SignalWSController) handleRelay(pid domain.ParticipantID, sig *protocol.Signal) {
	log.Debug().Str("module", "signal").Str("from", string(pid)).Str("to", string(sig.To)).Str("kind", string(sig.Kind)).Msg("signal")
	ctl.Orch.Signal(pid, *sig)
}
