package signal

import (
	"github.com/EgorSempai/zlover/internal/domain"
	"github.com/EgorSempai/zlover/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleJoin(pid domain.ParticipantID, req *protocol.JoinRequest) {
	log.Info().Str("module", "signal").Str("pid", string(pid)).Str("room", req.RoomID).Msg("join")
	ctl.Orch.Join(pid, *req)
}

// handleLeave leaves the current room; the connection stays open.
func (ctl *SignalWSController) handleLeave(pid domain.ParticipantID) {
	log.Info().Str("module", "signal").Str("pid", string(pid)).Msg("leave")
	ctl.Orch.Leave(pid)
}

func (ctl *SignalWSController) handleKick(pid domain.ParticipantID, req *protocol.KickRequest) {
	log.Info().Str("module", "signal").Str("pid", string(pid)).Str("target", string(req.TargetID)).Msg("kick")
	ctl.Orch.Kick(pid, *req)
}
