package signal

import (
	"github.com/EgorSempai/zlover/internal/domain"
	"github.com/EgorSempai/zlover/internal/protocol"
)

func (ctl *SignalWSController) handlePing(pid domain.ParticipantID, p *protocol.Ping) {
	ctl.Orch.Ping(pid, *p)
}
