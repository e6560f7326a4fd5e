package orch

import (
	"github.com/EgorSempai/zlover/internal/domain"
	"github.com/EgorSempai/zlover/internal/protocol"
)

func (o *Orchestrator) Signal(pid domain.ParticipantID, sig protocol.Signal) {
	if err := o.Relay.Forward(pid, sig); err != nil {
		o.Metrics.Operation("signal", string(domain.KindOf(err)))
		logFailure(err, "signal", pid)
		o.Fail(pid, err)
		return
	}
	o.Membership.Touch(pid)
	o.Metrics.Operation("signal", "")
}
