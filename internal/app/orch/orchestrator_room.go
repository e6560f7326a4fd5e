package orch

import (
	"errors"
	"time"

	"github.com/EgorSempai/zlover/internal/app"
	"github.com/EgorSempai/zlover/internal/domain"
	"github.com/EgorSempai/zlover/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (o *Orchestrator) Join(pid domain.ParticipantID, req protocol.JoinRequest) {
	source, _ := o.Registry.Source(pid)
	if _, err := o.Membership.Join(pid, source, req.RoomID, req.Nickname); err != nil {
		o.Metrics.Operation("join", string(domain.KindOf(err)))
		logFailure(err, "join", pid)
		o.reply(pid, protocol.NewJoinRejected(err))
		return
	}
	o.Metrics.Operation("join", "")
}

// Leave handles an explicit leave request; the connection stays open.
func (o *Orchestrator) Leave(pid domain.ParticipantID) {
	if _, ok := o.Membership.Leave(pid); !ok {
		o.Fail(pid, domain.NewUnauthorizedError("not in a room"))
		return
	}
	o.Metrics.Operation("leave", "")
}

func (o *Orchestrator) Kick(pid domain.ParticipantID, req protocol.KickRequest) {
	if _, err := o.Membership.Kick(pid, req.TargetID, req.Reason); err != nil {
		o.Metrics.Operation("kick", string(domain.KindOf(err)))
		logFailure(err, "kick", pid)
		o.Fail(pid, err)
		return
	}
	o.Metrics.Operation("kick", "")
}

// Joined tells the room about the newcomer before answering the joiner, so
// everyone already knows the joiner when its offers start arriving.
func (o *Orchestrator) Joined(out app.JoinOutcome) {
	existing := make([]protocol.Member, 0, len(out.Existing))
	ids := make([]domain.ParticipantID, 0, len(out.Existing))
	for _, p := range out.Existing {
		existing = append(existing, protocol.Member{ID: p.ID, Nickname: p.Nickname})
		ids = append(ids, p.ID)
	}
	self := out.Participant

	o.Registry.Broadcast(ids, self.ID, protocol.MemberJoined{ID: self.ID, Nickname: self.Nickname})
	o.reply(self.ID, protocol.JoinAccepted{
		SelfID:          self.ID,
		ExistingMembers: existing,
		IsHost:          out.IsHost(),
		Room: protocol.RoomMeta{
			ID:          out.Room.ID,
			HostID:      out.Room.Host,
			Capacity:    out.Room.Capacity,
			MemberCount: out.Room.MemberCount(),
			CreatedAt:   out.Room.CreatedAt,
		},
		RelayServers: o.relayServers,
	})
}

func (o *Orchestrator) Left(out app.LeaveOutcome) {
	if out.NewHost != "" {
		o.reply(out.NewHost, protocol.HostAssigned{RoomID: out.RoomID})
		o.Registry.Broadcast(out.Remaining, "", protocol.HostChanged{NewHostID: out.NewHost})
	}
	o.Registry.Broadcast(out.Remaining, "", protocol.MemberLeft{ID: out.Participant.ID})
}

// Kicked notifies the target and the room, then drops the target's
// connection once the notice had time to show.
func (o *Orchestrator) Kicked(out app.KickOutcome) {
	target := out.Target.ID
	o.reply(target, protocol.Kicked{Reason: out.Reason, DisconnectInMs: o.kickDelay.Milliseconds()})
	o.Registry.Broadcast(out.Remaining, "", protocol.MemberLeft{ID: target})

	if o.kickDelay <= 0 {
		o.Registry.Disconnect(target)
		return
	}
	time.AfterFunc(o.kickDelay, func() { o.Registry.Disconnect(target) })
}

func logFailure(err error, op string, pid domain.ParticipantID) {
	var de *domain.Error
	if errors.As(err, &de) {
		log.Info().Str("module", "orch").Str("op", op).Str("pid", string(pid)).Str("kind", string(de.Kind)).Msg(de.Message)
		return
	}
	log.Error().Err(err).Str("module", "orch").Str("op", op).Str("pid", string(pid)).Msg("unexpected failure")
}
