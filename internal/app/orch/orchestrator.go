package orch

import (
	"context"
	"time"

	"github.com/EgorSempai/zlover/internal/app"
	"github.com/EgorSempai/zlover/internal/core"
	"github.com/EgorSempai/zlover/internal/domain"
	"github.com/EgorSempai/zlover/internal/metrics"
	"github.com/EgorSempai/zlover/internal/protocol"
	"github.com/rs/zerolog/log"
)

type Deps struct {
	Directory    *core.Directory
	Limiter      *app.RateLimiter
	Policy       app.Policy
	Metrics      *metrics.Collector
	Rooms        app.MembershipConfig
	RelayServers []protocol.RelayServer
	KickDelay    time.Duration
}

// Orchestrator connects transport events to the membership flows and turns
// their outcomes into messages.
type Orchestrator struct {
	Registry   *app.Registry
	Membership *app.Membership
	Relay      *app.SignalRelay
	Limiter    *app.RateLimiter
	Metrics    *metrics.Collector

	relayServers []protocol.RelayServer
	kickDelay    time.Duration
}

func New(d Deps) *Orchestrator {
	dir := d.Directory
	if dir == nil {
		dir = core.NewDirectory()
	}
	reg := app.NewRegistry(d.Policy)
	o := &Orchestrator{
		Registry:     reg,
		Relay:        app.NewSignalRelay(dir, reg),
		Limiter:      d.Limiter,
		Metrics:      d.Metrics,
		relayServers: d.RelayServers,
		kickDelay:    d.KickDelay,
	}
	o.Membership = app.NewMembership(dir, d.Rooms, o)
	reg.OnDrop = func(_ domain.ParticipantID, t protocol.Type) { o.Metrics.Dropped(string(t)) }
	return o
}

// Admit runs admission control for a new connection from source.
func (o *Orchestrator) Admit(source string) app.Admission {
	if o.Limiter == nil {
		return app.Admission{Allowed: true}
	}
	a := o.Limiter.Admit(source)
	if !a.Allowed {
		o.Metrics.RateLimited()
		log.Warn().Str("module", "orch").Str("source", source).Int("limit", a.Limit).Dur("retry_after", a.RetryAfter).Msg("connection rate limited")
	}
	return a
}

// Connect registers an accepted connection and returns its participant id.
func (o *Orchestrator) Connect(conn core.SignalConnection, source string, cancel context.CancelFunc) domain.ParticipantID {
	pid := o.Registry.Bind(conn, source, cancel)
	o.Metrics.ConnectionOpened()
	return pid
}

// Disconnect is the single exit path of a connection: it leaves the room,
// if any, and forgets the connection.
func (o *Orchestrator) Disconnect(pid domain.ParticipantID) {
	if _, ok := o.Membership.Leave(pid); ok {
		o.Metrics.Operation("leave", "")
	}
	o.Registry.Unbind(pid)
	o.Metrics.ConnectionClosed()
}

func (o *Orchestrator) Ping(pid domain.ParticipantID, p protocol.Ping) {
	o.reply(pid, protocol.Pong{Timestamp: p.Timestamp})
}

// Fail reports err to pid as an error envelope.
func (o *Orchestrator) Fail(pid domain.ParticipantID, err error) {
	o.reply(pid, protocol.NewError(err))
}

// Shutdown cancels every connection and drops all rooms.
func (o *Orchestrator) Shutdown() {
	o.Registry.DisconnectAll()
	o.Membership.Directory().Clear()
	log.Info().Str("module", "orch").Msg("shutdown")
}

func (o *Orchestrator) reply(pid domain.ParticipantID, m protocol.ServerMessage) {
	if err := o.Registry.Deliver(pid, m); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("pid", string(pid)).Str("type", string(m.MessageType())).Msg("deliver")
	}
}
