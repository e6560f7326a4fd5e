// Package peer is the participant side of a room: it joins through the
// signaling server and keeps one negotiated link per room-mate.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/EgorSempai/zlover/internal/domain"
	"github.com/EgorSempai/zlover/internal/health"
	"github.com/EgorSempai/zlover/internal/negotiation"
	"github.com/EgorSempai/zlover/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrKicked         = errors.New("kicked from room")
	ErrConnectionLost = errors.New("signaling connection lost")
)

// Conn is the signaling connection. wsclient.Client implements it.
type Conn interface {
	Send(protocol.ClientMessage) error
	Incoming() <-chan protocol.ServerMessage
	Close()
}

// TransportBuilder returns the transport factory for a room, given the
// relay servers announced at join time.
type TransportBuilder func(relays []protocol.RelayServer) negotiation.TransportFactory

type Config struct {
	Room        string
	Nickname    string
	Negotiation negotiation.Config
	Health      health.Config
}

type Session struct {
	cfg   Config
	conn  Conn
	build TransportBuilder
	mon   *health.Monitor
	log   zerolog.Logger

	mu      sync.Mutex
	self    domain.ParticipantID
	room    domain.RoomID
	isHost  bool
	mgr     *negotiation.Manager
	members map[domain.ParticipantID]string
}

func NewSession(conn Conn, build TransportBuilder, cfg Config) *Session {
	s := &Session{
		cfg:     cfg,
		conn:    conn,
		build:   build,
		members: make(map[domain.ParticipantID]string),
		log:     log.With().Str("module", "peer").Str("room", cfg.Room).Str("nickname", cfg.Nickname).Logger(),
	}
	s.mon = health.NewMonitor(s, cfg.Health)
	s.mon.OnLivenessLost = func(overdue time.Duration) {
		s.log.Warn().Dur("overdue", overdue).Msg("signaling server not answering pings")
	}
	return s
}

// Run joins the room and processes server messages until ctx ends, the
// connection drops, the join is rejected or this participant is kicked.
func (s *Session) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.mon.Run(gctx) })
	g.Go(func() error {
		defer s.shutdown()
		return s.loop(gctx)
	})
	return g.Wait()
}

func (s *Session) loop(ctx context.Context) error {
	if err := s.conn.Send(protocol.JoinRequest{RoomID: s.cfg.Room, Nickname: s.cfg.Nickname}); err != nil {
		return fmt.Errorf("send join: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			if err := s.conn.Send(protocol.LeaveRequest{}); err != nil {
				s.log.Debug().Err(err).Msg("send leave")
			}
			return nil
		case m, ok := <-s.conn.Incoming():
			if !ok {
				return ErrConnectionLost
			}
			if err := s.handle(m); err != nil {
				return err
			}
		}
	}
}

func (s *Session) shutdown() {
	s.mu.Lock()
	mgr := s.mgr
	s.mu.Unlock()
	if mgr != nil {
		mgr.Close()
	}
	s.conn.Close()
}

// handle applies one server message. Only errors that end the session are
// returned.
func (s *Session) handle(m protocol.ServerMessage) error {
	switch msg := m.(type) {
	case *protocol.JoinAccepted:
		s.joined(msg)
	case *protocol.JoinRejected:
		s.log.Warn().Str("kind", string(msg.Kind)).Str("reason", msg.Message).Msg("join rejected")
		return &domain.Error{Kind: msg.Kind, Message: msg.Message, Details: msg.Details}
	case *protocol.MemberJoined:
		s.mu.Lock()
		s.members[msg.ID] = msg.Nickname
		mgr := s.mgr
		s.mu.Unlock()
		s.log.Info().Str("pid", string(msg.ID)).Str("member", msg.Nickname).Msg("member joined")
		// The newcomer sends the offer.
		if mgr != nil {
			if _, err := mgr.Accept(msg.ID); err != nil {
				s.log.Warn().Err(err).Str("remote", string(msg.ID)).Msg("accept link")
			}
		}
	case *protocol.MemberLeft:
		s.mu.Lock()
		delete(s.members, msg.ID)
		mgr := s.mgr
		s.mu.Unlock()
		if mgr != nil {
			mgr.Remove(msg.ID)
		}
		s.mon.Untrack(msg.ID)
		s.log.Info().Str("pid", string(msg.ID)).Msg("member left")
	case *protocol.HostChanged:
		s.mu.Lock()
		s.isHost = msg.NewHostID == s.self
		s.mu.Unlock()
		s.log.Info().Str("host", string(msg.NewHostID)).Msg("host changed")
	case *protocol.HostAssigned:
		s.mu.Lock()
		s.isHost = true
		s.mu.Unlock()
		s.log.Info().Msg("this participant is now host")
	case *protocol.Signal:
		s.mu.Lock()
		mgr := s.mgr
		s.mu.Unlock()
		if mgr == nil {
			s.log.Debug().Str("from", string(msg.From)).Msg("signal before join accepted")
			return nil
		}
		if err := mgr.HandleSignal(msg.From, msg.Kind, msg.Body); err != nil {
			s.log.Warn().Err(err).Str("from", string(msg.From)).Str("kind", string(msg.Kind)).Msg("handle signal")
		}
	case *protocol.Pong:
		if lat, ok := s.mon.HandlePong(msg.Timestamp); ok {
			s.log.Debug().Dur("latency", lat).Msg("pong")
		}
	case *protocol.Kicked:
		s.log.Warn().Str("reason", msg.Reason).Msg("kicked")
		return fmt.Errorf("%w: %s", ErrKicked, msg.Reason)
	case *protocol.Error:
		s.log.Warn().Str("kind", string(msg.Kind)).Str("reason", msg.Message).Msg("server error")
	}
	return nil
}

// joined opens a link toward every member already present. Later arrivals
// offer to us.
func (s *Session) joined(msg *protocol.JoinAccepted) {
	mgr := negotiation.NewManager(s, s.trackingFactory(s.build(msg.RelayServers)), s.cfg.Negotiation)
	mgr.OnState(func(remote domain.ParticipantID, st negotiation.State) {
		s.log.Info().Str("remote", string(remote)).Str("state", st.String()).Msg("link state")
		if st.Terminal() {
			s.mon.Untrack(remote)
		}
	})

	s.mu.Lock()
	if s.mgr != nil {
		s.mgr.Close()
	}
	s.self = msg.SelfID
	s.room = msg.Room.ID
	s.isHost = msg.IsHost
	s.mgr = mgr
	for _, m := range msg.ExistingMembers {
		s.members[m.ID] = m.Nickname
	}
	s.mu.Unlock()

	s.log.Info().
		Str("pid", string(msg.SelfID)).
		Bool("host", msg.IsHost).
		Int("existing", len(msg.ExistingMembers)).
		Msg("joined room")

	for _, m := range msg.ExistingMembers {
		if _, err := mgr.Initiate(m.ID); err != nil {
			s.log.Warn().Err(err).Str("remote", string(m.ID)).Msg("initiate link")
		}
	}
}

func (s *Session) trackingFactory(f negotiation.TransportFactory) negotiation.TransportFactory {
	return func(remote domain.ParticipantID, ev negotiation.TransportEvents) (negotiation.Transport, error) {
		t, err := f(remote, ev)
		if err != nil {
			return nil, err
		}
		if src, ok := t.(health.StatsSource); ok {
			s.mon.Track(remote, src)
		}
		return t, nil
	}
}

// SendSignal relays a negotiation body through the server.
func (s *Session) SendSignal(to domain.ParticipantID, kind protocol.SignalKind, body []byte) error {
	return s.conn.Send(protocol.Signal{To: to, Kind: kind, Body: body})
}

// Ping sends the liveness ping on the signaling channel.
func (s *Session) Ping(ts int64) error {
	return s.conn.Send(protocol.Ping{Timestamp: ts})
}

// Kick asks the server to remove target. Only the host may.
func (s *Session) Kick(target domain.ParticipantID, reason string) error {
	return s.conn.Send(protocol.KickRequest{TargetID: target, Reason: reason})
}

// Renegotiate asks every link for a fresh offer.
func (s *Session) Renegotiate() {
	s.mu.Lock()
	mgr := s.mgr
	s.mu.Unlock()
	if mgr != nil {
		mgr.RenegotiateAll()
	}
}

func (s *Session) Self() domain.ParticipantID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

func (s *Session) IsHost() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isHost
}

// Members returns the nicknames of the other participants, keyed by id.
func (s *Session) Members() map[domain.ParticipantID]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.ParticipantID]string, len(s.members))
	for id, n := range s.members {
		out[id] = n
	}
	return out
}

// Links returns the remotes with a live link, sorted.
func (s *Session) Links() []domain.ParticipantID {
	s.mu.Lock()
	mgr := s.mgr
	s.mu.Unlock()
	if mgr == nil {
		return nil
	}
	return mgr.ActiveLinks()
}
