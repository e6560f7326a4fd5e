package rtc

import (
	"fmt"
	"sync"
	"time"

	"github.com/EgorSempai/zlover/internal/domain"
	"github.com/EgorSempai/zlover/internal/health"
	"github.com/EgorSempai/zlover/internal/negotiation"
	"github.com/EgorSempai/zlover/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const dataChannelLabel = "zlover"

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

// ConfigFromRelays builds a pion configuration from the relay servers
// handed out at join time. An empty list falls back to the default STUN.
func ConfigFromRelays(relays []protocol.RelayServer) webrtc.Configuration {
	if len(relays) == 0 {
		return DefaultWebRTCConfig()
	}
	servers := make([]webrtc.ICEServer, 0, len(relays))
	for _, r := range relays {
		s := webrtc.ICEServer{URLs: r.URLs, Username: r.Username}
		if r.Credential != "" {
			s.Credential = r.Credential
			s.CredentialType = webrtc.ICECredentialTypePassword
		}
		servers = append(servers, s)
	}
	return webrtc.Configuration{ICEServers: servers}
}

type totals struct {
	at       time.Time
	bytes    uint64
	lost     int64
	received int64
}

// Connection wraps one pion PeerConnection toward a remote participant. It
// is the negotiation transport and the health stats source of that link.
type Connection struct {
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	remote domain.ParticipantID
	log    zerolog.Logger

	mu   sync.Mutex
	prev totals

	onMessage func(remote domain.ParticipantID, msg []byte)
}

var (
	_ negotiation.Transport = (*Connection)(nil)
	_ health.StatsSource    = (*Connection)(nil)
)

// NewConnection creates the PeerConnection with a pre-negotiated data
// channel, so both sides open it without an extra exchange.
func NewConnection(cfg webrtc.Configuration, remote domain.ParticipantID, ev negotiation.TransportEvents) (*Connection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	c := &Connection{
		pc:     pc,
		remote: remote,
		log:    log.With().Str("module", "webrtc").Str("remote", string(remote)).Logger(),
	}

	negotiated := true
	var id uint16
	dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Negotiated: &negotiated, ID: &id})
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	c.dc = dc
	dc.OnOpen(func() {
		c.log.Info().Msg("data channel open")
	})
	dc.OnMessage(func(m webrtc.DataChannelMessage) {
		c.mu.Lock()
		fn := c.onMessage
		c.mu.Unlock()
		if fn != nil {
			fn(c.remote, m.Data)
		}
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.log.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.log.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		if ev.OnState != nil {
			ev.OnState(s)
		}
	})
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && ev.OnCandidate != nil {
			ev.OnCandidate(cand.ToJSON())
		}
	})
	return c, nil
}

// OnMessage sets the callback for data channel messages.
func (c *Connection) OnMessage(fn func(remote domain.ParticipantID, msg []byte)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

// SendText writes to the data channel once it is open.
func (c *Connection) SendText(s string) error {
	if c.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("data channel %s", c.dc.ReadyState())
	}
	return c.dc.SendText(s)
}

func (c *Connection) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (c *Connection) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (c *Connection) SetRemoteDescription(sd webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(sd)
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *Connection) Rollback() error {
	return c.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

func (c *Connection) Close() error {
	if err := c.pc.Close(); err != nil {
		c.log.Error().Err(err).Msg("close error")
		return err
	}
	c.log.Info().Msg("closed")
	return nil
}

// Sample reads the transport counters and reports rates since the previous
// call. The first call only establishes the baseline.
func (c *Connection) Sample() (health.Sample, error) {
	report := c.pc.GetStats()
	now := time.Now()
	cur := totals{at: now}
	var rtt time.Duration
	for _, s := range report {
		switch st := s.(type) {
		case webrtc.TransportStats:
			cur.bytes += st.BytesSent + st.BytesReceived
		case webrtc.ICECandidatePairStats:
			if st.Nominated && st.CurrentRoundTripTime > 0 {
				rtt = time.Duration(st.CurrentRoundTripTime * float64(time.Second))
			}
		case webrtc.InboundRTPStreamStats:
			cur.lost += int64(st.PacketsLost)
			cur.received += int64(st.PacketsReceived)
		}
	}

	c.mu.Lock()
	prev := c.prev
	c.prev = cur
	c.mu.Unlock()

	out := health.Sample{At: now, RTT: rtt}
	if prev.at.IsZero() {
		return out, nil
	}
	if elapsed := now.Sub(prev.at).Seconds(); elapsed > 0 && cur.bytes >= prev.bytes {
		out.BitrateBps = float64(cur.bytes-prev.bytes) * 8 / elapsed
	}
	out.PacketsLost = max(cur.lost-prev.lost, 0)
	if total := out.PacketsLost + max(cur.received-prev.received, 0); total > 0 {
		out.LossRatio = float64(out.PacketsLost) / float64(total)
	}
	return out, nil
}
