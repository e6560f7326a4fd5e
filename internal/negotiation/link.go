package negotiation

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/EgorSempai/zlover/internal/domain"
	"github.com/EgorSempai/zlover/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrLinkClosed = errors.New("link closed")

type Config struct {
	// GracePeriod is how long a disconnected transport may self-heal before
	// a restart is attempted.
	GracePeriod time.Duration
	// RestartTimeout bounds the single restart attempt.
	RestartTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.GracePeriod <= 0 {
		c.GracePeriod = 12 * time.Second
	}
	if c.RestartTimeout <= 0 {
		c.RestartTimeout = 30 * time.Second
	}
	return c
}

type Hooks struct {
	// OnState runs under the link lock and must not call back into the link.
	OnState func(remote domain.ParticipantID, s State)
	// OnFailed runs once the restart was exhausted, outside the link lock.
	OnFailed func(l *Link)
}

// Link is the negotiation state with one remote participant. All steps run
// under one mutex, so no two steps of the same link overlap. Timers carry a
// generation and are ignored once the state that armed them is gone.
type Link struct {
	mu        sync.Mutex
	remote    domain.ParticipantID
	initiator bool
	cfg       Config
	signaler  Signaler
	transport Transport
	hooks     Hooks
	log       zerolog.Logger

	state State
	// remoteSet is false until a remote description for the current
	// session is applied; candidates queue until then.
	remoteSet   bool
	pending     []webrtc.ICECandidateInit
	renegotiate bool
	restarting  bool
	// restartOffer is an ICE-restart offer held back by an exchange in
	// flight.
	restartOffer bool
	transportUp  bool

	grace      *time.Timer
	graceGen   uint64
	restart    *time.Timer
	restartGen uint64
}

func newLink(remote domain.ParticipantID, initiator bool, cfg Config, signaler Signaler, hooks Hooks) *Link {
	return &Link{
		remote:    remote,
		initiator: initiator,
		cfg:       cfg.withDefaults(),
		signaler:  signaler,
		hooks:     hooks,
		log: log.With().
			Str("module", "negotiation").
			Str("remote", string(remote)).
			Bool("initiator", initiator).
			Logger(),
	}
}

func (l *Link) attach(t Transport) {
	l.mu.Lock()
	l.transport = t
	l.mu.Unlock()
}

func (l *Link) Remote() domain.ParticipantID { return l.remote }

func (l *Link) Initiator() bool { return l.initiator }

func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) PendingCandidates() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Start sends the initial offer. Only the initiator calls it.
func (l *Link) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateNew {
		return nil
	}
	return l.offerLocked(false)
}

// Renegotiate sends a fresh offer, for example after a local track change.
// While an exchange or a restart is in flight the request is deferred and
// retried when it completes.
func (l *Link) Renegotiate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.state.Terminal():
		return ErrLinkClosed
	case l.state.exchanging(), l.restarting, l.state == StateNew && !l.initiator:
		l.renegotiate = true
		l.log.Debug().Str("state", l.state.String()).Msg("renegotiation deferred")
		return nil
	}
	return l.offerLocked(false)
}

// HandleSignal decodes a relayed body and applies it.
func (l *Link) HandleSignal(kind protocol.SignalKind, body []byte) error {
	switch kind {
	case protocol.SignalOffer, protocol.SignalAnswer:
		var sd webrtc.SessionDescription
		if err := json.Unmarshal(body, &sd); err != nil {
			return fmt.Errorf("decode %s: %w", kind, err)
		}
		if kind == protocol.SignalOffer {
			return l.HandleOffer(sd)
		}
		return l.HandleAnswer(sd)
	case protocol.SignalCandidate:
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(body, &c); err != nil {
			return fmt.Errorf("decode candidate: %w", err)
		}
		return l.HandleCandidate(c)
	}
	return fmt.Errorf("unknown signal kind %q", kind)
}

func (l *Link) HandleOffer(offer webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Terminal() {
		return nil
	}

	prev := l.state
	if l.state == StateOffering || l.state == StateAwaitingAnswer {
		if l.initiator {
			l.log.Info().Msg("glare: ignoring remote offer")
			return nil
		}
		// Only renegotiation offers come from this side, so the link was
		// connected before.
		if err := l.transport.Rollback(); err != nil {
			return fmt.Errorf("rollback local offer: %w", err)
		}
		l.log.Info().Msg("glare: rolled back local offer")
		l.renegotiate = true
		prev = StateConnected
	}

	l.setStateLocked(StateAnswering)
	if err := l.transport.SetRemoteDescription(offer); err != nil {
		l.setStateLocked(prev)
		return fmt.Errorf("apply offer: %w", err)
	}
	l.remoteSet = true
	l.flushLocked()

	answer, err := l.transport.CreateAnswer()
	if err != nil {
		l.setStateLocked(prev)
		return fmt.Errorf("create answer: %w", err)
	}
	if err := l.send(protocol.SignalAnswer, answer); err != nil {
		l.setStateLocked(prev)
		return err
	}
	l.setStateLocked(StateConnected)
	l.afterExchangeLocked()
	return nil
}

func (l *Link) HandleAnswer(answer webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateAwaitingAnswer {
		l.log.Debug().Str("state", l.state.String()).Msg("ignoring stale answer")
		return nil
	}
	if err := l.transport.SetRemoteDescription(answer); err != nil {
		if rerr := l.transport.Rollback(); rerr != nil {
			l.log.Warn().Err(rerr).Msg("rollback after bad answer")
		}
		l.setStateLocked(l.settledLocked())
		l.resumeRestartLocked()
		return fmt.Errorf("apply answer: %w", err)
	}
	l.remoteSet = true
	l.flushLocked()
	l.setStateLocked(StateConnected)
	l.afterExchangeLocked()
	return nil
}

// HandleCandidate applies a remote candidate, or queues it while no remote
// description is set. A candidate that fails to apply is skipped.
func (l *Link) HandleCandidate(c webrtc.ICECandidateInit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Terminal() {
		return nil
	}
	if !l.remoteSet {
		l.pending = append(l.pending, c)
		return nil
	}
	if err := l.transport.AddICECandidate(c); err != nil {
		l.log.Warn().Err(err).Str("candidate", c.Candidate).Msg("add candidate")
	}
	return nil
}

// HandleTransportState feeds the failure detector.
func (l *Link) HandleTransportState(s webrtc.PeerConnectionState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Terminal() || l.transport == nil {
		return
	}
	l.log.Debug().Str("transport", s.String()).Str("state", l.state.String()).Msg("transport state")

	switch s {
	case webrtc.PeerConnectionStateConnected:
		l.transportUp = true
		l.stopGraceLocked()
		l.stopRestartLocked()
		if l.restarting {
			l.log.Info().Msg("restart succeeded")
			l.restarting = false
			l.restartOffer = false
		}
		if l.state == StateDisconnected {
			l.setStateLocked(StateConnected)
		}
		if l.renegotiate && !l.state.exchanging() {
			l.renegotiate = false
			if err := l.offerLocked(false); err != nil {
				l.log.Warn().Err(err).Msg("deferred renegotiation")
			}
		}
	case webrtc.PeerConnectionStateDisconnected:
		l.transportUp = false
		if l.restarting {
			return
		}
		if l.state == StateConnected {
			l.setStateLocked(StateDisconnected)
		}
		l.armGraceLocked()
	case webrtc.PeerConnectionStateFailed:
		l.transportUp = false
		l.stopGraceLocked()
		l.startRestartLocked()
	}
}

// Close tears the link down. Anything arriving afterwards is ignored.
func (l *Link) Close() {
	l.mu.Lock()
	if l.state.Terminal() {
		l.mu.Unlock()
		return
	}
	t := l.teardownLocked(StateClosed)
	l.mu.Unlock()
	l.closeTransport(t)
}

// sendLocalCandidate forwards a candidate gathered by the transport.
func (l *Link) sendLocalCandidate(c webrtc.ICECandidateInit) {
	l.mu.Lock()
	closed := l.state.Terminal()
	l.mu.Unlock()
	if closed {
		return
	}
	if err := l.send(protocol.SignalCandidate, c); err != nil {
		l.log.Warn().Err(err).Msg("send candidate")
	}
}

func (l *Link) offerLocked(iceRestart bool) error {
	prev := l.state
	l.setStateLocked(StateOffering)
	offer, err := l.transport.CreateOffer(iceRestart)
	if err != nil {
		l.setStateLocked(prev)
		return fmt.Errorf("create offer: %w", err)
	}
	if iceRestart {
		// Candidates for the new session must wait for its answer.
		l.remoteSet = false
	}
	if err := l.send(protocol.SignalOffer, offer); err != nil {
		if rerr := l.transport.Rollback(); rerr != nil {
			l.log.Warn().Err(rerr).Msg("rollback unsent offer")
		}
		l.setStateLocked(prev)
		return err
	}
	l.setStateLocked(StateAwaitingAnswer)
	return nil
}

func (l *Link) afterExchangeLocked() {
	if l.resumeRestartLocked() {
		return
	}
	if !l.renegotiate || l.restarting {
		return
	}
	l.renegotiate = false
	if err := l.offerLocked(false); err != nil {
		l.log.Warn().Err(err).Msg("deferred renegotiation")
	}
}

// resumeRestartLocked sends a held-back restart offer and reports whether
// it did.
func (l *Link) resumeRestartLocked() bool {
	if !l.restartOffer || l.state.exchanging() {
		return false
	}
	l.restartOffer = false
	if err := l.offerLocked(true); err != nil {
		l.log.Warn().Err(err).Msg("restart offer")
	}
	return true
}

// settledLocked is the state to fall back to when an exchange is abandoned.
func (l *Link) settledLocked() State {
	switch {
	case l.transportUp:
		return StateConnected
	case l.restarting:
		return StateDisconnected
	case l.remoteSet:
		return StateConnected
	}
	return StateNew
}

func (l *Link) flushLocked() {
	queued := l.pending
	l.pending = nil
	for i, c := range queued {
		if err := l.transport.AddICECandidate(c); err != nil {
			l.log.Warn().Err(err).Int("index", i).Str("candidate", c.Candidate).Msg("skip queued candidate")
		}
	}
	if len(queued) > 0 {
		l.log.Debug().Int("count", len(queued)).Msg("flushed queued candidates")
	}
}

func (l *Link) startRestartLocked() {
	if l.restarting {
		return
	}
	l.restarting = true
	if l.state == StateConnected {
		l.setStateLocked(StateDisconnected)
	}
	gen := l.restartGen + 1
	l.restartGen = gen
	l.restart = time.AfterFunc(l.cfg.RestartTimeout, func() { l.onRestartExpired(gen) })
	l.log.Info().Dur("timeout", l.cfg.RestartTimeout).Msg("restarting connection")

	if !l.initiator {
		return
	}
	if l.state.exchanging() {
		l.restartOffer = true
		l.log.Debug().Str("state", l.state.String()).Msg("restart offer deferred")
		return
	}
	if err := l.offerLocked(true); err != nil {
		l.log.Warn().Err(err).Msg("restart offer")
	}
}

func (l *Link) armGraceLocked() {
	if l.grace != nil {
		return
	}
	gen := l.graceGen + 1
	l.graceGen = gen
	l.grace = time.AfterFunc(l.cfg.GracePeriod, func() { l.onGraceExpired(gen) })
}

func (l *Link) stopGraceLocked() {
	if l.grace != nil {
		l.grace.Stop()
		l.grace = nil
	}
	l.graceGen++
}

func (l *Link) stopRestartLocked() {
	if l.restart != nil {
		l.restart.Stop()
		l.restart = nil
	}
	l.restartGen++
}

func (l *Link) onGraceExpired(gen uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.graceGen || l.state.Terminal() {
		return
	}
	l.grace = nil
	if l.transportUp {
		return
	}
	l.log.Info().Dur("grace", l.cfg.GracePeriod).Msg("still disconnected after grace period")
	l.startRestartLocked()
}

func (l *Link) onRestartExpired(gen uint64) {
	l.mu.Lock()
	if gen != l.restartGen || l.state.Terminal() || l.transportUp {
		l.mu.Unlock()
		return
	}
	l.restart = nil
	l.log.Warn().Msg("restart timed out, giving up")
	t := l.teardownLocked(StateFailed)
	l.mu.Unlock()

	l.closeTransport(t)
	if l.hooks.OnFailed != nil {
		l.hooks.OnFailed(l)
	}
}

func (l *Link) teardownLocked(final State) Transport {
	l.stopGraceLocked()
	l.stopRestartLocked()
	l.pending = nil
	l.renegotiate = false
	l.restarting = false
	l.restartOffer = false
	l.setStateLocked(final)
	t := l.transport
	l.transport = nil
	return t
}

func (l *Link) closeTransport(t Transport) {
	if t == nil {
		return
	}
	if err := t.Close(); err != nil {
		l.log.Warn().Err(err).Msg("close transport")
	}
}

func (l *Link) setStateLocked(s State) {
	if s == l.state {
		return
	}
	l.log.Debug().Str("from", l.state.String()).Str("to", s.String()).Msg("state")
	l.state = s
	if l.hooks.OnState != nil {
		l.hooks.OnState(l.remote, s)
	}
}

func (l *Link) send(kind protocol.SignalKind, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	if err := l.signaler.SendSignal(l.remote, kind, body); err != nil {
		return fmt.Errorf("send %s: %w", kind, err)
	}
	return nil
}
