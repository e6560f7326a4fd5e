package negotiation

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/EgorSempai/zlover/internal/domain"
	"github.com/EgorSempai/zlover/internal/protocol"
	"github.com/rs/zerolog/log"
)

var errRemoteFailed = errors.New("link to remote failed")

// Manager owns the active links of one local participant, keyed by remote id.
// A remote whose link failed stays marked until it is removed or a link is
// opened to it explicitly; its late signals are dropped.
type Manager struct {
	mu       sync.Mutex
	links    map[domain.ParticipantID]*Link
	failed   map[domain.ParticipantID]struct{}
	factory  TransportFactory
	signaler Signaler
	cfg      Config
	onState  func(remote domain.ParticipantID, s State)
}

func NewManager(signaler Signaler, factory TransportFactory, cfg Config) *Manager {
	return &Manager{
		links:    make(map[domain.ParticipantID]*Link),
		failed:   make(map[domain.ParticipantID]struct{}),
		factory:  factory,
		signaler: signaler,
		cfg:      cfg,
	}
}

// OnState registers a state observer for links created afterwards. It runs
// under the link lock.
func (m *Manager) OnState(fn func(remote domain.ParticipantID, s State)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

// Initiate creates a link toward remote and sends the first offer.
func (m *Manager) Initiate(remote domain.ParticipantID) (*Link, error) {
	m.forgetFailure(remote)
	l, created, err := m.getOrCreate(remote, true)
	if err != nil {
		return nil, err
	}
	if !created {
		return l, nil
	}
	if err := l.Start(); err != nil {
		m.Remove(remote)
		return nil, err
	}
	return l, nil
}

// Accept creates the answering link for a new room-mate, who will send the
// offer. Candidates that beat the offer queue on it.
func (m *Manager) Accept(remote domain.ParticipantID) (*Link, error) {
	m.forgetFailure(remote)
	l, _, err := m.getOrCreate(remote, false)
	return l, err
}

// HandleSignal routes a relayed body to the link for from. Only an offer
// opens a link; answers and candidates for a remote without one are
// dropped, as is everything from a remote whose link failed.
func (m *Manager) HandleSignal(from domain.ParticipantID, kind protocol.SignalKind, body []byte) error {
	if m.hasFailed(from) {
		log.Debug().Str("module", "negotiation").Str("remote", string(from)).Str("kind", string(kind)).Msg("signal for failed link dropped")
		return nil
	}
	if kind == protocol.SignalOffer {
		l, _, err := m.getOrCreate(from, false)
		if errors.Is(err, errRemoteFailed) {
			return nil
		}
		if err != nil {
			return err
		}
		return l.HandleSignal(kind, body)
	}
	l, ok := m.Link(from)
	if !ok {
		if kind != protocol.SignalAnswer && kind != protocol.SignalCandidate {
			return fmt.Errorf("unknown signal kind %q", kind)
		}
		log.Debug().Str("module", "negotiation").Str("remote", string(from)).Str("kind", string(kind)).Msg("signal for unknown link dropped")
		return nil
	}
	return l.HandleSignal(kind, body)
}

func (m *Manager) getOrCreate(remote domain.ParticipantID, initiator bool) (*Link, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.links[remote]; ok {
		return l, false, nil
	}
	if _, ok := m.failed[remote]; ok {
		return nil, false, errRemoteFailed
	}

	l := newLink(remote, initiator, m.cfg, m.signaler, Hooks{
		OnState:  m.onState,
		OnFailed: m.dropFailed,
	})
	t, err := m.factory(remote, TransportEvents{
		OnState:     l.HandleTransportState,
		OnCandidate: l.sendLocalCandidate,
	})
	if err != nil {
		return nil, false, fmt.Errorf("create transport for %s: %w", remote, err)
	}
	l.attach(t)
	m.links[remote] = l
	log.Info().Str("module", "negotiation").Str("remote", string(remote)).Bool("initiator", initiator).Msg("link created")
	return l, true, nil
}

func (m *Manager) dropFailed(l *Link) {
	m.mu.Lock()
	if m.links[l.remote] == l {
		delete(m.links, l.remote)
		m.failed[l.remote] = struct{}{}
	}
	m.mu.Unlock()
	log.Warn().Str("module", "negotiation").Str("remote", string(l.remote)).Msg("link failed and removed")
}

func (m *Manager) hasFailed(remote domain.ParticipantID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.failed[remote]
	return ok
}

func (m *Manager) forgetFailure(remote domain.ParticipantID) {
	m.mu.Lock()
	delete(m.failed, remote)
	m.mu.Unlock()
}

func (m *Manager) Link(remote domain.ParticipantID) (*Link, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[remote]
	return l, ok
}

// Remove closes and forgets the link to remote, if any.
func (m *Manager) Remove(remote domain.ParticipantID) {
	m.mu.Lock()
	l, ok := m.links[remote]
	delete(m.links, remote)
	delete(m.failed, remote)
	m.mu.Unlock()
	if ok {
		l.Close()
		log.Info().Str("module", "negotiation").Str("remote", string(remote)).Msg("link removed")
	}
}

// RenegotiateAll asks every link for a fresh offer.
func (m *Manager) RenegotiateAll() {
	for _, l := range m.snapshot() {
		if err := l.Renegotiate(); err != nil {
			log.Warn().Err(err).Str("module", "negotiation").Str("remote", string(l.remote)).Msg("renegotiate")
		}
	}
}

// ActiveLinks returns the remote ids of all live links, sorted.
func (m *Manager) ActiveLinks() []domain.ParticipantID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ParticipantID, 0, len(m.links))
	for id := range m.links {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (m *Manager) Close() {
	for _, l := range m.snapshot() {
		m.Remove(l.remote)
	}
}

func (m *Manager) snapshot() []*Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, l)
	}
	return out
}
