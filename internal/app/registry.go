package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/EgorSempai/zlover/internal/core"
	"github.com/EgorSempai/zlover/internal/domain"
	"github.com/EgorSempai/zlover/internal/protocol"
	"github.com/rs/zerolog/log"
)

var ErrUnknownParticipant = errors.New("unknown participant")

type connEntry struct {
	Conn   core.SignalConnection
	Source string
	Cancel context.CancelFunc
}

// Registry maps live connections to participant ids. It knows nothing about
// rooms; membership lives in the Directory.
type Registry struct {
	mu     sync.RWMutex
	conns  map[domain.ParticipantID]*connEntry
	policy Policy
	// OnDrop is called for every message lost to backpressure.
	OnDrop func(pid domain.ParticipantID, t protocol.Type)
}

func NewRegistry(policy Policy) *Registry {
	if policy == nil {
		policy = SimplePolicy{}
	}
	return &Registry{
		conns:  make(map[domain.ParticipantID]*connEntry),
		policy: policy,
	}
}

// Bind issues a fresh participant id for conn. cancel must stop the
// connection's pumps; it is how the server disconnects a participant.
func (r *Registry) Bind(conn core.SignalConnection, source string, cancel context.CancelFunc) domain.ParticipantID {
	pid := domain.NewParticipantID()
	r.mu.Lock()
	r.conns[pid] = &connEntry{Conn: conn, Source: source, Cancel: cancel}
	r.mu.Unlock()
	log.Info().Str("module", "app.registry").Str("pid", string(pid)).Str("source", source).Msg("bound connection")
	return pid
}

func (r *Registry) Unbind(pid domain.ParticipantID) {
	r.mu.Lock()
	delete(r.conns, pid)
	r.mu.Unlock()
	log.Info().Str("module", "app.registry").Str("pid", string(pid)).Msg("unbound connection")
}

func (r *Registry) Source(pid domain.ParticipantID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[pid]
	if !ok {
		return "", false
	}
	return e.Source, true
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Deliver encodes m and queues it on pid's connection without blocking.
func (r *Registry) Deliver(pid domain.ParticipantID, m protocol.ServerMessage) error {
	frame, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	return r.send(pid, m.MessageType(), frame)
}

// Broadcast sends m to every pid except skip. Failures are handled by the
// policy and do not stop the fan-out.
func (r *Registry) Broadcast(pids []domain.ParticipantID, skip domain.ParticipantID, m protocol.ServerMessage) {
	frame, err := protocol.Encode(m)
	if err != nil {
		log.Error().Err(err).Str("module", "app.registry").Msg("encode broadcast")
		return
	}
	for _, pid := range pids {
		if pid == skip {
			continue
		}
		_ = r.send(pid, m.MessageType(), frame)
	}
}

func (r *Registry) send(pid domain.ParticipantID, t protocol.Type, frame core.Frame) error {
	r.mu.RLock()
	e, ok := r.conns[pid]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, pid)
	}

	err := e.Conn.TrySend(frame)
	if !errors.Is(err, core.ErrBackpressure) {
		return err
	}
	if r.OnDrop != nil {
		r.OnDrop(pid, t)
	}
	switch r.policy.OnBackPressure(pid, t) {
	case DisconnectParticipant:
		log.Warn().Str("module", "app.registry").Str("pid", string(pid)).Str("type", string(t)).Msg("send buffer full, disconnecting")
		r.Disconnect(pid)
	case DropMessage:
		log.Debug().Str("module", "app.registry").Str("pid", string(pid)).Str("type", string(t)).Msg("send buffer full, dropped")
	}
	return err
}

// Disconnect cancels pid's connection. The adapter then runs the regular
// disconnect path from its own goroutine, so this is safe under room locks.
func (r *Registry) Disconnect(pid domain.ParticipantID) bool {
	r.mu.RLock()
	e, ok := r.conns[pid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("pid", string(pid)).Msg("canceled connection")
	return true
}

// DisconnectAll cancels every connection. Used on shutdown.
func (r *Registry) DisconnectAll() {
	r.mu.RLock()
	entries := make([]*connEntry, 0, len(r.conns))
	for _, e := range r.conns {
		entries = append(entries, e)
	}
	r.mu.RUnlock()
	for _, e := range entries {
		if e.Cancel != nil {
			e.Cancel()
		}
	}
}
