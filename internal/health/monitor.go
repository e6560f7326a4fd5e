// Package health samples per-link transport quality and runs a liveness
// ping against the signaling server. It only observes: tearing links down
// is left to the negotiation engine.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/EgorSempai/zlover/internal/domain"
	"github.com/rs/zerolog/log"
)

// Sample is one quality reading for a link, covering the time since the
// previous reading.
type Sample struct {
	At          time.Time
	BitrateBps  float64
	PacketsLost int64
	LossRatio   float64
	RTT         time.Duration
}

type StatsSource interface {
	Sample() (Sample, error)
}

// Pinger sends an application-level ping carrying ts.
type Pinger interface {
	Ping(ts int64) error
}

type Config struct {
	StatsInterval time.Duration
	PingInterval  time.Duration
	PongTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.StatsInterval <= 0 {
		c.StatsInterval = 2 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 10 * time.Second
	}
	return c
}

type Monitor struct {
	mu      sync.Mutex
	cfg     Config
	pinger  Pinger
	sources map[domain.ParticipantID]StatsSource
	latest  map[domain.ParticipantID]Sample

	outstanding int64
	sentAt      time.Time
	latency     time.Duration
	silent      bool

	now func() time.Time

	// OnSample runs on the monitor goroutine after every successful reading.
	OnSample func(remote domain.ParticipantID, s Sample)
	// OnLivenessLost runs once per outage when a pong is overdue.
	OnLivenessLost func(overdue time.Duration)
}

func NewMonitor(pinger Pinger, cfg Config) *Monitor {
	return &Monitor{
		cfg:     cfg.withDefaults(),
		pinger:  pinger,
		sources: make(map[domain.ParticipantID]StatsSource),
		latest:  make(map[domain.ParticipantID]Sample),
		now:     time.Now,
	}
}

func (m *Monitor) Track(remote domain.ParticipantID, src StatsSource) {
	m.mu.Lock()
	m.sources[remote] = src
	m.mu.Unlock()
}

func (m *Monitor) Untrack(remote domain.ParticipantID) {
	m.mu.Lock()
	delete(m.sources, remote)
	delete(m.latest, remote)
	m.mu.Unlock()
}

func (m *Monitor) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sources)
}

// Latest returns the most recent sample for remote.
func (m *Monitor) Latest(remote domain.ParticipantID) (Sample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.latest[remote]
	return s, ok
}

// Latency is the round trip of the last answered ping.
func (m *Monitor) Latency() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latency
}

// HandlePong matches a pong against the outstanding ping. Stale pongs are
// ignored.
func (m *Monitor) HandlePong(ts int64) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outstanding == 0 || ts != m.outstanding {
		return 0, false
	}
	m.outstanding = 0
	m.latency = m.now().Sub(m.sentAt)
	if m.silent {
		m.silent = false
		log.Info().Str("module", "health").Dur("latency", m.latency).Msg("signaling liveness restored")
	}
	return m.latency, true
}

func (m *Monitor) Run(ctx context.Context) error {
	stats := time.NewTicker(m.cfg.StatsInterval)
	defer stats.Stop()
	ping := time.NewTicker(m.cfg.PingInterval)
	defer ping.Stop()
	pong := time.NewTimer(m.cfg.PongTimeout)
	pong.Stop()
	defer pong.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stats.C:
			m.sampleAll()
		case <-ping.C:
			if err := m.sendPing(); err != nil {
				log.Warn().Err(err).Str("module", "health").Msg("ping")
				continue
			}
			pong.Reset(m.cfg.PongTimeout)
		case <-pong.C:
			m.checkPong()
		}
	}
}

func (m *Monitor) sendPing() error {
	m.mu.Lock()
	now := m.now()
	ts := now.UnixMilli()
	if ts <= m.outstanding {
		ts = m.outstanding + 1
	}
	// An unanswered ping keeps its send time so the outage is measured from
	// the first silence.
	if m.outstanding == 0 {
		m.sentAt = now
	}
	m.outstanding = ts
	m.mu.Unlock()
	return m.pinger.Ping(ts)
}

func (m *Monitor) checkPong() {
	m.mu.Lock()
	if m.outstanding == 0 || m.silent {
		m.mu.Unlock()
		return
	}
	m.silent = true
	overdue := m.now().Sub(m.sentAt)
	m.mu.Unlock()

	log.Warn().Str("module", "health").Dur("overdue", overdue).Msg("signaling pong overdue")
	if m.OnLivenessLost != nil {
		m.OnLivenessLost(overdue)
	}
}

func (m *Monitor) sampleAll() {
	m.mu.Lock()
	srcs := make(map[domain.ParticipantID]StatsSource, len(m.sources))
	for id, s := range m.sources {
		srcs[id] = s
	}
	m.mu.Unlock()

	for id, src := range srcs {
		s, err := src.Sample()
		if err != nil {
			log.Warn().Err(err).Str("module", "health").Str("remote", string(id)).Msg("sample stats")
			continue
		}
		m.mu.Lock()
		_, tracked := m.sources[id]
		if tracked {
			m.latest[id] = s
		}
		m.mu.Unlock()
		if !tracked {
			continue
		}
		log.Debug().
			Str("module", "health").
			Str("remote", string(id)).
			Float64("bitrate_bps", s.BitrateBps).
			Int64("packets_lost", s.PacketsLost).
			Float64("loss_ratio", s.LossRatio).
			Dur("rtt", s.RTT).
			Msg("link quality")
		if m.OnSample != nil {
			m.OnSample(id, s)
		}
	}
}
