package signal

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/EgorSempai/zlover/internal/app/orch"
	"github.com/EgorSempai/zlover/internal/core"
	"github.com/EgorSempai/zlover/internal/domain"
	"github.com/EgorSempai/zlover/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type ConnConfig struct {
	ReadLimit  int64
	PingPeriod time.Duration
	PongWait   time.Duration
	WriteWait  time.Duration
	SendBuffer int
}

func (c ConnConfig) withDefaults() ConnConfig {
	if c.ReadLimit <= 0 {
		c.ReadLimit = 64 * 1024
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	return c
}

type SignalWSController struct {
	Orch *orch.Orchestrator
	cfg  ConnConfig
}

func NewSignalWSController(o *orch.Orchestrator, cfg ConnConfig) *SignalWSController {
	return &SignalWSController{Orch: o, cfg: cfg.withDefaults()}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func newWsSignalConn(ws *websocket.Conn, buffer int) *WsSignalConn {
	return &WsSignalConn{conn: ws, send: make(chan core.Frame, buffer)}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal admits, upgrades and starts the pumps of one connection.
// A source over its rate limit gets a 429 before anything touches room state.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	source := c.ClientIP()
	if adm := ctl.Orch.Admit(source); !adm.Allowed {
		rejectRateLimited(c, adm.RetryAfter)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("source", source).Msg("ws upgrade")
		return
	}

	conn := newWsSignalConn(ws, ctl.cfg.SendBuffer)
	ctx, cancel := context.WithCancel(ctx)
	pid := ctl.Orch.Connect(conn, source, cancel)
	log.Info().Str("module", "signal").Str("pid", string(pid)).Str("source", source).Msg("new WS connection")

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, pid, conn)
}

func rejectRateLimited(c *gin.Context, retryAfter time.Duration) {
	de := domain.NewRateLimitedError(retryAfter)
	secs := de.Details.(domain.RateLimitedDetails).RetryAfterSeconds
	c.Header("Retry-After", strconv.Itoa(secs))
	frame, err := protocol.Encode(protocol.NewError(de))
	if err != nil {
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}
	c.Data(http.StatusTooManyRequests, "application/json", frame)
	c.Abort()
}
