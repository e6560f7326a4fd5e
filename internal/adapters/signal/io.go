package signal

import (
	"context"
	"errors"
	"time"

	"github.com/EgorSempai/zlover/internal/domain"
	"github.com/EgorSempai/zlover/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(ctl.cfg.WriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.cfg.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(ctl.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		}
	}
}

// readPump owns the connection's exit: whatever ends it, the participant
// goes through Disconnect exactly once.
func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, pid domain.ParticipantID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("pid", string(pid)).Msg("readPump closing")
		cancel()
		ctl.Orch.Disconnect(pid)
		c.Close()
	}()

	c.conn.SetReadLimit(ctl.cfg.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.cfg.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "signal").Str("pid", string(pid)).Msg("readPump read error")
			}
			return
		}
		ctl.handleFrame(pid, data)
	}
}

func (ctl *SignalWSController) handleFrame(pid domain.ParticipantID, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "signal").Str("pid", string(pid)).Interface("panic", r).Msg("handler panic")
			ctl.Orch.Fail(pid, domain.NewInternalError())
		}
	}()

	msg, err := protocol.DecodeClient(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("pid", string(pid)).Msg("bad frame")
		rule := "type:unknown"
		if errors.Is(err, protocol.ErrBadFrame) {
			rule = "payload:malformed"
		}
		ctl.Orch.Fail(pid, domain.NewValidationError([]string{rule}))
		return
	}

	switch m := msg.(type) {
	case *protocol.JoinRequest:
		ctl.handleJoin(pid, m)
	case *protocol.LeaveRequest:
		ctl.handleLeave(pid)
	case *protocol.KickRequest:
		ctl.handleKick(pid, m)
	case *protocol.Signal:
		ctl.handleRelay(pid, m)
	case *protocol.Ping:
		ctl.handlePing(pid, m)
	default:
		log.Warn().Str("module", "signal").Str("type", string(msg.MessageType())).Msg("unhandled message")
	}
}
