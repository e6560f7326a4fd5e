// Package wsclient is the participant side of the signaling WebSocket.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/EgorSempai/zlover/internal/domain"
	"github.com/EgorSempai/zlover/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("signaling client closed")

type Config struct {
	ReadLimit  int64
	PingPeriod time.Duration
	PongWait   time.Duration
	WriteWait  time.Duration
	SendBuffer int
}

func (c Config) withDefaults() Config {
	if c.ReadLimit <= 0 {
		c.ReadLimit = 64 * 1024
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = (c.PongWait * 9) / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 32
	}
	return c
}

// Client manages the WebSocket connection to the signaling server.
type Client struct {
	conn     *websocket.Conn
	cfg      Config
	incoming chan protocol.ServerMessage
	outgoing chan []byte
	done     chan struct{}
	once     sync.Once
}

// Dial connects to serverURL. A rate-limited upgrade comes back as a
// RateLimited domain error carrying the server's retry-after.
func Dial(ctx context.Context, serverURL string, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	dialer := websocket.Dialer{HandshakeTimeout: cfg.WriteWait}
	conn, resp, err := dialer.DialContext(ctx, serverURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			secs, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
			return nil, domain.NewRateLimitedError(time.Duration(secs) * time.Second)
		}
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	c := &Client{
		conn:     conn,
		cfg:      cfg,
		incoming: make(chan protocol.ServerMessage, cfg.SendBuffer),
		outgoing: make(chan []byte, cfg.SendBuffer),
		done:     make(chan struct{}),
	}
	c.conn.SetReadLimit(cfg.ReadLimit)
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	go c.readPump()
	go c.writePump()
	return c, nil
}

func (c *Client) readPump() {
	defer func() {
		c.Close()
		close(c.incoming)
	}()
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "wsclient").Msg("read")
			}
			return
		}
		m, err := protocol.DecodeServer(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "wsclient").Msg("skip undecodable frame")
			continue
		}
		select {
		case c.incoming <- m:
		case <-c.done:
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.outgoing:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Send queues m for the server. It blocks while the queue is full.
func (c *Client) Send(m protocol.ClientMessage) error {
	frame, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.outgoing <- frame:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Incoming yields decoded server messages and is closed when the
// connection ends.
func (c *Client) Incoming() <-chan protocol.ServerMessage {
	return c.incoming
}

// Close ends the connection with a normal close frame. Safe to call more
// than once.
func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
}
