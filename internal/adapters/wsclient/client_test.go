package wsclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/EgorSempai/zlover/internal/domain"
	"github.com/EgorSempai/zlover/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer answers join-request with join-accepted and ping with pong.
func echoServer(t *testing.T) string {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			m, err := protocol.DecodeClient(data)
			if err != nil {
				_ = ws.WriteMessage(websocket.TextMessage, []byte("not json"))
				continue
			}
			var out protocol.ServerMessage
			switch msg := m.(type) {
			case *protocol.JoinRequest:
				out = protocol.JoinAccepted{SelfID: "p1", IsHost: true, Room: protocol.RoomMeta{ID: domain.RoomID(msg.RoomID)}}
			case *protocol.Ping:
				out = protocol.Pong{Timestamp: msg.Timestamp}
			default:
				continue
			}
			frame, _ := protocol.Encode(out)
			_ = ws.WriteMessage(websocket.TextMessage, frame)
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func next(t *testing.T, c *Client) protocol.ServerMessage {
	t.Helper()
	select {
	case m, ok := <-c.Incoming():
		require.True(t, ok, "incoming closed")
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
		return nil
	}
}

func TestRoundTrip(t *testing.T) {
	c, err := Dial(context.Background(), echoServer(t), Config{})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Send(protocol.JoinRequest{RoomID: "r1", Nickname: "alice"}))
	acc, ok := next(t, c).(*protocol.JoinAccepted)
	require.True(t, ok)
	assert.Equal(t, domain.RoomID("r1"), acc.Room.ID)
	assert.True(t, acc.IsHost)

	require.NoError(t, c.Send(protocol.Ping{Timestamp: 42}))
	pong, ok := next(t, c).(*protocol.Pong)
	require.True(t, ok, "undecodable frames are skipped")
	assert.Equal(t, int64(42), pong.Timestamp)
}

func TestCloseEndsIncoming(t *testing.T) {
	c, err := Dial(context.Background(), echoServer(t), Config{})
	require.NoError(t, err)

	c.Close()
	c.Close()
	assert.ErrorIs(t, c.Send(protocol.Ping{}), ErrClosed)

	select {
	case _, ok := <-c.Incoming():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("incoming not closed")
	}
}

func TestRateLimitedDial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), Config{})
	require.Error(t, err)
	assert.Equal(t, domain.KindRateLimited, domain.KindOf(err))
}
