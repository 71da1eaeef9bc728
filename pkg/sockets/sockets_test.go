package sockets

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEchoServer(t *testing.T) string {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			mt, msg, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConn_SendAndReceive(t *testing.T) {
	received := make(chan []byte, 1)
	conn := New(OnMessage(func(msg []byte, _ Connection) {
		received <- msg
	}))
	require.NoError(t, conn.Dial(context.Background(), newEchoServer(t), ""))
	defer conn.Close()

	require.NoError(t, conn.Send(Msg{Body: []byte("hello")}))

	select {
	case msg := <-received:
		assert.Equal(t, "hello", string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echo")
	}
}

func TestConn_OnConnectedFires(t *testing.T) {
	connected := make(chan struct{}, 1)
	conn := New(OnConnected(func(Connection) {
		connected <- struct{}{}
	}))
	require.NoError(t, conn.Dial(context.Background(), newEchoServer(t), ""))
	defer conn.Close()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connect callback")
	}
}

func TestConn_SendAfterClose(t *testing.T) {
	conn := New()
	require.NoError(t, conn.Dial(context.Background(), newEchoServer(t), ""))
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close(), "close is idempotent")

	assert.ErrorIs(t, conn.Send(Msg{Body: []byte("late")}), ErrClosed)
}

func TestConn_PingLoop(t *testing.T) {
	received := make(chan []byte, 4)
	conn := New(
		WithPingIntervalSec(1),
		WithPingMsg([]byte("ping")),
		OnMessage(func(msg []byte, _ Connection) {
			received <- msg
		}),
	)
	require.NoError(t, conn.Dial(context.Background(), newEchoServer(t), ""))
	defer conn.Close()

	select {
	case msg := <-received:
		assert.Equal(t, "ping", string(msg))
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for ping echo")
	}
}

func TestConn_DialFailure(t *testing.T) {
	conn := New(WithHandshakeTimeout(time.Second))
	err := conn.Dial(context.Background(), "ws://127.0.0.1:1/ws", "")
	assert.Error(t, err)
}
