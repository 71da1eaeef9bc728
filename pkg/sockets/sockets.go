package sockets

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrClosed = errors.New("closed connection")

type Connection interface {
	Dial(ctx context.Context, url, subprotocol string) error
	Send(msg Msg) error
	io.Closer
}

type Conn struct {
	ws               *websocket.Conn
	sslSkipVerify    bool
	handshakeTimeout time.Duration
	pingIntervalSecs int
	pingMsg          []byte
	onError          func(err error)
	onMessage        func([]byte, Connection)
	onConnected      func(Connection)

	mu     sync.Mutex // serializes writes and close
	closed bool
}

func New(opts ...func(*Conn)) Connection {
	c := &Conn{
		handshakeTimeout: 15 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Msg is the message structure.
type Msg struct {
	Body []byte
}

// Close closes the connection. Safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.close()
}

func (c *Conn) close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.ws == nil {
		return nil
	}
	return c.ws.Close()
}

func (c *Conn) Send(msg Msg) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.ws == nil {
		return ErrClosed
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, msg.Body); err != nil {
		_ = c.close()
		if c.onError != nil {
			go c.onError(err)
		}
		return err
	}
	return nil
}

func (c *Conn) Dial(ctx context.Context, url, subProtocol string) error {
	dialer := &websocket.Dialer{
		HandshakeTimeout: c.handshakeTimeout,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: c.sslSkipVerify,
		},
	}
	var header map[string][]string
	if subProtocol != "" {
		header = map[string][]string{"Sec-WebSocket-Protocol": {subProtocol}}
	}
	conn, res, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return err
	}
	if res != nil && res.Body != nil {
		_ = res.Body.Close()
	}

	c.mu.Lock()
	c.ws = conn
	c.closed = false
	c.mu.Unlock()

	if c.onConnected != nil {
		go c.onConnected(c)
	}
	go c.readLoop(conn)
	c.setupPing()
	return nil
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			wasClosed := c.closed
			_ = c.close()
			c.mu.Unlock()
			if !wasClosed && c.onError != nil {
				c.onError(err)
			}
			return
		}
		if c.onMessage != nil {
			c.onMessage(msg, c)
		}
	}
}

func (c *Conn) setupPing() {
	if c.pingIntervalSecs <= 0 || len(c.pingMsg) == 0 {
		return
	}
	ticker := time.NewTicker(time.Second * time.Duration(c.pingIntervalSecs))
	go func() {
		defer ticker.Stop()
		for {
			<-ticker.C // wait for tick
			if c.Send(Msg{Body: c.pingMsg}) != nil {
				return
			}
		}
	}()
}
