package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/anicoll/moen-integration/internal/pkg/config"
	"github.com/anicoll/moen-integration/internal/pkg/model"
	"github.com/anicoll/moen-integration/pkg/sockets"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// ErrNotConnected is returned by Publish while the channel is down or the
// device subscription has not been confirmed yet.
var ErrNotConnected = errors.New("realtime channel not connected")

const pingInterval = 30 // seconds

type channelAuthorizer interface {
	ChannelAuth(ctx context.Context, socketID, channel string) (string, error)
}

type stateStore interface {
	Apply(deviceID string, upd model.StateUpdate, source model.Source, at time.Time)
}

type catalog interface {
	Devices() []model.Device
	DeviceByChannel(channel string) (model.Device, bool)
}

type Channel struct {
	cfg     *config.ChannelConfig
	authz   channelAuthorizer
	store   stateStore
	catalog catalog
	logger  *zap.Logger

	// newConn exists so tests can point the channel at a local server.
	newConn func(opts ...func(*sockets.Conn)) sockets.Connection
	wsURL   string

	mu       sync.Mutex
	conn     sockets.Connection
	socketID string
	// devices maps confirmed channel names to device IDs; pending holds
	// subscriptions sent but not yet acknowledged.
	devices map[string]string
	pending map[string]string
}

func New(cfg *config.ChannelConfig, authz channelAuthorizer, store stateStore, cat catalog) *Channel {
	return &Channel{
		cfg:     cfg,
		authz:   authz,
		store:   store,
		catalog: cat,
		logger:  zap.L(),
		newConn: sockets.New,
		wsURL:   fmt.Sprintf("wss://ws-%s.pusher.com/app/%s?protocol=7&client=moen-integration&version=1.0", cfg.Cluster, cfg.AppKey),
		devices: map[string]string{},
		pending: map[string]string{},
	}
}

// Run keeps the channel alive until ctx is cancelled, reconnecting with
// exponential backoff and resubscribing every catalog device after each
// reconnect. Connection loss is not fatal; the poller keeps states moving.
func (c *Channel) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Second),
		backoff.WithMaxInterval(time.Minute),
		backoff.WithMaxElapsedTime(0),
	)
	for {
		lost, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait := bo.NextBackOff()
			c.logger.Warn("realtime connect failed", zap.Error(err), zap.Duration("retry_in", wait))
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		bo.Reset()
		select {
		case err := <-lost:
			c.logger.Warn("realtime connection lost", zap.Error(err))
			c.teardown()
		case <-ctx.Done():
			c.teardown()
			return ctx.Err()
		}
	}
}

// Publish sends a command as a client event on the device's private channel.
func (c *Channel) Publish(deviceID string, cmd model.Command) error {
	c.mu.Lock()
	conn := c.conn
	var name string
	for ch, id := range c.devices {
		if id == deviceID {
			name = ch
			break
		}
	}
	c.mu.Unlock()
	if conn == nil || name == "" {
		return ErrNotConnected
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	body, err := json.Marshal(envelope{Event: c.cfg.CommandEvent, Channel: name, Data: data})
	if err != nil {
		return err
	}
	return conn.Send(sockets.Msg{Body: body})
}

// Resubscribe subscribes any catalog device without an active subscription.
// Called after catalog re-discovery picks up new devices.
func (c *Channel) Resubscribe(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	socketID := c.socketID
	c.mu.Unlock()
	if conn == nil || socketID == "" {
		return ErrNotConnected
	}
	return c.subscribeAll(ctx, conn, socketID)
}

func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// connect dials, waits for the handshake, and subscribes every device.
// The returned channel signals connection loss.
func (c *Channel) connect(ctx context.Context) (<-chan error, error) {
	established := make(chan establishedData, 1)
	lost := make(chan error, 1)
	conn := c.newConn(
		sockets.WithHandshakeTimeout(c.cfg.ConnectTimeout),
		sockets.WithPingIntervalSec(pingInterval),
		sockets.WithPingMsg([]byte(`{"event":"pusher:ping","data":"{}"}`)),
		sockets.OnMessage(func(msg []byte, conn sockets.Connection) {
			c.onMessage(msg, conn, established)
		}),
		sockets.OnError(func(err error) {
			select {
			case lost <- err:
			default:
			}
		}),
	)
	if err := conn.Dial(ctx, c.wsURL, ""); err != nil {
		return nil, err
	}

	var est establishedData
	select {
	case est = <-established:
	case <-time.After(c.cfg.ConnectTimeout):
		_ = conn.Close()
		return nil, errors.New("timed out waiting for connection handshake")
	case <-ctx.Done():
		_ = conn.Close()
		return nil, ctx.Err()
	}

	c.mu.Lock()
	c.conn = conn
	c.socketID = est.SocketID
	c.devices = map[string]string{}
	c.pending = map[string]string{}
	c.mu.Unlock()

	c.logger.Info("realtime channel established", zap.String("socket_id", est.SocketID))
	if err := c.subscribeAll(ctx, conn, est.SocketID); err != nil {
		c.teardown()
		return nil, err
	}
	return lost, nil
}

// subscribeAll requests a private channel per catalog device. A device whose
// authorization fails stays on polling; the others still subscribe.
func (c *Channel) subscribeAll(ctx context.Context, conn sockets.Connection, socketID string) error {
	for _, d := range c.catalog.Devices() {
		name := c.channelName(d)
		c.mu.Lock()
		_, confirmed := c.devices[name]
		_, awaiting := c.pending[name]
		c.mu.Unlock()
		if confirmed || awaiting {
			continue
		}
		auth, err := c.authz.ChannelAuth(ctx, socketID, name)
		if err != nil {
			c.logger.Warn("channel authorization failed, device stays on polling",
				zap.String("device_id", d.ID), zap.Error(err))
			continue
		}
		data, err := json.Marshal(subscribeData{Channel: name, Auth: auth})
		if err != nil {
			return err
		}
		body, err := json.Marshal(envelope{Event: eventSubscribe, Data: data})
		if err != nil {
			return err
		}
		if err := conn.Send(sockets.Msg{Body: body}); err != nil {
			return err
		}
		c.mu.Lock()
		c.pending[name] = d.ID
		c.mu.Unlock()
	}
	return nil
}

func (c *Channel) onMessage(msg []byte, conn sockets.Connection, established chan<- establishedData) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		c.logger.Warn("dropping malformed realtime message", zap.Error(err))
		return
	}
	switch env.Event {
	case eventEstablished:
		var est establishedData
		if err := decodeData(env.Data, &est); err != nil {
			c.logger.Warn("dropping malformed handshake payload", zap.Error(err))
			return
		}
		select {
		case established <- est:
		default:
		}
	case eventSubscribed:
		c.mu.Lock()
		if id, ok := c.pending[env.Channel]; ok {
			delete(c.pending, env.Channel)
			c.devices[env.Channel] = id
		}
		c.mu.Unlock()
		c.logger.Debug("channel subscription confirmed", zap.String("channel", env.Channel))
	case eventPing:
		body, _ := json.Marshal(envelope{Event: eventPong, Data: json.RawMessage(`"{}"`)})
		_ = conn.Send(sockets.Msg{Body: body})
	case eventPong:
	case eventError:
		var ed errorData
		_ = decodeData(env.Data, &ed)
		c.logger.Warn("realtime protocol error", zap.Int("code", ed.Code), zap.String("message", ed.Message))
	case c.cfg.StatusEvent:
		c.onStatus(env)
	default:
		c.logger.Debug("dropping unknown realtime event", zap.String("event", env.Event))
	}
}

func (c *Channel) onStatus(env envelope) {
	c.mu.Lock()
	deviceID, ok := c.devices[env.Channel]
	if !ok {
		deviceID, ok = c.pending[env.Channel]
	}
	c.mu.Unlock()
	if !ok {
		// not something we subscribed; the catalog may still know the channel
		if d, found := c.catalog.DeviceByChannel(strings.TrimPrefix(env.Channel, c.cfg.ChannelPrefix)); found {
			deviceID, ok = d.ID, true
		}
	}
	if !ok {
		c.logger.Debug("dropping status for unknown channel", zap.String("channel", env.Channel))
		return
	}
	var payload model.StatusPayload
	if err := decodeData(env.Data, &payload); err != nil {
		c.logger.Warn("dropping malformed status payload",
			zap.String("device_id", deviceID), zap.Error(err))
		return
	}
	upd, err := payload.Update()
	if err != nil {
		c.logger.Warn("dropping invalid status payload",
			zap.String("device_id", deviceID), zap.Error(err))
		return
	}
	c.store.Apply(deviceID, upd, model.SourcePush, payload.At(time.Now()))
}

func (c *Channel) channelName(d model.Device) string {
	id := d.Channel
	if id == "" {
		id = d.ID
	}
	return c.cfg.ChannelPrefix + id
}

func (c *Channel) teardown() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.socketID = ""
	c.devices = map[string]string{}
	c.pending = map[string]string{}
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}
