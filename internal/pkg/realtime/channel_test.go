package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anicoll/moen-integration/internal/pkg/config"
	"github.com/anicoll/moen-integration/internal/pkg/model"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type applied struct {
	deviceID string
	upd      model.StateUpdate
	source   model.Source
	at       time.Time
}

type mockStore struct {
	applies chan applied
}

func newMockStore() *mockStore {
	return &mockStore{applies: make(chan applied, 16)}
}

func (m *mockStore) Apply(deviceID string, upd model.StateUpdate, source model.Source, at time.Time) {
	m.applies <- applied{deviceID: deviceID, upd: upd, source: source, at: at}
}

type mockAuthorizer struct {
	channelAuthFunc func(ctx context.Context, socketID, channel string) (string, error)
}

func (m *mockAuthorizer) ChannelAuth(ctx context.Context, socketID, channel string) (string, error) {
	return m.channelAuthFunc(ctx, socketID, channel)
}

type mockCatalog struct {
	devices []model.Device
}

func (m *mockCatalog) Devices() []model.Device {
	return m.devices
}

func (m *mockCatalog) DeviceByChannel(channel string) (model.Device, bool) {
	for _, d := range m.devices {
		if d.Channel == channel {
			return d, true
		}
	}
	return model.Device{}, false
}

// fakeBroker is a local stand-in for the hosted websocket service. It runs
// the protocol 7 handshake and confirms every subscription request.
type fakeBroker struct {
	srv        *httptest.Server
	upgrader   websocket.Upgrader
	dials      atomic.Int32
	subscribed chan subscribeData
	received   chan envelope

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newFakeBroker(t *testing.T) *fakeBroker {
	f := &fakeBroker{
		subscribed: make(chan subscribeData, 16),
		received:   make(chan envelope, 16),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeBroker) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeBroker) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	n := f.dials.Add(1)
	f.mu.Lock()
	f.conns = append(f.conns, ws)
	f.mu.Unlock()

	est := fmt.Sprintf(`{\"socket_id\":\"socket-%d\",\"activity_timeout\":120}`, n)
	_ = ws.WriteJSON(envelope{Event: eventEstablished, Data: json.RawMessage(`"` + est + `"`)})
	for {
		var env envelope
		if err := ws.ReadJSON(&env); err != nil {
			return
		}
		switch env.Event {
		case eventSubscribe:
			var sub subscribeData
			_ = decodeData(env.Data, &sub)
			_ = ws.WriteJSON(envelope{Event: eventSubscribed, Channel: sub.Channel, Data: json.RawMessage(`"{}"`)})
			f.subscribed <- sub
		default:
			f.received <- env
		}
	}
}

func (f *fakeBroker) send(t *testing.T, env envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.conns)
	require.NoError(t, f.conns[len(f.conns)-1].WriteJSON(env))
}

func (f *fakeBroker) dropConnections() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ws := range f.conns {
		_ = ws.Close()
	}
	f.conns = nil
}

func testChannelConfig() *config.ChannelConfig {
	return &config.ChannelConfig{
		AppKey:         "test-key",
		Cluster:        "us2",
		ConnectTimeout: 2 * time.Second,
		ChannelPrefix:  "private-device-",
		StatusEvent:    "status-changed",
		CommandEvent:   "client-command",
	}
}

func startChannel(t *testing.T, broker *fakeBroker, store *mockStore, devices ...model.Device) *Channel {
	authz := &mockAuthorizer{
		channelAuthFunc: func(_ context.Context, socketID, channel string) (string, error) {
			return "auth:" + socketID + ":" + channel, nil
		},
	}
	c := New(testChannelConfig(), authz, store, &mockCatalog{devices: devices})
	c.logger = zaptest.NewLogger(t)
	c.wsURL = broker.url()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c
}

func awaitSubscribed(t *testing.T, broker *fakeBroker) subscribeData {
	t.Helper()
	select {
	case sub := <-broker.subscribed:
		return sub
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscription")
		return subscribeData{}
	}
}

func awaitApplied(t *testing.T, store *mockStore) applied {
	t.Helper()
	select {
	case a := <-store.applies:
		return a
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for state update")
		return applied{}
	}
}

func TestChannel_SubscribesWithChannelAuth(t *testing.T) {
	broker := newFakeBroker(t)
	store := newMockStore()
	startChannel(t, broker, store, model.Device{ID: "sn-1", Channel: "chan-1"})

	sub := awaitSubscribed(t, broker)
	assert.Equal(t, "private-device-chan-1", sub.Channel)
	assert.Equal(t, "auth:socket-1:private-device-chan-1", sub.Auth)
}

func TestChannel_StatusEventAppliesPushUpdate(t *testing.T) {
	broker := newFakeBroker(t)
	store := newMockStore()
	startChannel(t, broker, store, model.Device{ID: "sn-1", Channel: "chan-1"})
	awaitSubscribed(t, broker)

	broker.send(t, envelope{
		Event:   "status-changed",
		Channel: "private-device-chan-1",
		Data:    json.RawMessage(`{"mode":"on","target_temperature":102,"ts":1700000000000}`),
	})

	a := awaitApplied(t, store)
	assert.Equal(t, "sn-1", a.deviceID)
	assert.Equal(t, model.SourcePush, a.source)
	require.NotNil(t, a.upd.Power)
	assert.Equal(t, model.PowerOn, *a.upd.Power)
	require.NotNil(t, a.upd.TargetTemperature)
	assert.Equal(t, 102.0, *a.upd.TargetTemperature)
	assert.Equal(t, time.UnixMilli(1700000000000), a.at)
}

func TestChannel_StatusEventStringEncodedData(t *testing.T) {
	broker := newFakeBroker(t)
	store := newMockStore()
	startChannel(t, broker, store, model.Device{ID: "sn-1", Channel: "chan-1"})
	awaitSubscribed(t, broker)

	broker.send(t, envelope{
		Event:   "status-changed",
		Channel: "private-device-chan-1",
		Data:    json.RawMessage(`"{\"mode\":\"paused\"}"`),
	})

	a := awaitApplied(t, store)
	require.NotNil(t, a.upd.Power)
	assert.Equal(t, model.PowerPaused, *a.upd.Power)
}

func TestChannel_DropsMalformedAndUnknownEvents(t *testing.T) {
	broker := newFakeBroker(t)
	store := newMockStore()
	startChannel(t, broker, store, model.Device{ID: "sn-1", Channel: "chan-1"})
	awaitSubscribed(t, broker)

	// invalid mode value
	broker.send(t, envelope{
		Event:   "status-changed",
		Channel: "private-device-chan-1",
		Data:    json.RawMessage(`{"mode":"warp-speed"}`),
	})
	// event name nothing listens for
	broker.send(t, envelope{
		Event:   "telemetry-v2",
		Channel: "private-device-chan-1",
		Data:    json.RawMessage(`{"mode":"on"}`),
	})
	// status for a channel that was never subscribed
	broker.send(t, envelope{
		Event:   "status-changed",
		Channel: "private-device-other",
		Data:    json.RawMessage(`{"mode":"on"}`),
	})
	// a well formed update to prove the stream survived the garbage
	broker.send(t, envelope{
		Event:   "status-changed",
		Channel: "private-device-chan-1",
		Data:    json.RawMessage(`{"mode":"off"}`),
	})

	a := awaitApplied(t, store)
	require.NotNil(t, a.upd.Power)
	assert.Equal(t, model.PowerOff, *a.upd.Power)
	assert.Empty(t, store.applies)
}

func TestChannel_PublishSendsClientEvent(t *testing.T) {
	broker := newFakeBroker(t)
	store := newMockStore()
	c := startChannel(t, broker, store, model.Device{ID: "sn-1", Channel: "chan-1"})
	awaitSubscribed(t, broker)

	// subscription confirmation races with the test; retry until confirmed
	cmd := model.SetTemperatureCommand(104)
	require.Eventually(t, func() bool {
		return c.Publish("sn-1", cmd) == nil
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case env := <-broker.received:
		assert.Equal(t, "client-command", env.Event)
		assert.Equal(t, "private-device-chan-1", env.Channel)
		var got model.Command
		require.NoError(t, json.Unmarshal(env.Data, &got))
		assert.Equal(t, cmd.Type, got.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client event")
	}
}

func TestChannel_PublishBeforeConnectReturnsNotConnected(t *testing.T) {
	authz := &mockAuthorizer{
		channelAuthFunc: func(context.Context, string, string) (string, error) {
			return "", nil
		},
	}
	c := New(testChannelConfig(), authz, newMockStore(), &mockCatalog{})
	c.logger = zap.NewNop()

	err := c.Publish("sn-1", model.SetModeCommand(model.PowerOn))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestChannel_RespondsToPing(t *testing.T) {
	broker := newFakeBroker(t)
	store := newMockStore()
	startChannel(t, broker, store, model.Device{ID: "sn-1", Channel: "chan-1"})
	awaitSubscribed(t, broker)

	broker.send(t, envelope{Event: eventPing, Data: json.RawMessage(`"{}"`)})

	select {
	case env := <-broker.received:
		assert.Equal(t, eventPong, env.Event)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pong")
	}
}

func TestChannel_ReconnectsAndResubscribesAfterLoss(t *testing.T) {
	broker := newFakeBroker(t)
	store := newMockStore()
	startChannel(t, broker, store, model.Device{ID: "sn-1", Channel: "chan-1"})
	first := awaitSubscribed(t, broker)
	assert.Equal(t, "auth:socket-1:private-device-chan-1", first.Auth)

	broker.dropConnections()

	second := awaitSubscribed(t, broker)
	assert.Equal(t, "private-device-chan-1", second.Channel)
	assert.Equal(t, "auth:socket-2:private-device-chan-1", second.Auth)
	assert.GreaterOrEqual(t, broker.dials.Load(), int32(2))
}

func TestChannel_ResubscribePicksUpNewDevices(t *testing.T) {
	broker := newFakeBroker(t)
	store := newMockStore()
	cat := &mockCatalog{devices: []model.Device{{ID: "sn-1", Channel: "chan-1"}}}
	authz := &mockAuthorizer{
		channelAuthFunc: func(_ context.Context, socketID, channel string) (string, error) {
			return "auth:" + socketID + ":" + channel, nil
		},
	}
	c := New(testChannelConfig(), authz, store, cat)
	c.logger = zaptest.NewLogger(t)
	c.wsURL = broker.url()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	awaitSubscribed(t, broker)

	cat.devices = append(cat.devices, model.Device{ID: "sn-2", Channel: "chan-2"})
	require.NoError(t, c.Resubscribe(context.Background()))

	sub := awaitSubscribed(t, broker)
	assert.Equal(t, "private-device-chan-2", sub.Channel)
}

func TestChannel_AuthFailureSkipsDeviceOnly(t *testing.T) {
	broker := newFakeBroker(t)
	store := newMockStore()
	authz := &mockAuthorizer{
		channelAuthFunc: func(_ context.Context, socketID, channel string) (string, error) {
			if strings.Contains(channel, "chan-1") {
				return "", fmt.Errorf("authorization rejected")
			}
			return "auth", nil
		},
	}
	cat := &mockCatalog{devices: []model.Device{
		{ID: "sn-1", Channel: "chan-1"},
		{ID: "sn-2", Channel: "chan-2"},
	}}
	c := New(testChannelConfig(), authz, store, cat)
	c.logger = zaptest.NewLogger(t)
	c.wsURL = broker.url()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	sub := awaitSubscribed(t, broker)
	assert.Equal(t, "private-device-chan-2", sub.Channel)

	// sn-1 never subscribed, but the catalog still resolves its channel
	broker.send(t, envelope{
		Event:   "status-changed",
		Channel: "private-device-chan-1",
		Data:    json.RawMessage(`{"mode":"on"}`),
	})
	a := awaitApplied(t, store)
	assert.Equal(t, "sn-1", a.deviceID)
	assert.Equal(t, model.SourcePush, a.source)
}
