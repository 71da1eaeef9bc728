package publisher

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anicoll/moen-integration/internal/pkg/model"
)

type mockPublisher struct {
	publishStateFunc   func(ctx context.Context, device model.Device, state model.DeviceState) error
	registerDeviceFunc func(ctx context.Context, device model.Device) error
	published          int
	registered         int
}

func (m *mockPublisher) PublishState(ctx context.Context, device model.Device, state model.DeviceState) error {
	m.published++
	if m.publishStateFunc != nil {
		return m.publishStateFunc(ctx, device, state)
	}
	return nil
}

func (m *mockPublisher) RegisterDevice(ctx context.Context, device model.Device) error {
	m.registered++
	if m.registerDeviceFunc != nil {
		return m.registerDeviceFunc(ctx, device)
	}
	return nil
}

func TestRegisterPublisher_DuplicateName(t *testing.T) {
	require.NoError(t, RegisterPublisher("dup", &mockPublisher{}))
	assert.ErrorIs(t, RegisterPublisher("dup", &mockPublisher{}), errAlreadyRegistered)
}

func TestPublishState_FanOutSurvivesFailingAdapter(t *testing.T) {
	failing := &mockPublisher{
		publishStateFunc: func(context.Context, model.Device, model.DeviceState) error {
			return errors.New("broker down")
		},
	}
	healthy := &mockPublisher{}
	require.NoError(t, RegisterPublisher("fanout-failing", failing))
	require.NoError(t, RegisterPublisher("fanout-healthy", healthy))

	PublishState(context.Background(), model.Device{ID: "sn-1"}, model.DeviceState{Power: model.PowerOn})

	assert.Equal(t, 1, failing.published)
	assert.Equal(t, 1, healthy.published)
}

func TestRegisterDevice_FanOut(t *testing.T) {
	a := &mockPublisher{}
	b := &mockPublisher{
		registerDeviceFunc: func(context.Context, model.Device) error {
			return errors.New("rejected")
		},
	}
	require.NoError(t, RegisterPublisher("register-a", a))
	require.NoError(t, RegisterPublisher("register-b", b))

	RegisterDevice(context.Background(), model.Device{ID: "sn-2"})

	assert.Equal(t, 1, a.registered)
	assert.Equal(t, 1, b.registered)
}
