package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anicoll/moen-integration/internal/pkg/model"
)

type mockLister struct {
	GetDevicesFunc func(ctx context.Context) ([]model.Device, error)
}

func (m *mockLister) GetDevices(ctx context.Context) ([]model.Device, error) {
	return m.GetDevicesFunc(ctx)
}

func TestDiscover_ReplacesCatalogWholesale(t *testing.T) {
	listing := []model.Device{
		{ID: "SN1", Name: "Master Bath", Channel: "ch-1"},
		{ID: "SN2", Name: "Guest Bath", Channel: "ch-2"},
	}
	r := New(&mockLister{GetDevicesFunc: func(ctx context.Context) ([]model.Device, error) {
		return listing, nil
	}})

	require.NoError(t, r.Discover(context.Background()))
	assert.Len(t, r.Devices(), 2)

	d, ok := r.Device("SN2")
	require.True(t, ok)
	assert.Equal(t, "Guest Bath", d.Name)

	// re-discovery drops SN2 entirely, no historical state preserved
	listing = []model.Device{{ID: "SN1", Name: "Master Bath Renamed", Channel: "ch-1"}}
	require.NoError(t, r.Discover(context.Background()))

	assert.Len(t, r.Devices(), 1)
	_, ok = r.Device("SN2")
	assert.False(t, ok)
	d, _ = r.Device("SN1")
	assert.Equal(t, "Master Bath Renamed", d.Name)
}

func TestDiscover_FailureKeepsPriorCatalog(t *testing.T) {
	fail := false
	r := New(&mockLister{GetDevicesFunc: func(ctx context.Context) ([]model.Device, error) {
		if fail {
			return nil, errors.New("boom")
		}
		return []model.Device{{ID: "SN1"}}, nil
	}})

	require.NoError(t, r.Discover(context.Background()))
	fail = true
	require.Error(t, r.Discover(context.Background()))
	assert.Len(t, r.Devices(), 1)
}

func TestDeviceByChannel(t *testing.T) {
	r := New(&mockLister{GetDevicesFunc: func(ctx context.Context) ([]model.Device, error) {
		return []model.Device{{ID: "SN1", Channel: "ch-1"}}, nil
	}})
	require.NoError(t, r.Discover(context.Background()))

	d, ok := r.DeviceByChannel("ch-1")
	require.True(t, ok)
	assert.Equal(t, "SN1", d.ID)

	_, ok = r.DeviceByChannel("ch-unknown")
	assert.False(t, ok)
}
