package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/anicoll/moen-integration/internal/pkg/model"
)

type deviceLister interface {
	GetDevices(ctx context.Context) ([]model.Device, error)
}

// Registry is the in-memory catalog of discovered devices. Discovery
// replaces the catalog wholesale; records are immutable while listed.
type Registry struct {
	rest   deviceLister
	logger *zap.Logger

	mu      sync.RWMutex
	devices []model.Device
	byID    map[string]model.Device
}

func New(rest deviceLister) *Registry {
	return &Registry{
		rest:   rest,
		logger: zap.L(),
		byID:   map[string]model.Device{},
	}
}

// Discover fetches the device listing and replaces the catalog. Idempotent;
// prior records are dropped, keyed by device ID.
func (r *Registry) Discover(ctx context.Context) error {
	devices, err := r.rest.GetDevices(ctx)
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}

	byID := make(map[string]model.Device, len(devices))
	for _, d := range devices {
		byID[d.ID] = d
	}

	r.mu.Lock()
	r.devices = devices
	r.byID = byID
	r.mu.Unlock()

	r.logger.Info("discovered devices", zap.Int("count", len(devices)))
	return nil
}

// Devices returns the catalog in listing order.
func (r *Registry) Devices() []model.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Device, len(r.devices))
	copy(out, r.devices)
	return out
}

// Device returns one catalog record by ID.
func (r *Registry) Device(id string) (model.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	return d, ok
}

// DeviceByChannel resolves a realtime channel identifier back to its device.
func (r *Registry) DeviceByChannel(channel string) (model.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Find(r.devices, func(d model.Device) bool {
		return d.Channel == channel
	})
}
