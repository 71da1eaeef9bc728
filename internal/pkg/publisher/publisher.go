package publisher

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/anicoll/moen-integration/internal/pkg/model"
)

var errAlreadyRegistered = errors.New("publisher already registered")

var (
	mu                   sync.RWMutex
	registeredPublishers = make(map[string]publisher)
)

type publisher interface {
	// PublishState pushes one device state snapshot to the adapter.
	PublishState(ctx context.Context, device model.Device, state model.DeviceState) error
	RegisterDevice(ctx context.Context, device model.Device) error
}

func RegisterPublisher(name string, p publisher) error {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := registeredPublishers[name]; ok {
		return errAlreadyRegistered
	}
	registeredPublishers[name] = p
	return nil
}

// PublishState fans a state change out to every registered adapter. A failing
// adapter is logged and skipped so the others still receive the update.
func PublishState(ctx context.Context, device model.Device, state model.DeviceState) {
	mu.RLock()
	defer mu.RUnlock()
	for name, p := range registeredPublishers {
		if err := p.PublishState(ctx, device, state); err != nil {
			zap.L().Error("failed to publish state", zap.Error(err),
				zap.String("publisher", name), zap.String("device_id", device.ID))
			continue
		}
		zap.L().Debug("published state", zap.String("publisher", name), zap.String("device_id", device.ID))
	}
}

// RegisterDevice announces a discovered device to every registered adapter.
func RegisterDevice(ctx context.Context, device model.Device) {
	mu.RLock()
	defer mu.RUnlock()
	for name, p := range registeredPublishers {
		if err := p.RegisterDevice(ctx, device); err != nil {
			zap.L().Error("failed to register device", zap.Error(err),
				zap.String("publisher", name), zap.String("device_id", device.ID))
			continue
		}
		zap.L().Debug("registered device", zap.String("publisher", name), zap.String("device_id", device.ID))
	}
}
