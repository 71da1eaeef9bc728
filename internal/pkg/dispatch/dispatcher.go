package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anicoll/moen-integration/internal/pkg/model"
	"github.com/anicoll/moen-integration/internal/pkg/realtime"
)

var (
	ErrNotFound   = errors.New("device not found")
	ErrOutOfRange = errors.New("value out of range")
)

type catalog interface {
	Device(id string) (model.Device, bool)
}

type stateStore interface {
	Apply(deviceID string, upd model.StateUpdate, source model.Source, at time.Time)
	Rollback(deviceID string)
}

type commandSender interface {
	SendCommand(ctx context.Context, deviceID string, cmd model.Command) error
}

type channelPublisher interface {
	Publish(deviceID string, cmd model.Command) error
}

// Dispatcher validates control intents against the catalog, applies the
// expected outcome optimistically, and delivers the command. Delivery prefers
// the realtime channel and falls back to REST; if both fail the optimistic
// state is rolled back. Commands to the same device run one at a time.
type Dispatcher struct {
	catalog catalog
	store   stateStore
	rest    commandSender
	channel channelPublisher
	logger  *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(cat catalog, store stateStore, rest commandSender, channel channelPublisher) *Dispatcher {
	return &Dispatcher{
		catalog: cat,
		store:   store,
		rest:    rest,
		channel: channel,
		logger:  zap.L(),
		locks:   map[string]*sync.Mutex{},
	}
}

func (d *Dispatcher) SetPower(ctx context.Context, deviceID string, mode model.PowerMode) error {
	if _, ok := d.catalog.Device(deviceID); !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, deviceID)
	}
	upd := model.StateUpdate{Power: &mode}
	return d.dispatch(ctx, deviceID, model.SetModeCommand(mode), upd)
}

func (d *Dispatcher) SetTemperature(ctx context.Context, deviceID string, target float64) error {
	dev, ok := d.catalog.Device(deviceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, deviceID)
	}
	if target < dev.MinTemperature || target > dev.MaxTemperature {
		return fmt.Errorf("%w: target %.1f outside [%.1f, %.1f]",
			ErrOutOfRange, target, dev.MinTemperature, dev.MaxTemperature)
	}
	upd := model.StateUpdate{TargetTemperature: &target}
	return d.dispatch(ctx, deviceID, model.SetTemperatureCommand(target), upd)
}

func (d *Dispatcher) ActivatePreset(ctx context.Context, deviceID string, position int) error {
	dev, ok := d.catalog.Device(deviceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, deviceID)
	}
	preset, ok := dev.Preset(position)
	if !ok {
		return fmt.Errorf("%w: preset %d", ErrNotFound, position)
	}
	upd := model.StateUpdate{
		ActivePreset:      &preset.Position,
		TargetTemperature: &preset.TargetTemperature,
	}
	return d.dispatch(ctx, deviceID, model.ActivatePresetCommand(position), upd)
}

func (d *Dispatcher) SetOutlet(ctx context.Context, deviceID string, position int, open bool) error {
	dev, ok := d.catalog.Device(deviceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, deviceID)
	}
	if _, ok := dev.Outlet(position); !ok {
		return fmt.Errorf("%w: outlet %d", ErrNotFound, position)
	}
	upd := model.StateUpdate{OutletStates: map[int]bool{position: open}}
	return d.dispatch(ctx, deviceID, model.SetOutletCommand(position, open), upd)
}

func (d *Dispatcher) dispatch(ctx context.Context, deviceID string, cmd model.Command, expected model.StateUpdate) error {
	lock := d.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	d.store.Apply(deviceID, expected, model.SourceOptimistic, time.Now())

	err := d.channel.Publish(deviceID, cmd)
	if err == nil {
		d.logger.Debug("command published on realtime channel",
			zap.String("device_id", deviceID), zap.String("command", cmd.Type.String()))
		return nil
	}
	if !errors.Is(err, realtime.ErrNotConnected) {
		d.logger.Warn("realtime publish failed, falling back to rest",
			zap.String("device_id", deviceID), zap.Error(err))
	}

	if err := d.rest.SendCommand(ctx, deviceID, cmd); err != nil {
		d.store.Rollback(deviceID)
		return fmt.Errorf("send command %s: %w", cmd.Type, err)
	}
	return nil
}

func (d *Dispatcher) deviceLock(deviceID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	lock, ok := d.locks[deviceID]
	if !ok {
		lock = &sync.Mutex{}
		d.locks[deviceID] = lock
	}
	return lock
}
