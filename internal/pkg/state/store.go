package state

import (
	"maps"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anicoll/moen-integration/internal/pkg/model"
)

// Listener receives the new state of a device whenever it changes at the
// value level. Timestamp-only refreshes are not delivered.
type Listener func(deviceID string, state model.DeviceState)

// Store is the single source of truth for device state. It reconciles three
// unsynchronized update sources: poll snapshots, push events and optimistic
// writes from the command dispatcher.
//
// Confirmed updates (poll/push) older than the last confirmed update are
// dropped. Optimistic updates are always applied immediately and are
// superseded, never merged, by the next confirmed update regardless of that
// update's timestamp.
type Store struct {
	logger *zap.Logger

	mu        sync.RWMutex
	entries   map[string]*entry
	listeners []Listener
}

type entry struct {
	mu          sync.Mutex
	hasState    bool
	state       model.DeviceState
	confirmed   model.DeviceState // state as of the last poll/push update
	confirmedAt time.Time         // freshness guard reference
	optimistic  bool              // an optimistic write awaits confirmation
}

func NewStore() *Store {
	return &Store{
		logger:  zap.L(),
		entries: map[string]*entry{},
	}
}

// Subscribe registers a change listener. Listeners are invoked outside the
// per-device lock and must not block for long.
func (s *Store) Subscribe(listener Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// Get returns the current state of a device, false if none was recorded yet.
func (s *Store) Get(deviceID string) (model.DeviceState, bool) {
	s.mu.RLock()
	e, ok := s.entries[deviceID]
	s.mu.RUnlock()
	if !ok {
		return model.DeviceState{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.hasState {
		return model.DeviceState{}, false
	}
	return e.state, true
}

// Apply merges a partial update into the device state under the freshness
// and optimistic rules, then notifies listeners if any value changed.
func (s *Store) Apply(deviceID string, upd model.StateUpdate, source model.Source, at time.Time) {
	e := s.entry(deviceID)

	e.mu.Lock()
	prev, hadState := e.state, e.hasState

	var next model.DeviceState
	if source == model.SourceOptimistic {
		if !e.optimistic {
			e.confirmed = e.state
		}
		next = merge(e.state, upd)
		e.optimistic = true
	} else {
		if e.hasState && !e.optimistic && at.Before(e.confirmedAt) {
			confirmedAt := e.confirmedAt
			e.mu.Unlock()
			s.logger.Debug("dropped stale update",
				zap.String("device_id", deviceID),
				zap.String("source", string(source)),
				zap.Time("at", at),
				zap.Time("confirmed_at", confirmedAt))
			return
		}
		base := e.state
		if e.optimistic {
			base = e.confirmed
		}
		next = merge(base, upd)
		next.Available = true
		if at.After(e.confirmedAt) {
			e.confirmedAt = at
		}
		e.optimistic = false
	}

	next.LastSource = source
	// LastUpdated is monotonically non-decreasing per device
	next.LastUpdated = at
	if prev.LastUpdated.After(at) {
		next.LastUpdated = prev.LastUpdated
	}

	e.state = next
	e.hasState = true
	if source != model.SourceOptimistic {
		e.confirmed = next
	}
	changed := !hadState || !valuesEqual(prev, next)
	e.mu.Unlock()

	if changed {
		s.notify(deviceID, next)
	}
}

// Rollback reverts a device to its last confirmed state, discarding any
// pending optimistic write. No-op when nothing optimistic is pending.
func (s *Store) Rollback(deviceID string) {
	s.mu.RLock()
	e, ok := s.entries[deviceID]
	s.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.Lock()
	if !e.optimistic {
		e.mu.Unlock()
		return
	}
	prev := e.state
	e.state = e.confirmed
	e.optimistic = false
	next := e.state
	changed := !valuesEqual(prev, next)
	e.mu.Unlock()

	if changed {
		s.notify(deviceID, next)
	}
}

// MarkUnavailable flags a device as unreachable until the next confirmed
// update clears it.
func (s *Store) MarkUnavailable(deviceID string) {
	e := s.entry(deviceID)

	e.mu.Lock()
	if e.hasState && !e.state.Available {
		e.mu.Unlock()
		return
	}
	e.state.Available = false
	e.confirmed.Available = false
	e.hasState = true
	next := e.state
	e.mu.Unlock()

	s.notify(deviceID, next)
}

// Remove drops all state for a device.
func (s *Store) Remove(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, deviceID)
}

func (s *Store) entry(deviceID string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[deviceID]
	if !ok {
		e = &entry{}
		s.entries[deviceID] = e
	}
	return e
}

func (s *Store) notify(deviceID string, state model.DeviceState) {
	s.mu.RLock()
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.RUnlock()

	for _, l := range listeners {
		l(deviceID, state)
	}
}

// merge builds the successor state: unspecified fields keep the base value,
// outlet states are cloned so prior snapshots stay immutable.
func merge(base model.DeviceState, upd model.StateUpdate) model.DeviceState {
	next := base
	next.OutletStates = maps.Clone(base.OutletStates)
	if upd.Power != nil {
		next.Power = *upd.Power
	}
	if upd.CurrentTemperature != nil {
		next.CurrentTemperature = *upd.CurrentTemperature
	}
	if upd.TargetTemperature != nil {
		next.TargetTemperature = *upd.TargetTemperature
	}
	if upd.ActivePreset != nil {
		next.ActivePreset = *upd.ActivePreset
	}
	if upd.TimeRemaining != nil {
		d := *upd.TimeRemaining
		next.TimeRemaining = &d
	}
	if upd.BatteryLevel != nil {
		b := *upd.BatteryLevel
		next.BatteryLevel = &b
	}
	if len(upd.OutletStates) > 0 {
		if next.OutletStates == nil {
			next.OutletStates = make(map[int]bool, len(upd.OutletStates))
		}
		for pos, open := range upd.OutletStates {
			next.OutletStates[pos] = open
		}
	}
	return next
}

// valuesEqual compares everything except bookkeeping fields; notifications
// fire on value changes, not on timestamp or source churn.
func valuesEqual(a, b model.DeviceState) bool {
	if a.Power != b.Power ||
		a.CurrentTemperature != b.CurrentTemperature ||
		a.TargetTemperature != b.TargetTemperature ||
		a.ActivePreset != b.ActivePreset ||
		a.Available != b.Available {
		return false
	}
	if !ptrEqual(a.TimeRemaining, b.TimeRemaining) || !ptrEqual(a.BatteryLevel, b.BatteryLevel) {
		return false
	}
	return maps.Equal(a.OutletStates, b.OutletStates)
}

func ptrEqual[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
