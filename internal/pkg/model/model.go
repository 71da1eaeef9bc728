package model

import "time"

// PowerMode is the operating mode reported by a shower controller.
type PowerMode string

func (p PowerMode) String() string {
	return string(p)
}

const (
	PowerOff    PowerMode = "off"
	PowerOn     PowerMode = "on"
	PowerPaused PowerMode = "paused"
)

// Source identifies where a state update came from.
type Source string

const (
	SourcePoll       Source = "poll"
	SourcePush       Source = "push"
	SourceOptimistic Source = "optimistic"
)

// Outlet is an individually controllable water path on a shower controller.
// Identity fields are fixed at discovery.
type Outlet struct {
	Position int
	Label    string
}

// Preset is a named pre-configured combination of outlets and temperature.
type Preset struct {
	Position          int
	Label             string
	TargetTemperature float64
}

// Device is a shower controller as reported by the cloud device listing.
// The record is immutable after discovery; re-discovery replaces it wholesale.
type Device struct {
	ID              string
	Name            string
	Channel         string // realtime channel identifier, distinct from ID
	FirmwareVersion string
	MinTemperature  float64
	MaxTemperature  float64
	Outlets         []Outlet
	Presets         []Preset
}

// Outlet returns the outlet at the given position.
func (d Device) Outlet(position int) (Outlet, bool) {
	for _, o := range d.Outlets {
		if o.Position == position {
			return o, true
		}
	}
	return Outlet{}, false
}

// Preset returns the preset at the given position.
func (d Device) Preset(position int) (Preset, bool) {
	for _, p := range d.Presets {
		if p.Position == position {
			return p, true
		}
	}
	return Preset{}, false
}

// DeviceState is the current observed state of one device.
type DeviceState struct {
	Power              PowerMode
	CurrentTemperature float64
	TargetTemperature  float64
	ActivePreset       int // 0 means none
	TimeRemaining      *time.Duration
	OutletStates       map[int]bool
	BatteryLevel       *int
	Available          bool
	LastUpdated        time.Time
	LastSource         Source
}

// StateUpdate is a partial update to a DeviceState. Nil fields mean
// unchanged; OutletStates overrides only the positions it carries.
type StateUpdate struct {
	Power              *PowerMode
	CurrentTemperature *float64
	TargetTemperature  *float64
	ActivePreset       *int
	TimeRemaining      *time.Duration
	OutletStates       map[int]bool
	BatteryLevel       *int
}
