package model

import (
	"fmt"
	"time"
)

// StatusPayload is the status-snapshot schema shared by the REST status
// endpoint and realtime status events. Every field is optional; absent
// fields are treated as unchanged by the state store.
type StatusPayload struct {
	Mode               *string              `json:"mode,omitempty"`
	CurrentTemperature *float64             `json:"current_temperature,omitempty"`
	TargetTemperature  *float64             `json:"target_temperature,omitempty"`
	ActivePreset       *int                 `json:"active_preset,omitempty"`
	TimeRemaining      *int                 `json:"time_remaining,omitempty"` // seconds
	Outlets            []OutletStatePayload `json:"outlets,omitempty"`
	BatteryLevel       *int                 `json:"battery_level,omitempty"`
	Timestamp          *int64               `json:"ts,omitempty"` // epoch millis
}

type OutletStatePayload struct {
	Position int  `json:"position"`
	Active   bool `json:"active"`
}

// Update validates the payload and converts it into a partial state update.
func (p StatusPayload) Update() (StateUpdate, error) {
	upd := StateUpdate{
		CurrentTemperature: p.CurrentTemperature,
		TargetTemperature:  p.TargetTemperature,
		ActivePreset:       p.ActivePreset,
		BatteryLevel:       p.BatteryLevel,
	}
	if p.Mode != nil {
		mode, err := ParsePowerMode(*p.Mode)
		if err != nil {
			return StateUpdate{}, err
		}
		upd.Power = &mode
	}
	if p.TimeRemaining != nil {
		d := time.Duration(*p.TimeRemaining) * time.Second
		upd.TimeRemaining = &d
	}
	if len(p.Outlets) > 0 {
		upd.OutletStates = make(map[int]bool, len(p.Outlets))
		for _, o := range p.Outlets {
			upd.OutletStates[o.Position] = o.Active
		}
	}
	return upd, nil
}

// At returns the payload timestamp, or fallback when the payload carries none.
func (p StatusPayload) At(fallback time.Time) time.Time {
	if p.Timestamp == nil {
		return fallback
	}
	return time.UnixMilli(*p.Timestamp)
}

// ParsePowerMode validates a wire-format mode string.
func ParsePowerMode(s string) (PowerMode, error) {
	switch s {
	case "off":
		return PowerOff, nil
	case "on":
		return PowerOn, nil
	// the cloud reports both spellings depending on firmware
	case "pause", "paused":
		return PowerPaused, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// DevicePayload is one entry of the cloud device-listing response.
type DevicePayload struct {
	SerialNumber    string          `json:"serial_number"`
	Name            string          `json:"name"`
	Channel         string          `json:"channel"`
	FirmwareVersion string          `json:"current_firmware_version"`
	MinTemp         *float64        `json:"min_temp,omitempty"`
	MaxTemp         *float64        `json:"max_temp,omitempty"`
	Outlets         []OutletPayload `json:"outlets"`
	Presets         []PresetPayload `json:"presets"`
}

type OutletPayload struct {
	Position int    `json:"position"`
	Label    string `json:"label"`
}

type PresetPayload struct {
	Position          int     `json:"position"`
	Title             string  `json:"title"`
	TargetTemperature float64 `json:"target_temperature"`
}

// Temperature limits the cloud reports when the device omits its own.
const (
	DefaultMinTemperature = 60
	DefaultMaxTemperature = 115
)

// Device converts a listing entry into a catalog record.
func (p DevicePayload) Device() Device {
	d := Device{
		ID:              p.SerialNumber,
		Name:            p.Name,
		Channel:         p.Channel,
		FirmwareVersion: p.FirmwareVersion,
		MinTemperature:  DefaultMinTemperature,
		MaxTemperature:  DefaultMaxTemperature,
	}
	if p.MinTemp != nil {
		d.MinTemperature = *p.MinTemp
	}
	if p.MaxTemp != nil {
		d.MaxTemperature = *p.MaxTemp
	}
	for _, o := range p.Outlets {
		d.Outlets = append(d.Outlets, Outlet{Position: o.Position, Label: o.Label})
	}
	for _, pr := range p.Presets {
		d.Presets = append(d.Presets, Preset{
			Position:          pr.Position,
			Label:             pr.Title,
			TargetTemperature: pr.TargetTemperature,
		})
	}
	return d
}
