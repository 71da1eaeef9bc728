package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gosimple/slug"

	"github.com/anicoll/moen-integration/internal/pkg/model"
)

// PublishState writes the device state snapshot to the retained state topic
// so Home Assistant survives its own restarts without waiting for a change.
func (s *service) PublishState(_ context.Context, device model.Device, state model.DeviceState) error {
	identifier := deviceIdentifier(device)
	topic := fmt.Sprintf("homeassistant/sensor/%s/state", identifier)

	payload := statePayload{
		Mode:               state.Power.String(),
		CurrentTemperature: state.CurrentTemperature,
		TargetTemperature:  state.TargetTemperature,
		ActivePreset:       state.ActivePreset,
		BatteryLevel:       state.BatteryLevel,
		Available:          state.Available,
		UpdatedAt:          state.LastUpdated.UTC().Format(time.RFC3339),
	}
	for position, active := range state.OutletStates {
		payload.Outlets = append(payload.Outlets, outletPayload{Position: position, Active: active})
	}
	if state.TimeRemaining != nil {
		secs := int(state.TimeRemaining.Seconds())
		payload.TimeRemaining = &secs
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	token := s.client.Publish(topic, 0, true, data)
	if res := token.WaitTimeout(time.Second * 10); res {
		return nil
	}
	return token.Error()
}

// RegisterDevice publishes the Home Assistant discovery config once per device.
func (s *service) RegisterDevice(_ context.Context, device model.Device) error {
	s.mu.Lock()
	_, exists := s.configuredDevices[device.ID]
	s.mu.Unlock()
	if exists {
		return nil
	}

	identifier := deviceIdentifier(device)
	topic := fmt.Sprintf("homeassistant/sensor/%s/config", identifier)

	payload, err := json.Marshal(registerMsg(device, identifier))
	if err != nil {
		return err
	}
	token := s.client.Publish(topic, 1, true, payload)
	if err := token.Error(); err != nil {
		return err
	}
	if res := token.WaitTimeout(time.Second * 5); res {
		s.mu.Lock()
		s.configuredDevices[device.ID] = struct{}{}
		s.mu.Unlock()
	}
	return nil
}

type statePayload struct {
	Mode               string          `json:"mode"`
	CurrentTemperature float64         `json:"current_temperature"`
	TargetTemperature  float64         `json:"target_temperature"`
	ActivePreset       int             `json:"active_preset"`
	TimeRemaining      *int            `json:"time_remaining,omitempty"`
	Outlets            []outletPayload `json:"outlets,omitempty"`
	BatteryLevel       *int            `json:"battery_level,omitempty"`
	Available          bool            `json:"available"`
	UpdatedAt          string          `json:"updated_at"`
}

type outletPayload struct {
	Position int  `json:"position"`
	Active   bool `json:"active"`
}

func deviceIdentifier(device model.Device) string {
	name := device.Name
	if name == "" {
		name = "shower"
	}
	return slug.Make(fmt.Sprintf("%s_%s", name, device.ID))
}

func registerMsg(device model.Device, identifier string) model.RegisterMessage {
	name := device.Name
	if name == "" {
		name = fmt.Sprintf("Shower %s", device.ID)
	}
	return model.RegisterMessage{
		Tilda:      fmt.Sprintf("homeassistant/sensor/%s", identifier),
		Name:       name,
		ID:         identifier,
		StateTopic: "~/state",
		Device: model.RegisterDevice{
			Name:         name,
			Identifiers:  []string{device.ID},
			Model:        "Smart Shower Controller",
			Manufacturer: "Moen",
			SwVersion:    device.FirmwareVersion,
		},
	}
}
