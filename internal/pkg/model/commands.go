package model

// CommandType discriminates outbound control commands. The same wire schema
// is used for realtime client events and the REST fallback.
type CommandType string

func (c CommandType) String() string {
	return string(c)
}

const (
	CommandSetMode        CommandType = "set_mode"
	CommandSetTemperature CommandType = "set_temperature"
	CommandActivatePreset CommandType = "activate_preset"
	CommandSetOutlet      CommandType = "set_outlet"
)

// Command is an outbound control intent addressed to one device.
type Command struct {
	Type   CommandType    `json:"type"`
	Params map[string]any `json:"params"`
}

func SetModeCommand(mode PowerMode) Command {
	return Command{
		Type:   CommandSetMode,
		Params: map[string]any{"mode": mode.String()},
	}
}

func SetTemperatureCommand(target float64) Command {
	return Command{
		Type:   CommandSetTemperature,
		Params: map[string]any{"target_temperature": target},
	}
}

func ActivatePresetCommand(position int) Command {
	return Command{
		Type:   CommandActivatePreset,
		Params: map[string]any{"position": position},
	}
}

func SetOutletCommand(position int, open bool) Command {
	return Command{
		Type:   CommandSetOutlet,
		Params: map[string]any{"position": position, "active": open},
	}
}
