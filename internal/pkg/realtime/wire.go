package realtime

import (
	"encoding/json"
	"errors"
)

// Pusher protocol 7 control events. The device status/command event names
// live in config instead; the remote service does not document them.
const (
	eventEstablished = "pusher:connection_established"
	eventSubscribe   = "pusher:subscribe"
	eventSubscribed  = "pusher_internal:subscription_succeeded"
	eventPing        = "pusher:ping"
	eventPong        = "pusher:pong"
	eventError       = "pusher:error"
)

type envelope struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type establishedData struct {
	SocketID        string `json:"socket_id"`
	ActivityTimeout int    `json:"activity_timeout"`
}

type subscribeData struct {
	Channel string `json:"channel"`
	Auth    string `json:"auth,omitempty"`
}

type errorData struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// decodeData handles the protocol's double encoding: event data arrives
// either as a JSON object or as a JSON string containing one.
func decodeData(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return errors.New("empty event data")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		return json.Unmarshal([]byte(s), out)
	}
	return json.Unmarshal(raw, out)
}
