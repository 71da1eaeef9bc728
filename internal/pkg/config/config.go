package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	CloudCfg   *CloudConfig
	ChannelCfg *ChannelConfig
	MqttCfg    *MqttConfig
	HTTPAddr   string `env:"HTTP_ADDR" envDefault:"0.0.0.0:8000"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"INFO"`
}

type CloudConfig struct {
	Email            string        `env:"MOEN_EMAIL"`
	Password         string        `env:"MOEN_PASSWORD"`
	BaseURL          string        `env:"MOEN_BASE_URL" envDefault:"https://www.moen-iot.com"`
	PollInterval     time.Duration `env:"POLL_INTERVAL" envDefault:"30s"`
	FailureThreshold int           `env:"FAILURE_THRESHOLD" envDefault:"3"`
	PollParallelism  int           `env:"POLL_PARALLELISM" envDefault:"4"`
	RequestTimeout   time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s"`
	RetryAttempts    uint64        `env:"RETRY_ATTEMPTS" envDefault:"4"`
	RetryBaseDelay   time.Duration `env:"RETRY_BASE_DELAY" envDefault:"500ms"`
	RetryMaxDelay    time.Duration `env:"RETRY_MAX_DELAY" envDefault:"8s"`
	// DiscoverySchedule is a cron expression for catalog re-discovery.
	DiscoverySchedule string `env:"DISCOVERY_SCHEDULE" envDefault:"0 * * * *"`
}

// ChannelConfig configures the realtime push channel. The remote service does
// not document its event names, so they are overridable rather than constants.
type ChannelConfig struct {
	AppKey         string        `env:"CHANNEL_APP_KEY" envDefault:"dcc28ccb5296f18f8eae"`
	Cluster        string        `env:"CHANNEL_CLUSTER" envDefault:"us2"`
	ConnectTimeout time.Duration `env:"CHANNEL_CONNECT_TIMEOUT" envDefault:"15s"`
	ChannelPrefix  string        `env:"CHANNEL_PREFIX" envDefault:"private-device-"`
	StatusEvent    string        `env:"CHANNEL_STATUS_EVENT" envDefault:"status-changed"`
	CommandEvent   string        `env:"CHANNEL_COMMAND_EVENT" envDefault:"client-command"`
}

// MqttConfig configures the Home Assistant MQTT bridge. An empty Host
// disables publishing.
type MqttConfig struct {
	Host     string `env:"MQTT_HOST"`
	Username string `env:"MQTT_USER"`
	Password string `env:"MQTT_PASS"`
}

// FromEnv builds a Config populated with environment values and defaults.
func FromEnv() (*Config, error) {
	cfg := &Config{
		CloudCfg:   &CloudConfig{},
		ChannelCfg: &ChannelConfig{},
		MqttCfg:    &MqttConfig{},
	}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
