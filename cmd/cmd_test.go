package cmd

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anicoll/moen-integration/internal/pkg/config"
)

func TestRun_InvalidLogLevel(t *testing.T) {
	cfg := &config.Config{
		CloudCfg:   &config.CloudConfig{},
		ChannelCfg: &config.ChannelConfig{},
		MqttCfg:    &config.MqttConfig{},
		LogLevel:   "LOUD",
	}
	err := run(context.Background(), cfg)
	require.Error(t, err)
}

func TestScheduledDiscovery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- scheduledDiscovery(ctx, "@every 100ms", func(context.Context) error {
			calls.Add(1)
			return nil
		})
	}()

	assert.Eventually(t, func() bool {
		return calls.Load() >= 2
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled discovery did not stop on cancel")
	}
}

func TestScheduledDiscovery_BadSchedule(t *testing.T) {
	err := scheduledDiscovery(context.Background(), "not a schedule", func(context.Context) error {
		return nil
	})
	assert.Error(t, err)
}
