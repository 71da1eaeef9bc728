package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	paho_mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/anicoll/moen-integration/internal/pkg/auth"
	"github.com/anicoll/moen-integration/internal/pkg/config"
	"github.com/anicoll/moen-integration/internal/pkg/dispatch"
	"github.com/anicoll/moen-integration/internal/pkg/model"
	"github.com/anicoll/moen-integration/internal/pkg/mqtt"
	"github.com/anicoll/moen-integration/internal/pkg/poller"
	"github.com/anicoll/moen-integration/internal/pkg/publisher"
	"github.com/anicoll/moen-integration/internal/pkg/realtime"
	"github.com/anicoll/moen-integration/internal/pkg/registry"
	"github.com/anicoll/moen-integration/internal/pkg/rest"
	"github.com/anicoll/moen-integration/internal/pkg/server"
	"github.com/anicoll/moen-integration/internal/pkg/state"
)

// MoenCommand is the entry point for the moen integration CLI command.
// It assembles configuration and starts all required services.
func MoenCommand(ctx *cli.Context) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	if v := ctx.String("moen-email"); v != "" {
		cfg.CloudCfg.Email = v
	}
	if v := ctx.String("moen-password"); v != "" {
		cfg.CloudCfg.Password = v
	}
	if v := ctx.String("base-url"); v != "" {
		cfg.CloudCfg.BaseURL = v
	}
	if ctx.IsSet("poll-interval") {
		cfg.CloudCfg.PollInterval = ctx.Duration("poll-interval")
	}
	if ctx.IsSet("failure-threshold") {
		cfg.CloudCfg.FailureThreshold = ctx.Int("failure-threshold")
	}
	if v := ctx.String("discovery-schedule"); v != "" {
		cfg.CloudCfg.DiscoverySchedule = v
	}
	if v := ctx.String("mqtt-host"); v != "" {
		cfg.MqttCfg.Host = v
	}
	if v := ctx.String("mqtt-user"); v != "" {
		cfg.MqttCfg.Username = v
	}
	if v := ctx.String("mqtt-pass"); v != "" {
		cfg.MqttCfg.Password = v
	}
	if v := ctx.String("http-addr"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := ctx.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
	return run(ctx.Context, cfg)
}

func run(ctx context.Context, cfg *config.Config) error {
	eg, ctx := errgroup.WithContext(ctx)

	logCfg := zap.NewProductionConfig()
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logCfg.Level = level
	logCfg.OutputPaths = []string{"stdout"}
	logCfg.ErrorOutputPaths = []string{"stdout"}
	logCfg.Sampling = nil
	logger := zap.Must(logCfg.Build(zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel)))
	defer func() {
		_ = logger.Sync() // flushes buffer, if any.
	}()
	zap.ReplaceGlobals(logger)

	sessions := auth.NewManager(cfg.CloudCfg)
	restClient := rest.New(cfg.CloudCfg, sessions)
	catalog := registry.New(restClient)
	if err := catalog.Discover(ctx); err != nil {
		return err
	}

	store := state.NewStore()
	channel := realtime.New(cfg.ChannelCfg, restClient, store, catalog)
	dispatcher := dispatch.New(catalog, store, restClient, channel)
	poll := poller.New(cfg.CloudCfg, restClient, catalog, store)

	if cfg.MqttCfg.Host != "" {
		opts := paho_mqtt.NewClientOptions().
			AddBroker(cfg.MqttCfg.Host).
			SetUsername(cfg.MqttCfg.Username).
			SetPassword(cfg.MqttCfg.Password).
			SetClientID("moen-controller")
		sink := mqtt.New(paho_mqtt.NewClient(opts))
		if err := sink.Connect(); err != nil {
			return err
		}
		if err := publisher.RegisterPublisher("mqtt", sink); err != nil {
			return err
		}
	}
	for _, d := range catalog.Devices() {
		publisher.RegisterDevice(ctx, d)
	}

	store.Subscribe(func(deviceID string, st model.DeviceState) {
		device, ok := catalog.Device(deviceID)
		if !ok {
			return
		}
		publisher.PublishState(ctx, device, st)
	})

	discover := func(ctx context.Context) error {
		if err := catalog.Discover(ctx); err != nil {
			return err
		}
		for _, d := range catalog.Devices() {
			publisher.RegisterDevice(ctx, d)
		}
		if err := channel.Resubscribe(ctx); err != nil && !errors.Is(err, realtime.ErrNotConnected) {
			zap.L().Warn("resubscribe after discovery failed", zap.Error(err))
		}
		return nil
	}

	eg.Go(func() error {
		return poll.Run(ctx)
	})

	eg.Go(func() error {
		return channel.Run(ctx)
	})

	eg.Go(func() error {
		return scheduledDiscovery(ctx, cfg.CloudCfg.DiscoverySchedule, discover)
	})

	eg.Go(func() error {
		srv := &http.Server{
			Handler:      server.New(dispatcher, catalog, store, discover).Router(),
			Addr:         cfg.HTTPAddr,
			WriteTimeout: 15 * time.Second,
			ReadTimeout:  15 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// scheduledDiscovery re-runs catalog discovery on the configured cron
// schedule so devices added to the account appear without a restart.
func scheduledDiscovery(ctx context.Context, schedule string, discover func(context.Context) error) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		if err := discover(ctx); err != nil {
			zap.L().Error("scheduled discovery failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}
