package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/anicoll/moen-integration/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.App{
		Name:   "moen-controller",
		Usage:  "state coordinator for moen smart shower devices",
		Action: cmd.MoenCommand,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "moen-email",
				EnvVars: []string{"MOEN_EMAIL"},
				Value:   "",
			},
			&cli.StringFlag{
				Name:    "moen-password",
				EnvVars: []string{"MOEN_PASSWORD"},
				Value:   "",
			},
			&cli.StringFlag{
				Name:    "base-url",
				EnvVars: []string{"MOEN_BASE_URL"},
				Value:   "",
			},
			&cli.DurationFlag{
				Name:    "poll-interval",
				EnvVars: []string{"POLL_INTERVAL"},
			},
			&cli.IntFlag{
				Name:    "failure-threshold",
				EnvVars: []string{"FAILURE_THRESHOLD"},
			},
			&cli.StringFlag{
				Name:    "discovery-schedule",
				EnvVars: []string{"DISCOVERY_SCHEDULE"},
				Value:   "",
			},
			&cli.StringFlag{
				Name:    "mqtt-host",
				EnvVars: []string{"MQTT_HOST"},
				Value:   "",
			},
			&cli.StringFlag{
				Name:    "mqtt-user",
				EnvVars: []string{"MQTT_USER"},
				Value:   "",
			},
			&cli.StringFlag{
				Name:    "mqtt-pass",
				EnvVars: []string{"MQTT_PASS"},
				Value:   "",
			},
			&cli.StringFlag{
				Name:    "http-addr",
				EnvVars: []string{"HTTP_ADDR"},
				Value:   "",
			},
			&cli.StringFlag{
				Name:    "log-level",
				EnvVars: []string{"LOG_LEVEL"},
				Value:   "INFO",
			},
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
