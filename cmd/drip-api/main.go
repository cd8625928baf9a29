package main

import (
	"context"
	"os"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/soshogle/drip/pkg/cmd"
	"github.com/soshogle/drip/pkg/log"
	"github.com/soshogle/drip/pkg/otelhelper"
	"github.com/soshogle/drip/pkg/scheduler"
	"github.com/soshogle/drip/pkg/sender"
)

const defaultPort = 9091

func main() {
	logger := log.WithModule("api")

	command := &cli.Command{
		Name:                  "drip-api",
		Usage:                 "Create and manage drip workflows, enrollments and A/B tests",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka, gochannel)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:     "sender-url",
				Usage:    "Delivery webhook endpoint for step sends",
				Required: true,
				Sources:  cli.EnvVars("SENDER_URL"),
			},
			&cli.StringFlag{
				Name:    "failure-policy",
				Usage:   "What to do when a send fails (retry, advance)",
				Value:   "retry",
				Sources: cli.EnvVars("FAILURE_POLICY"),
			},
			&cli.DurationFlag{
				Name:    "retry-delay",
				Usage:   "Delay before a failed step is attempted again",
				Value:   scheduler.DefaultRetryDelay,
				Sources: cli.EnvVars("RETRY_DELAY"),
			},
			&cli.IntFlag{
				Name:    "max-attempts",
				Usage:   "Send attempts per step before the enrollment fails",
				Value:   scheduler.DefaultMaxAttempts,
				Sources: cli.EnvVars("MAX_ATTEMPTS"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger.InfoContext(ctx, "Initializing Drip API")

			if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
				if _, err := otelhelper.NewTracer(ctx, "drip-api"); err != nil {
					logger.WarnContext(ctx, "Failed to initialize tracing", "error", err)
				}
			}

			persistence := cmd.NewPersistence(ctx, logger, command.String("database-url"))

			defer func() {
				err := persistence.Close(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus := cmd.NewEventBus(command.String("event-bus"), logger)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			delegate := sender.NewWebhookDelegate(command.String("sender-url"), nil, logger)

			sched, err := scheduler.NewScheduler(persistence, eventBus, delegate, scheduler.Config{
				FailurePolicy: scheduler.FailurePolicy(command.String("failure-policy")),
				RetryDelay:    command.Duration("retry-delay"),
				MaxAttempts:   command.Int("max-attempts"),
				SendTimeout:   30 * time.Second,
			}, logger)
			if err != nil {
				return err
			}

			api := NewAPI(logger, persistence, eventBus, sched)

			err = api.Start(command.Int("port"))
			if err != nil {
				logger.ErrorContext(ctx, "Failed to start API server", "error", err)
			}

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
