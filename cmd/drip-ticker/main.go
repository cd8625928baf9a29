package main

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	cli "github.com/urfave/cli/v3"

	"github.com/soshogle/drip/pkg/cmd"
	"github.com/soshogle/drip/pkg/log"
	"github.com/soshogle/drip/pkg/otelhelper"
	"github.com/soshogle/drip/pkg/scheduler"
	"github.com/soshogle/drip/pkg/sender"
)

func main() {
	command := &cli.Command{
		Name:                  "drip-ticker",
		EnableShellCompletion: true,
		Usage:                 "Run the drip scheduler on a fixed cadence",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "ticker-id",
				Aliases: []string{"id"},
				Usage:   "Custom ticker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("TICKER_ID"),
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
				Name:    "schedule",
				Usage:   "Cron expression for tick cadence",
				Value:   "* * * * *",
				Sources: cli.EnvVars("TICK_SCHEDULE"),
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
			&cli.IntFlag{
				Name:    "batch-size",
				Usage:   "Maximum due enrollments per tick",
				Value:   scheduler.DefaultBatchSize,
				Sources: cli.EnvVars("TICK_BATCH_SIZE"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for the advisory tick lock (optional)",
				Sources: cli.EnvVars("REDIS_URL"),
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

			tickerID := command.String("ticker-id")
			if tickerID == "" {
				tickerID = "ticker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("drip-ticker").With("tickerId", tickerID)

			logger.InfoContext(ctx, "Initializing Drip Ticker")

			if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
				if _, err := otelhelper.NewTracer(ctx, "drip-ticker"); err != nil {
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
				BatchSize:     command.Int("batch-size"),
			}, logger)
			if err != nil {
				return err
			}

			if redisURL := command.String("redis-url"); redisURL != "" {
				opts, err := redis.ParseURL(redisURL)
				if err != nil {
					return err
				}

				client := redis.NewClient(opts)
				defer func() {
					if err := client.Close(); err != nil {
						logger.ErrorContext(ctx, "Failed to close redis client", "error", err)
					}
				}()

				sched = sched.WithLock(scheduler.NewRedisTickLock(client, "drip:tick:lock", 2*time.Minute))
			}

			ticker := NewTicker(tickerID, sched, command.String("schedule"), logger)

			err = ticker.Start(ctx)
			if err != nil {
				logger.ErrorContext(ctx, "Failed to start ticker", "error", err)
			}

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
