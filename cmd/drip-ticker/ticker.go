package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/soshogle/drip/pkg/scheduler"
)

// Ticker runs the scheduler on a cron cadence. Several tickers can point
// at the same store; the advisory lock keeps them from scanning at once
// and the store's version checks keep them correct even without it.
type Ticker struct {
	id        string
	scheduler *scheduler.Scheduler
	schedule  string
	logger    *slog.Logger
	cron      *cron.Cron
}

func NewTicker(id string, sched *scheduler.Scheduler, schedule string, logger *slog.Logger) *Ticker {
	return &Ticker{
		id:        id,
		scheduler: sched,
		schedule:  schedule,
		logger:    logger.With("module", "ticker"),
	}
}

// Start begins the ticker service and blocks until a shutdown signal.
func (t *Ticker) Start(ctx context.Context) error {
	tCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	t.logger.Info("Starting ticker", "schedule", t.schedule)

	t.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	_, err := t.cron.AddFunc(t.schedule, func() {
		t.runTick(tCtx)
	})
	if err != nil {
		return err
	}

	t.cron.Start()
	t.handleSignals(cancel)

	<-tCtx.Done()
	t.logger.Info("Ticker context cancelled, stopping...")

	stopCtx := t.cron.Stop()
	<-stopCtx.Done()

	return nil
}

func (t *Ticker) runTick(ctx context.Context) {
	start := time.Now()

	report, err := t.scheduler.Tick(ctx, time.Now().UTC())
	if err != nil {
		t.logger.ErrorContext(ctx, "Tick failed", "error", err)

		return
	}

	t.logger.InfoContext(ctx, "Tick completed",
		"duration", time.Since(start),
		"sent", report.Sent,
		"completed", report.Completed,
		"retried", report.Retried,
		"failed", report.Failed,
		"skipped", report.Skipped)
}

// handleSignals sets up signal handling for graceful shutdown.
func (t *Ticker) handleSignals(cancel context.CancelFunc) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-signals
		t.logger.Info("Received signal", "signal", sig)
		t.logger.Info("Shutting down gracefully...")
		cancel()
	}()
}
