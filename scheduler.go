package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
)

// runScheduled repeats task on the cron expression until ctx is done.
// A run still in progress when the next tick fires makes that tick be skipped.
func runScheduled(ctx context.Context, cron string, task func(ctx context.Context) error, logger zerolog.Logger) error {
	logger = logger.With().Str("component", "scheduler").Logger()

	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	job, err := s.NewJob(
		gocron.CronJob(cron, false),
		gocron.NewTask(func() {
			started := time.Now()
			logger.Info().Msg("Starting scheduled sync")
			if err := task(ctx); err != nil {
				logger.Error().Err(err).Dur("duration", time.Since(started)).Msg("Scheduled sync failed")
				return
			}
			logger.Info().Dur("duration", time.Since(started)).Msg("Scheduled sync finished")
		}),
		gocron.WithName("fileboard-sync"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("failed to schedule sync with cron %q: %w", cron, err)
	}

	s.Start()
	if next, err := job.NextRun(); err == nil {
		logger.Info().Str("cron", cron).Time("nextRun", next).Msg("Scheduler started")
	}

	<-ctx.Done()
	logger.Info().Msg("Stopping scheduler")
	return s.Shutdown()
}
