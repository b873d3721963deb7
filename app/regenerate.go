package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fluxcapacitor2/easylink/app/config"
	"github.com/fluxcapacitor2/easylink/app/index"
	"github.com/go-co-op/gocron/v2"
	slogctx "github.com/veqryn/slog-context"
)

// Embed new and recrawled pages in the configured sessions on a schedule
func startRegenerateJob(ctx context.Context, idx *index.Index, cfg config.Regenerate) (gocron.Scheduler, error) {

	scheduler, err := gocron.NewScheduler()

	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	_, err = scheduler.NewJob(gocron.DurationJob(cfg.Interval), gocron.NewTask(func() {
		regenerate(ctx, idx, cfg.Sessions)
	}),
		// A run that takes longer than the interval delays the next one instead of overlapping it
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)

	if err != nil {
		return nil, fmt.Errorf("failed to create gocron job: %w", err)
	}

	scheduler.Start()
	return scheduler, nil
}

// regenerate runs a generation pass over each session in turn. Once the model reports
// throttling or an exhausted quota, the remaining sessions wait for the next run.
func regenerate(ctx context.Context, idx *index.Index, sessions []string) {
	start := time.Now()

	for _, sessionID := range sessions {
		if ctx.Err() != nil {
			return
		}

		ctx := slogctx.Append(ctx, "sessionId", sessionID)
		result, err := idx.GenerateSession(ctx, sessionID)

		if err != nil {
			slogctx.Error(ctx, "Scheduled embedding generation failed", "error", err)
			continue
		}
		if result.StoppedBy != "" {
			slogctx.Warn(ctx, "Postponing scheduled embedding generation", "reason", result.StoppedBy)
			return
		}
	}

	slogctx.Info(ctx, "Finished scheduled embedding generation", "sessions", len(sessions), "duration", time.Since(start))
}
