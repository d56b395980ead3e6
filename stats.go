package durable

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"k8s.io/utils/clock"

	"github.com/luno/durable/internal/metrics"
)

// reportStats publishes the SessionManager's Stats on the schedule configured with WithStatsSchedule.
func (w *Worker) reportStats(ctx context.Context) error {
	schedule, err := cron.ParseStandard(w.opts.statsSchedule)
	if err != nil {
		return err
	}

	for {
		next := schedule.Next(w.clock.Now())
		if next.IsZero() {
			return fmt.Errorf("no next schedule found for spec: %s", w.opts.statsSchedule)
		}

		err := waitUntil(ctx, w.clock, next)
		if err != nil {
			return err
		}

		s := w.manager.Stats()
		metrics.PendingInstances.WithLabelValues(w.name).Set(float64(s.PendingInstances))
		metrics.PendingMessages.WithLabelValues(w.name).Set(float64(s.PendingMessages))
		metrics.ActiveSessions.WithLabelValues(w.name).Set(float64(s.ActiveSessions))
	}
}

func waitUntil(ctx context.Context, clock clock.Clock, until time.Time) error {
	return wait(ctx, clock, until.Sub(clock.Now()))
}

func wait(ctx context.Context, clock clock.Clock, d time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if d <= 0 {
		return nil
	}

	t := clock.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C():
		return nil
	}
}
