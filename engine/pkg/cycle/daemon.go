package cycle

import (
	"context"
	"errors"
	"time"

	"github.com/poolkeeper/sbi/engine/pkg/metrics"
	"github.com/poolkeeper/sbi/engine/pkg/store"
)

// Loop runs a cycle immediately and then once per interval until ctx is done.
func (r *Runner) Loop(ctx context.Context, stage Stage, interval time.Duration) {
	r.log.Info("cycle: starting loop", "stage", string(stage), "interval", interval)

	r.safeRun(ctx, stage)

	ticker := r.cfg.Clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.log.Info("cycle: loop stopped")
			return
		case <-ticker.Chan():
			r.safeRun(ctx, stage)
		}
	}
}

func (r *Runner) safeRun(ctx context.Context, stage Stage) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("cycle: run panicked", "panic", rec)
			metrics.CycleRunsTotal.WithLabelValues(string(stage), "panic").Inc()
		}
	}()

	if _, err := r.Run(ctx, stage); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		if errors.Is(err, store.ErrLocked) {
			r.log.Warn("cycle: store is locked, skipping this tick")
		}
	}
}
