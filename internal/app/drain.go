package app

import (
	"context"
	"time"

	logx "jobrunner/pkg/logx"
)

// drainLoop moves finished-job summaries into storage every drain interval.
// Without storage completions stay buffered for PollCompleted.
func (a *App) drainLoop(ctx context.Context) {
	if a.store == nil {
		return
	}
	for {
		wait := time.Duration(a.drainEvery.Load())
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if n := a.jobs.DrainToMemory(ctx, a.store); n > 0 {
			a.log.Debug("completions drained", logx.Int("count", n))
		}
	}
}

// drainAll empties the completion buffer into storage, batch by batch.
func (a *App) drainAll(ctx context.Context) {
	if a.store == nil {
		return
	}
	total := 0
	for ctx.Err() == nil {
		n := a.jobs.DrainToMemory(ctx, a.store)
		if n == 0 {
			break
		}
		total += n
	}
	if total > 0 {
		a.log.Info("completions drained on stop", logx.Int("count", total))
	}
}
