package app

import (
	"context"
	"fmt"
	"time"

	logx "jobrunner/pkg/logx"
)

// stopper runs shutdown steps, each bounded so one component cannot stall
// the whole stop. A step never outlives the caller's deadline.
type stopper struct {
	ctx context.Context
	log logx.Logger
}

func newStopper(ctx context.Context, log logx.Logger) stopper {
	if ctx == nil {
		ctx = context.Background()
	}
	return stopper{ctx: ctx, log: log}
}

func (s stopper) step(name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	s.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	if dl, ok := s.ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		s.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(s.ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			s.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			s.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			s.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		s.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		// report if the step finishes late
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				s.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				s.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}
