package jobs

import (
	"context"
	"math"

	logx "jobrunner/pkg/logx"
)

// RunContext is handed to a running job body.
type RunContext struct {
	m      *Manager
	id     string
	kind   string
	queue  Queue
	urgent bool
	ctx    context.Context
	log    logx.Logger
}

// Detached returns a RunContext that is not bound to a manager: progress
// updates are dropped and Cancelled always reports false. Useful for running a
// job body directly.
func Detached(ctx context.Context, kind string) *RunContext {
	if ctx == nil {
		ctx = context.Background()
	}
	return &RunContext{kind: kind, queue: QueueBackground, ctx: ctx, log: logx.Nop()}
}

func (rc *RunContext) JobID() string { return rc.id }
func (rc *RunContext) Kind() string  { return rc.kind }
func (rc *RunContext) Queue() Queue  { return rc.queue }
func (rc *RunContext) Urgent() bool  { return rc.urgent }

func (rc *RunContext) Logger() logx.Logger { return rc.log }

// Context is not cancelled by manager shutdown. It carries a deadline only
// when timeouts are enforced and the job was submitted with one.
func (rc *RunContext) Context() context.Context { return rc.ctx }

// UpdateProgress clamps v into [0,1] and records it while the job is running.
func (rc *RunContext) UpdateProgress(v float64) {
	if rc == nil || rc.m == nil || math.IsNaN(v) {
		return
	}
	v = clamp01(v)
	m := rc.m
	m.mu.Lock()
	if rec := m.jobs[rc.id]; rec != nil && rec.Status == StatusRunning {
		rec.Progress = v
	}
	m.mu.Unlock()
}

// Cancelled reports whether this job id is in the cancellation set. Only
// queued jobs can be cancelled, so a running body sees false; the check is
// there for bodies that are also run outside the manager.
func (rc *RunContext) Cancelled() bool {
	if rc == nil || rc.m == nil {
		return false
	}
	m := rc.m
	m.mu.Lock()
	_, ok := m.cancelled[rc.id]
	m.mu.Unlock()
	return ok
}

type urgentKey struct{}

// IsUrgent reports whether ctx belongs to the body of an urgent job.
func IsUrgent(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, _ := ctx.Value(urgentKey{}).(bool)
	return v
}
