package oracle

import (
	"context"
	"errors"
	"strings"
)

// ErrDeferred is returned when urgent work outlasted the caller's context.
var ErrDeferred = errors.New("oracle call deferred: urgent work in flight")

// UrgencyGate reports urgent work that is queued or running.
type UrgencyGate interface {
	HasUrgent() bool
	WaitForUrgentClear(ctx context.Context) bool
}

// Deferring holds background-queue calls to Next while Gate reports urgent
// work, leaving the remote service to the interactive queue. Interactive
// requests and calls whose ctx Exempt reports as urgent go straight through.
type Deferring struct {
	Next   Oracle
	Gate   UrgencyGate
	Exempt func(ctx context.Context) bool
}

func (d *Deferring) Prioritize(ctx context.Context, req Request) (*Response, error) {
	if d == nil || d.Next == nil {
		return nil, ErrNoOracle
	}
	if d.Gate != nil && !d.exempt(ctx, req) && d.Gate.HasUrgent() {
		if !d.Gate.WaitForUrgentClear(ctx) {
			return nil, ErrDeferred
		}
	}
	return d.Next.Prioritize(ctx, req)
}

func (d *Deferring) exempt(ctx context.Context, req Request) bool {
	if strings.EqualFold(strings.TrimSpace(req.Queue), "interactive") {
		return true
	}
	return d.Exempt != nil && d.Exempt(ctx)
}
