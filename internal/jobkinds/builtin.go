package jobkinds

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"jobrunner/internal/jobs"
)

// ErrCancelled is returned by bodies that stop early because their job was cancelled.
var ErrCancelled = errors.New("cancelled")

func Noop(rc *jobs.RunContext, args jobs.Args) (any, error) { return nil, nil }

// Echo returns args["message"] with args["prefix"] (default "echo: ") in front.
func Echo(rc *jobs.RunContext, args jobs.Args) (any, error) {
	msg := strings.TrimSpace(fmt.Sprint(args["message"]))
	if _, ok := args["message"]; !ok || msg == "" {
		return nil, errors.New("message required")
	}
	prefix := "echo: "
	if p, ok := args["prefix"].(string); ok {
		prefix = p
	}
	return prefix + msg, nil
}

// Sleep waits args["duration"] (Go duration string or seconds, default 1s) in
// args["steps"] (default 10) slices, reporting progress after each. It stops
// early when the job is cancelled or its context ends.
func Sleep(rc *jobs.RunContext, args jobs.Args) (any, error) {
	total, err := durationArg(args, "duration", time.Second)
	if err != nil {
		return nil, err
	}
	steps := intArg(args, "steps", 10)
	if steps < 1 {
		steps = 1
	}
	ctx := rc.Context()
	slice := total / time.Duration(steps)

	for i := 0; i < steps; i++ {
		if rc.Cancelled() {
			return nil, ErrCancelled
		}
		t := time.NewTimer(slice)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		rc.UpdateProgress(float64(i+1) / float64(steps))
	}
	return map[string]any{"slept": total.String(), "steps": steps}, nil
}

func durationArg(args jobs.Args, key string, def time.Duration) (time.Duration, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return def, nil
	}
	var d time.Duration
	switch x := v.(type) {
	case string:
		p, err := time.ParseDuration(strings.TrimSpace(x))
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		d = p
	case time.Duration:
		d = x
	case float64:
		d = time.Duration(x * float64(time.Second))
	case int:
		d = time.Duration(x) * time.Second
	case int64:
		d = time.Duration(x) * time.Second
	default:
		return 0, fmt.Errorf("%s: unsupported type %T", key, v)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must be >= 0", key)
	}
	return d, nil
}

func intArg(args jobs.Args, key string, def int) int {
	switch x := args[key].(type) {
	case int:
		return x
	case int64:
		return int(x)
	case float64:
		return int(x)
	default:
		return def
	}
}
