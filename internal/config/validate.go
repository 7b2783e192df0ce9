package config

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"jobrunner/internal/storage"
	"jobrunner/internal/trigger"
	logx "jobrunner/pkg/logx"
)

// Validate checks everything that can be checked without building the
// runtime: levels, durations, enums, schedule specs and duplicate names.
// Job kinds are resolved later, by the app.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if lvl := strings.TrimSpace(c.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		add(fmt.Errorf("logging.level: unknown level %q", lvl))
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		add(errors.New("logging.file.path: required when file logging is enabled"))
	}

	j := c.Jobs
	for _, f := range []struct {
		name string
		v    int
	}{
		{"jobs.interactive_budget", j.InteractiveBudget},
		{"jobs.background_budget", j.BackgroundBudget},
		{"jobs.candidate_cap", j.CandidateCap},
		{"jobs.completion_cap", j.CompletionCap},
		{"jobs.history_cap", j.HistoryCap},
		{"jobs.drain_batch", j.DrainBatch},
		{"jobs.low_load_threshold", j.LowLoadThreshold},
		{"jobs.retain_finished", j.RetainFinished},
	} {
		if f.v < 0 {
			add(fmt.Errorf("%s: must be >= 0", f.name))
		}
	}
	_, err := ParseDurationField("jobs.idle_sleep", j.IdleSleep)
	add(err)
	_, err = ParseDurationField("jobs.shutdown_timeout", j.ShutdownTimeout)
	add(err)

	o := c.Oracle
	switch strings.ToLower(strings.TrimSpace(o.Strategy)) {
	case "", "heuristic", "silent":
	case "http":
		if strings.TrimSpace(o.Endpoint) == "" {
			add(errors.New("oracle.endpoint: required for strategy http"))
		}
	default:
		add(fmt.Errorf("oracle.strategy: unknown strategy %q", o.Strategy))
	}
	_, err = ParseDurationField("oracle.timeout", o.Timeout)
	add(err)
	if o.RatePerSec < 0 || math.IsNaN(o.RatePerSec) || math.IsInf(o.RatePerSec, 0) {
		add(errors.New("oracle.rate_per_sec: must be a finite number >= 0"))
	}
	if o.Burst < 0 {
		add(errors.New("oracle.burst: must be >= 0"))
	}

	if s := c.Storage; s != nil {
		if !storage.ValidDriver(s.Driver) {
			add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		drv := strings.ToLower(strings.TrimSpace(s.Driver))
		if drv != "" && drv != "none" && strings.TrimSpace(s.Path) == "" {
			add(errors.New("storage.path: required when storage is enabled"))
		}
		if s.Retain < 0 {
			add(errors.New("storage.retain: must be >= 0"))
		}
		_, err = ParseDurationField("storage.busy_timeout", s.BusyTimeout)
		add(err)
		_, err = ParseDurationField("storage.drain_interval", s.DrainInterval)
		add(err)
	}

	seen := make(map[string]struct{}, len(c.Schedules))
	for i, sc := range c.Schedules {
		path := fmt.Sprintf("schedules[%d]", i)
		name := strings.TrimSpace(sc.Name)
		if name == "" {
			add(fmt.Errorf("%s.name: required", path))
		} else if _, dup := seen[name]; dup {
			add(fmt.Errorf("%s.name: duplicate %q", path, name))
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(sc.Kind) == "" {
			add(fmt.Errorf("%s.kind: required", path))
		}
		if _, err := trigger.ParseSchedule(sc.Spec); err != nil {
			add(fmt.Errorf("%s.spec: %w", path, err))
		}
		_, err = ParseDurationField(path+".timeout", sc.Timeout)
		add(err)
	}

	d := c.Debug
	for _, f := range [][2]string{
		{"debug.read_timeout", d.ReadTimeout},
		{"debug.write_timeout", d.WriteTimeout},
		{"debug.idle_timeout", d.IdleTimeout},
	} {
		_, err = ParseDurationField(f[0], f[1])
		add(err)
	}

	return errors.Join(errs...)
}
