package app

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"jobrunner/internal/config"
	"jobrunner/internal/jobs"
	"jobrunner/internal/observability/debugsrv"
	"jobrunner/internal/oracle"
	"jobrunner/internal/storage"
	"jobrunner/internal/trigger"
	logx "jobrunner/pkg/logx"
)

const (
	defaultOracleTimeout = 10 * time.Second
	defaultDrainInterval = 2 * time.Second
	defaultBusyTimeout   = 5 * time.Second
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapJobsConfig(cfg *config.Config) (jobs.Config, error) {
	j := cfg.Jobs
	idle, err := config.ParseDurationField("jobs.idle_sleep", j.IdleSleep)
	if err != nil {
		return jobs.Config{}, err
	}
	shutdown, err := config.ParseDurationField("jobs.shutdown_timeout", j.ShutdownTimeout)
	if err != nil {
		return jobs.Config{}, err
	}
	oracleTimeout, err := config.ParseDurationOrDefault("oracle.timeout", cfg.Oracle.Timeout, defaultOracleTimeout)
	if err != nil {
		return jobs.Config{}, err
	}
	// zero values take the manager's defaults
	return jobs.Config{
		InteractiveBudget: j.InteractiveBudget,
		BackgroundBudget:  j.BackgroundBudget,
		IdleSleep:         idle,
		CandidateCap:      j.CandidateCap,
		CompletionCap:     j.CompletionCap,
		HistoryCap:        j.HistoryCap,
		DrainBatch:        j.DrainBatch,
		LowLoadThreshold:  j.LowLoadThreshold,
		OracleTimeout:     oracleTimeout,
		EnforceTimeouts:   j.EnforceTimeouts,
		ShutdownTimeout:   shutdown,
		RetainFinished:    j.RetainFinished,
	}, nil
}

// buildOracle returns the configured strategy without rate limiting. With a
// gate, remote calls for the background queue wait out urgent work.
func buildOracle(cfg *config.Config, client *http.Client, gate oracle.UrgencyGate) (oracle.Oracle, error) {
	o := cfg.Oracle
	switch strings.ToLower(strings.TrimSpace(o.Strategy)) {
	case "", "heuristic":
		return oracle.Heuristic{}, nil
	case "silent":
		return oracle.Silent, nil
	case "http":
		if strings.TrimSpace(o.Endpoint) == "" {
			return nil, fmt.Errorf("oracle.endpoint is required when oracle.strategy=http")
		}
		h := &oracle.HTTP{Endpoint: o.Endpoint, Spec: o.Spec, Token: o.Token, Client: client}
		if gate == nil {
			return h, nil
		}
		return &oracle.Deferring{Next: h, Gate: gate, Exempt: jobs.IsUrgent}, nil
	default:
		return nil, fmt.Errorf("unknown oracle.strategy: %s", o.Strategy)
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	if !storage.ValidDriver(driver) {
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, defaultBusyTimeout)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, Retain: sc.Retain}, true, nil
}

func mapDrainInterval(cfg *config.Config) (time.Duration, error) {
	if cfg == nil || cfg.Storage == nil {
		return defaultDrainInterval, nil
	}
	return config.ParseDurationOrDefault("storage.drain_interval", cfg.Storage.DrainInterval, defaultDrainInterval)
}

func mapSchedules(cfg *config.Config) ([]trigger.Schedule, error) {
	out := make([]trigger.Schedule, 0, len(cfg.Schedules))
	for i, sc := range cfg.Schedules {
		timeout, err := config.ParseDurationField(fmt.Sprintf("schedules[%d].timeout", i), sc.Timeout)
		if err != nil {
			return nil, err
		}
		out = append(out, trigger.Schedule{
			Name:     sc.Name,
			Spec:     sc.Spec,
			Kind:     sc.Kind,
			Queue:    sc.Queue,
			Priority: sc.Priority,
			Urgent:   sc.Urgent,
			Timeout:  timeout,
			Args:     jobs.Args(sc.Args),
			Key:      sc.Key,
		})
	}
	return out, nil
}

func mapDebugConfig(cfg *config.Config) (debugsrv.Config, error) {
	d := cfg.Debug
	rt, err := config.ParseDurationOrDefault("debug.read_timeout", d.ReadTimeout, 5*time.Second)
	if err != nil {
		return debugsrv.Config{}, err
	}
	wt, err := config.ParseDurationField("debug.write_timeout", d.WriteTimeout)
	if err != nil {
		return debugsrv.Config{}, err
	}
	it, err := config.ParseDurationOrDefault("debug.idle_timeout", d.IdleTimeout, 60*time.Second)
	if err != nil {
		return debugsrv.Config{}, err
	}
	return debugsrv.Config{
		Enabled:              d.Enabled,
		Addr:                 d.Addr,
		Prefix:               d.Prefix,
		Token:                d.Token,
		AllowInsecure:        d.AllowInsecure,
		ReadTimeout:          rt,
		WriteTimeout:         wt,
		IdleTimeout:          it,
		MutexProfileFraction: d.MutexProfileFraction,
		BlockProfileRate:     d.BlockProfileRate,
	}, nil
}
