package config

import (
	"sort"
	"strings"

	logx "jobrunner/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe structured
// attrs for logging. Tokens are never included, only whether one is set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 24)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Jobs != newCfg.Jobs {
		changed = append(changed, "jobs")
		n := newCfg.Jobs
		attrs = append(attrs,
			logx.Int("jobs.interactive_budget", n.InteractiveBudget),
			logx.Int("jobs.background_budget", n.BackgroundBudget),
			logx.String("jobs.idle_sleep", strings.TrimSpace(n.IdleSleep)),
			logx.Int("jobs.candidate_cap", n.CandidateCap),
			logx.Bool("jobs.enforce_timeouts", n.EnforceTimeouts),
		)
	}

	o, n := oldCfg.Oracle, newCfg.Oracle
	if o != n {
		changed = append(changed, "oracle")
		attrs = append(attrs,
			logx.String("oracle.strategy", strings.TrimSpace(n.Strategy)),
			logx.Bool("oracle.endpoint_set", strings.TrimSpace(n.Endpoint) != ""),
			logx.Bool("oracle.token_set", tokenSet(n.Token)),
			logx.String("oracle.timeout", strings.TrimSpace(n.Timeout)),
			logx.Float64("oracle.rate_per_sec", n.RatePerSec),
		)
	}

	oS, nS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Int("storage.retain", nS.Retain),
			logx.String("storage.drain_interval", strings.TrimSpace(nS.DrainInterval)),
		)
	}

	if strings.TrimSpace(oldCfg.Trigger.Timezone) != strings.TrimSpace(newCfg.Trigger.Timezone) {
		changed = append(changed, "trigger")
		attrs = append(attrs, logx.String("trigger.timezone", strings.TrimSpace(newCfg.Trigger.Timezone)))
	}

	if hashJSON(oldCfg.Schedules) != hashJSON(newCfg.Schedules) {
		changed = append(changed, "schedules")
		attrs = append(attrs, logx.Int("schedules.count", len(newCfg.Schedules)))
	}

	nd := newCfg.Debug
	if oldCfg.Debug != nd {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", nd.Enabled),
			logx.String("debug.addr", strings.TrimSpace(nd.Addr)),
			logx.Bool("debug.token_set", tokenSet(nd.Token)),
			logx.Bool("debug.allow_insecure", nd.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func tokenSet(tok string) bool { return strings.TrimSpace(tok) != "" }

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}
