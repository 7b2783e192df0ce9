package config

import (
	"bytes"
	"encoding/json"
)

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig    `json:"logging"`
	Jobs      JobsConfig       `json:"jobs"`
	Oracle    OracleConfig     `json:"oracle"`
	Storage   *StorageConfig   `json:"storage,omitempty"`
	Trigger   TriggerConfig    `json:"trigger,omitempty"`
	Schedules []ScheduleConfig `json:"schedules,omitempty"`
	Debug     DebugConfig      `json:"debug,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// JobsConfig controls the job manager.
//
// Defaults (when fields are omitted/zero):
//   - interactive_budget: 1
//   - background_budget: 2
//   - idle_sleep: "400ms"
//   - candidate_cap: 10
//   - completion_cap: 256
//   - history_cap: 200
//   - drain_batch: 64
//   - low_load_threshold: 2
//   - shutdown_timeout: "1s"
//   - retain_finished: 1024
//
// Budgets are read once at startup for sizing worker loops; a larger budget on
// reload only raises admission up to the loops already running.
type JobsConfig struct {
	InteractiveBudget int    `json:"interactive_budget,omitempty"`
	BackgroundBudget  int    `json:"background_budget,omitempty"`
	IdleSleep         string `json:"idle_sleep,omitempty"`
	CandidateCap      int    `json:"candidate_cap,omitempty"`
	CompletionCap     int    `json:"completion_cap,omitempty"`
	HistoryCap        int    `json:"history_cap,omitempty"`
	DrainBatch        int    `json:"drain_batch,omitempty"`
	LowLoadThreshold  int    `json:"low_load_threshold,omitempty"`
	EnforceTimeouts   bool   `json:"enforce_timeouts,omitempty"`
	ShutdownTimeout   string `json:"shutdown_timeout,omitempty"`
	RetainFinished    int    `json:"retain_finished,omitempty"`
}

// OracleConfig selects the prioritization strategy.
//
// Strategy values:
//   - "heuristic" (default): urgent first, then priority, then age
//   - "http": POST each round to Endpoint
//   - "silent": never answers; workers fall back to submission order
type OracleConfig struct {
	Strategy string `json:"strategy,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	Spec     string `json:"spec,omitempty"`  // instructions forwarded with every request
	Token    string `json:"token,omitempty"` // optional bearer token (do not log)

	// Timeout bounds one consultation. Default "10s".
	Timeout string `json:"timeout,omitempty"`

	// RatePerSec caps consultations per second; 0 disables the limiter.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
}

// StorageConfig controls where drained completions are kept.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./jobrunner.db", "drain_interval": "2s" }
//
// Nil or driver "none" disables persistence; completions then stay in memory
// until polled.
type StorageConfig struct {
	Driver        string `json:"driver"`
	Path          string `json:"path"`
	BusyTimeout   string `json:"busy_timeout,omitempty"` // sqlite
	Retain        int    `json:"retain,omitempty"`
	DrainInterval string `json:"drain_interval,omitempty"` // default "2s"
}

type TriggerConfig struct {
	Timezone string `json:"timezone,omitempty"`
}

// ScheduleConfig submits a job of Kind on every firing of Spec.
type ScheduleConfig struct {
	Name     string         `json:"name"`
	Spec     string         `json:"spec"`
	Kind     string         `json:"kind"`
	Queue    string         `json:"queue,omitempty"`
	Priority float64        `json:"priority,omitempty"`
	Urgent   bool           `json:"urgent,omitempty"`
	Timeout  string         `json:"timeout,omitempty"`
	Key      string         `json:"key,omitempty"` // "-" disables dedup
	Args     map[string]any `json:"args,omitempty"`
}

// UnmarshalJSON rejects unknown keys inside a schedule entry too, so a typo
// such as "prority" is caught on reload.
func (s *ScheduleConfig) UnmarshalJSON(b []byte) error {
	type plain ScheduleConfig
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var p plain
	if err := dec.Decode(&p); err != nil {
		return err
	}
	*s = ScheduleConfig(p)
	return nil
}

// DebugConfig controls the optional debug HTTP server.
//
// Prefer binding to localhost. A non-loopback address needs a token or
// allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// WriteTimeout defaults to 0 so /profile (30s+) works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
