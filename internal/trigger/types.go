package trigger

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"jobrunner/internal/jobs"
	logx "jobrunner/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"; empty means Local
}

// Schedule describes one recurring submission.
type Schedule struct {
	Name     string
	Spec     string // cron, Go duration or HH:MM interval; see ParseSchedule
	Kind     string
	Queue    string
	Priority float64
	Urgent   bool
	Timeout  time.Duration
	Args     jobs.Args

	// Key overrides the dedup key. Empty means "schedule:<Name>"; "-" disables dedup.
	Key string
}

func (s Schedule) dedupKey() string {
	switch s.Key {
	case "":
		return "schedule:" + s.Name
	case "-":
		return ""
	default:
		return s.Key
	}
}

// Submitter is the job manager as seen by the trigger service.
type Submitter interface {
	Submit(opt jobs.SubmitOptions) (string, error)
}

// Resolver maps a job kind to its body.
type Resolver interface {
	Lookup(kind string) (jobs.Func, bool)
}

type scheduleDef struct {
	sched         Schedule
	spec          string // normalized cron spec or @every
	fn            jobs.Func
	entryID       cron.EntryID
	startupSpread time.Duration

	// guarded by Service.statMu, never by Service.mu
	fired   uint64
	lastJob string
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	sub     Submitter
	resolve Resolver

	parser cron.Parser
	c      *cron.Cron
	defs   []*scheduleDef

	statMu sync.Mutex

	// Submit error throttling: key is schedule name.
	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

type ScheduleInfo struct {
	Name          string        `json:"name"`
	Spec          string        `json:"spec"`
	Kind          string        `json:"kind"`
	Queue         string        `json:"queue"`
	Key           string        `json:"key,omitempty"`
	Next          time.Time     `json:"next,omitempty"`
	Prev          time.Time     `json:"prev,omitempty"`
	StartupSpread time.Duration `json:"startup_spread,omitempty"`
	Fired         uint64        `json:"fired"`
	LastJob       string        `json:"last_job,omitempty"`
}

type Snapshot struct {
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}
