package jobs

import (
	"strings"
	"time"
)

type Queue string

const (
	QueueInteractive Queue = "interactive"
	QueueBackground  Queue = "background"
)

// Queues lists every queue in a stable order.
var Queues = []Queue{QueueInteractive, QueueBackground}

// NormalizeQueue maps "interactive" (case-insensitive) to QueueInteractive and
// anything else to QueueBackground.
func NormalizeQueue(s string) Queue {
	if strings.EqualFold(strings.TrimSpace(s), string(QueueInteractive)) {
		return QueueInteractive
	}
	return QueueBackground
}

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError || s == StatusCancelled
}

func (s Status) active() bool { return s == StatusQueued || s == StatusRunning }

// Args is the opaque argument bundle handed to a job body.
type Args map[string]any

// Func is a job body. A returned error (or a panic) marks the job failed.
type Func func(rc *RunContext, args Args) (any, error)

// SubmitOptions describes one unit of work.
type SubmitOptions struct {
	Kind  string
	Fn    Func
	Args  Args
	Queue string

	// Priority is advisory, clamped into [0,1].
	Priority float64

	// Key deduplicates: while a job with the same key is queued or running,
	// Submit returns its id instead of creating a new job.
	Key string

	// Timeout is informational unless Config.EnforceTimeouts is set, in which
	// case it becomes the body's context deadline.
	Timeout time.Duration

	// Urgent forces the interactive queue.
	Urgent bool
}

// Record is the manager's internal state for one job. All fields are guarded by
// the manager lock; Fn and Args never change after submission.
type Record struct {
	ID             string
	Kind           string
	Queue          Queue
	RequestedQueue Queue
	Priority       float64
	Urgent         bool
	Key            string
	Timeout        time.Duration

	Fn   Func
	Args Args

	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time

	Status   Status
	Result   any
	Error    string
	Progress float64
	Notes    map[string]any
}

// Job is a read-only copy of a Record.
type Job struct {
	ID             string         `json:"id"`
	Kind           string         `json:"kind"`
	Queue          Queue          `json:"queue"`
	RequestedQueue Queue          `json:"requested_queue"`
	Priority       float64        `json:"priority"`
	Urgent         bool           `json:"urgent"`
	Key            string         `json:"key,omitempty"`
	Timeout        time.Duration  `json:"timeout,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      time.Time      `json:"started_at,omitempty"`
	FinishedAt     time.Time      `json:"finished_at,omitempty"`
	Status         Status         `json:"status"`
	Result         any            `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
	Progress       float64        `json:"progress"`
	Notes          map[string]any `json:"notes,omitempty"`
}

func (r *Record) snapshot() Job {
	return Job{
		ID:             r.ID,
		Kind:           r.Kind,
		Queue:          r.Queue,
		RequestedQueue: r.RequestedQueue,
		Priority:       r.Priority,
		Urgent:         r.Urgent,
		Key:            r.Key,
		Timeout:        r.Timeout,
		CreatedAt:      r.CreatedAt,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
		Status:         r.Status,
		Result:         r.Result,
		Error:          r.Error,
		Progress:       r.Progress,
		Notes:          cloneNotes(r.Notes),
	}
}

// Completion is the payload retired into the completion buffer when a job
// reaches a terminal state.
type Completion struct {
	JobID      string         `json:"job_id"`
	Kind       string         `json:"kind"`
	Queue      Queue          `json:"queue"`
	Status     Status         `json:"status"`
	Result     any            `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	Duration   *time.Duration `json:"duration,omitempty"`
	Notes      map[string]any `json:"llm_notes,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  time.Time      `json:"started_at,omitempty"`
	FinishedAt time.Time      `json:"finished_at"`
}

func (r *Record) completion() Completion {
	c := Completion{
		JobID:      r.ID,
		Kind:       r.Kind,
		Queue:      r.Queue,
		Status:     r.Status,
		Result:     r.Result,
		Error:      r.Error,
		Notes:      cloneNotes(r.Notes),
		CreatedAt:  r.CreatedAt,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
	if !r.StartedAt.IsZero() && !r.FinishedAt.IsZero() {
		d := r.FinishedAt.Sub(r.StartedAt)
		c.Duration = &d
	}
	return c
}

// JobEvent is published on the event bus for job lifecycle transitions.
type JobEvent struct {
	ID       string        `json:"id"`
	Kind     string        `json:"kind"`
	Queue    Queue         `json:"queue"`
	Status   Status        `json:"status"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// QueueStats describes one queue in a Snapshot.
type QueueStats struct {
	Pending int `json:"pending"`
	Running int `json:"running"`
	Budget  int `json:"budget"`
	Workers int `json:"workers"`
}

type Snapshot struct {
	Running     bool                 `json:"running"`
	Queues      map[Queue]QueueStats `json:"queues"`
	Completions int                  `json:"completions_buffered"`
	Tracked     int                  `json:"tracked"`
	Urgent      bool                 `json:"urgent"`
	LowLoad     bool                 `json:"low_load"`

	Submitted        uint64 `json:"submitted"`
	Deduplicated     uint64 `json:"deduplicated"`
	Cancelled        uint64 `json:"cancelled"`
	Failed           uint64 `json:"failed"`
	MissingSelection uint64 `json:"missing_selection"`
	OracleSilent     uint64 `json:"oracle_silent"`
	EvictedUndrained uint64 `json:"evicted_undrained"`

	History []HistoryItem `json:"history"`
}

// HistoryItem is a compact record of a finished execution; the same entries are
// offered to the oracle as recent history.
type HistoryItem struct {
	JobID  string         `json:"job_id"`
	Queue  Queue          `json:"queue"`
	Status Status         `json:"status"`
	Notes  map[string]any `json:"notes,omitempty"`
}

func cloneNotes(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
