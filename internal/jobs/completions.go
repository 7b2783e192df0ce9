package jobs

import (
	"context"
	"fmt"

	logx "jobrunner/pkg/logx"
)

// MemoryKindCompletion is the kind stamped on every drained record.
const MemoryKindCompletion = "job_completion"

// MemoryRecord is the normalized summary persisted for one completion.
type MemoryRecord struct {
	Kind     string         `json:"kind"`
	JobID    string         `json:"job_id"`
	Status   string         `json:"status"`
	Result   any            `json:"result"`
	Error    string         `json:"error,omitempty"`
	Queue    string         `json:"queue"`
	Duration *float64       `json:"duration"` // seconds; nil if the job never started
	LLM      map[string]any `json:"llm,omitempty"`
}

// MemorySink receives drained completions.
type MemorySink interface {
	AddMemory(ctx context.Context, rec MemoryRecord) error
}

// NewMemoryRecord normalizes a completion.
func NewMemoryRecord(c Completion) MemoryRecord {
	rec := MemoryRecord{
		Kind:   MemoryKindCompletion,
		JobID:  c.JobID,
		Status: string(c.Status),
		Result: c.Result,
		Error:  c.Error,
		Queue:  string(c.Queue),
		LLM:    cloneNotes(c.Notes),
	}
	if c.Duration != nil {
		s := c.Duration.Seconds()
		rec.Duration = &s
	}
	return rec
}

// PollCompleted pops up to limit completions, oldest first. At least one is
// returned when available; a popped completion is never returned again.
func (m *Manager) PollCompleted(limit int) []Completion {
	if limit < 1 {
		limit = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completions.Pop(limit)
}

// DrainToMemory polls one batch of completions and hands each to sink. A nil
// sink discards them. Failures for one completion are logged and do not stop
// the rest. It returns how many completions were consumed.
func (m *Manager) DrainToMemory(ctx context.Context, sink MemorySink) int {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	n := m.cfg.DrainBatch
	m.mu.Unlock()

	batch := m.PollCompleted(n)
	if sink == nil {
		return len(batch)
	}
	for _, c := range batch {
		if err := persist(ctx, sink, NewMemoryRecord(c)); err != nil {
			m.log.Warn("job.drain_failed", logx.String("id", c.JobID), logx.String("status", string(c.Status)), logx.Err(err))
		}
	}
	return len(batch)
}

func persist(ctx context.Context, sink MemorySink, rec MemoryRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return sink.AddMemory(ctx, rec)
}
