package jobs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"jobrunner/internal/eventbus"
	"jobrunner/internal/oracle"
	rtsup "jobrunner/internal/runtime/supervisor"
	logx "jobrunner/pkg/logx"
)

type managerState int

const (
	stateIdle managerState = iota
	stateRunning
	stateStopped
)

// Manager owns the job table, per-queue pending lists, running counters,
// dedup keys, the cancellation set, the completion buffer and the rolling
// history. Everything is guarded by mu; oracle calls and job bodies run
// outside it.
type Manager struct {
	log    logx.Logger
	bus    eventbus.Bus
	oracle oracle.Oracle

	mu          sync.Mutex
	cfg         Config
	jobs        map[string]*Record
	pending     map[Queue][]string
	running     map[Queue]int
	workers     map[Queue]int
	keys        map[string]string
	cancelled   map[string]struct{}
	urgent      int
	finished    ring[string]
	completions ring[Completion]
	history     ring[HistoryItem]
	changed     chan struct{}

	state  managerState
	sup    *rtsup.Supervisor
	stopCh chan struct{}

	submitted        atomic.Uint64
	deduplicated     atomic.Uint64
	cancelledTotal   atomic.Uint64
	failed           atomic.Uint64
	missingSelection atomic.Uint64
	oracleSilent     atomic.Uint64
	evictedUndrained atomic.Uint64
}

// New builds a manager. A nil oracle falls back to oracle.Heuristic.
// Jobs may be submitted before Start; they wait in their queue.
func New(cfg Config, orc oracle.Oracle, log logx.Logger, bus eventbus.Bus) *Manager {
	cfg = cfg.withDefaults()
	if orc == nil {
		orc = oracle.Heuristic{}
	}
	return &Manager{
		log:         log,
		bus:         bus,
		oracle:      orc,
		cfg:         cfg,
		jobs:        make(map[string]*Record),
		pending:     make(map[Queue][]string),
		running:     make(map[Queue]int),
		workers:     make(map[Queue]int),
		keys:        make(map[string]string),
		cancelled:   make(map[string]struct{}),
		finished:    newRing[string](cfg.RetainFinished),
		completions: newRing[Completion](cfg.CompletionCap),
		history:     newRing[HistoryItem](cfg.HistoryCap),
		changed:     make(chan struct{}),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the worker loops. It is idempotent; a stopped manager stays stopped.
func (m *Manager) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	if m.state != stateIdle {
		m.mu.Unlock()
		return
	}
	m.state = stateRunning
	cfg := m.cfg
	stopCh := m.stopCh
	m.sup = rtsup.New(ctx,
		rtsup.WithLogger(m.log.With(logx.String("comp", "jobs"))),
		// a broken worker must not take the process down
		rtsup.WithCancelOnError(false),
	)
	sup := m.sup
	for _, q := range Queues {
		m.workers[q] = cfg.budget(q)
	}
	m.mu.Unlock()

	for _, q := range Queues {
		n := cfg.budget(q)
		for i := 0; i < n; i++ {
			queue := q
			name := fmt.Sprintf("jobs.%s.%d", queue, i)
			sup.GoRestart(name, func(c context.Context) error {
				m.worker(c, queue, stopCh)
				select {
				case <-stopCh:
					return nil
				default:
				}
				if c.Err() != nil {
					return c.Err()
				}
				return errors.New("worker exited unexpectedly")
			},
				rtsup.WithPublishFirstError(true),
			)
		}
	}

	m.log.Info("job manager started",
		logx.Int("interactive_workers", cfg.InteractiveBudget),
		logx.Int("background_workers", cfg.BackgroundBudget),
		logx.Duration("idle_sleep", cfg.IdleSleep),
	)
}

// Apply swaps tunables at runtime. Buffer capacities and the number of worker
// loops are fixed at construction/Start; changes to them are logged and ignored.
// A lowered budget gates new admissions only: jobs already running above the
// new budget finish normally, so running can exceed budget until they do.
func (m *Manager) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	m.mu.Lock()
	prev := m.cfg
	cfg.CompletionCap = prev.CompletionCap
	cfg.HistoryCap = prev.HistoryCap
	cfg.RetainFinished = prev.RetainFinished
	m.cfg = cfg
	workers := map[Queue]int{QueueInteractive: m.workers[QueueInteractive], QueueBackground: m.workers[QueueBackground]}
	started := m.state != stateIdle
	m.notifyLocked()
	m.mu.Unlock()

	if !started {
		return
	}
	for _, q := range Queues {
		if b := cfg.budget(q); b > workers[q] {
			m.log.Warn("job budget exceeds worker loops; restart to add workers",
				logx.String("queue", string(q)), logx.Int("budget", b), logx.Int("workers", workers[q]))
		}
	}
}

// Submit admits a job into its queue and returns its id. With a Key that
// matches a queued or running job, the existing id is returned and nothing is
// created. Submit never runs the job itself.
func (m *Manager) Submit(opt SubmitOptions) (string, error) {
	if opt.Fn == nil {
		return "", ErrNilFunc
	}
	kind := strings.TrimSpace(opt.Kind)
	if kind == "" {
		return "", ErrKindRequired
	}
	requested := NormalizeQueue(opt.Queue)
	q := QueueBackground
	if opt.Urgent || requested == QueueInteractive {
		q = QueueInteractive
	}
	key := strings.TrimSpace(opt.Key)
	timeout := opt.Timeout
	if timeout < 0 {
		timeout = 0
	}

	m.mu.Lock()
	if m.state == stateStopped {
		m.mu.Unlock()
		return "", ErrStopped
	}
	if key != "" {
		if id, ok := m.keys[key]; ok {
			if rec := m.jobs[id]; rec != nil && rec.Status.active() {
				m.mu.Unlock()
				m.deduplicated.Add(1)
				m.log.Debug("job.deduplicated", logx.String("key", key), logx.String("id", id), logx.String("kind", kind))
				return id, nil
			}
		}
	}
	rec := &Record{
		ID:             uuid.NewString(),
		Kind:           kind,
		Queue:          q,
		RequestedQueue: requested,
		Priority:       clampPriority(opt.Priority),
		Urgent:         opt.Urgent,
		Key:            key,
		Timeout:        timeout,
		Fn:             opt.Fn,
		Args:           cloneArgs(opt.Args),
		CreatedAt:      time.Now(),
		Status:         StatusQueued,
	}
	m.jobs[rec.ID] = rec
	m.pending[q] = append(m.pending[q], rec.ID)
	if key != "" {
		m.keys[key] = rec.ID
	}
	if rec.Urgent {
		m.urgent++
	}
	m.notifyLocked()
	m.mu.Unlock()

	m.submitted.Add(1)
	m.log.Debug("job.queued", logx.String("id", rec.ID), logx.String("kind", kind), logx.String("queue", string(q)), logx.Bool("urgent", rec.Urgent))
	m.publish("job.queued", JobEvent{ID: rec.ID, Kind: kind, Queue: q, Status: StatusQueued})
	return rec.ID, nil
}

// Cancel cancels a job that has not started. Running and finished jobs are
// left untouched and Cancel reports false.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	rec := m.jobs[id]
	if rec == nil || rec.Status != StatusQueued {
		m.mu.Unlock()
		return false
	}
	rec.Status = StatusCancelled
	rec.FinishedAt = stamp(rec.CreatedAt)
	m.removePendingLocked(rec.Queue, id)
	m.cancelled[id] = struct{}{}
	m.retireLocked(rec)
	ev := JobEvent{ID: rec.ID, Kind: rec.Kind, Queue: rec.Queue, Status: StatusCancelled}
	m.mu.Unlock()

	m.cancelledTotal.Add(1)
	m.log.Debug("job.cancelled", logx.String("id", id), logx.String("kind", ev.Kind))
	m.publish("job.cancelled", ev)
	return true
}

// IsLowLoad reports whether queued plus running jobs across all queues are
// below the configured threshold.
func (m *Manager) IsLowLoad() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lowLoadLocked()
}

func (m *Manager) lowLoadLocked() bool {
	total := 0
	for _, q := range Queues {
		total += len(m.pending[q]) + m.running[q]
	}
	return total < m.cfg.LowLoadThreshold
}

// HasUrgent reports whether any urgent job is queued or running.
func (m *Manager) HasUrgent() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.urgent > 0
}

// WaitForUrgentClear blocks until no urgent job is queued or running. It
// returns false if ctx ends first.
func (m *Manager) WaitForUrgentClear(ctx context.Context) bool {
	for {
		m.mu.Lock()
		if m.urgent == 0 {
			m.mu.Unlock()
			return true
		}
		ch := m.changed
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return false
		case <-ch:
		}
	}
}

// Job returns a copy of the job's current state. Finished jobs stay visible
// until RetainFinished newer jobs have finished.
func (m *Manager) Job(id string) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.jobs[id]
	if rec == nil {
		return Job{}, false
	}
	return rec.snapshot(), true
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	qs := make(map[Queue]QueueStats, len(Queues))
	for _, q := range Queues {
		qs[q] = QueueStats{
			Pending: len(m.pending[q]),
			Running: m.running[q],
			Budget:  m.cfg.budget(q),
			Workers: m.workers[q],
		}
	}
	snap := Snapshot{
		Running:     m.state == stateRunning,
		Queues:      qs,
		Completions: m.completions.Len(),
		Tracked:     len(m.jobs),
		Urgent:      m.urgent > 0,
		LowLoad:     m.lowLoadLocked(),
		History:     m.history.Items(),
	}
	m.mu.Unlock()

	snap.Submitted = m.submitted.Load()
	snap.Deduplicated = m.deduplicated.Load()
	snap.Cancelled = m.cancelledTotal.Load()
	snap.Failed = m.failed.Load()
	snap.MissingSelection = m.missingSelection.Load()
	snap.OracleSilent = m.oracleSilent.Load()
	snap.EvictedUndrained = m.evictedUndrained.Load()
	return snap
}

// Shutdown stops the worker loops. In-flight oracle calls are cancelled;
// in-flight job bodies are not interrupted. With wait, Shutdown blocks until
// every worker loop has exited or ctx (bounded by ShutdownTimeout per queue
// when ctx has no deadline) expires. Submit fails with ErrStopped afterwards.
func (m *Manager) Shutdown(ctx context.Context, wait bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	first := m.state != stateStopped
	if first {
		m.state = stateStopped
		close(m.stopCh)
		m.notifyLocked()
	}
	sup := m.sup
	bound := m.cfg.ShutdownTimeout * time.Duration(len(Queues))
	m.mu.Unlock()

	if sup == nil {
		return nil
	}
	if first {
		sup.Cancel()
	}
	if !wait {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, bound)
		defer cancel()
	}
	_ = sup.Wait(ctx)
	if err := ctx.Err(); err != nil {
		m.log.Warn("job manager stop timed out", logx.Err(err))
		return err
	}
	if first {
		m.log.Info("job manager stopped")
	}
	return nil
}

// retireLocked records a terminal transition: completion payload, dedup key
// release, urgency bookkeeping and bounded retention of finished records.
func (m *Manager) retireLocked(rec *Record) {
	if _, evicted := m.completions.Push(rec.completion()); evicted {
		m.evictedUndrained.Add(1)
	}
	if rec.Key != "" && m.keys[rec.Key] == rec.ID {
		delete(m.keys, rec.Key)
	}
	if rec.Urgent && m.urgent > 0 {
		m.urgent--
	}
	if old, ok := m.finished.Push(rec.ID); ok {
		if r := m.jobs[old]; r != nil && r.Status.Terminal() {
			delete(m.jobs, old)
			delete(m.cancelled, old)
		}
	}
	m.notifyLocked()
}

func (m *Manager) removePendingLocked(q Queue, id string) {
	ids := m.pending[q]
	for i, v := range ids {
		if v == id {
			m.pending[q] = append(ids[:i:i], ids[i+1:]...)
			return
		}
	}
}

// notifyLocked wakes WaitForUrgentClear callers.
func (m *Manager) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *Manager) publish(typ string, ev JobEvent) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

// stamp returns now, never earlier than floor.
func stamp(floor time.Time) time.Time {
	now := time.Now()
	if now.Before(floor) {
		return floor
	}
	return now
}

func clampPriority(p float64) float64 {
	if math.IsNaN(p) {
		return 0.5
	}
	return clamp01(p)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func cloneArgs(a Args) Args {
	if a == nil {
		return Args{}
	}
	out := make(Args, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}
