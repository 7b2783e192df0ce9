package jobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"jobrunner/internal/oracle"
	logx "jobrunner/pkg/logx"
)

func (m *Manager) worker(ctx context.Context, q Queue, stopCh <-chan struct{}) {
	for {
		// Fast-exit check so shutdown wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		if m.round(ctx, q) {
			continue
		}

		m.mu.Lock()
		d := m.cfg.IdleSleep
		m.mu.Unlock()
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-stopCh:
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// round runs one admission round for q and reports whether a job was executed.
func (m *Manager) round(ctx context.Context, q Queue) bool {
	req, cfg, ok := m.sample(q)
	if !ok {
		return false
	}

	resp := m.consult(ctx, cfg.OracleTimeout, req)
	if resp == nil {
		m.oracleSilent.Add(1)
		return false
	}

	sel, found := pick(resp, req.Jobs)
	if !found {
		m.failSelection(req.Jobs[0].JobID)
		return false
	}

	rec := m.admit(q, sel)
	if rec == nil {
		return false
	}
	m.execute(ctx, rec, cfg)
	return true
}

// sample builds the oracle request from up to CandidateCap queued jobs, in
// enqueue order. It reports false when the queue is at budget or empty.
func (m *Manager) sample(q Queue) (oracle.Request, Config, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg := m.cfg
	if m.state != stateRunning || m.running[q] >= cfg.budget(q) {
		return oracle.Request{}, cfg, false
	}

	now := time.Now()
	cands := make([]oracle.Candidate, 0, cfg.CandidateCap)
	for _, id := range m.pending[q] {
		if len(cands) >= cfg.CandidateCap {
			break
		}
		rec := m.jobs[id]
		if rec == nil || rec.Status != StatusQueued {
			continue
		}
		age := now.Sub(rec.CreatedAt).Seconds()
		if age < 0 {
			age = 0
		}
		cands = append(cands, oracle.Candidate{
			JobID:          rec.ID,
			Kind:           rec.Kind,
			Queue:          string(rec.Queue),
			Priority:       rec.Priority,
			Urgent:         rec.Urgent,
			Age:            age,
			RequestedQueue: string(rec.RequestedQueue),
			Status:         string(rec.Status),
		})
	}
	if len(cands) == 0 {
		return oracle.Request{}, cfg, false
	}

	items := m.history.Items()
	hist := make([]oracle.HistoryEntry, 0, len(items))
	for _, h := range items {
		hist = append(hist, oracle.HistoryEntry{JobID: h.JobID, Queue: string(h.Queue), Status: string(h.Status), Notes: cloneNotes(h.Notes)})
	}

	return oracle.Request{
		Queue:   string(q),
		Jobs:    cands,
		History: hist,
		Budgets: cfg.budgets(),
	}, cfg, true
}

// consult asks the oracle for an ordering. Errors, panics, timeouts and nil
// answers all return nil. The call runs on its own goroutine so an oracle that
// ignores ctx cannot hold the worker past the timeout.
func (m *Manager) consult(ctx context.Context, timeout time.Duration, req oracle.Request) *oracle.Response {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type answer struct {
		resp *oracle.Response
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- answer{err: fmt.Errorf("oracle panic: %v", r)}
			}
		}()
		resp, err := m.oracle.Prioritize(cctx, req)
		ch <- answer{resp: resp, err: err}
	}()

	select {
	case a := <-ch:
		if a.err != nil {
			m.log.Debug("oracle.silent", logx.String("queue", req.Queue), logx.Int("candidates", len(req.Jobs)), logx.Err(a.err))
			return nil
		}
		return a.resp
	case <-cctx.Done():
		m.log.Debug("oracle.silent", logx.String("queue", req.Queue), logx.Int("candidates", len(req.Jobs)), logx.Err(cctx.Err()))
		return nil
	}
}

// pick returns the first selection that names one of the sampled candidates.
func pick(resp *oracle.Response, cands []oracle.Candidate) (oracle.Selection, bool) {
	ids := make(map[string]struct{}, len(cands))
	for _, c := range cands {
		ids[c.JobID] = struct{}{}
	}
	for _, s := range resp.PrioritizedJobs {
		if s.JobID == "" {
			continue
		}
		if _, ok := ids[s.JobID]; ok {
			return s, true
		}
	}
	return oracle.Selection{}, false
}

// failSelection marks a still-queued candidate failed with ReasonMissingSelection.
func (m *Manager) failSelection(id string) {
	m.mu.Lock()
	rec := m.jobs[id]
	if rec == nil || rec.Status != StatusQueued {
		m.mu.Unlock()
		return
	}
	rec.Status = StatusError
	rec.Error = ReasonMissingSelection
	rec.FinishedAt = stamp(rec.CreatedAt)
	m.removePendingLocked(rec.Queue, id)
	m.retireLocked(rec)
	ev := JobEvent{ID: rec.ID, Kind: rec.Kind, Queue: rec.Queue, Status: StatusError, Error: ReasonMissingSelection}
	m.mu.Unlock()

	m.missingSelection.Add(1)
	m.log.Warn("job.failed", logx.String("id", id), logx.String("kind", ev.Kind), logx.String("queue", string(ev.Queue)), logx.String("reason", ReasonMissingSelection))
	m.publish("job.failed", ev)
}

// admit moves the selected job to running if it is still queued, still on q,
// the queue is under budget, and the manager is still running.
func (m *Manager) admit(q Queue, sel oracle.Selection) *Record {
	m.mu.Lock()
	rec := m.jobs[sel.JobID]
	if m.state != stateRunning || rec == nil || rec.Status != StatusQueued || rec.Queue != q || m.running[q] >= m.cfg.budget(q) {
		m.mu.Unlock()
		return nil
	}
	rec.Status = StatusRunning
	rec.StartedAt = stamp(rec.CreatedAt)
	rec.Notes = cloneNotes(sel.Notes)
	m.removePendingLocked(q, rec.ID)
	m.running[q]++
	m.notifyLocked()
	queueDelay := rec.StartedAt.Sub(rec.CreatedAt)
	ev := JobEvent{ID: rec.ID, Kind: rec.Kind, Queue: q, Status: StatusRunning}
	m.mu.Unlock()

	m.log.Debug("job.started", logx.String("id", ev.ID), logx.String("kind", ev.Kind), logx.String("queue", string(q)), logx.Duration("queue_delay", queueDelay))
	m.publish("job.started", ev)
	return rec
}

// execute runs the body on the calling worker goroutine. The body's context
// survives shutdown; only an enforced Timeout can end it early.
func (m *Manager) execute(ctx context.Context, rec *Record, cfg Config) {
	bodyCtx := context.WithValue(context.WithoutCancel(ctx), urgentKey{}, rec.Urgent)
	if cfg.EnforceTimeouts && rec.Timeout > 0 {
		var cancel context.CancelFunc
		bodyCtx, cancel = context.WithTimeout(bodyCtx, rec.Timeout)
		defer cancel()
	}
	rc := &RunContext{
		m:      m,
		id:     rec.ID,
		kind:   rec.Kind,
		queue:  rec.Queue,
		urgent: rec.Urgent,
		ctx:    bodyCtx,
		log:    m.log.With(logx.String("job", rec.ID), logx.String("kind", rec.Kind)),
	}

	var (
		result any
		err    error
	)
	// Body panics become job errors so the worker loop keeps running.
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				m.log.Error("job.panic", logx.String("id", rec.ID), logx.String("kind", rec.Kind), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		result, err = rec.Fn(rc, cloneArgs(rec.Args))
	}()

	m.finish(rec, result, err)
}

func (m *Manager) finish(rec *Record, result any, err error) {
	m.mu.Lock()
	rec.FinishedAt = stamp(rec.StartedAt)
	if err == nil {
		rec.Status = StatusDone
		rec.Result = result
		rec.Error = ""
		rec.Progress = 1
	} else {
		rec.Status = StatusError
		rec.Result = nil
		rec.Error = err.Error()
		if rec.Error == "" {
			rec.Error = "error"
		}
	}
	if m.running[rec.Queue] > 0 {
		m.running[rec.Queue]--
	}
	m.history.Push(HistoryItem{JobID: rec.ID, Queue: rec.Queue, Status: rec.Status, Notes: cloneNotes(rec.Notes)})
	m.retireLocked(rec)
	dur := rec.FinishedAt.Sub(rec.StartedAt)
	ev := JobEvent{ID: rec.ID, Kind: rec.Kind, Queue: rec.Queue, Status: rec.Status, Duration: dur, Error: rec.Error}
	m.mu.Unlock()

	if err != nil {
		m.failed.Add(1)
		m.log.Warn("job.failed", logx.String("id", ev.ID), logx.String("kind", ev.Kind), logx.String("queue", string(ev.Queue)), logx.Duration("dur", dur), logx.Err(err))
		m.publish("job.failed", ev)
		return
	}
	if dur >= 750*time.Millisecond {
		m.log.Info("job.completed", logx.String("id", ev.ID), logx.String("kind", ev.Kind), logx.String("queue", string(ev.Queue)), logx.Duration("dur", dur))
	} else {
		m.log.Debug("job.completed", logx.String("id", ev.ID), logx.String("kind", ev.Kind), logx.String("queue", string(ev.Queue)), logx.Duration("dur", dur))
	}
	m.publish("job.finished", ev)
}
