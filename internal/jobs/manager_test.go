package jobs

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"jobrunner/internal/eventbus"
	"jobrunner/internal/oracle"
	logx "jobrunner/pkg/logx"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func startManager(t *testing.T, cfg Config, orc oracle.Oracle) *Manager {
	t.Helper()
	if cfg.IdleSleep == 0 {
		cfg.IdleSleep = 5 * time.Millisecond
	}
	m := New(cfg, orc, logx.Nop(), eventbus.New())
	m.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx, true)
	})
	return m
}

func noop(rc *RunContext, args Args) (any, error) { return "ok", nil }

// selectIf answers with id while it is a candidate and stays silent otherwise.
func selectIf(id *atomic.Value) oracle.Oracle {
	return oracle.Func(func(ctx context.Context, req oracle.Request) (*oracle.Response, error) {
		want, _ := id.Load().(string)
		for _, c := range req.Jobs {
			if c.JobID == want {
				return oracle.Select(want), nil
			}
		}
		return nil, nil
	})
}

func TestDedupBudgetAndCompletion(t *testing.T) {
	t.Parallel()

	var target atomic.Value
	release := make(chan struct{})
	m := New(Config{BackgroundBudget: 1, IdleSleep: 5 * time.Millisecond}, selectIf(&target), logx.Nop(), nil)
	t.Cleanup(func() { _ = m.Shutdown(context.Background(), true) })

	block := func(rc *RunContext, args Args) (any, error) {
		<-release
		return args["n"], nil
	}
	idA, err := m.Submit(SubmitOptions{Kind: "k", Fn: block, Queue: "background", Key: "A", Args: Args{"n": 1}})
	require.NoError(t, err)
	idA2, err := m.Submit(SubmitOptions{Kind: "k", Fn: block, Queue: "background", Key: "A", Args: Args{"n": 2}})
	require.NoError(t, err)
	idB, err := m.Submit(SubmitOptions{Kind: "k", Fn: block, Queue: "background", Key: "B"})
	require.NoError(t, err)

	require.Equal(t, idA, idA2)
	require.NotEqual(t, idA, idB)
	snap := m.Snapshot()
	require.Equal(t, 2, snap.Tracked)
	require.Equal(t, 2, snap.Queues[QueueBackground].Pending)
	require.EqualValues(t, 1, snap.Deduplicated)

	target.Store(idA)
	m.Start(context.Background())

	require.Eventually(t, func() bool {
		return m.Snapshot().Queues[QueueBackground].Running == 1
	}, waitFor, tick)

	// still running: the key stays claimed
	again, err := m.Submit(SubmitOptions{Kind: "k", Fn: block, Key: "A"})
	require.NoError(t, err)
	require.Equal(t, idA, again)

	close(release)
	var got []Completion
	require.Eventually(t, func() bool {
		got = append(got, m.PollCompleted(10)...)
		return len(got) >= 1
	}, waitFor, tick)
	require.Len(t, got, 1)
	require.Equal(t, idA, got[0].JobID)
	require.Equal(t, StatusDone, got[0].Status)
	require.Equal(t, 1, got[0].Result)
	require.NotNil(t, got[0].Duration)

	j, ok := m.Job(idB)
	require.True(t, ok)
	require.Equal(t, StatusQueued, j.Status)
}

func TestKeyReleasedAfterFinish(t *testing.T) {
	t.Parallel()
	m := startManager(t, Config{}, oracle.Heuristic{})

	id1, err := m.Submit(SubmitOptions{Kind: "k", Fn: noop, Key: "same"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		j, _ := m.Job(id1)
		return j.Status == StatusDone
	}, waitFor, tick)

	id2, err := m.Submit(SubmitOptions{Kind: "k", Fn: noop, Key: "same"})
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)
}

func TestUrgentPromotion(t *testing.T) {
	t.Parallel()
	m := New(Config{}, nil, logx.Nop(), nil)

	id, err := m.Submit(SubmitOptions{Kind: "k", Fn: noop, Queue: "background", Urgent: true})
	require.NoError(t, err)
	j, ok := m.Job(id)
	require.True(t, ok)
	require.Equal(t, QueueInteractive, j.Queue)
	require.Equal(t, QueueBackground, j.RequestedQueue)
	require.True(t, m.HasUrgent())

	id, err = m.Submit(SubmitOptions{Kind: "k", Fn: noop, Queue: "Interactive"})
	require.NoError(t, err)
	j, _ = m.Job(id)
	require.Equal(t, QueueInteractive, j.Queue)

	id, err = m.Submit(SubmitOptions{Kind: "k", Fn: noop, Queue: "whatever"})
	require.NoError(t, err)
	j, _ = m.Job(id)
	require.Equal(t, QueueBackground, j.Queue)
	require.Equal(t, QueueBackground, j.RequestedQueue)
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	m := New(Config{}, nil, logx.Nop(), nil)

	_, err := m.Submit(SubmitOptions{Kind: "k"})
	require.ErrorIs(t, err, ErrNilFunc)
	_, err = m.Submit(SubmitOptions{Kind: "  ", Fn: noop})
	require.ErrorIs(t, err, ErrKindRequired)

	tests := []struct {
		in   float64
		want float64
	}{
		{in: -1, want: 0},
		{in: 0.3, want: 0.3},
		{in: 7, want: 1},
	}
	for _, tt := range tests {
		id, err := m.Submit(SubmitOptions{Kind: "k", Fn: noop, Priority: tt.in})
		require.NoError(t, err)
		j, _ := m.Job(id)
		require.Equal(t, tt.want, j.Priority)
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()

	var target atomic.Value
	release := make(chan struct{})
	m := startManager(t, Config{}, selectIf(&target))

	id, err := m.Submit(SubmitOptions{Kind: "k", Fn: noop, Key: "c"})
	require.NoError(t, err)
	require.True(t, m.Cancel(id))
	require.False(t, m.Cancel(id))
	require.False(t, m.Cancel("missing"))

	j, _ := m.Job(id)
	require.Equal(t, StatusCancelled, j.Status)
	require.True(t, j.StartedAt.IsZero())
	require.False(t, j.FinishedAt.Before(j.CreatedAt))

	got := m.PollCompleted(10)
	require.Len(t, got, 1)
	require.Equal(t, StatusCancelled, got[0].Status)
	require.Nil(t, got[0].Duration)

	// the key is free again once the holder is cancelled
	id2, err := m.Submit(SubmitOptions{Kind: "k", Fn: func(rc *RunContext, args Args) (any, error) {
		<-release
		return nil, nil
	}, Key: "c"})
	require.NoError(t, err)
	require.NotEqual(t, id, id2)

	target.Store(id2)
	require.Eventually(t, func() bool {
		j, _ := m.Job(id2)
		return j.Status == StatusRunning
	}, waitFor, tick)
	require.False(t, m.Cancel(id2))
	close(release)
	require.Eventually(t, func() bool {
		j, _ := m.Job(id2)
		return j.Status == StatusDone
	}, waitFor, tick)
	require.False(t, m.Cancel(id2))
}

func TestSilentOracleChangesNothing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		orc  oracle.Oracle
	}{
		{name: "nil response", orc: oracle.Silent},
		{name: "error", orc: oracle.Func(func(ctx context.Context, req oracle.Request) (*oracle.Response, error) {
			return nil, errors.New("unavailable")
		})},
		{name: "panic", orc: oracle.Func(func(ctx context.Context, req oracle.Request) (*oracle.Response, error) {
			panic("boom")
		})},
		{name: "ignores deadline", orc: oracle.Func(func(ctx context.Context, req oracle.Request) (*oracle.Response, error) {
			time.Sleep(200 * time.Millisecond)
			return oracle.Select(req.Jobs[0].JobID), nil
		})},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := startManager(t, Config{OracleTimeout: 20 * time.Millisecond}, tt.orc)
			id, err := m.Submit(SubmitOptions{Kind: "k", Fn: noop})
			require.NoError(t, err)

			require.Eventually(t, func() bool { return m.Snapshot().OracleSilent >= 2 }, waitFor, tick)
			j, _ := m.Job(id)
			require.Equal(t, StatusQueued, j.Status)
			require.Empty(t, m.PollCompleted(10))
		})
	}
}

func TestMissingSelectionFailsHeadOnly(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	orc := oracle.Func(func(ctx context.Context, req oracle.Request) (*oracle.Response, error) {
		if calls.Add(1) == 1 {
			return oracle.Select("not-a-candidate"), nil
		}
		return nil, nil
	})
	m := New(Config{IdleSleep: 5 * time.Millisecond}, orc, logx.Nop(), nil)
	t.Cleanup(func() { _ = m.Shutdown(context.Background(), true) })

	head, err := m.Submit(SubmitOptions{Kind: "k", Fn: noop})
	require.NoError(t, err)
	second, err := m.Submit(SubmitOptions{Kind: "k", Fn: noop})
	require.NoError(t, err)
	m.Start(context.Background())

	var got []Completion
	require.Eventually(t, func() bool {
		got = append(got, m.PollCompleted(10)...)
		return len(got) == 1
	}, waitFor, tick)
	require.Equal(t, head, got[0].JobID)
	require.Equal(t, StatusError, got[0].Status)
	require.Equal(t, ReasonMissingSelection, got[0].Error)

	j, _ := m.Job(second)
	require.Equal(t, StatusQueued, j.Status)
	require.EqualValues(t, 1, m.Snapshot().MissingSelection)
}

func TestNonObjectReplyFailsHead(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	m := New(Config{IdleSleep: 5 * time.Millisecond}, &oracle.HTTP{Endpoint: srv.URL, Client: srv.Client()}, logx.Nop(), nil)
	t.Cleanup(func() { _ = m.Shutdown(context.Background(), true) })

	head, err := m.Submit(SubmitOptions{Kind: "k", Fn: noop})
	require.NoError(t, err)
	second, err := m.Submit(SubmitOptions{Kind: "k", Fn: noop})
	require.NoError(t, err)
	m.Start(context.Background())

	require.Eventually(t, func() bool {
		j, _ := m.Job(head)
		return j.Status == StatusError
	}, waitFor, tick)
	j, _ := m.Job(head)
	require.Equal(t, ReasonMissingSelection, j.Error)

	// later replies are 503s: silence, not failures
	require.Eventually(t, func() bool { return m.Snapshot().OracleSilent > 0 }, waitFor, tick)
	j, _ = m.Job(second)
	require.Equal(t, StatusQueued, j.Status)
	require.EqualValues(t, 1, m.Snapshot().MissingSelection)
}

func TestBodyErrorsAndPanicsAreContained(t *testing.T) {
	t.Parallel()
	m := startManager(t, Config{}, oracle.Heuristic{})

	bad, err := m.Submit(SubmitOptions{Kind: "bad", Fn: func(rc *RunContext, args Args) (any, error) {
		return "partial", errors.New("disk full")
	}})
	require.NoError(t, err)
	boom, err := m.Submit(SubmitOptions{Kind: "boom", Fn: func(rc *RunContext, args Args) (any, error) {
		panic("kaboom")
	}})
	require.NoError(t, err)
	good, err := m.Submit(SubmitOptions{Kind: "good", Fn: noop})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, _ := m.Job(good)
		return j.Status == StatusDone
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		a, _ := m.Job(bad)
		b, _ := m.Job(boom)
		return a.Status.Terminal() && b.Status.Terminal()
	}, waitFor, tick)

	j, _ := m.Job(bad)
	require.Equal(t, StatusError, j.Status)
	require.Equal(t, "disk full", j.Error)
	require.Nil(t, j.Result)

	j, _ = m.Job(boom)
	require.Equal(t, StatusError, j.Status)
	require.True(t, strings.Contains(j.Error, "kaboom"))

	require.EqualValues(t, 2, m.Snapshot().Failed)
}

func TestBudgetNeverExceeded(t *testing.T) {
	t.Parallel()
	m := startManager(t, Config{BackgroundBudget: 2}, oracle.Heuristic{})

	var cur, peak atomic.Int32
	body := func(rc *RunContext, args Args) (any, error) {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(15 * time.Millisecond)
		cur.Add(-1)
		return nil, nil
	}
	const total = 8
	for i := 0; i < total; i++ {
		_, err := m.Submit(SubmitOptions{Kind: "k", Fn: body})
		require.NoError(t, err)
	}

	done, over := 0, false
	require.Eventually(t, func() bool {
		if m.Snapshot().Queues[QueueBackground].Running > 2 {
			over = true
		}
		done += len(m.PollCompleted(total))
		return done == total
	}, 5*time.Second, tick)
	require.False(t, over)
	require.LessOrEqual(t, peak.Load(), int32(2))
	require.GreaterOrEqual(t, peak.Load(), int32(1))
}

func TestProgressAndTimestamps(t *testing.T) {
	t.Parallel()
	m := startManager(t, Config{}, oracle.Heuristic{})

	reported := make(chan struct{})
	release := make(chan struct{})
	id, err := m.Submit(SubmitOptions{Kind: "k", Fn: func(rc *RunContext, args Args) (any, error) {
		rc.UpdateProgress(0.25)
		rc.UpdateProgress(-3)
		rc.UpdateProgress(0.5)
		close(reported)
		<-release
		return nil, nil
	}})
	require.NoError(t, err)

	select {
	case <-reported:
	case <-time.After(waitFor):
		t.Fatal("job did not start")
	}
	j, _ := m.Job(id)
	require.Equal(t, StatusRunning, j.Status)
	require.Equal(t, 0.5, j.Progress)
	close(release)

	require.Eventually(t, func() bool {
		j, _ = m.Job(id)
		return j.Status == StatusDone
	}, waitFor, tick)
	require.Equal(t, 1.0, j.Progress)
	require.False(t, j.StartedAt.Before(j.CreatedAt))
	require.False(t, j.FinishedAt.Before(j.StartedAt))

	h := m.Snapshot().History
	require.Len(t, h, 1)
	require.Equal(t, id, h[0].JobID)
	require.Equal(t, "heuristic", h[0].Notes["strategy"])
}

func TestOracleSeesHistoryAndBudgets(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var last oracle.Request
	orc := oracle.Func(func(ctx context.Context, req oracle.Request) (*oracle.Response, error) {
		mu.Lock()
		last = req
		mu.Unlock()
		return oracle.Heuristic{}.Prioritize(ctx, req)
	})
	m := startManager(t, Config{CandidateCap: 3, BackgroundBudget: 1}, orc)

	first, err := m.Submit(SubmitOptions{Kind: "k", Fn: noop})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		j, _ := m.Job(first)
		return j.Status == StatusDone
	}, waitFor, tick)

	release := make(chan struct{})
	defer close(release)
	block := func(rc *RunContext, args Args) (any, error) { <-release; return nil, nil }
	for i := 0; i < 6; i++ {
		_, err := m.Submit(SubmitOptions{Kind: "k", Fn: block})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last.History) == 1
	}, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "background", last.Queue)
	require.LessOrEqual(t, len(last.Jobs), 3)
	require.Equal(t, first, last.History[0].JobID)
	require.Equal(t, map[string]int{"interactive": 1, "background": 1}, last.Budgets)
}

func TestPollCompletedExactlyOnce(t *testing.T) {
	t.Parallel()
	m := New(Config{}, nil, logx.Nop(), nil)

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		id, err := m.Submit(SubmitOptions{Kind: "k", Fn: noop})
		require.NoError(t, err)
		require.True(t, m.Cancel(id))
		ids = append(ids, id)
	}

	first := m.PollCompleted(0)
	require.Len(t, first, 1)
	require.Equal(t, ids[0], first[0].JobID)

	rest := m.PollCompleted(10)
	require.Len(t, rest, 2)
	require.Equal(t, ids[1], rest[0].JobID)
	require.Equal(t, ids[2], rest[1].JobID)
	require.Empty(t, m.PollCompleted(10))
}

func TestCompletionBufferEvictsOldest(t *testing.T) {
	t.Parallel()
	m := New(Config{CompletionCap: 2}, nil, logx.Nop(), nil)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := m.Submit(SubmitOptions{Kind: "k", Fn: noop})
		require.NoError(t, err)
		m.Cancel(id)
		ids = append(ids, id)
	}
	got := m.PollCompleted(10)
	require.Len(t, got, 2)
	require.Equal(t, ids[1], got[0].JobID)
	require.Equal(t, ids[2], got[1].JobID)
	require.EqualValues(t, 1, m.Snapshot().EvictedUndrained)
}

func TestRetainFinishedPrunesTable(t *testing.T) {
	t.Parallel()
	m := New(Config{RetainFinished: 2}, nil, logx.Nop(), nil)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := m.Submit(SubmitOptions{Kind: "k", Fn: noop})
		require.NoError(t, err)
		m.Cancel(id)
		ids = append(ids, id)
	}
	_, ok := m.Job(ids[0])
	require.False(t, ok)
	_, ok = m.Job(ids[2])
	require.True(t, ok)
}

type recordingSink struct {
	mu   sync.Mutex
	recs []MemoryRecord
	fail string
}

func (s *recordingSink) AddMemory(ctx context.Context, rec MemoryRecord) error {
	if rec.JobID == s.fail {
		return errors.New("store down")
	}
	s.mu.Lock()
	s.recs = append(s.recs, rec)
	s.mu.Unlock()
	return nil
}

func TestDrainToMemory(t *testing.T) {
	t.Parallel()
	m := New(Config{DrainBatch: 2}, nil, logx.Nop(), nil)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := m.Submit(SubmitOptions{Kind: "k", Fn: noop})
		require.NoError(t, err)
		m.Cancel(id)
		ids = append(ids, id)
	}

	sink := &recordingSink{fail: ids[0]}
	require.Equal(t, 2, m.DrainToMemory(context.Background(), sink))
	require.Len(t, sink.recs, 1)
	rec := sink.recs[0]
	require.Equal(t, MemoryKindCompletion, rec.Kind)
	require.Equal(t, ids[1], rec.JobID)
	require.Equal(t, "cancelled", rec.Status)
	require.Equal(t, "background", rec.Queue)
	require.Nil(t, rec.Duration)

	require.Equal(t, 1, m.DrainToMemory(context.Background(), nil))
	require.Equal(t, 0, m.DrainToMemory(context.Background(), sink))
}

func TestNewMemoryRecordDuration(t *testing.T) {
	t.Parallel()
	d := 1500 * time.Millisecond
	rec := NewMemoryRecord(Completion{JobID: "x", Status: StatusDone, Queue: QueueInteractive, Duration: &d, Notes: map[string]any{"why": "first"}})
	require.NotNil(t, rec.Duration)
	require.InDelta(t, 1.5, *rec.Duration, 1e-9)
	require.Equal(t, "first", rec.LLM["why"])
	require.Equal(t, "interactive", rec.Queue)
}

func TestIsLowLoad(t *testing.T) {
	t.Parallel()
	m := New(Config{}, nil, logx.Nop(), nil)
	require.True(t, m.IsLowLoad())

	a, _ := m.Submit(SubmitOptions{Kind: "k", Fn: noop})
	require.True(t, m.IsLowLoad())
	_, _ = m.Submit(SubmitOptions{Kind: "k", Fn: noop})
	require.False(t, m.IsLowLoad())
	m.Cancel(a)
	require.True(t, m.IsLowLoad())
}

func TestWaitForUrgentClear(t *testing.T) {
	t.Parallel()
	m := New(Config{}, nil, logx.Nop(), nil)
	require.True(t, m.WaitForUrgentClear(context.Background()))

	id, err := m.Submit(SubmitOptions{Kind: "k", Fn: noop, Urgent: true})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.False(t, m.WaitForUrgentClear(ctx))

	done := make(chan bool, 1)
	go func() { done <- m.WaitForUrgentClear(context.Background()) }()
	time.Sleep(10 * time.Millisecond)
	m.Cancel(id)
	select {
	case ok := <-done:
		require.True(t, ok)
	case <-time.After(waitFor):
		t.Fatal("waiter not released")
	}
	require.False(t, m.HasUrgent())
}

func TestBackgroundOracleWaitsOutUrgentWork(t *testing.T) {
	t.Parallel()
	orc := oracle.NewLimited(nil, 0, 0)
	m := New(Config{IdleSleep: 5 * time.Millisecond, OracleTimeout: 20 * time.Millisecond}, orc, logx.Nop(), nil)
	orc.SetNext(&oracle.Deferring{Next: oracle.Heuristic{}, Gate: m, Exempt: IsUrgent})
	t.Cleanup(func() { _ = m.Shutdown(context.Background(), true) })

	release := make(chan struct{})
	started := make(chan struct{})
	urgent, err := m.Submit(SubmitOptions{Kind: "u", Urgent: true, Fn: func(rc *RunContext, args Args) (any, error) {
		close(started)
		<-release
		return nil, nil
	}})
	require.NoError(t, err)
	bg, err := m.Submit(SubmitOptions{Kind: "b", Fn: noop})
	require.NoError(t, err)
	m.Start(context.Background())

	<-started
	time.Sleep(100 * time.Millisecond)
	j, _ := m.Job(bg)
	require.Equal(t, StatusQueued, j.Status)
	require.Positive(t, m.Snapshot().OracleSilent)

	close(release)
	require.Eventually(t, func() bool {
		j, _ := m.Job(bg)
		return j.Status == StatusDone
	}, waitFor, tick)
	j, _ = m.Job(urgent)
	require.Equal(t, StatusDone, j.Status)
}

func TestRunContextUrgencyAndTimeout(t *testing.T) {
	t.Parallel()
	m := startManager(t, Config{EnforceTimeouts: true}, oracle.Heuristic{})

	urgentSeen := make(chan bool, 1)
	_, err := m.Submit(SubmitOptions{Kind: "u", Urgent: true, Fn: func(rc *RunContext, args Args) (any, error) {
		urgentSeen <- IsUrgent(rc.Context()) && rc.Urgent() && rc.Queue() == QueueInteractive
		return nil, nil
	}})
	require.NoError(t, err)
	select {
	case ok := <-urgentSeen:
		require.True(t, ok)
	case <-time.After(waitFor):
		t.Fatal("urgent job did not run")
	}

	id, err := m.Submit(SubmitOptions{Kind: "t", Timeout: 10 * time.Millisecond, Fn: func(rc *RunContext, args Args) (any, error) {
		<-rc.Context().Done()
		return nil, rc.Context().Err()
	}})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		j, _ := m.Job(id)
		return j.Status == StatusError
	}, waitFor, tick)
	j, _ := m.Job(id)
	require.Equal(t, context.DeadlineExceeded.Error(), j.Error)

	require.False(t, IsUrgent(context.Background()))
}

func TestShutdownLetsBodiesFinish(t *testing.T) {
	t.Parallel()
	m := New(Config{IdleSleep: 5 * time.Millisecond}, oracle.Heuristic{}, logx.Nop(), nil)
	m.Start(context.Background())

	started := make(chan struct{})
	release := make(chan struct{})
	var ctxErr atomic.Value
	id, err := m.Submit(SubmitOptions{Kind: "k", Fn: func(rc *RunContext, args Args) (any, error) {
		close(started)
		<-release
		if err := rc.Context().Err(); err != nil {
			ctxErr.Store(err)
		}
		return "finished", nil
	}})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.Error(t, m.Shutdown(ctx, true))

	_, err = m.Submit(SubmitOptions{Kind: "k", Fn: noop})
	require.ErrorIs(t, err, ErrStopped)

	close(release)
	require.NoError(t, m.Shutdown(context.Background(), true))
	require.Nil(t, ctxErr.Load())

	j, _ := m.Job(id)
	require.Equal(t, StatusDone, j.Status)
	require.Equal(t, "finished", j.Result)
	require.False(t, m.Snapshot().Running)
}

func TestShutdownBeforeStart(t *testing.T) {
	t.Parallel()
	m := New(Config{}, nil, logx.Nop(), nil)
	require.NoError(t, m.Shutdown(context.Background(), true))
	m.Start(context.Background())
	require.False(t, m.Snapshot().Running)
	_, err := m.Submit(SubmitOptions{Kind: "k", Fn: noop})
	require.ErrorIs(t, err, ErrStopped)
}

func TestEventsPublished(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16, "job.")
	defer unsub()

	m := New(Config{IdleSleep: 5 * time.Millisecond}, oracle.Heuristic{}, logx.Nop(), bus)
	m.Start(context.Background())
	t.Cleanup(func() { _ = m.Shutdown(context.Background(), true) })

	_, err := m.Submit(SubmitOptions{Kind: "k", Fn: noop})
	require.NoError(t, err)

	var types []string
	timeout := time.After(waitFor)
	for len(types) < 3 {
		select {
		case e := <-ch:
			types = append(types, e.Type)
		case <-timeout:
			t.Fatalf("events so far: %v", types)
		}
	}
	require.Equal(t, []string{"job.queued", "job.started", "job.finished"}, types)
}

func TestApplyChangesBudgetLive(t *testing.T) {
	t.Parallel()
	m := startManager(t, Config{BackgroundBudget: 2}, oracle.Heuristic{})
	m.Apply(Config{BackgroundBudget: 1, IdleSleep: 5 * time.Millisecond})

	release := make(chan struct{})
	block := func(rc *RunContext, args Args) (any, error) { <-release; return nil, nil }
	for i := 0; i < 3; i++ {
		_, err := m.Submit(SubmitOptions{Kind: "k", Fn: block})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return m.Snapshot().Queues[QueueBackground].Running == 1 }, waitFor, tick)
	time.Sleep(30 * time.Millisecond)
	s := m.Snapshot().Queues[QueueBackground]
	require.Equal(t, 1, s.Running)
	require.Equal(t, 1, s.Budget)
	require.Equal(t, 2, s.Workers)
	close(release)
}

func TestLoweredBudgetLetsRunningJobsFinish(t *testing.T) {
	t.Parallel()
	m := startManager(t, Config{BackgroundBudget: 2}, oracle.Heuristic{})

	release := make(chan struct{})
	block := func(rc *RunContext, args Args) (any, error) { <-release; return nil, nil }
	var running []string
	for i := 0; i < 2; i++ {
		id, err := m.Submit(SubmitOptions{Kind: "k", Fn: block})
		require.NoError(t, err)
		running = append(running, id)
	}
	require.Eventually(t, func() bool { return m.Snapshot().Queues[QueueBackground].Running == 2 }, waitFor, tick)

	m.Apply(Config{BackgroundBudget: 1, IdleSleep: 5 * time.Millisecond})
	queued, err := m.Submit(SubmitOptions{Kind: "k", Fn: noop})
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	// both running jobs keep going; nothing new is admitted above the budget
	s := m.Snapshot().Queues[QueueBackground]
	require.Equal(t, 2, s.Running)
	require.Equal(t, 1, s.Budget)
	j, _ := m.Job(queued)
	require.Equal(t, StatusQueued, j.Status)

	close(release)
	require.Eventually(t, func() bool {
		j, _ := m.Job(queued)
		return j.Status == StatusDone
	}, waitFor, tick)
	for _, id := range running {
		j, _ := m.Job(id)
		require.Equal(t, StatusDone, j.Status)
	}
}
