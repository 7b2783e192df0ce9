package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"jobrunner/internal/config"
	"jobrunner/internal/jobs"
	"jobrunner/internal/oracle"
	logx "jobrunner/pkg/logx"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestAppRunsSchedulesIntoStorage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfig(t, path, `
logging:
  level: error
jobs:
  idle_sleep: 10ms
storage:
  driver: sqlite
  path: `+filepath.Join(dir, "jobs.db")+`
  drain_interval: 50ms
schedules:
  - name: hello
    spec: "cron:* * * * * *"
    kind: echo
    args:
      message: hi
`)

	a, err := NewApp(path)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	require.Eventually(t, func() bool {
		entries, err := a.store.Recent(context.Background(), 10)
		return err == nil && len(entries) > 0
	}, 5*time.Second, 50*time.Millisecond)

	entries, err := a.store.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, jobs.MemoryKindCompletion, entries[0].Kind)
	require.Equal(t, "background", entries[0].Queue)
	require.Equal(t, "done", entries[0].Status)
	require.Equal(t, "echo: hi", entries[0].Result)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopAppStop))

	_, err = a.Jobs().Submit(jobs.SubmitOptions{Kind: "noop", Fn: func(*jobs.RunContext, jobs.Args) (any, error) { return nil, nil }})
	require.ErrorIs(t, err, jobs.ErrStopped)
}

func TestAppRejectsUnknownKind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, path, `{"logging":{"level":"error"},"schedules":[{"name":"x","spec":"1m","kind":"mystery"}]}`)

	a, err := NewApp(path)
	require.NoError(t, err)
	require.Error(t, a.Start(context.Background()))
	_ = a.Stop(context.Background(), StopFatalError)
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, path, `{"oracle":{"strategy":"http"}}`)
	_, err := NewApp(path)
	require.Error(t, err)
}

func TestAppHotReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeConfig(t, path, `{"logging":{"level":"error"},"jobs":{"background_budget":2}}`)

	a, err := NewApp(path)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer func() { _ = a.Stop(context.Background(), StopAppStop) }()
	time.Sleep(100 * time.Millisecond)

	writeConfig(t, path, `{"logging":{"level":"error"},"jobs":{"background_budget":1},"schedules":[{"name":"s","spec":"1h","kind":"noop"}]}`)
	require.Eventually(t, func() bool {
		snap := a.Jobs().Snapshot()
		return snap.Queues[jobs.QueueBackground].Budget == 1 && len(a.trig.Snapshot().Schedules) == 1
	}, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, 2, a.Jobs().Snapshot().Queues[jobs.QueueBackground].Workers)

	// unknown kind: rejected by the validator, nothing applied
	writeConfig(t, path, `{"logging":{"level":"error"},"jobs":{"background_budget":2},"schedules":[{"name":"s","spec":"1h","kind":"nope"}]}`)
	time.Sleep(700 * time.Millisecond)
	require.Equal(t, 1, a.Jobs().Snapshot().Queues[jobs.QueueBackground].Budget)
}

func TestBuildOracle(t *testing.T) {
	t.Parallel()
	o, err := buildOracle(&config.Config{}, nil, nil)
	require.NoError(t, err)
	require.IsType(t, oracle.Heuristic{}, o)

	httpCfg := &config.Config{Oracle: config.OracleConfig{Strategy: "HTTP", Endpoint: "http://x"}}
	o, err = buildOracle(httpCfg, nil, nil)
	require.NoError(t, err)
	require.IsType(t, &oracle.HTTP{}, o)

	mgr := jobs.New(jobs.Config{}, nil, logx.Nop(), nil)
	o, err = buildOracle(httpCfg, nil, mgr)
	require.NoError(t, err)
	require.IsType(t, &oracle.Deferring{}, o)

	o, err = buildOracle(&config.Config{}, nil, mgr)
	require.NoError(t, err)
	require.IsType(t, oracle.Heuristic{}, o)

	_, err = buildOracle(&config.Config{Oracle: config.OracleConfig{Strategy: "coinflip"}}, nil, nil)
	require.Error(t, err)
}

func TestMapConfig(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Jobs:    config.JobsConfig{IdleSleep: "20ms", BackgroundBudget: 3},
		Oracle:  config.OracleConfig{Timeout: "2s"},
		Storage: &config.StorageConfig{Driver: "SQLite", Path: "x.db"},
		Schedules: []config.ScheduleConfig{
			{Name: "a", Spec: "1m", Kind: "noop", Timeout: "5s", Args: map[string]any{"k": "v"}},
		},
	}
	jc, err := mapJobsConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, 20*time.Millisecond, jc.IdleSleep)
	require.Equal(t, 2*time.Second, jc.OracleTimeout)
	require.Equal(t, 3, jc.BackgroundBudget)

	sc, enabled, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	require.True(t, enabled)
	require.Equal(t, "sqlite", sc.Driver)
	require.Equal(t, defaultBusyTimeout, sc.BusyTimeout)

	every, err := mapDrainInterval(cfg)
	require.NoError(t, err)
	require.Equal(t, defaultDrainInterval, every)

	scheds, err := mapSchedules(cfg)
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, scheds[0].Timeout)
	require.Equal(t, "v", scheds[0].Args["k"])

	_, enabled, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "none"}})
	require.NoError(t, err)
	require.False(t, enabled)
}
