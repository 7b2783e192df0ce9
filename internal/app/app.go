package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"jobrunner/internal/config"
	"jobrunner/internal/eventbus"
	"jobrunner/internal/jobkinds"
	"jobrunner/internal/jobs"
	"jobrunner/internal/observability/debugsrv"
	"jobrunner/internal/oracle"
	rtsup "jobrunner/internal/runtime/supervisor"
	"jobrunner/internal/storage"
	"jobrunner/internal/trigger"
	logx "jobrunner/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	orc   *oracle.Limited
	jobs  *jobs.Manager
	kinds *jobkinds.Registry
	trig  *trigger.Service
	debug *debugsrv.Service

	oracleClient *http.Client
	drainEvery   atomic.Int64 // time.Duration
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(func(ctx context.Context, cfg *config.Config) error { return cfg.Validate() })
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	jcfg, err := mapJobsConfig(cfg)
	if err != nil {
		return nil, err
	}
	// the strategy is set once the manager exists to act as its urgency gate
	orc := oracle.NewLimited(nil, cfg.Oracle.RatePerSec, cfg.Oracle.Burst)
	mgr := jobs.New(jcfg, orc, log.With(logx.String("comp", "jobs")), bus)
	client := &http.Client{}
	strategy, err := buildOracle(cfg, client, mgr)
	if err != nil {
		return nil, err
	}
	orc.SetNext(strategy)

	kinds := jobkinds.New()
	trig := trigger.New(trigger.Config{Timezone: cfg.Trigger.Timezone}, mgr, kinds, log.With(logx.String("comp", "trigger")))

	dcfg, err := mapDebugConfig(cfg)
	if err != nil {
		return nil, err
	}
	src := debugsrv.Sources{Jobs: mgr, Schedules: trig}
	if store != nil {
		src.History = store
	}
	dbg := debugsrv.New(dcfg, src, log.With(logx.String("comp", "debug")))

	every, err := mapDrainInterval(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgm:         cfgm,
		log:          log.With(logx.String("comp", "app")),
		logs:         logSvc,
		bus:          bus,
		store:        store,
		orc:          orc,
		jobs:         mgr,
		kinds:        kinds,
		trig:         trig,
		debug:        dbg,
		oracleClient: client,
	}
	a.drainEvery.Store(int64(every))
	return a, nil
}

// Jobs returns the job manager. Submit works before Start; jobs wait until
// the workers run.
func (a *App) Jobs() *jobs.Manager { return a.jobs }

// Kinds returns the job kind registry. Register custom kinds before Start so
// configured schedules can refer to them.
func (a *App) Kinds() *jobkinds.Registry { return a.kinds }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Reloads must also resolve every scheduled kind.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	cfg := a.cfgm.Get()
	scheds, err := mapSchedules(cfg)
	if err != nil {
		return err
	}
	if err := a.trig.Set(scheds); err != nil {
		return err
	}

	a.jobs.Start(a.sup.Context())
	a.trig.Start(a.sup.Context())
	if dcfg, err := mapDebugConfig(cfg); err == nil {
		a.debug.Reconfigure(a.sup.Context(), dcfg)
	}

	a.sup.Go0("jobs.drain", a.drainLoop)

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128, "job.")
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// coalesce bursts
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, last, newCfg)
				last = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.String("config", a.cfgm.Path()),
		logx.Int("schedules", len(scheds)),
		logx.Bool("storage", a.store != nil),
	)
	return nil
}

func (a *App) validate(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := buildOracle(cfg, a.oracleClient, a.jobs); err != nil {
		return err
	}
	if _, err := mapDebugConfig(cfg); err != nil {
		return err
	}
	for i, sc := range cfg.Schedules {
		if _, ok := a.kinds.Lookup(sc.Kind); !ok {
			return fmt.Errorf("schedules[%d].kind: unknown job kind %q", i, sc.Kind)
		}
	}
	if tz := strings.TrimSpace(cfg.Trigger.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("trigger.timezone: invalid %q: %w", tz, err)
		}
	}
	return nil
}

func (a *App) applyConfig(ctx context.Context, prev, cfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := make(map[string]bool, len(sections))
	for _, s := range sections {
		changed[s] = true
	}

	if changed["logging"] {
		a.logs.Apply(mapLoggingConfig(cfg))
	}
	if changed["jobs"] || changed["oracle"] {
		if jcfg, err := mapJobsConfig(cfg); err != nil {
			a.log.Warn("invalid jobs config; keeping previous", logx.Err(err))
		} else {
			a.jobs.Apply(jcfg)
		}
	}
	if changed["oracle"] {
		if strategy, err := buildOracle(cfg, a.oracleClient, a.jobs); err != nil {
			a.log.Warn("invalid oracle config; keeping previous", logx.Err(err))
		} else {
			a.orc.SetNext(strategy)
			a.orc.SetRate(cfg.Oracle.RatePerSec, cfg.Oracle.Burst)
		}
	}
	if changed["storage"] {
		if every, err := mapDrainInterval(cfg); err == nil {
			a.drainEvery.Store(int64(every))
		}
		a.log.Warn("storage config changed; driver/path changes need a restart")
	}
	if changed["trigger"] {
		a.trig.Apply(trigger.Config{Timezone: cfg.Trigger.Timezone})
	}
	if changed["schedules"] {
		if scheds, err := mapSchedules(cfg); err != nil {
			a.log.Warn("invalid schedules; keeping previous", logx.Err(err))
		} else if err := a.trig.Set(scheds); err != nil {
			a.log.Warn("schedules rejected; keeping previous", logx.Err(err))
		}
	}
	if changed["debug"] {
		if dcfg, err := mapDebugConfig(cfg); err != nil {
			a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
		} else {
			a.debug.Reconfigure(ctx, dcfg)
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// stop new submissions from schedules before workers unwind
	tctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	a.trig.Stop(tctx)
	cancel()
	a.sup.Cancel()

	stepper := newStopper(ctx, a.log)
	stepper.step("debug", 1*time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	stepper.step("jobs", 5*time.Second, func(c context.Context) error { return a.jobs.Shutdown(c, true) })
	stepper.step("jobs.drain", 2*time.Second, func(c context.Context) error {
		a.drainAll(c)
		return nil
	})
	stepper.step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	stepper.step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
