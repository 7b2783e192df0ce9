package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"jobrunner/internal/jobs"
	logx "jobrunner/pkg/logx"
)

const submitWarnThrottle = 5 * time.Second

var ErrUnknownSchedule = errors.New("unknown schedule")

func New(cfg Config, sub Submitter, resolve Resolver, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		sub:     sub,
		resolve: resolve,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		lastWarn: map[string]time.Time{},
	}
}

// Apply swaps the config; a timezone change restarts cron with every schedule re-registered.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c != nil && oldTZ != strings.TrimSpace(cfg.Timezone) {
		s.restartLocked()
	}
}

// Start starts cron triggering. Schedules added before Start are registered now.
func (s *Service) Start(ctx context.Context) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		s.registerLocked(d)
	}
	s.c.Start()
	s.log.Info("trigger started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop stops triggering. Definitions are kept for the next Start.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
		s.log.Info("trigger stopped")
	case <-ctx.Done():
		s.log.Warn("trigger stop timed out", logx.Err(ctx.Err()))
	}
}

// Add registers (or replaces, by name) one schedule.
func (s *Service) Add(sc Schedule) error {
	d, err := s.build(sc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(d.sched.Name)
	s.defs = append(s.defs, d)
	if s.c != nil {
		s.registerLocked(d)
	}
	return nil
}

// Set replaces every schedule. Nothing changes if any schedule is invalid.
func (s *Service) Set(list []Schedule) error {
	defs := make([]*scheduleDef, 0, len(list))
	seen := make(map[string]struct{}, len(list))
	for _, sc := range list {
		d, err := s.build(sc)
		if err != nil {
			return err
		}
		if _, dup := seen[d.sched.Name]; dup {
			return fmt.Errorf("schedule %q: duplicate name", d.sched.Name)
		}
		seen[d.sched.Name] = struct{}{}
		defs = append(defs, d)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.defs {
		if s.c != nil && d.entryID != 0 {
			s.c.Remove(d.entryID)
		}
	}
	s.defs = defs
	if s.c != nil {
		for _, d := range s.defs {
			s.registerLocked(d)
		}
	}
	s.log.Debug("schedules replaced", logx.Int("schedules", len(defs)))
	return nil
}

// Remove unschedules name and reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok := s.removeLocked(strings.TrimSpace(name))
	if ok {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return ok
}

// Fire submits the schedule's job now, outside its timetable.
func (s *Service) Fire(name string) (string, error) {
	s.mu.Lock()
	var d *scheduleDef
	for _, x := range s.defs {
		if x.sched.Name == strings.TrimSpace(name) {
			d = x
			break
		}
	}
	s.mu.Unlock()
	if d == nil {
		return "", ErrUnknownSchedule
	}
	return s.fire(d)
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		tz = time.Local.String()
	}
	items := make([]ScheduleInfo, 0, len(s.defs))
	for _, d := range s.defs {
		it := ScheduleInfo{
			Name:          d.sched.Name,
			Spec:          d.spec,
			Kind:          d.sched.Kind,
			Queue:         string(jobs.NormalizeQueue(d.sched.Queue)),
			Key:           d.sched.dedupKey(),
			StartupSpread: d.startupSpread,
		}
		s.statMu.Lock()
		it.Fired, it.LastJob = d.fired, d.lastJob
		s.statMu.Unlock()
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		items = append(items, it)
	}
	return Snapshot{Running: s.c != nil, Timezone: tz, Schedules: items}
}

func (s *Service) build(sc Schedule) (*scheduleDef, error) {
	sc.Name = strings.TrimSpace(sc.Name)
	sc.Kind = strings.TrimSpace(sc.Kind)
	if sc.Name == "" {
		return nil, errors.New("schedule name required")
	}
	ps, err := ParseSchedule(sc.Spec)
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", sc.Name, err)
	}
	spec := ps.CronSpec()
	if _, err := s.parser.Parse(spec); err != nil {
		return nil, fmt.Errorf("schedule %q: %w", sc.Name, err)
	}
	if s.resolve == nil {
		return nil, fmt.Errorf("schedule %q: no job kinds registered", sc.Name)
	}
	fn, ok := s.resolve.Lookup(sc.Kind)
	if !ok {
		return nil, fmt.Errorf("schedule %q: unknown job kind %q", sc.Name, sc.Kind)
	}
	return &scheduleDef{sched: sc, spec: spec, fn: fn}, nil
}

func (s *Service) fire(d *scheduleDef) (string, error) {
	if s.sub == nil {
		return "", errors.New("no submitter")
	}
	sc := d.sched
	id, err := s.sub.Submit(jobs.SubmitOptions{
		Kind:     sc.Kind,
		Fn:       d.fn,
		Args:     sc.Args,
		Queue:    sc.Queue,
		Priority: sc.Priority,
		Key:      sc.dedupKey(),
		Timeout:  sc.Timeout,
		Urgent:   sc.Urgent,
	})
	if err != nil {
		s.reportSubmitError(sc.Name, err)
		return "", err
	}
	s.statMu.Lock()
	d.fired++
	d.lastJob = id
	s.statMu.Unlock()
	s.log.Debug("schedule fired", logx.String("schedule", sc.Name), logx.String("job", id))
	return id, nil
}

func (s *Service) registerLocked(d *scheduleDef) {
	job := cron.FuncJob(func() { _, _ = s.fire(d) })

	// Startup spread applies to interval schedules only.
	if strings.HasPrefix(d.spec, "@every ") {
		if every, err := time.ParseDuration(strings.TrimPrefix(d.spec, "@every ")); err == nil && every > 0 {
			sched, jitter := intervalWithSpread(every, time.Now().In(s.loc), d.sched.Name)
			d.startupSpread = jitter
			d.entryID = s.c.Schedule(sched, job)
			return
		}
	}
	d.startupSpread = 0
	eid, err := s.c.AddJob(d.spec, job)
	if err != nil {
		s.log.Error("schedule register failed", logx.String("name", d.sched.Name), logx.String("spec", d.spec), logx.Err(err))
		return
	}
	d.entryID = eid
	if s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("schedule registered", logx.String("name", d.sched.Name), logx.String("spec", d.spec), logx.String("next", s.previewLocked(d.spec, 3)))
	}
}

func (s *Service) removeLocked(name string) bool {
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.sched.Name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	for i := n; i < len(s.defs); i++ {
		s.defs[i] = nil
	}
	s.defs = s.defs[:n]
	return removed
}

// restartLocked does not wait for running firings; they finish on the old cron.
func (s *Service) restartLocked() {
	if s.c != nil {
		s.c.Stop()
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		s.registerLocked(d)
	}
	s.c.Start()
	s.log.Info("trigger restarted", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewLocked lists the next n firing times of a cron spec.
func (s *Service) previewLocked(spec string, n int) string {
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(s.loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

func (s *Service) reportSubmitError(name string, err error) {
	if errors.Is(err, jobs.ErrStopped) {
		s.log.Debug("schedule trigger skipped", logx.String("schedule", name), logx.Err(err))
		return
	}
	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[name]
	if !last.IsZero() && now.Sub(last) < submitWarnThrottle {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[name] = now
	s.warnMu.Unlock()
	s.log.Warn("schedule failed to submit job", logx.String("schedule", name), logx.Err(err))
}
