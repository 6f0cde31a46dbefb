// Package scheduler runs the batch: it admits jobs up to the current concurrency
// limit, reaps finished workers, enforces timeouts and reloads configuration.
//
// All run state is owned by one control loop. Tick does one pass and never blocks
// on a worker; Run repeats Tick until the catalog is exhausted and nothing is in flight.
package scheduler

import (
	"context"
	"time"

	"specrun/internal/catalog"
	"specrun/internal/config"
	"specrun/internal/eventbus"
	"specrun/internal/policy"
	"specrun/internal/progress"
	"specrun/internal/worker"
	logx "specrun/pkg/logx"
)

const (
	defaultIdleSleep   = 50 * time.Millisecond
	defaultSettleDelay = 750 * time.Millisecond
)

// ConfigSource supplies the committed settings and re-reads them on demand.
// *config.Manager implements it.
type ConfigSource interface {
	Get() *config.Settings
	Reload() (s *config.Settings, updated bool, err error)
	Changed() bool
}

// SpawnFunc launches one worker. worker.Spawn is the default.
type SpawnFunc func(seq int, job catalog.Job, exe, script string, now time.Time) (*worker.Instance, error)

// RunState holds the counters of one run. Only the control loop mutates it.
type RunState struct {
	Completed int
	Failed    int
	Warnings  int
	// Admitted counts workers that were started; spawn failures are not admitted.
	Admitted int
	// Total is the number of jobs in the run after the resume filter.
	Total   int
	Started time.Time
}

// Succeeded is Completed minus Failed.
func (r RunState) Succeeded() int { return r.Completed - r.Failed }

type Phase int

const (
	Admitting Phase = iota
	Draining
	Done
)

func (p Phase) String() string {
	switch p {
	case Admitting:
		return "admitting"
	case Draining:
		return "draining"
	default:
		return "done"
	}
}

type Scheduler struct {
	cfg      ConfigSource
	settings *config.Settings

	jobs     []catalog.Job
	next     int
	inFlight []*worker.Instance
	state    RunState

	limit int
	tier  policy.Tier

	lastCheck time.Time
	pending   bool
	stopping  bool

	runID    string
	spawn    SpawnFunc
	progress *progress.Channel
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time
	idle     time.Duration
	settle   time.Duration
}

type Option func(*Scheduler)

func WithLogger(log logx.Logger) Option { return func(s *Scheduler) { s.log = log } }

func WithProgress(p *progress.Channel) Option { return func(s *Scheduler) { s.progress = p } }

func WithEventBus(b eventbus.Bus) Option {
	return func(s *Scheduler) {
		if b != nil {
			s.bus = b
		}
	}
}

func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

func WithSpawner(fn SpawnFunc) Option { return func(s *Scheduler) { s.spawn = fn } }

func WithRunID(id string) Option { return func(s *Scheduler) { s.runID = id } }

// WithIdleSleep sets how long Run yields when a tick admitted nothing.
func WithIdleSleep(d time.Duration) Option { return func(s *Scheduler) { s.idle = d } }

// WithSettleDelay sets the pause before the final progress line.
func WithSettleDelay(d time.Duration) Option { return func(s *Scheduler) { s.settle = d } }

// New builds a scheduler over jobs, which must already be resume-filtered.
// cfg must have committed settings.
func New(cfg ConfigSource, jobs []catalog.Job, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:      cfg,
		settings: cfg.Get(),
		jobs:     jobs,
		spawn:    worker.Spawn,
		progress: progress.New(),
		bus:      eventbus.Nop(),
		now:      time.Now,
		idle:     defaultIdleSleep,
		settle:   defaultSettleDelay,
	}
	for _, o := range opts {
		o(s)
	}
	s.state.Total = len(jobs)
	return s
}

// Start stamps the run start time. Run calls it; tests driving Tick call it directly.
func (s *Scheduler) Start(now time.Time) {
	if s.state.Started.IsZero() {
		s.state.Started = now
		s.lastCheck = now
		s.limit, s.tier = policy.Decide(now, s.settings.Schedule)
	}
}

func (s *Scheduler) State() RunState { return s.state }

func (s *Scheduler) InFlight() int { return len(s.inFlight) }

// Limit is the concurrency limit and tier computed by the latest tick.
func (s *Scheduler) Limit() (int, policy.Tier) { return s.limit, s.tier }

func (s *Scheduler) Settings() *config.Settings { return s.settings }

func (s *Scheduler) Phase() Phase {
	exhausted := s.stopping || s.next >= len(s.jobs)
	switch {
	case !exhausted:
		return Admitting
	case len(s.inFlight) > 0:
		return Draining
	default:
		return Done
	}
}

// Stop ends admission. Workers already running are reaped normally, including
// timeout enforcement, until none remain.
func (s *Scheduler) Stop() {
	if s.stopping {
		return
	}
	s.stopping = true
	s.log.Info("stopping admission; draining in-flight workers",
		logx.Int("in_flight", len(s.inFlight)),
		logx.Int("not_started", len(s.jobs)-s.next))
}

func (s *Scheduler) Stopping() bool { return s.stopping }

// Tick runs one pass of the control loop and returns how many workers it started.
func (s *Scheduler) Tick(now time.Time) int {
	s.Start(now)
	s.maybeReload(now)
	s.limit, s.tier = policy.Decide(now, s.settings.Schedule)
	s.reap(now)
	admitted := s.admit(now)
	s.progress.Emit(now, s.snapshot(now))
	return admitted
}

// reloadDue reports whether more than the check interval has passed since the
// last check. A zero interval re-reads on every tick.
func (s *Scheduler) reloadDue(now time.Time) bool {
	return now.Sub(s.lastCheck) > s.settings.ConfigCheckInterval
}

func (s *Scheduler) maybeReload(now time.Time) {
	if !s.reloadDue(now) {
		// An edit seen by the watcher still waits for the interval.
		if !s.pending && s.cfg.Changed() {
			s.pending = true
			s.log.Info("config file changed; applying at next check",
				logx.Duration("in", s.settings.ConfigCheckInterval-now.Sub(s.lastCheck)))
		}
		return
	}
	s.lastCheck = now
	s.pending = false

	prev := s.settings
	next, updated, err := s.cfg.Reload()
	if err != nil {
		s.state.Warnings++
		s.log.Warn("config reload failed; keeping previous settings", logx.Err(err))
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReload, Time: now,
			Data: eventbus.ConfigReload{RunID: s.runID, Error: err.Error()}})
		return
	}
	if !updated || next == nil {
		return
	}
	s.settings = next

	changed, attrs, frozen := config.SummarizeChange(prev, next)
	if len(changed) > 0 {
		s.log.Info("config reloaded", append([]logx.Field{logx.Strings("changed", changed)}, attrs...)...)
	}
	if len(frozen) > 0 {
		s.log.Warn("config changes ignored until next run", logx.Strings("fields", frozen))
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReload, Time: now,
		Data: eventbus.ConfigReload{RunID: s.runID, Changed: changed}})
}

// reap polls every in-flight worker, applies the timeout to those still running,
// and rebuilds the in-flight set from the survivors.
func (s *Scheduler) reap(now time.Time) {
	if len(s.inFlight) == 0 {
		return
	}
	timeout := s.settings.Timeout
	kept := make([]*worker.Instance, 0, len(s.inFlight))
	for _, inst := range s.inFlight {
		if _, finished := inst.Poll(now); finished {
			s.finish(inst, now)
			continue
		}
		if inst.EnforceTimeout(now, timeout) {
			s.log.Warn("worker timed out; terminated",
				logx.Int("seq", inst.Seq),
				logx.String("dir", inst.Job.Dir),
				logx.Duration("timeout", timeout))
			s.finish(inst, now)
			continue
		}
		kept = append(kept, inst)
	}
	s.inFlight = kept
}

func (s *Scheduler) finish(inst *worker.Instance, now time.Time) {
	s.state.Completed++
	if inst.Outcome != worker.Success {
		s.state.Failed++
		s.log.Warn("job failed",
			logx.Int("seq", inst.Seq),
			logx.String("dir", inst.Job.Dir),
			logx.Int("exit_code", inst.ExitCode),
			logx.String("reason", string(inst.Reason)),
			logx.String("log", inst.LogPath))
	} else {
		s.log.Debug("job done",
			logx.Int("seq", inst.Seq),
			logx.String("dir", inst.Job.Dir),
			logx.Duration("took", inst.Elapsed(now)))
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobFinished, Time: now, Data: eventbus.JobFinished{
		RunID:    s.runID,
		Seq:      inst.Seq,
		Dir:      inst.Job.Dir,
		Name:     inst.Job.Name,
		LatID:    inst.Job.LatID,
		LonID:    inst.Job.LonID,
		SoilID:   inst.Job.SoilID,
		Outcome:  inst.Outcome.String(),
		Reason:   string(inst.Reason),
		ExitCode: inst.ExitCode,
		Started:  inst.Started,
		Duration: inst.Elapsed(now),
	}})
	inst.Release()
}

func (s *Scheduler) admit(now time.Time) int {
	if s.stopping {
		return 0
	}
	admitted := 0
	for len(s.inFlight) < s.limit && s.next < len(s.jobs) {
		job := s.jobs[s.next]
		s.next++

		seq := s.state.Admitted
		inst, err := s.spawn(seq, job, s.settings.ExePath, s.settings.CommandScript, now)
		if err != nil {
			// Never retried; it can produce no output, so it counts as done and failed.
			s.state.Completed++
			s.state.Failed++
			s.log.Error("worker spawn failed",
				logx.Int("seq", seq),
				logx.String("dir", job.Dir),
				logx.Err(err))
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobFinished, Time: now, Data: eventbus.JobFinished{
				RunID:    s.runID,
				Seq:      seq,
				Dir:      job.Dir,
				Name:     job.Name,
				LatID:    job.LatID,
				LonID:    job.LonID,
				SoilID:   job.SoilID,
				Outcome:  worker.Failure.String(),
				Reason:   string(worker.ReasonSpawnFailed),
				ExitCode: -1,
				Started:  now,
			}})
			continue
		}
		s.state.Admitted++
		s.inFlight = append(s.inFlight, inst)
		admitted++
		s.log.Debug("worker started",
			logx.Int("seq", seq),
			logx.String("dir", job.Dir),
			logx.Int("pid", inst.Pid()))
	}
	return admitted
}

func (s *Scheduler) snapshot(now time.Time) progress.Snapshot {
	return progress.Snapshot{
		Completed: s.state.Completed,
		Failed:    s.state.Failed,
		Warnings:  s.state.Warnings,
		Total:     s.state.Total,
		InFlight:  len(s.inFlight),
		Elapsed:   now.Sub(s.state.Started),
		Limit:     s.limit,
		Tier:      s.tier,
	}
}

// Run drives Tick until Done. Cancelling ctx stops admission; Run still waits for
// the in-flight workers to finish or time out. It returns the final counters.
func (s *Scheduler) Run(ctx context.Context) RunState {
	s.Start(s.now())
	s.log.Info("run started",
		logx.Int("jobs", len(s.jobs)),
		logx.Int("limit", s.limit),
		logx.String("tier", string(s.tier)))

	for {
		if ctx.Err() != nil {
			s.Stop()
		}
		admitted := s.Tick(s.now())
		if s.Phase() == Done {
			break
		}
		if admitted == 0 {
			s.sleep(ctx)
		}
	}

	if s.settle > 0 {
		time.Sleep(s.settle)
	}
	s.progress.Flush(s.snapshot(s.now()))
	if err := s.progress.Close(); err != nil {
		s.log.Debug("telemetry close failed", logx.Err(err))
	}

	st := s.state
	s.log.Info("run finished",
		logx.Int("completed", st.Completed),
		logx.Int("failed", st.Failed),
		logx.Int("warnings", st.Warnings),
		logx.Int("total", st.Total),
		logx.Bool("interrupted", s.stopping),
		logx.Int("telemetry_send_failures", s.progress.SendFailures()),
		logx.Duration("took", s.now().Sub(st.Started)))
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeRunFinished, Time: s.now(), Data: eventbus.RunFinished{
		RunID:       s.runID,
		Completed:   st.Completed,
		Failed:      st.Failed,
		Warnings:    st.Warnings,
		Total:       st.Total,
		Interrupted: s.stopping,
		Finished:    s.now(),
	}})
	return st
}

// sleep yields for the idle interval. Before shutdown it wakes early on cancellation
// so admission stops promptly; while draining it sleeps the full interval.
func (s *Scheduler) sleep(ctx context.Context) {
	if s.idle <= 0 {
		return
	}
	t := time.NewTimer(s.idle)
	defer t.Stop()
	var cancelled <-chan struct{}
	if !s.stopping {
		cancelled = ctx.Done()
	}
	select {
	case <-t.C:
	case <-cancelled:
	}
}
