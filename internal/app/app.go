package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"specrun/internal/catalog"
	"specrun/internal/config"
	"specrun/internal/eventbus"
	"specrun/internal/history"
	"specrun/internal/policy"
	"specrun/internal/progress"
	"specrun/internal/runtime/supervisor"
	"specrun/internal/scheduler"
	logx "specrun/pkg/logx"
	"specrun/pkg/systemd"
)

const (
	// historyBuffer bounds the events queued for the ledger writer.
	historyBuffer = 4096
	stopTimeout   = 10 * time.Second
)

// Options configures one batch run.
type Options struct {
	ConfigPath string
	Version    string
	// Out receives the banner, the status line and the final summary. Defaults to stdout.
	Out io.Writer
	// CPUs overrides the host CPU probe.
	CPUs config.CPUCounter
	// Scheduler options appended after the defaults.
	Scheduler []scheduler.Option
}

// Summary describes a finished run.
type Summary struct {
	RunID      string
	Discovered int
	Total      int
	// Reason is set when the run stopped before starting any job.
	Reason      string
	Interrupted bool
	State       scheduler.RunState
	Took        time.Duration
	LogPath     string
}

const (
	ReasonEmptyCatalog = "no job directories found"
	ReasonNothingToDo  = "every job already has an output marker"
)

type App struct {
	opts Options

	cfgm     *config.Manager
	settings *config.Settings

	log    logx.Logger
	logs   *logx.Service
	bus    eventbus.Bus
	store  history.Store
	notify systemd.Notifier
	runID  string
	out    io.Writer
}

// New loads the configuration and sets up logging and the run ledger.
// Any error here is a fatal startup error.
func New(opts Options) (*App, error) {
	cfgOpts := []config.Option{}
	if opts.CPUs != nil {
		cfgOpts = append(cfgOpts, config.WithCPUCounter(opts.CPUs))
	}
	cfgm := config.NewManager(opts.ConfigPath, cfgOpts...)
	cfgm.SetValidator(config.CheckPaths)
	s, err := cfgm.Load()
	if err != nil {
		return nil, errors.Wrap(err, "load configuration")
	}

	logSvc, log := logx.New(mapLogConfig(s))
	runID := uuid.NewString()
	log = log.With(logx.String("run", runID))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	var store history.Store
	if hc, enabled := mapHistoryConfig(s); enabled {
		store, err = history.Open(hc, log.With(logx.String("comp", "history")))
		if err != nil {
			_ = logSvc.Close()
			return nil, errors.Wrap(err, "open history")
		}
		log.Info("history enabled", logx.String("driver", hc.Driver), logx.String("path", hc.Path))
	}

	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &App{
		opts:     opts,
		cfgm:     cfgm,
		settings: s,
		log:      log.With(logx.String("comp", "app")),
		logs:     logSvc,
		bus:      eventbus.New(),
		store:    store,
		runID:    runID,
		out:      out,
	}, nil
}

func (a *App) RunID() string { return a.runID }

func (a *App) Settings() *config.Settings { return a.settings }

// Close releases the ledger and log files.
func (a *App) Close() error {
	var err error
	if a.store != nil {
		err = errors.CombineErrors(err, a.store.Close())
	}
	if a.logs != nil {
		err = errors.CombineErrors(err, a.logs.Close())
	}
	return err
}

// Run discovers the jobs and schedules them until done. Cancelling ctx stops
// admission; Run returns once the in-flight workers have been reaped.
func (a *App) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	s := a.settings
	sum := Summary{RunID: a.runID, LogPath: filepath.Join(s.LogDir, LogFileName)}
	fmt.Fprintf(a.out, "Logs will be written to: %s\n", s.LogDir)

	jobs, err := catalog.Discover(s.SimsDir)
	if errors.Is(err, catalog.ErrEmptyCatalog) {
		a.log.Warn("no job directories found", logx.String("sims_dir", s.SimsDir), logx.Strings("hints", errors.GetAllHints(err)))
		return a.finishEarly(sum, ReasonEmptyCatalog, start), nil
	}
	if err != nil {
		return sum, err
	}
	sum.Discovered = len(jobs)

	if s.ResumeFromPrevious {
		pending, n, err := catalog.FilterIncomplete(jobs)
		if errors.Is(err, catalog.ErrNothingToDo) {
			fmt.Fprintf(a.out, "Simulations are complete: %d %s files exist - nothing to do\n", len(jobs), catalog.OutputMarker)
			a.log.Info("nothing to do", logx.Int("discovered", len(jobs)))
			return a.finishEarly(sum, ReasonNothingToDo, start), nil
		}
		fmt.Fprintf(a.out, "Number of simulation subdirectories before: %d\tafter: %d\n", len(jobs), n)
		a.log.Info("resume filter applied", logx.Int("before", len(jobs)), logx.Int("after", n))
		jobs = pending
	} else {
		fmt.Fprintf(a.out, "Number of simulation subdirectories: %d\n", len(jobs))
	}
	sum.Total = len(jobs)

	tel := a.dialTelemetry(ctx)
	limit, tier := policy.Decide(start, s.Schedule)
	fmt.Fprintln(a.out, renderBanner(a.opts.Version, []row{
		{"config", s.Path},
		{"sims_dir", s.SimsDir},
		{"scheme", jobs[0].Scheme.String()},
		{"jobs", fmt.Sprint(len(jobs))},
		{"cpus", fmt.Sprintf("%d (fast %d, slow %d)", s.EffectiveCPUs, s.Schedule.FastLimit, s.Schedule.SlowLimit)},
		{"now", fmt.Sprintf("%d workers (%s)", limit, tier)},
		{"timeout", s.Timeout.String()},
	}))

	sup := supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))))
	sup.GoRestart("config.watch", a.cfgm.Watch, 250*time.Millisecond, 30*time.Second)

	unsubscribe := func() {}
	var rec *history.Recorder
	if a.store != nil {
		events, unsub := a.bus.Subscribe(historyBuffer)
		unsubscribe = unsub
		rec = history.NewRecorder(a.store, events, a.log.With(logx.String("comp", "history")))
		sup.Go("history.recorder", rec.Run)
	}
	sup.Go("shutdown.notify", func(c context.Context) error {
		<-c.Done()
		if ctx.Err() != nil {
			a.log.Warn("shutdown requested; waiting for running workers", logx.Err(context.Cause(ctx)))
			_, _ = a.notify.Stopping()
		}
		return nil
	})

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeRunStarted, Time: start, Data: eventbus.RunStarted{
		RunID:      a.runID,
		ConfigPath: s.Path,
		SimsDir:    s.SimsDir,
		Discovered: sum.Discovered,
		Total:      sum.Total,
		Started:    start,
	}})

	prog := progress.New(
		progress.WithConsole(a.out),
		progress.WithTelemetry(tel),
		progress.WithStatus(func(p string) { _, _ = a.notify.Status(p) }),
		progress.WithLogger(a.log.With(logx.String("comp", "progress"))),
	)
	schedOpts := append([]scheduler.Option{
		scheduler.WithLogger(a.log.With(logx.String("comp", "scheduler"))),
		scheduler.WithProgress(prog),
		scheduler.WithEventBus(a.bus),
		scheduler.WithRunID(a.runID),
	}, a.opts.Scheduler...)
	sched := scheduler.New(a.cfgm, jobs, schedOpts...)

	a.log.Info("Starting simulations", logx.Int("jobs", len(jobs)), logx.String("sims_dir", s.SimsDir))
	_, _ = a.notify.Ready()
	st := sched.Run(ctx)

	// The recorder exits once its subscription is closed and drained.
	unsubscribe()
	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := sup.Stop(stopCtx); err != nil {
		a.log.Warn("background tasks did not stop cleanly", logx.Err(err))
	}
	for _, t := range sup.Snapshot() {
		if t.Restarts > 0 || t.Panics > 0 || t.LastErr != "" {
			a.log.Warn("background task was unhealthy",
				logx.String("task", t.Name),
				logx.Int("restarts", t.Restarts),
				logx.Int("panics", t.Panics),
				logx.String("last_err", t.LastErr))
		}
	}
	if rec != nil {
		a.log.Info("history records written", logx.Int("records", rec.Written()))
	}
	if d := a.bus.Dropped(); d > 0 {
		a.log.Warn("history events dropped", logx.Int64("dropped", int64(d)))
	}

	sum.State = st
	sum.Interrupted = sched.Stopping()
	sum.Took = time.Since(start)
	fmt.Fprintln(a.out, renderSummary(sum))
	a.log.Info("Simulations completed",
		logx.Int("completed", st.Completed),
		logx.Int("succeeded", st.Succeeded()),
		logx.Int("failed", st.Failed),
		logx.Int("warnings", st.Warnings),
		logx.Bool("interrupted", sum.Interrupted))
	return sum, nil
}

func (a *App) finishEarly(sum Summary, reason string, start time.Time) Summary {
	sum.Reason = reason
	sum.Took = time.Since(start)
	fmt.Fprintln(a.out, renderSummary(sum))
	return sum
}

// dialTelemetry opens the observer connection, or returns a no-op when it is
// disabled or unreachable.
func (a *App) dialTelemetry(ctx context.Context) progress.Telemetry {
	t := a.settings.Telemetry
	log := a.log.With(logx.String("comp", "telemetry"))
	if !t.Enabled {
		log.Debug("telemetry disabled by config")
		return progress.Nop()
	}
	conn, err := progress.Dial(ctx, t.Addr, t.HandshakeTimeout)
	if err != nil {
		log.Info("telemetry unavailable; continuing without it", logx.String("addr", t.Addr), logx.Err(err))
		return progress.Nop()
	}
	log.Info("telemetry connected", logx.String("addr", t.Addr), logx.String("reply", conn.Reply()))
	return conn
}
