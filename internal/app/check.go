package app

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/cockroachdb/errors"

	"specrun/internal/catalog"
	"specrun/internal/config"
	"specrun/internal/history"
	"specrun/internal/policy"
	"specrun/internal/worker"
	logx "specrun/pkg/logx"
)

const maxListedFailures = 5

// Plan is what a run would do right now, without starting any worker.
type Plan struct {
	Settings   *config.Settings
	Discovered int
	Pending    int
	Scheme     catalog.Scheme
	Limit      int
	Tier       policy.Tier
	LastRun    *history.Run
	// LastFailures are the failed jobs of LastRun.
	LastFailures []history.Outcome
}

// Check validates the configuration and reports the catalog and the current tier.
func Check(ctx context.Context, opts Options, now time.Time) (Plan, error) {
	cfgOpts := []config.Option{}
	if opts.CPUs != nil {
		cfgOpts = append(cfgOpts, config.WithCPUCounter(opts.CPUs))
	}
	cfgm := config.NewManager(opts.ConfigPath, cfgOpts...)
	cfgm.SetValidator(config.CheckPaths)
	s, err := cfgm.Load()
	if err != nil {
		return Plan{}, errors.Wrap(err, "load configuration")
	}

	p := Plan{Settings: s}
	p.Limit, p.Tier = policy.Decide(now, s.Schedule)

	jobs, err := catalog.Discover(s.SimsDir)
	if err != nil {
		return p, err
	}
	p.Discovered = len(jobs)
	p.Scheme = jobs[0].Scheme
	p.Pending = len(jobs)
	if s.ResumeFromPrevious {
		_, n, err := catalog.FilterIncomplete(jobs)
		if err != nil && !errors.Is(err, catalog.ErrNothingToDo) {
			return p, err
		}
		p.Pending = n
	}

	if hc, enabled := mapHistoryConfig(s); enabled {
		st, err := history.Open(hc, logx.Nop())
		if err != nil {
			return p, errors.Wrap(err, "open history")
		}
		defer st.Close()
		if last, ok, err := st.LastRun(ctx); err != nil {
			return p, errors.Wrap(err, "read history")
		} else if ok {
			p.LastRun = &last
			outs, err := st.Outcomes(ctx, last.ID)
			if err != nil {
				return p, errors.Wrap(err, "read history outcomes")
			}
			for _, o := range outs {
				if o.Outcome != worker.Success.String() {
					p.LastFailures = append(p.LastFailures, o)
				}
			}
		}
	}
	return p, nil
}

// RenderPlan formats a Plan for the terminal.
func RenderPlan(p Plan) string {
	s := p.Settings
	rows := []row{
		{"config", s.Path},
		{"exepath", s.ExePath},
		{"sims_dir", s.SimsDir},
		{"scheme", p.Scheme.String()},
		{"discovered", fmt.Sprint(p.Discovered)},
		{"pending", fmt.Sprint(p.Pending)},
		{"cpus", fmt.Sprintf("%d requested, %d effective", s.RequestedCPUs, s.EffectiveCPUs)},
		{"limits", fmt.Sprintf("fast %d, slow %d", s.Schedule.FastLimit, s.Schedule.SlowLimit)},
		{"window", fmt.Sprintf("%s-%s on %d workdays", s.Schedule.BusinessStart, s.Schedule.BusinessEnd, len(s.Schedule.Workdays))},
		{"now", fmt.Sprintf("%d workers (%s)", p.Limit, p.Tier)},
		{"timeout", s.Timeout.String()},
		{"telemetry", telemetryLabel(s.Telemetry)},
		{"history", s.History.Driver},
	}
	if r := p.LastRun; r != nil {
		status := "unfinished"
		if !r.Finished.IsZero() {
			status = fmt.Sprintf("%d done, %d failed", r.Completed, r.Failed)
		}
		rows = append(rows, row{"last run", fmt.Sprintf("%s (%s)", r.Started.Local().Format(time.DateTime), status)})
	}
	for i, o := range p.LastFailures {
		if i == maxListedFailures {
			rows = append(rows, row{"", fmt.Sprintf("... and %d more", len(p.LastFailures)-i)})
			break
		}
		rows = append(rows, row{"failed", fmt.Sprintf("%s (%s, exit %d)", o.Name, o.Reason, o.ExitCode)})
	}
	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render("Configuration OK"), "", renderRows(rows)))
}

func telemetryLabel(t config.TelemetrySettings) string {
	if !t.Enabled {
		return "off"
	}
	return t.Addr
}
