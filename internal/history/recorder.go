package history

import (
	"context"
	"time"

	"specrun/internal/eventbus"
	logx "specrun/pkg/logx"
)

const writeTimeout = 5 * time.Second

// Recorder persists scheduler events into a Store.
type Recorder struct {
	store  Store
	events <-chan eventbus.Event
	log    logx.Logger

	written int
	failed  int
}

// NewRecorder consumes events (typically a bus subscription) into store.
func NewRecorder(store Store, events <-chan eventbus.Event, log logx.Logger) *Recorder {
	return &Recorder{store: store, events: events, log: log}
}

// Run writes events until the channel is closed. Cancelling ctx does not stop it:
// outcomes of workers drained during shutdown must still reach the ledger, so
// callers stop a Recorder by unsubscribing.
func (r *Recorder) Run(ctx context.Context) error {
	base := context.WithoutCancel(ctx)
	for e := range r.events {
		r.handle(base, e)
	}
	if r.failed > 0 {
		r.log.Warn("history writes failed", logx.Int("failed", r.failed), logx.Int("written", r.written))
	}
	return nil
}

// Written is the number of records stored so far. Only valid after Run returns.
func (r *Recorder) Written() int { return r.written }

func (r *Recorder) handle(ctx context.Context, e eventbus.Event) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	var err error
	switch d := e.Data.(type) {
	case eventbus.RunStarted:
		err = r.store.BeginRun(ctx, Run{
			ID:         d.RunID,
			Started:    d.Started,
			ConfigPath: d.ConfigPath,
			SimsDir:    d.SimsDir,
			Discovered: d.Discovered,
			Total:      d.Total,
		})
	case eventbus.JobFinished:
		err = r.store.AppendOutcome(ctx, Outcome{
			RunID:    d.RunID,
			Seq:      d.Seq,
			Dir:      d.Dir,
			Name:     d.Name,
			LatID:    d.LatID,
			LonID:    d.LonID,
			SoilID:   d.SoilID,
			Outcome:  d.Outcome,
			Reason:   d.Reason,
			ExitCode: d.ExitCode,
			Started:  d.Started,
			Duration: d.Duration,
		})
	case eventbus.RunFinished:
		err = r.store.FinishRun(ctx, Summary{
			RunID:       d.RunID,
			Finished:    d.Finished,
			Completed:   d.Completed,
			Failed:      d.Failed,
			Warnings:    d.Warnings,
			Interrupted: d.Interrupted,
		})
	default:
		return
	}
	if err != nil {
		r.failed++
		if r.failed == 1 {
			r.log.Warn("history write failed", logx.String("event", e.Type), logx.Err(err))
		}
		return
	}
	r.written++
}
