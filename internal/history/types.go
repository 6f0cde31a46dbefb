// Package history keeps an optional ledger of batch runs and per-job outcomes.
//
// It supports:
//   - "file": JSON Lines files beside the configured path
//   - "sqlite": a SQLite database (pure Go driver)
//
// The scheduler never writes here directly; a Recorder consumes its events.
package history

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

var ErrClosed = errors.New("history store closed")

// Config selects the driver. Driver "" or "none" disables the ledger.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Run is one batch invocation.
type Run struct {
	ID         string    `json:"id"`
	Started    time.Time `json:"started"`
	ConfigPath string    `json:"config_path"`
	SimsDir    string    `json:"sims_dir"`
	Discovered int       `json:"discovered"`
	Total      int       `json:"total"`

	// Set by Finish.
	Finished    time.Time `json:"finished,omitempty"`
	Completed   int       `json:"completed"`
	Failed      int       `json:"failed"`
	Warnings    int       `json:"warnings"`
	Interrupted bool      `json:"interrupted"`
}

// Outcome is the result of one job in a run.
type Outcome struct {
	RunID    string        `json:"run_id"`
	Seq      int           `json:"seq"`
	Dir      string        `json:"dir"`
	Name     string        `json:"name"`
	LatID    string        `json:"lat_id"`
	LonID    string        `json:"lon_id"`
	SoilID   string        `json:"soil_id"`
	Outcome  string        `json:"outcome"`
	Reason   string        `json:"reason,omitempty"`
	ExitCode int           `json:"exit_code"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration_ns"`
}

// Summary closes a run.
type Summary struct {
	RunID       string
	Finished    time.Time
	Completed   int
	Failed      int
	Warnings    int
	Interrupted bool
}

// Store persists runs and outcomes.
type Store interface {
	BeginRun(ctx context.Context, r Run) error
	AppendOutcome(ctx context.Context, o Outcome) error
	FinishRun(ctx context.Context, s Summary) error
	// LastRun returns the most recently started run.
	LastRun(ctx context.Context) (Run, bool, error)
	// Outcomes lists a run's outcomes in the order they were recorded.
	Outcomes(ctx context.Context, runID string) ([]Outcome, error)
	Close() error
}
