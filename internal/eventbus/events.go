package eventbus

import "time"

// Event types published by the scheduler.
const (
	TypeRunStarted   = "run.started"
	TypeJobFinished  = "job.finished"
	TypeConfigReload = "config.reload"
	TypeRunFinished  = "run.finished"
)

// RunStarted opens a run.
type RunStarted struct {
	RunID      string
	ConfigPath string
	SimsDir    string
	Discovered int
	Total      int
	Started    time.Time
}

// JobFinished is published once per job, whatever the outcome.
type JobFinished struct {
	RunID    string
	Seq      int
	Dir      string
	Name     string
	LatID    string
	LonID    string
	SoilID   string
	Outcome  string
	Reason   string
	ExitCode int
	Started  time.Time
	Duration time.Duration
}

// ConfigReload reports a reload attempt that changed something or failed.
type ConfigReload struct {
	RunID   string
	Changed []string
	Error   string
}

// RunFinished closes a run with its final counters.
type RunFinished struct {
	RunID       string
	Completed   int
	Failed      int
	Warnings    int
	Total       int
	Interrupted bool
	Finished    time.Time
}
