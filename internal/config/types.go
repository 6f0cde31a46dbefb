package config

import (
	"time"

	"specrun/internal/policy"
)

// File mirrors the on-disk configuration written by the settings front end.
//
// Group and key names keep the front end's spelling. Unknown keys are ignored because
// the front end writes a few that the runner never reads (e.g. "output_dir", "level").
type File struct {
	General     GeneralConfig     `json:"General"`
	Simulations SimulationsConfig `json:"Simulations"`
	Speed       SpeedConfig       `json:"Speed"`
	Logging     LoggingConfig     `json:"Logging"`

	// Telemetry and History are optional groups; omitted means defaults.
	Telemetry *TelemetryConfig `json:"Telemetry,omitempty"`
	History   *HistoryConfig   `json:"History,omitempty"`
}

type GeneralConfig struct {
	// ConfigCheckInterval is in seconds.
	ConfigCheckInterval int `json:"config_check_interval"`
	// CropName selects the worker command script ("limited_data" or anything else).
	CropName string `json:"cropName"`
}

type SimulationsConfig struct {
	ExePath         string   `json:"exepath"`
	SimsDir         string   `json:"sims_dir"`
	DeleteSimDirs   bool     `json:"delete_sim_dirs"`
	ResumeFromPrev  bool     `json:"resume_frm_prev"`
	OutputVariables []string `json:"output_variables"`
	// Timeout is in seconds.
	Timeout int `json:"timeout"`
}

// SpeedConfig controls how many workers may run.
//
// Fast and Slow are ratios in (0,1] of the effective CPU ceiling.
// StartWork/EndWork are "HH:MM" and bound the slow (business hours) window on Workdays.
type SpeedConfig struct {
	UseCPUs   int      `json:"use_cpus"`
	Fast      float64  `json:"fast"`
	Slow      float64  `json:"slow"`
	Workdays  []string `json:"workdays"`
	StartWork string   `json:"start_work"`
	EndWork   string   `json:"end_work"`
}

type LoggingConfig struct {
	LogDir  string `json:"log_dir"`
	Level   string `json:"level,omitempty"`
	Console bool   `json:"console,omitempty"`
}

// TelemetryConfig controls the progress observer connection.
//
// Enabled is a pointer so we can distinguish "omitted" (default on) from an explicit false.
type TelemetryConfig struct {
	Enabled *bool  `json:"enabled,omitempty"`
	Addr    string `json:"addr,omitempty"`
	// HandshakeTimeout is a Go duration string (e.g. "10s").
	HandshakeTimeout string `json:"handshake_timeout,omitempty"`
}

// HistoryConfig controls the optional run ledger.
//
// Example:
//
//	"History": { "driver": "sqlite", "path": "~/specrun/history.db" }
type HistoryConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// requiredFields lists, per group, the keys that must be present in the file.
var requiredFields = map[string][]string{
	"General":     {"config_check_interval", "cropName"},
	"Simulations": {"delete_sim_dirs", "exepath", "output_variables", "resume_frm_prev", "sims_dir", "timeout"},
	"Speed":       {"end_work", "fast", "slow", "start_work", "use_cpus", "workdays"},
	"Logging":     {"log_dir"},
}

// Settings is the validated configuration record consumed by the runner.
// A Settings value is never mutated after Resolve returns it.
type Settings struct {
	Path string

	ConfigCheckInterval time.Duration
	CropName            string
	CommandScript       string

	ExePath            string
	SimsDir            string
	DeleteSimDirs      bool
	ResumeFromPrevious bool
	OutputVariables    []string
	Timeout            time.Duration

	RequestedCPUs int
	// AvailableCPUs is 0 when the host CPU count could not be determined.
	AvailableCPUs int
	EffectiveCPUs int
	Schedule      policy.Schedule

	LogDir     string
	LogLevel   string
	LogConsole bool

	Telemetry TelemetrySettings
	History   HistorySettings
}

type TelemetrySettings struct {
	Enabled          bool
	Addr             string
	HandshakeTimeout time.Duration
}

type HistorySettings struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
}

const (
	// TelemetryPort is the observer's well-known port.
	TelemetryPort = 65432

	defaultHandshakeTimeout = 60 * time.Second

	// LimitedDataCrop selects the limited-data command script.
	LimitedDataCrop = "limited_data"
)

// CommandScript returns the stdin script fed to every worker for the given crop mode.
func CommandScript(cropName string) string {
	if cropName == LimitedDataCrop {
		return "3\n\ninput.txt\n2\n\n"
	}
	return "1\n\n\n"
}
