package config

import (
	"bytes"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shirou/gopsutil/v3/cpu"

	"specrun/internal/policy"
)

var (
	// ErrMissingField marks a required group or key absent from the file.
	ErrMissingField = errors.New("missing required configuration field")
	// ErrInvalidField marks a present but unusable value.
	ErrInvalidField = errors.New("invalid configuration value")
)

// CPUCounter reports the number of logical CPUs on the host.
type CPUCounter func() (int, error)

// HostCPUs counts logical CPUs via gopsutil.
func HostCPUs() (int, error) {
	n, err := cpu.Counts(true)
	if err != nil {
		return 0, errors.Wrap(err, "count cpus")
	}
	if n <= 0 {
		return 0, errors.New("cpu count unavailable")
	}
	return n, nil
}

// Decode checks that every required group and key is present, then decodes the file.
func Decode(jb []byte, source string) (*File, error) {
	var groups map[string]json.RawMessage
	if err := json.Unmarshal(jb, &groups); err != nil {
		return nil, errors.Wrapf(err, "parse %s", source)
	}
	for _, grp := range sortedKeys(requiredFields) {
		raw, ok := groups[grp]
		if !ok {
			return nil, errors.WithHintf(errors.Wrapf(ErrMissingField, "group %s", grp),
				"add a %q section to %s", grp, source)
		}
		var g map[string]json.RawMessage
		if err := json.Unmarshal(raw, &g); err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "group %s must be an object", grp), ErrInvalidField)
		}
		for _, key := range requiredFields[grp] {
			if _, ok := g[key]; !ok {
				return nil, errors.WithHintf(errors.Wrapf(ErrMissingField, "attribute %s in group %s", key, grp),
					"attribute %s is required for group %s in config file %s", key, grp, source)
			}
		}
	}

	var f File
	dec := json.NewDecoder(bytes.NewReader(jb))
	if err := dec.Decode(&f); err != nil {
		return nil, errors.Wrapf(err, "decode %s", source)
	}
	return &f, nil
}

// Resolve validates a decoded file and derives the runtime Settings.
// cpus may be nil; an unknown CPU count leaves use_cpus as the ceiling.
func Resolve(f *File, path string, cpus CPUCounter) (*Settings, error) {
	if f == nil {
		return nil, errors.New("nil config")
	}
	s := &Settings{Path: path}

	if f.General.ConfigCheckInterval < 0 {
		return nil, invalid("General.config_check_interval must be >= 0")
	}
	s.ConfigCheckInterval = time.Duration(f.General.ConfigCheckInterval) * time.Second
	s.CropName = f.General.CropName
	s.CommandScript = CommandScript(f.General.CropName)

	var err error
	if s.ExePath, err = expandPath(f.Simulations.ExePath); err != nil {
		return nil, errors.Wrap(err, "Simulations.exepath")
	}
	if s.SimsDir, err = expandPath(f.Simulations.SimsDir); err != nil {
		return nil, errors.Wrap(err, "Simulations.sims_dir")
	}
	s.DeleteSimDirs = f.Simulations.DeleteSimDirs
	s.ResumeFromPrevious = f.Simulations.ResumeFromPrev
	s.OutputVariables = append([]string(nil), f.Simulations.OutputVariables...)
	if f.Simulations.Timeout <= 0 {
		return nil, invalid("Simulations.timeout must be > 0")
	}
	s.Timeout = time.Duration(f.Simulations.Timeout) * time.Second

	if err := resolveSpeed(s, f.Speed, cpus); err != nil {
		return nil, err
	}

	if s.LogDir, err = expandPath(f.Logging.LogDir); err != nil {
		return nil, errors.Wrap(err, "Logging.log_dir")
	}
	s.LogLevel = strings.TrimSpace(f.Logging.Level)
	s.LogConsole = f.Logging.Console

	if s.Telemetry, err = resolveTelemetry(f.Telemetry); err != nil {
		return nil, err
	}
	if s.History, err = resolveHistory(f.History); err != nil {
		return nil, err
	}
	return s, nil
}

func resolveSpeed(s *Settings, sp SpeedConfig, cpus CPUCounter) error {
	if sp.UseCPUs < 1 {
		return invalid("Speed.use_cpus must be >= 1")
	}
	if sp.Fast <= 0 || sp.Fast > 1 {
		return invalid("Speed.fast must be in (0,1]")
	}
	if sp.Slow <= 0 || sp.Slow > 1 {
		return invalid("Speed.slow must be in (0,1]")
	}
	s.RequestedCPUs = sp.UseCPUs
	s.EffectiveCPUs = sp.UseCPUs
	if cpus != nil {
		if n, err := cpus(); err == nil && n > 0 {
			s.AvailableCPUs = n
			if n < s.EffectiveCPUs {
				s.EffectiveCPUs = n
			}
		}
	}

	days, err := policy.ParseWorkdays(sp.Workdays)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "Speed.workdays"), ErrInvalidField)
	}
	start, err := policy.ParseClock(sp.StartWork)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "Speed.start_work"), ErrInvalidField)
	}
	end, err := policy.ParseClock(sp.EndWork)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "Speed.end_work"), ErrInvalidField)
	}
	s.Schedule = policy.Schedule{
		Workdays:      days,
		BusinessStart: start,
		BusinessEnd:   end,
		FastLimit:     policy.ScaleLimit(s.EffectiveCPUs, sp.Fast),
		SlowLimit:     policy.ScaleLimit(s.EffectiveCPUs, sp.Slow),
	}
	return nil
}

func resolveTelemetry(tc *TelemetryConfig) (TelemetrySettings, error) {
	out := TelemetrySettings{Enabled: true, HandshakeTimeout: defaultHandshakeTimeout}
	if tc != nil && tc.Enabled != nil {
		out.Enabled = *tc.Enabled
	}
	if tc != nil && strings.TrimSpace(tc.Addr) != "" {
		out.Addr = strings.TrimSpace(tc.Addr)
	} else {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "localhost"
		}
		out.Addr = net.JoinHostPort(host, strconv.Itoa(TelemetryPort))
	}
	if tc != nil {
		d, err := ParseDurationOrDefault("Telemetry.handshake_timeout", tc.HandshakeTimeout, defaultHandshakeTimeout)
		if err != nil {
			return TelemetrySettings{}, err
		}
		out.HandshakeTimeout = d
	}
	return out, nil
}

func resolveHistory(hc *HistoryConfig) (HistorySettings, error) {
	if hc == nil {
		return HistorySettings{Driver: "none"}, nil
	}
	driver := strings.ToLower(strings.TrimSpace(hc.Driver))
	switch driver {
	case "", "none":
		return HistorySettings{Driver: "none"}, nil
	case "file", "sqlite", "sqlite3":
	default:
		return HistorySettings{}, invalid("History.driver must be none, file or sqlite")
	}
	if strings.TrimSpace(hc.Path) == "" {
		return HistorySettings{}, invalid("History.path is required when History.driver=" + driver)
	}
	p, err := expandPath(hc.Path)
	if err != nil {
		return HistorySettings{}, errors.Wrap(err, "History.path")
	}
	bt, err := ParseDurationField("History.busy_timeout", hc.BusyTimeout)
	if err != nil {
		return HistorySettings{}, err
	}
	return HistorySettings{Driver: driver, Path: p, BusyTimeout: bt}, nil
}

// CheckPaths verifies that the worker executable and the job root exist.
func CheckPaths(s *Settings) error {
	st, err := os.Stat(s.ExePath)
	if err != nil || st.IsDir() {
		return errors.WithHint(errors.Wrapf(ErrInvalidField, "worker executable does not exist: %s", s.ExePath),
			"set Simulations.exepath to the simulation program")
	}
	st, err = os.Stat(s.SimsDir)
	if err != nil || !st.IsDir() {
		return errors.WithHint(errors.Wrapf(ErrInvalidField, "simulation directory does not exist: %s", s.SimsDir),
			"set Simulations.sims_dir to the directory holding one subdirectory per job")
	}
	return nil
}

// expandPath expands $VARS and a leading ~, then makes the path absolute.
func expandPath(raw string) (string, error) {
	p := strings.TrimSpace(raw)
	if p == "" {
		return "", invalid("path is empty")
	}
	p = os.ExpandEnv(p)
	if p == "~" || strings.HasPrefix(p, "~/") || strings.HasPrefix(p, `~\`) {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Wrap(err, "resolve home directory")
		}
		p = filepath.Join(home, p[1:])
	}
	abs, err := filepath.Abs(filepath.Clean(p))
	if err != nil {
		return "", errors.Wrapf(err, "absolute path for %s", raw)
	}
	return abs, nil
}

func invalid(msg string) error {
	return errors.Wrap(ErrInvalidField, msg)
}

func sortedKeys(m map[string][]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
