package app

import (
	"path/filepath"
	"time"

	"specrun/internal/config"
	"specrun/internal/history"
	logx "specrun/pkg/logx"
)

// LogFileName is the run log written under Logging.log_dir.
const LogFileName = "specrun.log"

const defaultSQLiteBusyTimeout = time.Second

func mapLogConfig(s *config.Settings) logx.Config {
	level := s.LogLevel
	if level == "" {
		level = "INFO"
	}
	return logx.Config{
		Level:   level,
		Console: s.LogConsole,
		File: logx.FileConfig{
			Enabled: true,
			Path:    filepath.Join(s.LogDir, LogFileName),
		},
	}
}

func mapHistoryConfig(s *config.Settings) (history.Config, bool) {
	h := s.History
	if h.Driver == "" || h.Driver == "none" {
		return history.Config{}, false
	}
	cfg := history.Config{Driver: h.Driver, Path: h.Path, BusyTimeout: h.BusyTimeout}
	if cfg.Driver != "file" && cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = defaultSQLiteBusyTimeout
	}
	return cfg, true
}
