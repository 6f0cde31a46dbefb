package config

import (
	"reflect"

	logx "specrun/pkg/logx"
)

// SummarizeChange returns (1) the changed setting names and (2) structured fields
// describing the new values, for the reload log line.
//
// Settings that only take effect at startup (job root, resume mode, logging, telemetry,
// history) are reported in frozen so the caller can warn that they were ignored.
func SummarizeChange(oldS, newS *Settings) (changed []string, attrs []logx.Field, frozen []string) {
	if oldS == nil {
		oldS = &Settings{}
	}
	if newS == nil {
		newS = &Settings{}
	}

	if oldS.ConfigCheckInterval != newS.ConfigCheckInterval {
		changed = append(changed, "config_check_interval")
		attrs = append(attrs, logx.Duration("config_check_interval", newS.ConfigCheckInterval))
	}
	if oldS.CropName != newS.CropName {
		changed = append(changed, "cropName")
		attrs = append(attrs, logx.String("crop", newS.CropName))
	}
	if oldS.ExePath != newS.ExePath {
		changed = append(changed, "exepath")
		attrs = append(attrs, logx.String("exepath", newS.ExePath))
	}
	if oldS.Timeout != newS.Timeout {
		changed = append(changed, "timeout")
		attrs = append(attrs, logx.Duration("timeout", newS.Timeout))
	}
	if oldS.RequestedCPUs != newS.RequestedCPUs || oldS.EffectiveCPUs != newS.EffectiveCPUs {
		changed = append(changed, "use_cpus")
		attrs = append(attrs, logx.Int("cpus", newS.EffectiveCPUs))
	}
	if !reflect.DeepEqual(oldS.Schedule, newS.Schedule) {
		changed = append(changed, "speed")
		attrs = append(attrs,
			logx.Int("fast", newS.Schedule.FastLimit),
			logx.Int("slow", newS.Schedule.SlowLimit),
			logx.String("start_work", newS.Schedule.BusinessStart.String()),
			logx.String("end_work", newS.Schedule.BusinessEnd.String()),
			logx.Int("workdays", len(newS.Schedule.Workdays)),
		)
	}
	if !reflect.DeepEqual(oldS.OutputVariables, newS.OutputVariables) || oldS.DeleteSimDirs != newS.DeleteSimDirs {
		changed = append(changed, "simulations")
	}

	if oldS.SimsDir != newS.SimsDir {
		frozen = append(frozen, "sims_dir")
	}
	if oldS.ResumeFromPrevious != newS.ResumeFromPrevious {
		frozen = append(frozen, "resume_frm_prev")
	}
	if oldS.LogDir != newS.LogDir || oldS.LogLevel != newS.LogLevel || oldS.LogConsole != newS.LogConsole {
		frozen = append(frozen, "logging")
	}
	if oldS.Telemetry != newS.Telemetry {
		frozen = append(frozen, "telemetry")
	}
	if oldS.History != newS.History {
		frozen = append(frozen, "history")
	}
	return changed, attrs, frozen
}
