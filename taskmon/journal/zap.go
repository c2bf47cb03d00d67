package journal

import (
	"git.unix.lgbt/diamondburned/taskmon/taskmon"
	"go.uber.org/zap"
)

// zapWriter logs events with a zap logger.
type zapWriter struct {
	log *zap.Logger
}

// ZapWriter creates a journaler that logs every event. Warnings and failures are
// logged at the warning level or above, everything else at the info level.
func ZapWriter(log *zap.Logger) taskmon.Journaler {
	return zapWriter{log}
}

func (w zapWriter) Write(event taskmon.Event) error {
	switch ev := event.(type) {
	case taskmon.EventWarning:
		w.log.Warn(ev.Error,
			zap.String("component", ev.Component),
			zap.String("task", ev.Task))

	case taskmon.EventProcessSpawnError:
		w.log.Error("process spawn error",
			zap.String("task", ev.Task),
			zap.String("binary", ev.Binary),
			zap.String("reason", ev.Reason))

	case taskmon.EventProcessExited:
		log := w.log.Info
		if ev.ExitCode != 0 {
			log = w.log.Warn
		}
		log("process exited",
			zap.String("task", ev.Task),
			zap.Int("pid", ev.PID),
			zap.Int("exit_code", ev.ExitCode),
			zap.Bool("observed", ev.Observed))

	case taskmon.EventProcessStopped:
		log := w.log.Info
		if ev.Forced {
			log = w.log.Warn
		}
		log("process stopped",
			zap.String("task", ev.Task),
			zap.Int("pid", ev.PID),
			zap.Int("exit_code", ev.ExitCode),
			zap.Bool("forced", ev.Forced))

	case taskmon.EventTaskRestarted:
		w.log.Warn("task restarted",
			zap.String("task", ev.Task),
			zap.Int("attempt", ev.Attempt),
			zap.Duration("delay", ev.Delay))

	default:
		w.log.Info(event.Type(), zap.Any("event", event))
	}

	return nil
}
