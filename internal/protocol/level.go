package protocol

import (
	"fmt"
	"log/slog"
)

// Level is the severity attached to an agent log frame.
type Level string

const (
	LevelTrace Level = "Trace"
	LevelDebug Level = "Debug"
	LevelInfo  Level = "Info"
	LevelWarn  Level = "Warn"
	LevelError Level = "Error"
)

// slog has no trace level; agent trace output sits below debug.
const slogLevelTrace = slog.LevelDebug - 4

func (l *Level) UnmarshalText(text []byte) error {
	v := Level(text)
	switch v {
	case LevelTrace, LevelDebug, LevelInfo, LevelWarn, LevelError:
		*l = v
		return nil
	default:
		return fmt.Errorf("unsupported log level: %q", text)
	}
}

// Slog maps the agent level onto the local diagnostic sink.
func (l Level) Slog() slog.Level {
	switch l {
	case LevelTrace:
		return slogLevelTrace
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
