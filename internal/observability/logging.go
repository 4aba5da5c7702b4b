package observability

import (
	"io"
	"log/slog"
	"strings"
)

// Record keys that replace slog's defaults in every emitted line.
const (
	TimestampKey = "timestamp"
	ActionKey    = "action"
)

// TimestampFormat is ISO-8601 in UTC with millisecond precision.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// NewLogger creates a JSON logger writing one object per line to w.
// The record time is emitted as "timestamp" and the message as "action".
func NewLogger(w io.Writer, level slog.Leveler) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceAttr,
	})
	return slog.New(handler)
}

func replaceAttr(groups []string, a slog.Attr) slog.Attr {
	if len(groups) > 0 {
		return a
	}
	switch a.Key {
	case slog.TimeKey:
		if a.Value.Kind() == slog.KindTime {
			return slog.String(TimestampKey, a.Value.Time().UTC().Format(TimestampFormat))
		}
		a.Key = TimestampKey
	case slog.MessageKey:
		a.Key = ActionKey
	}
	return a
}

// ParseLogLevel parses a log level string into slog.Level.
// Accepts: debug, info, warn, error (case-insensitive).
// Returns LevelInfo if the input is invalid or empty.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLevelVar returns a LevelVar set from a level string so the level can be
// changed while the process runs.
func NewLevelVar(s string) *slog.LevelVar {
	lv := new(slog.LevelVar)
	lv.Set(ParseLogLevel(s))
	return lv
}
