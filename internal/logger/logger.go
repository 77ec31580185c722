// Package logger provides the structured logger shared by every Nyx
// datapath component. Components never call the bare "log" package or
// fmt.Println directly; they log through here so level, timestamp
// format, and output fan-out stay uniform across the session.
package logger

import (
	"io"
	"log/slog"
	"os"
)

// Log is the process-wide logger. It is usable before Init is called
// (falling back to stderr at info level) so library code never needs
// a nil check.
var Log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

// Init (re)configures the global logger. level is one of
// debug/info/warn/error; logFile, if non-empty, additionally appends
// to that file.
func Init(level string, logFile string) error {
	handler := slog.NewTextHandler(multiWriter(logFile), &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: shortenTime,
	})
	Log = slog.New(handler)
	slog.SetDefault(Log)
	return nil
}

// Component returns a logger pre-bound with a "component" attribute,
// e.g. logger.Component("scheduler") — the idiom every datapath
// package uses instead of plumbing *slog.Logger through constructors.
func Component(name string) *slog.Logger {
	return Log.With(slog.String("component", name))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func multiWriter(logFile string) io.Writer {
	writers := []io.Writer{os.Stdout}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err == nil {
			writers = append(writers, f)
		}
	}
	if len(writers) == 1 {
		return writers[0]
	}
	return io.MultiWriter(writers...)
}

func shortenTime(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		return slog.String("time", a.Value.Time().Format("15:04:05.000"))
	}
	return a
}
