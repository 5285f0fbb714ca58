// Package logging wraps log/slog with the handler-chain construction style
// used throughout the daemon: a package-level logger writing JSON to stderr
// by default, JSON over a lumberjack-rotated file when LogFile is set, or a
// syslog handler when configured.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"log/syslog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls how Init builds the handler chain.
type Config struct {
	Level          string // "debug", "info", "warn", "error"
	LogFile        string // rotated JSON log path; empty disables rotation (stderr instead)
	Syslog         bool
	SyslogAddress  string // "host:port"; empty means local syslog
	SyslogFacility string // e.g. "daemon", "local0"
}

var (
	// Log is the package-level structured logger.
	Log *slog.Logger
	// logWriter is the rotating log writer, non-nil only when LogFile is set.
	logWriter *lumberjack.Logger
)

// Init builds the handler chain described by cfg and installs it as both
// the package-level Log and the slog default.
func Init(cfg Config) error {
	level := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch {
	case cfg.Syslog:
		w, err := dialSyslog(cfg.SyslogAddress, cfg.SyslogFacility)
		if err != nil {
			return fmt.Errorf("connect syslog: %w", err)
		}
		handler = newSyslogHandler(w, opts)
	case cfg.LogFile != "":
		logWriter = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10, // MB
			MaxBackups: 3,
			MaxAge:     7, // days
			Compress:   true,
		}
		handler = slog.NewJSONHandler(logWriter, opts)
	default:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	Log = slog.New(handler)
	slog.SetDefault(Log)
	return nil
}

// Close flushes and closes any rotated log file.
func Close() {
	if logWriter != nil {
		logWriter.Close()
	}
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

func getLogger() *slog.Logger {
	if Log != nil {
		return Log
	}
	return slog.Default()
}

func Debug(msg string, args ...any) { getLogger().Debug(msg, args...) }
func Info(msg string, args ...any)  { getLogger().Info(msg, args...) }
func Warn(msg string, args ...any)  { getLogger().Warn(msg, args...) }
func Error(msg string, args ...any) { getLogger().Error(msg, args...) }

// With returns a logger with additional attributes attached.
func With(args ...any) *slog.Logger {
	return getLogger().With(args...)
}

func dialSyslog(address, facility string) (*syslog.Writer, error) {
	priority := syslogFacility(facility) | syslog.LOG_INFO
	if address == "" {
		return syslog.New(priority, "pgsentryd")
	}
	return syslog.Dial("udp", address, priority, "pgsentryd")
}

func syslogFacility(name string) syslog.Priority {
	switch name {
	case "daemon":
		return syslog.LOG_DAEMON
	case "local0":
		return syslog.LOG_LOCAL0
	case "local1":
		return syslog.LOG_LOCAL1
	case "local2":
		return syslog.LOG_LOCAL2
	case "local3":
		return syslog.LOG_LOCAL3
	case "local4":
		return syslog.LOG_LOCAL4
	case "local5":
		return syslog.LOG_LOCAL5
	case "local6":
		return syslog.LOG_LOCAL6
	case "local7":
		return syslog.LOG_LOCAL7
	default:
		return syslog.LOG_DAEMON
	}
}

// syslogHandler wraps a *syslog.Writer as a slog.Handler, following the same
// inner-handler-wrapping shape as a JSON/lumberjack handler: Enabled just
// delegates, Handle formats and writes, With{Attrs,Group} thread attrs
// through a child handler.
type syslogHandler struct {
	w     *syslog.Writer
	opts  *slog.HandlerOptions
	attrs []slog.Attr
}

func newSyslogHandler(w *syslog.Writer, opts *slog.HandlerOptions) *syslogHandler {
	return &syslogHandler{w: w, opts: opts}
}

func (h *syslogHandler) Enabled(_ context.Context, level slog.Level) bool {
	min := slog.LevelInfo
	if h.opts != nil && h.opts.Level != nil {
		min = h.opts.Level.Level()
	}
	return level >= min
}

func (h *syslogHandler) Handle(_ context.Context, r slog.Record) error {
	var b []byte
	b = append(b, r.Message...)
	for _, a := range h.attrs {
		b = append(b, ' ')
		b = append(b, a.Key...)
		b = append(b, '=')
		b = append(b, fmt.Sprint(a.Value.Any())...)
	}
	r.Attrs(func(a slog.Attr) bool {
		b = append(b, ' ')
		b = append(b, a.Key...)
		b = append(b, '=')
		b = append(b, fmt.Sprint(a.Value.Any())...)
		return true
	})
	line := string(b)

	switch {
	case r.Level >= slog.LevelError:
		return h.w.Err(line)
	case r.Level >= slog.LevelWarn:
		return h.w.Warning(line)
	case r.Level >= slog.LevelInfo:
		return h.w.Info(line)
	default:
		return h.w.Debug(line)
	}
}

func (h *syslogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &syslogHandler{w: h.w, opts: h.opts, attrs: append(append([]slog.Attr{}, h.attrs...), attrs...)}
}

func (h *syslogHandler) WithGroup(_ string) slog.Handler {
	return h
}

var _ io.Writer = (*lumberjack.Logger)(nil)
