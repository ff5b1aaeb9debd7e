package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelCrit
)

var (
	mu           sync.RWMutex
	currentLevel = LevelInfo
	base         = newConsole(os.Stdout)
	output       io.Closer
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelCrit:
		return "CRIT"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a level name to a Level. Unknown names yield false.
func ParseLevel(level string) (Level, bool) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return LevelDebug, true
	case "INFO":
		return LevelInfo, true
	case "WARN", "WARNING":
		return LevelWarn, true
	case "ERROR":
		return LevelError, true
	case "CRIT":
		return LevelCrit, true
	}
	return LevelInfo, false
}

func SetLevel(level string) {
	lvl, ok := ParseLevel(level)
	if !ok {
		return
	}
	mu.Lock()
	currentLevel = lvl
	mu.Unlock()
}

// Enabled reports whether messages at level would be written.
func Enabled(level Level) bool {
	mu.RLock()
	defer mu.RUnlock()
	return level >= currentLevel
}

// Config selects the log backend format and destination.
type Config struct {
	Level  string
	Format string // text or json
	Output string // stdout, stderr or a file path
}

// Configure replaces the global backend. A previously opened log file is
// closed once the new backend is installed.
func Configure(cfg Config) error {
	var (
		w      io.Writer
		closer io.Closer
	)

	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log output %q: %w", cfg.Output, err)
		}
		w, closer = f, f
	}

	var zl zerolog.Logger
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		zl = newConsole(w)
	case "json":
		zl = zerolog.New(w).With().Timestamp().Logger()
	default:
		if closer != nil {
			_ = closer.Close()
		}
		return fmt.Errorf("unknown log format %q", cfg.Format)
	}

	mu.Lock()
	prev := output
	base = zl
	output = closer
	if lvl, ok := ParseLevel(cfg.Level); ok {
		currentLevel = lvl
	}
	mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
	return nil
}

// SetOutput sends text-formatted logs to w. Mostly useful in tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	base = newConsole(w)
	mu.Unlock()
}

func newConsole(w io.Writer) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        w,
		NoColor:    true,
		TimeFormat: "2006-01-02 15:04:05",
	}).With().Timestamp().Logger()
}

func event(zl *zerolog.Logger, level Level) *zerolog.Event {
	switch level {
	case LevelDebug:
		return zl.Debug()
	case LevelInfo:
		return zl.Info()
	case LevelWarn:
		return zl.Warn()
	case LevelError:
		return zl.Error()
	default:
		// WithLevel does not exit the process the way Fatal() would.
		return zl.WithLevel(zerolog.FatalLevel)
	}
}

func log(component string, level Level, format string, v ...any) {
	mu.RLock()
	if level < currentLevel {
		mu.RUnlock()
		return
	}
	zl := base
	mu.RUnlock()

	ev := event(&zl, level)
	if component != "" {
		ev = ev.Str("component", component)
	}
	ev.Msgf(format, v...)
}

func Debug(format string, v ...any) {
	log("", LevelDebug, format, v...)
}

func Info(format string, v ...any) {
	log("", LevelInfo, format, v...)
}

func Warn(format string, v ...any) {
	log("", LevelWarn, format, v...)
}

func Error(format string, v ...any) {
	log("", LevelError, format, v...)
}

// Logger writes through the global backend, tagging every entry with a
// component name such as "pva.tcp" or "pva.remote".
type Logger struct {
	name string
}

func Named(name string) *Logger {
	return &Logger{name: name}
}

func (l *Logger) Name() string { return l.name }

func (l *Logger) Log(level Level, format string, v ...any) {
	log(l.name, level, format, v...)
}

func (l *Logger) Debug(format string, v ...any) { log(l.name, LevelDebug, format, v...) }
func (l *Logger) Info(format string, v ...any)  { log(l.name, LevelInfo, format, v...) }
func (l *Logger) Warn(format string, v ...any)  { log(l.name, LevelWarn, format, v...) }
func (l *Logger) Error(format string, v ...any) { log(l.name, LevelError, format, v...) }
func (l *Logger) Crit(format string, v ...any)  { log(l.name, LevelCrit, format, v...) }
