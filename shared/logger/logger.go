package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Config holds logger configuration
type Config struct {
	Level        string // debug, info, warn, error
	Format       string // json, console
	Output       string // stdout, stderr, or file path
	EnableSource bool
	TimeFormat   string // console only

	// writer overrides Output; set by tests
	writer io.Writer
}

// Logger is a slog.Logger that may own its log file
type Logger struct {
	*slog.Logger
	file *os.File
}

// New builds a logger writing to config.Output
func New(config *Config) (*Logger, error) {
	w, file, err := openOutput(config)
	if err != nil {
		return nil, err
	}
	// Files get plain text even in console format.
	h := newHandler(config, w, file == nil)
	return &Logger{Logger: slog.New(h), file: file}, nil
}

// NewDefault is the fallback console logger used when New fails
func NewDefault() *Logger {
	h := newHandler(&Config{Format: "console", TimeFormat: time.TimeOnly}, os.Stderr, true)
	return &Logger{Logger: slog.New(h)}
}

// Close releases the log file, if any
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// With returns a logger carrying args on every record
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Component tags records with the emitting component
func (l *Logger) Component(name string) *Logger {
	return l.With(slog.String("component", name))
}

func openOutput(config *Config) (io.Writer, *os.File, error) {
	if config.writer != nil {
		return config.writer, nil, nil
	}
	switch config.Output {
	case "", "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	}
	f, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, f, nil
}

func newHandler(config *Config, w io.Writer, color bool) slog.Handler {
	level := ParseLevel(config.Level)

	if config.Format != "" && config.Format != "console" {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:     level,
			AddSource: config.EnableSource,
		})
	}

	timeFormat := config.TimeFormat
	if timeFormat == "" {
		timeFormat = time.RFC3339
	}
	return tint.NewHandler(w, &tint.Options{
		Level:      level,
		AddSource:  config.EnableSource,
		TimeFormat: timeFormat,
		NoColor:    !color,
	})
}

// ParseLevel maps a level name, or a slog offset such as "info+2", to a
// slog.Level. Unknown names log at info.
func ParseLevel(name string) slog.Level {
	if strings.EqualFold(name, "warning") {
		return slog.LevelWarn
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return level
}
