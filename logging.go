package netcore

// logging.go builds the slog.Logger handed to every component.  Console output goes
// through a tint handler; when a log file is named a plain text handler writing to it
// is fanned out alongside.

import (
	"io"
	"log/slog"
	"os"
	"path"

	"github.com/encodeous/tint"
	slogmulti "github.com/samber/slog-multi"
)

// LogConfig describes where log records go and how much detail they carry
type LogConfig struct {
	// Verbose lowers the threshold from Info to Debug
	Verbose bool `json:"verbose" yaml:"verbose"`

	// File, if not empty, receives a copy of every record in text form
	File string `json:"file" yaml:"file"`

	// Prefix is printed ahead of every console record, e.g. the name of a node
	Prefix string `json:"prefix" yaml:"prefix"`

	// KeepTime leaves the wall clock time attribute on console records.  Simulations
	// drop it, as virtual time is logged explicitly.
	KeepTime bool `json:"keeptime" yaml:"keeptime"`
}

// DefaultLogConfig returns a console-only configuration at Info level
func DefaultLogConfig() LogConfig {
	return LogConfig{}
}

// Level returns the slog level selected by the configuration
func (lc LogConfig) Level() slog.Level {
	if lc.Verbose {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewLogger builds a logger from the configuration.  The returned io.Closer releases
// the log file, if one was opened, and must be called when logging is finished.
func NewLogger(lc LogConfig) (*slog.Logger, io.Closer, error) {
	level := lc.Level()

	handlers := []slog.Handler{
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:        level,
			AddSource:    false,
			CustomPrefix: lc.Prefix,
			TimeFormat:   "15:04:05",
			ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
				if !lc.KeepTime && attr.Key == slog.TimeKey && len(groups) == 0 {
					return slog.Attr{}
				}
				return attr
			},
		}),
	}

	var closer io.Closer = nopCloser{}
	if lc.File != "" {
		err := os.MkdirAll(path.Dir(lc.File), 0700)
		if err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(lc.File, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
		if err != nil {
			return nil, nil, err
		}
		handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: level}))
		closer = f
	}

	return slog.New(slogmulti.Fanout(handlers...)), closer, nil
}

// DiscardLogger returns a logger that drops every record
func DiscardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// LoggerOrDiscard returns logger, or a discarding logger if it is nil
func LoggerOrDiscard(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return DiscardLogger()
	}
	return logger
}
