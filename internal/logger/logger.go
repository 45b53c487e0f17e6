package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings for the daemon's own log file.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config configures the supervisor's structured log. Client output is not
// handled here: it goes to per-client files capped by logrotate.
type Config struct {
	Level      Level  `mapstructure:"level"`
	Format     Format `mapstructure:"format"`
	Color      bool   `mapstructure:"color"`
	TimeStamps bool   `mapstructure:"timestamps"`
	Source     bool   `mapstructure:"source"`
	// File, when set, receives the log instead of stderr, rotated by lumberjack.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// SlogLevel maps the configured level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch Level(strings.ToLower(string(c.Level))) {
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

// Writer returns the log destination: a lumberjack logger when File is
// set, stderr otherwise.
func (c Config) Writer() io.Writer {
	if c.File == "" {
		return os.Stderr
	}
	return &lj.Logger{
		Filename:   c.File,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// NewSlogger builds a logger writing to w. Colors are never used for files.
func (c Config) NewSlogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel(), AddSource: c.Source}
	if !c.TimeStamps {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		}
	}
	var h slog.Handler
	switch {
	case c.Format == FormatJSON:
		h = slog.NewJSONHandler(w, opts)
	case c.Color && c.File == "":
		h = NewColorTextHandler(w, opts, c.TimeStamps)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// Setup builds the configured logger and installs it as the default.
func Setup(c Config) *slog.Logger {
	l := c.NewSlogger(c.Writer())
	slog.SetDefault(l)
	return l
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
