package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"

	FormatText = "text"
	FormatJSON = "json"
)

// SupervisorFile is the name of the supervisor's own log file inside File.Dir.
const SupervisorFile = "lux.log"

// FileConfig describes rotated log files. Rotation parameters follow
// lumberjack semantics.
type FileConfig struct {
	Dir        string `mapstructure:"dir" json:"dir,omitempty"`               // base directory for logs
	MaxSizeMB  int    `mapstructure:"maxSizeMB" json:"maxSizeMB,omitempty"`   // megabytes before rotation (default 10)
	MaxBackups int    `mapstructure:"maxBackups" json:"maxBackups,omitempty"` // number of backups to keep (default 3)
	MaxAgeDays int    `mapstructure:"maxAgeDays" json:"maxAgeDays,omitempty"` // days to keep (default 7)
	Compress   bool   `mapstructure:"compress" json:"compress,omitempty"`     // Gzip rotated files
}

// Config is the `log` section of the root configuration.
type Config struct {
	Level      string     `mapstructure:"level" json:"level,omitempty"`
	Format     string     `mapstructure:"format" json:"format,omitempty"`
	Color      bool       `mapstructure:"color" json:"color,omitempty"`
	TimeStamps bool       `mapstructure:"timestamps" json:"timestamps,omitempty"`
	File       FileConfig `mapstructure:"file" json:"file,omitempty"`
}

// ParseLevel maps a level name to its slog level. Unknown names are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn, "warning":
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// New builds the supervisor logger. It writes to stderr and, when File.Dir is
// set, to a rotated lux.log as well. The returned closer releases the file.
func (c Config) New() (*slog.Logger, io.Closer) {
	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if c.File.Dir != "" {
		f := c.File.rotated(filepath.Join(c.File.Dir, SupervisorFile))
		w = io.MultiWriter(os.Stderr, f)
		closer = f
	}
	return slog.New(c.Handler(w)), closer
}

// Handler returns the slog handler writing to w in the configured format.
func (c Config) Handler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level)}
	if !c.TimeStamps {
		opts.ReplaceAttr = dropTime
	}
	switch {
	case strings.EqualFold(c.Format, FormatJSON):
		return slog.NewJSONHandler(w, opts)
	case c.Color:
		return NewColorTextHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// ServiceWriter returns the rotated sink for the stderr of service name, or
// nil when file logging is off.
func (c Config) ServiceWriter(name string) io.WriteCloser {
	if c.File.Dir == "" {
		return nil
	}
	return c.File.rotated(filepath.Join(c.File.Dir, fmt.Sprintf("%s.log", name)))
}

func (f FileConfig) rotated(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
