// Package logging configures the global zerolog logger.
package logging

import (
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/crewmate/crewmate/internal/config"
)

const (
	DefaultLogFilePath = "crewmate.log"
	DefaultMaxSizeMB   = 50
	DefaultMaxBackups  = 5
	DefaultMaxAgeDays  = 30
	DefaultCompress    = true
	DefaultFileFormat  = "text"

	timeFormat = "2006-01-02 15:04:05"
)

// FileOptions control the rotating log file.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	// Format is "text" for console-style lines or "json" for raw zerolog events.
	Format string
}

// FileOptionsFrom reads the log.* settings. Out of range values fall back
// to the defaults.
func FileOptionsFrom(loader *config.Loader, path string) FileOptions {
	opts := FileOptions{
		Path:       path,
		MaxSizeMB:  loader.Int("log.max_size_mb", DefaultMaxSizeMB),
		MaxBackups: loader.Int("log.max_backups", DefaultMaxBackups),
		MaxAgeDays: loader.Int("log.max_age_days", DefaultMaxAgeDays),
		Compress:   loader.Bool("log.compress", DefaultCompress),
		Format:     loader.String("log.file_format", DefaultFileFormat),
	}
	if opts.Path == "" {
		opts.Path = DefaultLogFilePath
	}
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = DefaultMaxSizeMB
	}
	if opts.MaxBackups < 0 {
		opts.MaxBackups = DefaultMaxBackups
	}
	if opts.MaxAgeDays < 0 {
		opts.MaxAgeDays = DefaultMaxAgeDays
	}
	if opts.Format != "json" {
		opts.Format = DefaultFileFormat
	}
	return opts
}

// Setup installs a console logger at the level implied by the -v count.
// It runs before the database, and with it the stored settings, is available.
func Setup(verbosity int) {
	level := zerolog.InfoLevel
	switch {
	case verbosity == 1:
		level = zerolog.DebugLevel
	case verbosity > 1:
		level = zerolog.TraceLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = newLogger(console(os.Stdout))
}

// Apply switches to the stored "log.level" (unless -v was given) and adds
// the rotating file next to the console output.
func Apply(loader *config.Loader, verbosity int, logFilePath string) {
	if verbosity == 0 {
		applyLevel(loader.String("log.level", "info"))
	}

	opts := FileOptionsFrom(loader, logFilePath)
	file, err := fileWriter(opts)
	if err != nil {
		log.Logger = newLogger(console(os.Stdout))
		log.Error().Err(err).Str("path", opts.Path).Msg("Failed to prepare log directory, logging to console only")
		return
	}
	log.Logger = newLogger(zerolog.MultiLevelWriter(console(os.Stdout), file))
	log.Debug().Str("path", opts.Path).Str("format", opts.Format).Msg("File logging enabled")
}

// applyLevel accepts zerolog level names. Unknown names mean info.
func applyLevel(name string) {
	level, err := zerolog.ParseLevel(name)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func fileWriter(opts FileOptions) (io.Writer, error) {
	if dir := filepath.Dir(opts.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	rotating := &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
	if opts.Format == "json" {
		return rotating, nil
	}
	return zerolog.ConsoleWriter{Out: rotating, TimeFormat: timeFormat, NoColor: true}, nil
}

func console(out io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{Out: out, TimeFormat: timeFormat}
}

func newLogger(w io.Writer) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Logger()
}

// FilePathForDB places the log file in the database's directory.
func FilePathForDB(dbPath string) string {
	if dbPath == "" {
		return DefaultLogFilePath
	}
	if abs, err := filepath.Abs(dbPath); err == nil {
		dbPath = abs
	}
	return filepath.Join(filepath.Dir(dbPath), DefaultLogFilePath)
}
