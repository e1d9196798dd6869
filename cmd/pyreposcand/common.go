package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// globalFlags holds the `--log_level`/`--log_stream`/`--log_file` options
// shared by both subcommands.
type globalFlags struct {
	logLevel  string
	logStream string
	logFile   string
}

func addGlobalFlags(fs *flag.FlagSet) *globalFlags {
	g := &globalFlags{}
	fs.StringVar(&g.logLevel, "log_level", "info", "log level: debug, info, warn, error")
	fs.StringVar(&g.logStream, "log_stream", "stderr", "log stream when log_file is unset: stdout or stderr")
	fs.StringVar(&g.logFile, "log_file", "", "write logs to this file instead of log_stream")
	return g
}

// logger builds a zerolog.Logger: a console writer over the configured
// stream (or file), at the configured level.
func (g *globalFlags) logger() (zerolog.Logger, error) {
	var out *os.File
	switch {
	case g.logFile != "":
		f, err := os.OpenFile(g.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("opening log file: %w", err)
		}
		out = f
	case g.logStream == "stdout":
		out = os.Stdout
	case g.logStream == "stderr", g.logStream == "":
		out = os.Stderr
	default:
		return zerolog.Logger{}, fmt.Errorf("invalid log_stream %q", g.logStream)
	}

	level, err := zerolog.ParseLevel(g.logLevel)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log_level %q: %w", g.logLevel, err)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: out, NoColor: true}).
		Level(level).
		With().Timestamp().Logger()
	return log, nil
}

// parseInterval parses an `N{s|m|h}` duration. The grammar is a single
// integer plus one unit suffix, not the full time.ParseDuration grammar
// (compound durations like "1h30m" are rejected).
func parseInterval(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid interval %q: want N followed by s, m, or h", s)
	}
	suffix := s[len(s)-1]
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid interval %q: want a positive integer before the unit suffix", s)
	}
	switch suffix {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid interval %q: unit must be s, m, or h", s)
	}
}
