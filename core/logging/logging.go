// Package logging builds the structured loggers shared by every worker.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the logger type threaded through the runtime. A nil *Logger is
// valid and discards everything.
type Logger = logiface.Logger[logiface.Event]

// Config controls logger construction.
type Config struct {
	Writer io.Writer
	Level  string
	// Limits caps the number of rate limited events per window.
	Limits map[time.Duration]int
}

// DefaultLimits bounds the hot-path logs marked with Limit.
var DefaultLimits = map[time.Duration]int{
	time.Second:     20,
	time.Minute * 1: 200,
}

// ParseLevel maps a syslog style name onto a logiface level.
func ParseLevel(s string) (logiface.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return logiface.LevelTrace, nil
	case "debug":
		return logiface.LevelDebug, nil
	case "", "info", "informational":
		return logiface.LevelInformational, nil
	case "notice":
		return logiface.LevelNotice, nil
	case "warn", "warning":
		return logiface.LevelWarning, nil
	case "err", "error":
		return logiface.LevelError, nil
	case "crit", "critical":
		return logiface.LevelCritical, nil
	case "alert":
		return logiface.LevelAlert, nil
	case "emerg", "emergency":
		return logiface.LevelEmergency, nil
	case "off", "disabled":
		return logiface.LevelDisabled, nil
	}
	return logiface.LevelDisabled, fmt.Errorf("logging: unknown level %q", s)
}

// New creates a JSON logger writing to cfg.Writer, or stderr.
func New(cfg Config) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}
	limits := cfg.Limits
	if limits == nil {
		limits = DefaultLimits
	}
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
		stumpy.L.WithCategoryRateLimits(limits),
	).Logger(), nil
}

// Must is New that panics on a bad level.
func Must(cfg Config) *Logger {
	l, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return l
}
