// Package logging configures the zerolog logger shared by the realtime core.
package logging

import (
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

type Config struct {
	Level   string `mapstructure:"level"`
	Format  string `mapstructure:"format"`
	Service string `mapstructure:"service"`
}

// Validate rejects levels and formats the logger would silently ignore.
func (c Config) Validate() error {
	if _, err := level(c.Level); err != nil {
		return err
	}
	switch c.Format {
	case "", FormatJSON, FormatConsole:
		return nil
	default:
		return fmt.Errorf("unknown log format %q", c.Format)
	}
}

var (
	mu     sync.RWMutex
	global = zerolog.New(os.Stdout).With().Timestamp().Logger()
	once   sync.Once
)

// New builds a logger writing to w. Every entry carries the service name and,
// when set, the id of the node serving the connections.
func New(cfg Config, nodeID string, w io.Writer) zerolog.Logger {
	if cfg.Format == FormatConsole {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}
	lvl, err := level(cfg.Level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	lc := zerolog.New(w).Level(lvl).With().Timestamp()
	if cfg.Service != "" {
		lc = lc.Str(FieldService, cfg.Service)
	}
	if nodeID != "" {
		lc = lc.Str(FieldNodeID, nodeID)
	}
	return lc.Logger()
}

// Init installs the process logger on stdout and bridges the stdlib log
// package into it. Only the first call has an effect.
func Init(cfg Config, nodeID string) zerolog.Logger {
	once.Do(func() {
		l := New(cfg, nodeID, os.Stdout)
		mu.Lock()
		global = l
		mu.Unlock()

		stdlog.SetFlags(0)
		stdlog.SetOutput(l.With().Str(FieldComponent, "stdlog").Logger())
	})
	return L()
}

func L() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

func level(s string) (zerolog.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		return zerolog.InfoLevel, nil
	case "warning":
		return zerolog.WarnLevel, nil
	case "off":
		return zerolog.Disabled, nil
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q", s)
	}
	return lvl, nil
}
