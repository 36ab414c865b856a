// Package config holds the server configuration: built-in defaults, an
// optional YAML file on top, then whatever the command line overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"q-bridge/internal/gateway"
	"q-bridge/internal/session"
)

// Config is the full server configuration.
type Config struct {
	ListenAddr  string `yaml:"listen_addr"`
	LogLevel    string `yaml:"log_level"`
	IndexFile   string `yaml:"index_file"`
	StaticDir   string `yaml:"static_dir"`
	EagerStart  bool   `yaml:"eager_start"`  // start the child before the first query
	WatchBinary bool   `yaml:"watch_binary"` // restart after the executable is replaced

	Session Session `yaml:"session"`
	Gateway Gateway `yaml:"gateway"`
}

// Session configures the child process and its output framing.
type Session struct {
	Command          string        `yaml:"command"`
	Args             []string      `yaml:"args"`
	Dir              string        `yaml:"dir"`
	Env              []string      `yaml:"env"`
	SettleDelay      time.Duration `yaml:"settle_delay"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	HandshakePoll    time.Duration `yaml:"handshake_poll"`
	QuitCommand      string        `yaml:"quit_command"`
	QuitTimeout      time.Duration `yaml:"quit_timeout"`
	TerminateTimeout time.Duration `yaml:"terminate_timeout"`
	QueueCapacity    int           `yaml:"queue_capacity"`
	DiagnosticLines  int           `yaml:"diagnostic_lines"`

	ChunkSize     int           `yaml:"chunk_size"`
	Terminators   string        `yaml:"terminators"`
	CompleteAfter time.Duration `yaml:"complete_after"`
	IdleInterval  time.Duration `yaml:"idle_interval"`
}

// Gateway configures query waits.
type Gateway struct {
	StreamPullTimeout time.Duration `yaml:"stream_pull_timeout"`
	CollectTimeout    time.Duration `yaml:"collect_timeout"`
	CollectPoll       time.Duration `yaml:"collect_poll"`
	QueueWait         time.Duration `yaml:"queue_wait"`
}

// Default returns the built-in configuration.
func Default() Config {
	so := session.DefaultOptions()
	g := gateway.DefaultOptions()
	return Config{
		ListenAddr: "0.0.0.0:5000",
		LogLevel:   "info",
		Session: Session{
			Command:          so.Command,
			Args:             so.Args,
			SettleDelay:      so.SettleDelay,
			HandshakeTimeout: so.HandshakeTimeout,
			HandshakePoll:    so.HandshakePoll,
			QuitCommand:      so.QuitCommand,
			QuitTimeout:      so.QuitTimeout,
			TerminateTimeout: so.TerminateTimeout,
			QueueCapacity:    so.QueueCapacity,
			DiagnosticLines:  so.DiagnosticLines,
			ChunkSize:        so.Framer.ChunkSize,
			Terminators:      so.Framer.Terminators,
			CompleteAfter:    so.Framer.CompleteAfter,
			IdleInterval:     so.Framer.IdleInterval,
		},
		Gateway: Gateway{
			StreamPullTimeout: g.StreamPullTimeout,
			CollectTimeout:    g.CollectTimeout,
			CollectPoll:       g.CollectPoll,
			QueueWait:         g.QueueWait,
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path. Keys absent
// from the file keep their default. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := Parse(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML into cfg. Unknown keys are rejected.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parsing config: %w", err)
	}
	return nil
}

// Validate reports every problem found, joined.
func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is empty"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(c.Session.Command) == "" {
		errs = append(errs, errors.New("session.command is empty"))
	}
	if c.Session.ChunkSize <= 0 {
		errs = append(errs, errors.New("session.chunk_size must be positive"))
	}
	if c.Session.QueueCapacity < 0 {
		errs = append(errs, errors.New("session.queue_capacity must not be negative"))
	}
	if c.Session.SettleDelay < 0 {
		errs = append(errs, errors.New("session.settle_delay must not be negative"))
	}

	positive := map[string]time.Duration{
		"session.handshake_timeout":   c.Session.HandshakeTimeout,
		"session.handshake_poll":      c.Session.HandshakePoll,
		"session.quit_timeout":        c.Session.QuitTimeout,
		"session.terminate_timeout":   c.Session.TerminateTimeout,
		"session.complete_after":      c.Session.CompleteAfter,
		"session.idle_interval":       c.Session.IdleInterval,
		"gateway.stream_pull_timeout": c.Gateway.StreamPullTimeout,
		"gateway.collect_timeout":     c.Gateway.CollectTimeout,
		"gateway.collect_poll":        c.Gateway.CollectPoll,
		"gateway.queue_wait":          c.Gateway.QueueWait,
	}
	for _, name := range slices.Sorted(maps.Keys(positive)) {
		if positive[name] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, positive[name]))
		}
	}
	return errors.Join(errs...)
}

// Level parses LogLevel.
func (c Config) Level() (zapcore.Level, error) {
	lvl, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return lvl, fmt.Errorf("log_level: %w", err)
	}
	return lvl, nil
}

// SessionOptions converts the session section for session.NewManager.
func (c Config) SessionOptions() session.Options {
	s := c.Session
	return session.Options{
		Command:          s.Command,
		Args:             s.Args,
		Dir:              s.Dir,
		Env:              s.Env,
		SettleDelay:      s.SettleDelay,
		HandshakeTimeout: s.HandshakeTimeout,
		HandshakePoll:    s.HandshakePoll,
		QuitCommand:      s.QuitCommand,
		QuitTimeout:      s.QuitTimeout,
		TerminateTimeout: s.TerminateTimeout,
		QueueCapacity:    s.QueueCapacity,
		DiagnosticLines:  s.DiagnosticLines,
		Framer: session.FramerOptions{
			ChunkSize:     s.ChunkSize,
			Terminators:   s.Terminators,
			CompleteAfter: s.CompleteAfter,
			IdleInterval:  s.IdleInterval,
		},
	}
}

// GatewayOptions converts the gateway section for gateway.New.
func (c Config) GatewayOptions() gateway.Options {
	return gateway.Options{
		StreamPullTimeout: c.Gateway.StreamPullTimeout,
		CollectTimeout:    c.Gateway.CollectTimeout,
		CollectPoll:       c.Gateway.CollectPoll,
		QueueWait:         c.Gateway.QueueWait,
	}
}
