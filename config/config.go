// Package config loads the dsplink command's configuration from a TOML or YAML file.
// Library packages take typed Config structs; only the command reads files.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/c35s/dsplink/clocksync"
	"github.com/c35s/dsplink/image"
	"github.com/c35s/dsplink/session"
	"github.com/c35s/dsplink/wait"
	"gopkg.in/yaml.v3"
)

// Config is the file's content.
type Config struct {
	Images    Images    `toml:"images" yaml:"images"`
	Session   Session   `toml:"session" yaml:"session"`
	Timing    Timing    `toml:"timing" yaml:"timing"`
	ClockSync ClockSync `toml:"clock_sync" yaml:"clock_sync"`
	Log       Log       `toml:"log" yaml:"log"`
	Diag      Diag      `toml:"diag" yaml:"diag"`
	Sim       Sim       `toml:"sim" yaml:"sim"`
}

// Images says where images come from and which to load. Exactly one of Dir, Archive
// and URL must be set.
type Images struct {
	Dir     string `toml:"dir" yaml:"dir"`
	Archive string `toml:"archive" yaml:"archive"` // cpio, optionally gzipped
	URL     string `toml:"url" yaml:"url"`
	Main    string `toml:"main" yaml:"main"`
	Sub     string `toml:"sub" yaml:"sub"`
}

// Session tunes the session.
type Session struct {
	Allowed   []string `toml:"allowed" yaml:"allowed"` // function names
	ClockHz   uint32   `toml:"clock_hz" yaml:"clock_hz"`
	PageQueue int      `toml:"page_queue" yaml:"page_queue"`
	History   int      `toml:"history" yaml:"history"`
}

// Timing holds the timeouts of the link's bounded waits. Zero keeps the library
// default.
type Timing struct {
	BringUp     time.Duration `toml:"bring_up" yaml:"bring_up"`
	AckWait     time.Duration `toml:"ack_wait" yaml:"ack_wait"`
	SpaceWait   time.Duration `toml:"space_wait" yaml:"space_wait"`
	ConsumeWait time.Duration `toml:"consume_wait" yaml:"consume_wait"`
}

// ClockSync tunes clock synchronization. See clocksync.Config.
type ClockSync struct {
	Jitter  uint32 `toml:"jitter" yaml:"jitter"`
	Step    uint32 `toml:"step" yaml:"step"`
	Matches int    `toml:"matches" yaml:"matches"`
	Rounds  int    `toml:"rounds" yaml:"rounds"`
}

// Log configures the command's logger.
type Log struct {
	Level  string `toml:"level" yaml:"level"`   // debug, info, warn or error
	Format string `toml:"format" yaml:"format"` // auto, text or json
}

// Diag lists the addresses the diagnostics server listens on. See diag.Listen.
type Diag struct {
	Listen []string `toml:"listen" yaml:"listen"`
}

// Sim configures the simulated coprocessor.
type Sim struct {
	SyncClock bool          `toml:"sync_clock" yaml:"sync_clock"`
	Skew      uint32        `toml:"skew" yaml:"skew"`
	BootDelay time.Duration `toml:"boot_delay" yaml:"boot_delay"`
}

var ErrInvalid = errors.New("config: invalid")

// Load reads the file at path, choosing the format by extension, and returns the
// validated configuration with defaults applied.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	var cfg Config

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.Decode(string(b), &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}

	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}

	default:
		return nil, fmt.Errorf("%w: %s: unknown extension %q", ErrInvalid, path, ext)
	}

	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalid, path, err)
	}

	return &cfg, nil
}

// Provider returns the configured image provider.
func (c *Config) Provider() (image.Provider, error) {
	switch {
	case c.Images.Dir != "":
		return image.DirProvider{Dir: c.Images.Dir}, nil

	case c.Images.Archive != "":
		f, err := os.Open(c.Images.Archive)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}

		defer f.Close()

		p, err := image.ReadArchive(f)
		if err != nil {
			return nil, err
		}

		return p, nil

	default:
		return image.HTTPProvider{BaseURL: c.Images.URL}, nil
	}
}

// Allowed returns the set of allowed functions.
func (c *Config) Allowed() (session.FuncMask, error) {
	var m session.FuncMask
	for _, name := range c.Session.Allowed {
		f, err := session.ParseFunc(strings.TrimSpace(name))
		if err != nil {
			return 0, err
		}

		m |= session.MaskOf(f)
	}

	return m, nil
}

// LogLevel returns the configured log level.
func (c *Config) LogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}

	return l
}

// SessionConfig maps the file's settings onto a session.Config. The caller sets
// Logger.
func (c *Config) SessionConfig() (session.Config, error) {
	p, err := c.Provider()
	if err != nil {
		return session.Config{}, err
	}

	cfg := session.Config{
		Images:    p,
		ClockHz:   c.Session.ClockHz,
		PageQueue: c.Session.PageQueue,
		History:   c.Session.History,

		ClockSync: clocksync.Config{
			Jitter:  c.ClockSync.Jitter,
			Step:    c.ClockSync.Step,
			Matches: c.ClockSync.Matches,
			Rounds:  c.ClockSync.Rounds,
		},
	}

	if t := c.Timing.BringUp; t > 0 {
		cfg.BringUp = wait.Policy{Timeout: t}
	}

	if t := c.Timing.AckWait; t > 0 {
		cfg.AckWait = wait.Policy{Interval: time.Microsecond, Timeout: t, Spin: true}
	}

	if t := c.Timing.SpaceWait; t > 0 {
		cfg.SpaceWait = wait.Policy{Interval: min(10*time.Millisecond, t), Timeout: t}
	}

	if t := c.Timing.ConsumeWait; t > 0 {
		cfg.ConsumeWait = wait.Policy{Interval: min(time.Millisecond, t), Timeout: t}
	}

	return cfg, nil
}

func (c Config) withDefaults() Config {
	if c.Images.Main == "" {
		c.Images.Main = "main.bin"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.Log.Format == "" {
		c.Log.Format = "auto"
	}

	return c
}

func (c Config) validate() error {
	var sources int
	for _, s := range []string{c.Images.Dir, c.Images.Archive, c.Images.URL} {
		if s != "" {
			sources++
		}
	}

	if sources != 1 {
		return errors.New("images: exactly one of dir, archive and url must be set")
	}

	for _, name := range c.Session.Allowed {
		if _, err := session.ParseFunc(strings.TrimSpace(name)); err != nil {
			return fmt.Errorf("session.allowed: %w", err)
		}
	}

	if c.Session.PageQueue < 0 || c.Session.History < 0 {
		return errors.New("session: page_queue and history can't be negative")
	}

	if c.ClockSync.Matches < 0 || c.ClockSync.Rounds < 0 {
		return errors.New("clock_sync: matches and rounds can't be negative")
	}

	t := c.Timing
	if t.BringUp < 0 || t.AckWait < 0 || t.SpaceWait < 0 || t.ConsumeWait < 0 {
		return errors.New("timing: negative duration")
	}

	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}

	switch c.Log.Format {
	case "auto", "text", "json":
	default:
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}

	for _, a := range c.Diag.Listen {
		if !strings.HasPrefix(a, "tcp:") && !strings.HasPrefix(a, "unix:") && !strings.HasPrefix(a, "vsock:") {
			return fmt.Errorf("diag.listen: bad address %q", a)
		}
	}

	return nil
}
