package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a string like "750ms" or "10m"
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string: %w", value.Line, err)
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	if v < 0 {
		return fmt.Errorf("line %d: duration %q is negative", value.Line, s)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

type Config struct {
	MountBase    string              `yaml:"mount_base"`
	Workers      int                 `yaml:"workers"`
	Timeouts     Timeouts            `yaml:"timeouts"`
	ToolTimeouts map[string]Duration `yaml:"tool_timeouts,omitempty"`
	Health       Health              `yaml:"health"`
	Probe        Probe               `yaml:"probe"`
	Refresh      Refresh             `yaml:"refresh"`
	Journal      Journal             `yaml:"journal"`
	Log          Log                 `yaml:"log"`
	// Tools maps binary names to absolute paths
	Tools map[string]string `yaml:"tools,omitempty"`

	// Path is the file the config was read from, empty for built-in defaults
	Path string `yaml:"-"`
}

type Timeouts struct {
	Probe  Duration `yaml:"probe"`
	Mutate Duration `yaml:"mutate"`
	Settle Duration `yaml:"settle"`
}

type Health struct {
	Enabled bool     `yaml:"enabled"`
	TTL     Duration `yaml:"ttl"`
}

type Probe struct {
	Retries int `yaml:"retries"`
}

type Refresh struct {
	// Schedule is a cron expression; empty disables periodic refreshes
	Schedule string   `yaml:"schedule"`
	Hotplug  bool     `yaml:"hotplug"`
	Debounce Duration `yaml:"debounce"`
}

type Journal struct {
	Path string `yaml:"path"`
	// Disabled turns off operation history
	Disabled bool `yaml:"disabled,omitempty"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// defaultConfig returns the built-in settings. mkfs.ext4 on large disks
// can outlast the generic mutate timeout.
func defaultConfig() Config {
	return Config{
		MountBase: "/mnt",
		Workers:   8,
		Timeouts: Timeouts{
			Probe:  Duration(15 * time.Second),
			Mutate: Duration(10 * time.Minute),
			Settle: Duration(10 * time.Second),
		},
		ToolTimeouts: map[string]Duration{
			"mkfs.ext4": Duration(30 * time.Minute),
		},
		Health:  Health{Enabled: true, TTL: Duration(30 * time.Second)},
		Probe:   Probe{Retries: 2},
		Refresh: Refresh{Schedule: "@every 5m", Hotplug: true, Debounce: Duration(750 * time.Millisecond)},
		Journal: Journal{Path: "/var/lib/disktui/journal.db"},
		Log:     Log{Level: "info", Format: "text"},
	}
}

// Default returns the built-in configuration
func Default() *Config {
	cfg := defaultConfig()
	return &cfg
}

// Candidates lists the files Load tries when no path is given
func Candidates() []string {
	return []string{
		"/etc/disktui/config.yaml",
		filepath.Join(os.Getenv("HOME"), ".config/disktui/config.yaml"),
		"config.yaml",
	}
}

// Load reads path, or the first existing candidate when path is empty.
// Values missing from the file keep their defaults. An explicit path that
// cannot be read is an error; missing candidates are not.
func Load(path string) (*Config, error) {
	if path == "" {
		for _, c := range Candidates() {
			if _, err := os.Stat(c); err == nil {
				path = c
				break
			}
		}
	}

	cfg := defaultConfig()
	if path == "" {
		log.Debug("No config file found, using defaults")
		return &cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Path = path
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log.WithField("path", path).Debug("Config loaded")
	return &cfg, nil
}

// applyDefaults fills values left empty or zero by the file
func (c *Config) applyDefaults() {
	def := defaultConfig()
	if c.MountBase == "" {
		c.MountBase = def.MountBase
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.Timeouts.Probe == 0 {
		c.Timeouts.Probe = def.Timeouts.Probe
	}
	if c.Timeouts.Mutate == 0 {
		c.Timeouts.Mutate = def.Timeouts.Mutate
	}
	if c.Timeouts.Settle == 0 {
		c.Timeouts.Settle = def.Timeouts.Settle
	}
	if c.Health.TTL == 0 {
		c.Health.TTL = def.Health.TTL
	}
	if c.Refresh.Debounce == 0 {
		c.Refresh.Debounce = def.Refresh.Debounce
	}
	if c.Journal.Path == "" {
		c.Journal.Path = def.Journal.Path
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
}

// Validate checks values that would otherwise fail late
func (c *Config) Validate() error {
	if !filepath.IsAbs(c.MountBase) || filepath.Clean(c.MountBase) == "/" {
		return fmt.Errorf("mount_base %q must be an absolute directory other than /", c.MountBase)
	}
	c.MountBase = filepath.Clean(c.MountBase)
	if c.Probe.Retries < 0 {
		return fmt.Errorf("probe.retries must not be negative")
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	for name, p := range c.Tools {
		if !filepath.IsAbs(p) {
			return fmt.Errorf("tools.%s: path %q must be absolute", name, p)
		}
	}
	return nil
}

// ToolTimeoutMap converts tool timeouts for the adapters
func (c *Config) ToolTimeoutMap() map[string]time.Duration {
	out := make(map[string]time.Duration, len(c.ToolTimeouts))
	for name, d := range c.ToolTimeouts {
		out[name] = d.Std()
	}
	return out
}

// ConfigureLogging applies the log settings to the standard logger
func (c *Config) ConfigureLogging(debug bool) {
	level, err := log.ParseLevel(c.Log.Level)
	if err != nil {
		level = log.InfoLevel
	}
	if debug {
		level = log.DebugLevel
	}
	log.SetLevel(level)
	if c.Log.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}
