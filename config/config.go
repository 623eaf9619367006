package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pixil98/go-errors"
	"gopkg.in/yaml.v3"
)

// Config is the server configuration, read from YAML.
type Config struct {
	Addr     string         `yaml:"addr"`
	Log      LogConfig      `yaml:"log"`
	Tick     TickConfig     `yaml:"tick"`
	Movement MovementConfig `yaml:"movement"`
	Map      MapConfig      `yaml:"map"`
	Auth     AuthConfig     `yaml:"auth"`
	Storage  StorageConfig  `yaml:"storage"`
	Journal  JournalConfig  `yaml:"journal"`
	Relay    RelayConfig    `yaml:"relay"`
}

type LogConfig struct {
	File    string `yaml:"file"`
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

type TickConfig struct {
	IntervalMs  int `yaml:"interval_ms"`
	HeartbeatMs int `yaml:"heartbeat_ms"`
	MaxDeltaMs  int `yaml:"max_delta_ms"`
}

type MovementConfig struct {
	DefaultSpeed float64 `yaml:"default_speed"`
	MaxSpeed     float64 `yaml:"max_speed"`
}

type MapConfig struct {
	Path string `yaml:"path"`
}

type AuthConfig struct {
	// AllowAnonymous lets tokenless sockets connect without an identity.
	AllowAnonymous bool `yaml:"allow_anonymous"`
	// DevQueryIdentity trusts ?userId=&username= on the upgrade request.
	DevQueryIdentity bool `yaml:"dev_query_identity"`
}

type StorageConfig struct {
	// SQLitePath enables session lookup and profile persistence when set.
	SQLitePath string `yaml:"sqlite_path"`
}

type JournalConfig struct {
	Dir    string `yaml:"dir"`
	Prefix string `yaml:"prefix"`
}

type RelayConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Subject string `yaml:"subject"`
}

// Defaults returns a configuration that runs locally without a config file.
func Defaults() Config {
	return Config{
		Addr: ":8080",
		Log: LogConfig{
			File:    "app.log",
			Level:   "debug",
			Console: true,
		},
		Tick: TickConfig{
			IntervalMs:  50,
			HeartbeatMs: 1000,
			MaxDeltaMs:  150,
		},
		Movement: MovementConfig{
			DefaultSpeed: 1,
			MaxSpeed:     12,
		},
		Map: MapConfig{Path: "assets/maps/map.json"},
		Auth: AuthConfig{
			AllowAnonymous:   false,
			DevQueryIdentity: true,
		},
		Journal: JournalConfig{Prefix: "world"},
		Relay: RelayConfig{
			Host:    "127.0.0.1",
			Port:    4222,
			Subject: "realmsync",
		},
	}
}

// Load reads path over the defaults. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	el := errors.NewErrorList()

	if strings.TrimSpace(c.Addr) == "" {
		el.Add(fmt.Errorf("addr is required"))
	}
	el.Add(c.Log.Validate())
	el.Add(c.Tick.Validate())
	el.Add(c.Movement.Validate())
	if strings.TrimSpace(c.Map.Path) == "" {
		el.Add(fmt.Errorf("map.path is required"))
	}
	el.Add(c.Relay.Validate())

	return el.Err()
}

func (c *LogConfig) Validate() error {
	switch strings.ToLower(c.Level) {
	case "", "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Level)
}

func (c *TickConfig) Validate() error {
	el := errors.NewErrorList()
	if c.IntervalMs <= 0 {
		el.Add(fmt.Errorf("tick.interval_ms must be positive"))
	}
	if c.HeartbeatMs <= 0 {
		el.Add(fmt.Errorf("tick.heartbeat_ms must be positive"))
	}
	if c.MaxDeltaMs <= 0 {
		el.Add(fmt.Errorf("tick.max_delta_ms must be positive"))
	}
	return el.Err()
}

func (c *MovementConfig) Validate() error {
	el := errors.NewErrorList()
	if c.MaxSpeed <= 0 {
		el.Add(fmt.Errorf("movement.max_speed must be positive"))
	}
	if c.DefaultSpeed <= 0 || c.DefaultSpeed > c.MaxSpeed {
		el.Add(fmt.Errorf("movement.default_speed must be within (0, max_speed]"))
	}
	return el.Err()
}

func (c *RelayConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	el := errors.NewErrorList()
	if c.Port < -1 || c.Port > 65535 {
		el.Add(fmt.Errorf("relay.port %d is out of range", c.Port))
	}
	if strings.TrimSpace(c.Subject) == "" {
		el.Add(fmt.Errorf("relay.subject is required"))
	}
	return el.Err()
}

// Interval is the tick interval.
func (c TickConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// Heartbeat is the longest gap between two world updates.
func (c TickConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatMs) * time.Millisecond
}

// MaxDelta bounds the time one tick integrates.
func (c TickConfig) MaxDelta() time.Duration {
	return time.Duration(c.MaxDeltaMs) * time.Millisecond
}
