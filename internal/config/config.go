// Package config loads the YAML configuration that drives a DICe node:
// node signature, trickle/groupmon tunables, owned attributes, and the
// invariant/disjunction DSL files. Grounded on the teacher's
// internal/config/config.go singleton-with-env-override shape.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the effective configuration for one DICe node.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Clock   ClockConfig   `yaml:"clock"`
	Trickle TrickleConfig `yaml:"trickle"`
	Group   GroupConfig   `yaml:"group"`
	Attrs   AttrsConfig   `yaml:"attributes"`
	Radio   RadioConfig   `yaml:"radio"`
	HTTP    HTTPConfig    `yaml:"http"`
}

// NodeConfig identifies this node, its view signature, and where to find
// the invariant/disjunction/mapping DSL file that governs evaluation.
type NodeConfig struct {
	Address       uint16      `yaml:"address"`
	Signature     []SliceSpec `yaml:"signature"`
	InvariantPath string      `yaml:"invariant_path"`
}

// SliceSpec is one view slice, keyed by human-readable attribute name
// rather than a raw hash — config.ResolveSignature turns the name into a
// 16-bit attribute-id via blake2b.
type SliceSpec struct {
	Attribute string `yaml:"attribute"`
	Objective string `yaml:"objective"` // "max" or "min"
	Size      int    `yaml:"size"`
}

// ClockConfig controls the node's logical tick rate.
type ClockConfig struct {
	TickMillis int `yaml:"tick_millis"`
}

// TrickleConfig controls C5's timing, overridable from the original's
// compiled TRICKLE_LOW/TRICKLE_HIGH/TRICKLE_REDUNDANCY.
type TrickleConfig struct {
	LowMillis  int `yaml:"low_millis"`
	HighMillis int `yaml:"high_millis"`
	Redundancy int `yaml:"redundancy"`
}

// GroupConfig controls C1's membership timing, in ticks.
type GroupConfig struct {
	NewNeighbourTicks int `yaml:"new_neighbour_ticks"`
	MissingTicks      int `yaml:"missing_ticks"`
}

// AttrsConfig controls C6's refresh cadence and owned attribute set.
type AttrsConfig struct {
	RefreshSeconds int      `yaml:"refresh_seconds"`
	Primary        string   `yaml:"primary"`
	Owned          []string `yaml:"owned"`
}

// RadioConfig selects and configures the broadcast transport.
type RadioConfig struct {
	Backend       string `yaml:"backend"` // "memory" or "redis"
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// HTTPConfig controls the read-only introspection server.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide singleton config, loaded from CONFIG_PATH
// (default "config.yaml") on first call.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load file, using defaults", "error", err)
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		cfg.applyDefaults()
		instance = cfg
	})
	return instance
}

// LoadConfig reads and parses a node config YAML file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnvOverrides layers the DICE_* environment variables on top of c,
// exported so cmd/dicenode can apply them to a config loaded by path
// rather than through the Get singleton.
func (c *Config) ApplyEnvOverrides() { c.applyEnvOverrides() }

// ApplyDefaults fills every zero-valued tunable with its package default,
// exported for the same reason as ApplyEnvOverrides.
func (c *Config) ApplyDefaults() { c.applyDefaults() }

func (c *Config) applyEnvOverrides() {
	if v := getEnvInt("DICE_NODE_ADDRESS", 0); v > 0 {
		c.Node.Address = uint16(v)
	}
	c.Radio.Backend = getEnv("DICE_RADIO_BACKEND", c.Radio.Backend)
	c.Radio.RedisAddr = getEnv("DICE_REDIS_ADDR", c.Radio.RedisAddr)
	c.HTTP.Addr = getEnv("DICE_HTTP_ADDR", c.HTTP.Addr)
}

func (c *Config) applyDefaults() {
	if c.Clock.TickMillis == 0 {
		c.Clock.TickMillis = 1000
	}
	if c.Trickle.LowMillis == 0 {
		c.Trickle.LowMillis = c.Clock.TickMillis / 5
	}
	if c.Trickle.HighMillis == 0 {
		c.Trickle.HighMillis = c.Clock.TickMillis * 4
	}
	if c.Trickle.Redundancy == 0 {
		c.Trickle.Redundancy = 5
	}
	if c.Group.NewNeighbourTicks == 0 {
		c.Group.NewNeighbourTicks = 10
	}
	if c.Group.MissingTicks == 0 {
		c.Group.MissingTicks = 30
	}
	if c.Attrs.RefreshSeconds == 0 {
		c.Attrs.RefreshSeconds = 120
	}
	if c.Radio.Backend == "" {
		c.Radio.Backend = "memory"
	}
	if c.Radio.ChannelPrefix == "" {
		c.Radio.ChannelPrefix = "dice"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8090"
	}
}

// TickDuration returns the configured clock tick as a time.Duration.
func (c *Config) TickDuration() time.Duration {
	return time.Duration(c.Clock.TickMillis) * time.Millisecond
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
