package procdisp

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes the environment variables that override a Config.
const EnvPrefix = "PROCDISP"

// Config describes a pool: the module to run and how to run it.
type Config struct {
	Module         Module        `yaml:"module"`
	PreFork        int           `yaml:"prefork"`
	TermOnComplete bool          `yaml:"term_on_complete"`
	KillTimeout    time.Duration `yaml:"kill_timeout"`
	SpawnLimit     int           `yaml:"spawn_limit"`
	LogLevel       string        `yaml:"log_level"`
}

// DefaultConfig returns the configuration used for fields a file omits.
func DefaultConfig() Config {
	return Config{
		KillTimeout: DefaultKillTimeout,
		LogLevel:    "info",
	}
}

// LoadConfig reads a YAML config file, applies PROCDISP_* environment
// overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig is LoadConfig for YAML already in memory.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, fmt.Errorf("failed to apply env overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return &cfg, nil
}

// ApplyEnv overrides fields from PROCDISP_PREFORK, PROCDISP_TERM_ON_COMPLETE,
// PROCDISP_KILL_TIMEOUT, PROCDISP_SPAWN_LIMIT, PROCDISP_LOG_LEVEL and
// PROCDISP_TRANSPORT, looked up with getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	lookup := func(name string) (string, bool) {
		v := getenv(EnvPrefix + "_" + name)
		return v, v != ""
	}

	if v, ok := lookup("PREFORK"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s_PREFORK: %s", EnvPrefix, v)
		}
		c.PreFork = n
	}
	if v, ok := lookup("TERM_ON_COMPLETE"); ok {
		c.TermOnComplete = strings.ToLower(v) == "true" || v == "1"
	}
	if v, ok := lookup("KILL_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration for %s_KILL_TIMEOUT: %s", EnvPrefix, v)
		}
		c.KillTimeout = d
	}
	if v, ok := lookup("SPAWN_LIMIT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s_SPAWN_LIMIT: %s", EnvPrefix, v)
		}
		c.SpawnLimit = n
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := lookup("TRANSPORT"); ok {
		c.Module.Transport = v
	}
	return nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := c.Module.Validate(); err != nil {
		return err
	}
	if c.PreFork < 0 {
		return fmt.Errorf("prefork must not be negative, got %d", c.PreFork)
	}
	if c.SpawnLimit < 0 {
		return fmt.Errorf("spawn_limit must not be negative, got %d", c.SpawnLimit)
	}
	if c.KillTimeout < 0 {
		return fmt.Errorf("kill_timeout must not be negative, got %s", c.KillTimeout)
	}
	if c.LogLevel != "" {
		if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
			return fmt.Errorf("log_level: %w", err)
		}
	}
	return nil
}

// Options turns the configuration into dispatcher options.
func (c *Config) Options() []Option {
	return []Option{
		WithKillTimeout(c.KillTimeout),
		WithTermOnComplete(c.TermOnComplete),
		WithSpawnLimit(c.SpawnLimit),
	}
}
