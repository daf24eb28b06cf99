// Package config loads server settings from defaults, an optional JSON file
// and ARENA_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/MJE43/rps-arena-replay/internal/arena"
	"github.com/MJE43/rps-arena-replay/internal/logging"
	"github.com/MJE43/rps-arena-replay/internal/sim"
)

// FileName is the config file looked up in the config directory.
const FileName = "arena.cfg.json"

// EnvPrefix prefixes environment overrides, e.g. ARENA_SERVER_ADDR.
const EnvPrefix = "ARENA"

var ErrInvalid = errors.New("invalid config")

type ServerConfig struct {
	Addr           string        `mapstructure:"addr"`
	RequestTimeout time.Duration `mapstructure:"requestTimeout"`
	AllowedOrigins []string      `mapstructure:"allowedOrigins"`
}

type DBConfig struct {
	Path string `mapstructure:"path"`
}

type ScanConfig struct {
	Timeout  time.Duration `mapstructure:"timeout"`
	MaxCount uint64        `mapstructure:"maxCount"`
	Workers  int           `mapstructure:"workers"`
}

// Config is the fully resolved configuration.
type Config struct {
	LogLevel  string            `mapstructure:"logLevel"`
	LogPretty bool              `mapstructure:"logPretty"`
	Server    ServerConfig      `mapstructure:"server"`
	DB        DBConfig          `mapstructure:"db"`
	Arena     arena.ArenaConfig `mapstructure:"arena"`
	Sim       sim.Options       `mapstructure:"sim"`
	Scan      ScanConfig        `mapstructure:"scan"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logLevel", "info")
	v.SetDefault("logPretty", false)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.requestTimeout", "60s")
	v.SetDefault("server.allowedOrigins", []string{"*"})

	v.SetDefault("db.path", "arena.db")

	def := arena.DefaultArenaConfig()
	v.SetDefault("arena.width", def.Width)
	v.SetDefault("arena.height", def.Height)
	v.SetDefault("arena.objectRadius", def.ObjectRadius)
	v.SetDefault("arena.objectsPerType", def.ObjectsPerType)

	v.SetDefault("sim.tickRate", sim.DefaultTickRate)
	v.SetDefault("sim.maxTicks", sim.DefaultMaxTicks)

	v.SetDefault("scan.timeout", "60s")
	v.SetDefault("scan.maxCount", 1_000_000)
	v.SetDefault("scan.workers", 0)
}

// Load resolves configuration. configDir may be empty or lack the file;
// defaults and the environment still apply.
func Load(configDir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configDir != "" {
		path := filepath.Join(configDir, FileName)
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			v.SetConfigType("json")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("%w: server.addr is required", ErrInvalid)
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("%w: server.requestTimeout must be positive", ErrInvalid)
	}
	if c.DB.Path == "" {
		return fmt.Errorf("%w: db.path is required", ErrInvalid)
	}
	if err := c.Arena.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := c.Sim.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Scan.Timeout <= 0 {
		return fmt.Errorf("%w: scan.timeout must be positive", ErrInvalid)
	}
	if c.Scan.MaxCount == 0 {
		return fmt.Errorf("%w: scan.maxCount must be positive", ErrInvalid)
	}
	return nil
}
