package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/quarrystor/quarry/pkg/types"
)

// Config is the static configuration of a quarry node.
//
// Sources, highest precedence first: environment variables (QUARRY_*),
// the configuration file, built-in defaults. Volumes themselves are
// dynamic state managed through the API, not configuration.
type Config struct {
	// DataDir is where the engine keeps its metadata database and
	// per-device replication state.
	DataDir string `mapstructure:"data_dir"`

	// Devices lists the raw devices or backing files handed to the engine.
	Devices []types.DeviceSpec `mapstructure:"devices"`

	// MemoryBytes is the engine cache budget. Zero lets the engine choose.
	MemoryBytes uint64 `mapstructure:"memory_bytes"`

	Logging LoggingConfig `mapstructure:"logging"`
	API     APIConfig     `mapstructure:"api"`

	// GCInterval is how often reclaimable volumes are swept out of the
	// directory.
	GCInterval time.Duration `mapstructure:"gc_interval"`

	// ShutdownCheckInterval is how often the drain predicate is evaluated
	// once shutdown has started.
	ShutdownCheckInterval time.Duration `mapstructure:"shutdown_check_interval"`

	// ShutdownTimeout bounds how long Stop waits for the drain to resolve.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// MaxVolumes caps how many volumes may exist at once. Zero means the
	// built-in default.
	MaxVolumes int `mapstructure:"max_volumes"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// APIConfig configures the admin HTTP API.
type APIConfig struct {
	Address string `mapstructure:"address"`
	// MetricsEnabled mounts the Prometheus endpoint on the API listener.
	MetricsEnabled bool `mapstructure:"metrics_enabled"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir: "/var/lib/quarry",
		Logging: LoggingConfig{Level: "info", JSON: false},
		API: APIConfig{
			Address:        ":7460",
			MetricsEnabled: true,
		},
		GCInterval:            10 * time.Second,
		ShutdownCheckInterval: 500 * time.Millisecond,
		ShutdownTimeout:       60 * time.Second,
		MaxVolumes:            1000,
	}
}

// Load reads configuration from the given file (optional), the
// environment and defaults. Callers merge any CLI overrides and then run
// Validate.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// QUARRY_LOGGING_LEVEL=debug, QUARRY_DATA_DIR=/mnt/quarry, ...
	v.SetEnvPrefix("QUARRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("data_dir", def.DataDir)
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.json", def.Logging.JSON)
	v.SetDefault("api.address", def.API.Address)
	v.SetDefault("api.metrics_enabled", def.API.MetricsEnabled)
	v.SetDefault("gc_interval", def.GCInterval)
	v.SetDefault("shutdown_check_interval", def.ShutdownCheckInterval)
	v.SetDefault("shutdown_timeout", def.ShutdownTimeout)
	v.SetDefault("max_volumes", def.MaxVolumes)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	for i := range cfg.Devices {
		if cfg.Devices[i].Tier == "" {
			cfg.Devices[i].Tier = types.TierAutoDetect
		}
	}
	return &cfg, nil
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if len(c.Devices) == 0 {
		return fmt.Errorf("at least one device is required")
	}
	for i, d := range c.Devices {
		if d.Path == "" {
			return fmt.Errorf("devices[%d]: path is required", i)
		}
		switch d.Tier {
		case types.TierHDD, types.TierNVMe, types.TierAutoDetect, "":
		default:
			return fmt.Errorf("devices[%d]: unknown tier %q", i, d.Tier)
		}
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	return nil
}
