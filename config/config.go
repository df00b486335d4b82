// Package config loads the agent configuration from defaults, an optional
// YAML file, and environment variables with the ALD_ prefix. Environment
// variables override the file, the file overrides defaults:
//
//	ALD_MACHINE_ID=reactor-01
//	ALD_DATABASE_URL=postgresql://agent:secret@db:5432/ald
//	ALD_PLC_MODE=real
//	ALD_PLC_HOST=10.0.40.12
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// PLCMode selects the gateway implementation.
const (
	PLCModeSimulation = "simulation"
	PLCModeReal       = "real"
)

// PLCConfig contains the Modbus/TCP connection settings.
type PLCConfig struct {
	// Mode is either "simulation" or "real".
	Mode string `mapstructure:"mode"`

	// Host is the PLC IP or hostname (real mode only).
	Host string `mapstructure:"host"`

	// Port is the Modbus/TCP port (default 502).
	Port int `mapstructure:"port"`

	// PoolSize is the number of pooled Modbus connections.
	PoolSize int `mapstructure:"pool_size"`

	// AcquireTimeout bounds waiting for a free pooled connection.
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`

	// OpTimeout bounds a single Modbus operation.
	OpTimeout time.Duration `mapstructure:"op_timeout"`
}

// DatabaseConfig contains the cloud database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string.
	URL string `mapstructure:"url"`

	// Key is an optional service key appended as a connection option.
	Key string `mapstructure:"key"`

	// OpTimeout bounds a single database operation.
	OpTimeout time.Duration `mapstructure:"op_timeout"`
}

// SamplerConfig contains the continuous sampler settings.
type SamplerConfig struct {
	// Interval is the sampling cadence (default 1s).
	Interval time.Duration `mapstructure:"interval"`
}

// WriterConfig contains dual-mode writer settings.
type WriterConfig struct {
	// ChunkSize is the sub-batch size for the three-table write.
	ChunkSize int `mapstructure:"chunk_size"`
}

// HealthConfig contains the health endpoint settings.
type HealthConfig struct {
	// Port is the HTTP listen port; 0 disables the endpoint.
	Port int `mapstructure:"port"`
}

// SpoolConfig contains the local sample spool settings.
type SpoolConfig struct {
	// Path is the bbolt file path; empty disables spooling.
	Path string `mapstructure:"path"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the full agent configuration.
type Config struct {
	// MachineID identifies the one machine this agent serves.
	MachineID string `mapstructure:"machine_id"`

	Database DatabaseConfig `mapstructure:"database"`
	PLC      PLCConfig      `mapstructure:"plc"`
	Sampler  SamplerConfig  `mapstructure:"sampler"`
	Writer   WriterConfig   `mapstructure:"writer"`
	Health   HealthConfig   `mapstructure:"health"`
	Spool    SpoolConfig    `mapstructure:"spool"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// Loader provides configuration loading with an environment prefix.
type Loader struct {
	v      *viper.Viper
	prefix string
}

// NewLoader creates a loader using envPrefix for environment variables.
func NewLoader(envPrefix string) *Loader {
	return &Loader{v: viper.New(), prefix: envPrefix}
}

// SetDefaults installs the standard agent defaults.
func (l *Loader) SetDefaults() {
	l.v.SetDefault("machine_id", "")

	l.v.SetDefault("database.url", "")
	l.v.SetDefault("database.key", "")
	l.v.SetDefault("database.op_timeout", "5s")

	l.v.SetDefault("plc.mode", PLCModeSimulation)
	l.v.SetDefault("plc.host", "127.0.0.1")
	l.v.SetDefault("plc.port", 502)
	l.v.SetDefault("plc.pool_size", 4)
	l.v.SetDefault("plc.acquire_timeout", "2s")
	l.v.SetDefault("plc.op_timeout", "2s")

	l.v.SetDefault("sampler.interval", "1s")
	l.v.SetDefault("writer.chunk_size", 50)
	l.v.SetDefault("health.port", 8090)
	l.v.SetDefault("spool.path", "ald-spool.db")

	l.v.SetDefault("logging.level", "info")
	l.v.SetDefault("logging.format", "text")
}

// Load reads configuration from an optional file and the environment.
func (l *Loader) Load(cfgFile string, target interface{}) error {
	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
		if err := l.v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		l.v.SetConfigName("ald-agent")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("/etc/ald-agent")
		if err := l.v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	if l.prefix != "" {
		l.v.SetEnvPrefix(l.prefix)
	}
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if err := l.v.Unmarshal(target); err != nil {
		return fmt.Errorf("unable to decode config: %w", err)
	}
	return nil
}

// LoadConfig loads and validates the agent configuration.
func LoadConfig(cfgFile string) (*Config, error) {
	loader := NewLoader("ALD")
	loader.SetDefaults()

	cfg := &Config{}
	if err := loader.Load(cfgFile, cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for startup-fatal mistakes.
func Validate(cfg *Config) error {
	if cfg.MachineID == "" {
		return fmt.Errorf("machine_id is required")
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	switch cfg.PLC.Mode {
	case PLCModeSimulation:
	case PLCModeReal:
		if cfg.PLC.Host == "" {
			return fmt.Errorf("plc.host is required in real mode")
		}
		if cfg.PLC.Port < 1 || cfg.PLC.Port > 65535 {
			return fmt.Errorf("invalid plc.port: %d", cfg.PLC.Port)
		}
	default:
		return fmt.Errorf("unknown plc.mode: %q", cfg.PLC.Mode)
	}
	if cfg.PLC.PoolSize < 1 {
		return fmt.Errorf("plc.pool_size must be at least 1")
	}
	if cfg.Sampler.Interval <= 0 {
		return fmt.Errorf("sampler.interval must be positive")
	}
	if cfg.Writer.ChunkSize < 1 {
		return fmt.Errorf("writer.chunk_size must be at least 1")
	}
	return nil
}

// Address returns the host:port dial string for the PLC.
func (c *PLCConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DSN returns the connection string with the optional service key attached
// as a server option.
func (c *DatabaseConfig) DSN() string {
	if c.Key == "" {
		return c.URL
	}
	sep := "?"
	if strings.Contains(c.URL, "?") {
		sep = "&"
	}
	return c.URL + sep + "options=" + url.QueryEscape("-c ald.service_key="+c.Key)
}
