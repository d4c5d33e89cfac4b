// Package config loads the switch configuration from defaults, an optional
// YAML file, ASEBA_SWITCH_* environment variables and command-line flags,
// in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DefaultPort is the aseba well-known switch port.
const DefaultPort = 33333

// EnvPrefix prefixes environment overrides, e.g. ASEBA_SWITCH_LOG_LEVEL=debug.
const EnvPrefix = "ASEBA_SWITCH"

// Config is the root switch configuration.
type Config struct {
	// Port is the tcp port inbound peers connect to.
	Port int `mapstructure:"port"`
	// QUICPort, when non-zero, also accepts quic peers on this udp port.
	QUICPort int `mapstructure:"quic_port"`

	Verbose bool `mapstructure:"verbose"`
	Dump    bool `mapstructure:"dump"`
	// Loop sends frames back to their originating peer as well.
	Loop    bool `mapstructure:"loop"`
	RawTime bool `mapstructure:"rawtime"`

	// Targets are additional outbound connections, optionally with remap=<id>.
	Targets []string `mapstructure:"targets"`
	// Strict aborts startup when any target cannot be reached.
	Strict bool `mapstructure:"strict"`

	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`

	Zeroconf ZeroconfConfig `mapstructure:"zeroconf"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Log      LogConfig      `mapstructure:"log"`
}

// ZeroconfConfig controls mDNS advertisement.
type ZeroconfConfig struct {
	Enable bool   `mapstructure:"enable"`
	Name   string `mapstructure:"name"`
}

// AdminConfig controls the gRPC status endpoint. Empty Addr disables it.
type AdminConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs     []string       `mapstructure:"outputs"`
	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	host, _ := os.Hostname()
	return &Config{
		Port:         DefaultPort,
		WriteTimeout: 5 * time.Second,
		Zeroconf:     ZeroconfConfig{Name: "Aseba Switch " + host},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stdout"},
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// flag name -> config key, for flags whose names differ from their key.
var flagKeys = map[string]string{
	"quic-port":     "quic_port",
	"write-timeout": "write_timeout",
	"read-timeout":  "read_timeout",
	"zeroconf":      "zeroconf.enable",
	"name":          "zeroconf.name",
	"admin":         "admin.addr",
	"log-level":     "log.level",
	"log-format":    "log.format",
}

// Load reads the configuration file at path (if non-empty, or from
// ASEBA_SWITCH_CONFIG, or ./asebaswitch.yaml when present), applies
// environment overrides, then flags that were set explicitly on fs.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", cfg.Port)
	v.SetDefault("quic_port", cfg.QUICPort)
	v.SetDefault("verbose", cfg.Verbose)
	v.SetDefault("dump", cfg.Dump)
	v.SetDefault("loop", cfg.Loop)
	v.SetDefault("rawtime", cfg.RawTime)
	v.SetDefault("targets", cfg.Targets)
	v.SetDefault("strict", cfg.Strict)
	v.SetDefault("write_timeout", cfg.WriteTimeout)
	v.SetDefault("read_timeout", cfg.ReadTimeout)
	v.SetDefault("zeroconf.enable", cfg.Zeroconf.Enable)
	v.SetDefault("zeroconf.name", cfg.Zeroconf.Name)
	v.SetDefault("admin.addr", cfg.Admin.Addr)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	if fs != nil {
		var bindErr error
		fs.VisitAll(func(f *pflag.Flag) {
			if f.Name == "config" || f.Name == "help" {
				return
			}
			key, ok := flagKeys[f.Name]
			if !ok {
				key = f.Name
			}
			if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("bind flags: %w", bindErr)
		}
	}

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("asebaswitch")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".aseba"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and fills empty values.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.QUICPort < 0 || c.QUICPort > 65535 {
		return fmt.Errorf("invalid quic_port %d", c.QUICPort)
	}
	if c.WriteTimeout < 0 || c.ReadTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	return nil
}
