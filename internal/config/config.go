// Package config loads opsdeck configuration from file, environment, and flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every runtime setting for the opsdeck daemon and CLI.
type Config struct {
	DBPath string `mapstructure:"db_path"`

	MQTT MQTTConfig `mapstructure:"mqtt"`

	TickInterval time.Duration `mapstructure:"tick_interval"`

	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`

	Operator string `mapstructure:"operator"`
}

// MQTTConfig holds broker connection settings.
type MQTTConfig struct {
	BrokerURL   string `mapstructure:"broker_url"`
	ClientID    string `mapstructure:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`
}

// Load reads configuration from the given file (or the default locations when
// empty), layered under OPSDECK_* environment variables.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("db_path", defaultDBPath())
	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "opsdeck")
	v.SetDefault("mqtt.topic_prefix", "exercise")
	v.SetDefault("tick_interval", time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
	v.SetDefault("operator", defaultOperator())

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("opsdeck")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "opsdeck"))
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("OPSDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that would otherwise fail deep inside the daemon.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path must not be empty")
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive, got %s", c.TickInterval)
	}
	if c.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt.broker_url must not be empty")
	}
	switch strings.ToLower(c.LogLevel) {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	return nil
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "opsdeck.db"
	}
	return filepath.Join(home, ".local", "share", "opsdeck", "opsdeck.db")
}

func defaultOperator() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "operator"
}
