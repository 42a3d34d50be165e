// Package config loads the chat client configuration from an optional
// YAML file plus CANDID_* environment variables.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/GovThePPL/candid-sub002/internal/logging"
)

type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Auth   AuthConfig   `mapstructure:"auth"`
	Store  StoreConfig  `mapstructure:"store"`
	Logger LoggerConfig `mapstructure:"logger"`
}

// ServerConfig points the client at a relay.
type ServerConfig struct {
	BaseURL string `mapstructure:"base_url"`
	WSURL   string `mapstructure:"ws_url"`
}

type AuthConfig struct {
	Token string `mapstructure:"token"`
	Name  string `mapstructure:"name"`
}

// StoreConfig locates the local state database.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// LoggerConfig mirrors the logging package options. The client logs to
// a file so the terminal stays usable for the chat itself.
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	JSON       bool   `mapstructure:"json"`
	Console    bool   `mapstructure:"console"`
	MaxSizeMB  int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age"`
}

// Options converts the section into logging options.
func (lc LoggerConfig) Options() logging.Options {
	return logging.Options{
		Level:      lc.Level,
		JSON:       lc.JSON,
		File:       lc.File,
		MaxSizeMB:  lc.MaxSizeMB,
		MaxBackups: lc.MaxBackups,
		MaxAgeDays: lc.MaxAgeDays,
		Console:    lc.Console,
	}
}

// Load reads configuration from path if given, otherwise from defaults
// and the environment alone. Environment variables use the CANDID
// prefix with underscores, e.g. CANDID_AUTH_TOKEN for auth.token.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CANDID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.ws_url", "ws://localhost:8080/ws")

	v.SetDefault("auth.token", "")
	v.SetDefault("auth.name", "")

	v.SetDefault("store.path", "candid.db")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.file", "candid.log")
	v.SetDefault("logger.json", false)
	v.SetDefault("logger.console", false)
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 30)
	v.SetDefault("logger.max_age", 90)
}
