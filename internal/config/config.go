// Package config loads and validates the ingestion core's YAML
// configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration document.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Store    StoreConfig    `yaml:"store"`
	Timeouts TimeoutConfig  `yaml:"timeouts"`
	Logging  LoggingConfig  `yaml:"logging"`

	CoalesceSeconds  int `yaml:"coalesce_seconds"`
	DropQueueSize    int `yaml:"drop_queue_size"`
	ShutdownSeconds  int `yaml:"shutdown_seconds"`
	PeekBudgetBytes  int `yaml:"peek_budget_bytes"`
	MetricsAddr      string `yaml:"metrics_addr"`
}

// ListenConfig holds the TCP bind addresses. Shared collapses both
// protocols onto one content-routed port; TFMS90/Teltonika, when set, bind
// dedicated ports instead.
type ListenConfig struct {
	Shared    string `yaml:"shared"`
	TFMS90    string `yaml:"tfms90"`
	Teltonika string `yaml:"teltonika"`
}

// StoreConfig holds the Postgres connection parameters.
type StoreConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int    `yaml:"max_conns"`
	MaxIdle  int    `yaml:"max_idle"`
}

// TimeoutConfig holds the connection-lifecycle timeouts.
type TimeoutConfig struct {
	RouterPeekSeconds       int `yaml:"router_peek_seconds"`
	IdentificationSeconds   int `yaml:"identification_seconds"`
	IdleTFMS90Seconds       int `yaml:"idle_tfms90_seconds"`
	IdleTeltonikaSeconds    int `yaml:"idle_teltonika_seconds"`
	StoreCallSeconds        int `yaml:"store_call_seconds"`
}

// LoggingConfig controls internal/logger.
type LoggingConfig struct {
	Path       string `yaml:"path"`
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Defaults returns a config with conservative production values.
func Defaults() Config {
	return Config{
		Listen: ListenConfig{Shared: ":23000", TFMS90: ":5011", Teltonika: ":5010"},
		Store: StoreConfig{
			Host: "localhost", Port: 5432, Database: "telemetry", SSLMode: "disable",
			MaxConns: 20, MaxIdle: 5,
		},
		Timeouts: TimeoutConfig{
			RouterPeekSeconds:     5,
			IdentificationSeconds: 10,
			IdleTFMS90Seconds:     180,
			IdleTeltonikaSeconds:  600,
			StoreCallSeconds:      5,
		},
		Logging: LoggingConfig{Level: "info", Format: "json", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 28},
		CoalesceSeconds: 10,
		DropQueueSize:   64,
		ShutdownSeconds: 15,
		PeekBudgetBytes: 64,
		MetricsAddr:     ":9100",
	}
}

// Load reads and parses a YAML file, applying Defaults for anything unset.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return &cfg, nil
}

// Validate checks the fields an operator must set explicitly.
func (c *Config) Validate() error {
	if c.Listen.Shared == "" && c.Listen.TFMS90 == "" && c.Listen.Teltonika == "" {
		return fmt.Errorf("at least one of listen.shared, listen.tfms90, listen.teltonika must be set")
	}
	if c.Store.Host == "" || c.Store.Database == "" {
		return fmt.Errorf("store.host and store.database are required")
	}
	if c.ShutdownSeconds <= 0 {
		return fmt.Errorf("shutdown_seconds must be positive")
	}
	return nil
}

func (c *Config) IdleTFMS90() time.Duration {
	return time.Duration(c.Timeouts.IdleTFMS90Seconds) * time.Second
}

func (c *Config) IdleTeltonika() time.Duration {
	return time.Duration(c.Timeouts.IdleTeltonikaSeconds) * time.Second
}

func (c *Config) IdentificationTimeout() time.Duration {
	return time.Duration(c.Timeouts.IdentificationSeconds) * time.Second
}

func (c *Config) RouterPeekTimeout() time.Duration {
	return time.Duration(c.Timeouts.RouterPeekSeconds) * time.Second
}

func (c *Config) StoreCallTimeout() time.Duration {
	return time.Duration(c.Timeouts.StoreCallSeconds) * time.Second
}

func (c *Config) CoalesceInterval() time.Duration {
	return time.Duration(c.CoalesceSeconds) * time.Second
}

func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownSeconds) * time.Second
}
