package main

import (
	"fmt"
	"os"
	"time"

	"github.com/always-cache/halfcache"
	"github.com/always-cache/halfcache/pkg/regions"
	"github.com/always-cache/halfcache/pkg/replacer"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port      int                `yaml:"port"`
	Site      string             `yaml:"site"`
	Strategy  halfcache.Strategy `yaml:"strategy"`
	Markers   regions.Markers    `yaml:"markers"`
	Templates string             `yaml:"templates"`
	TTL       time.Duration      `yaml:"ttl"`
	Store     StoreConfig        `yaml:"store"`
	// Ordered names of the replacers to run.
	Replacers       []string         `yaml:"replacers"`
	ReplacerOptions replacer.Options `yaml:"replacerOptions"`
	// Bearer token guarding POST /.halfcache/invalidate.
	// The endpoint is disabled if empty.
	AdminToken string `yaml:"adminToken"`
	// Span exporter: "none", "stdout" or "otlp".
	Tracing string `yaml:"tracing"`
}

// adminTokenEnv overrides the admin token of the config file.
const adminTokenEnv = "HALFCACHE_ADMIN_TOKEN"

type StoreConfig struct {
	// One of "memory", "sqlite" or "redis".
	Driver string `yaml:"driver"`
	// File name for sqlite, URL for redis.
	DSN string `yaml:"dsn"`
	// Key prefix for redis.
	Namespace string `yaml:"namespace"`
}

func defaultConfig() Config {
	return Config{
		Port:      8080,
		Site:      "halfcache",
		Strategy:  halfcache.StrategyHalf,
		Markers:   regions.DefaultMarkers,
		Templates: "site",
		Store: StoreConfig{
			Driver:    "sqlite",
			DSN:       "cache.db",
			Namespace: "halfcache:",
		},
	}
}

// getConfig reads the YAML config file on top of the defaults.
// An empty filename means no file. The environment overrides both.
func getConfig(filename string) (Config, error) {
	config := defaultConfig()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse %s: %w", filename, err)
		}
		config.Markers = config.Markers.OrDefault()
	}
	if token := os.Getenv(adminTokenEnv); token != "" {
		config.AdminToken = token
	}
	return config, config.validate()
}

func (c Config) validate() error {
	if err := c.Markers.Validate(); err != nil {
		return err
	}
	switch c.Store.Driver {
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.TTL < 0 {
		return fmt.Errorf("ttl must not be negative")
	}
	switch c.Tracing {
	case "", "none", "stdout", "otlp":
	default:
		return fmt.Errorf("unknown tracing exporter %q", c.Tracing)
	}
	return nil
}
