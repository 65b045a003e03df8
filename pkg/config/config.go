// Package config loads the engine configuration: defaults first, then an
// optional YAML file, then TROUPE_-prefixed environment overrides.
package config

import (
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Log       LogConfig       `koanf:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Bus       BusConfig       `koanf:"bus"`
	RolesFile string          `koanf:"roles_file"`
	// Routes maps action names to the role that handles them.
	Routes map[string]string `koanf:"routes"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Exporter     string `koanf:"exporter"` // stdout, otlp, none
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	OTLPInsecure bool   `koanf:"otlp_insecure"`
}

type BusConfig struct {
	MessageQueueSize     int     `koanf:"message_queue_size"`
	DeadLetterCapacity   int     `koanf:"dead_letter_capacity"`
	AbandonGraceSeconds  float64 `koanf:"abandon_grace_seconds"`
	StatsIntervalSeconds float64 `koanf:"stats_interval_seconds"`
	ShutdownGraceSeconds float64 `koanf:"shutdown_grace_seconds"`
}

// AbandonGrace is how long a timed-out handler may ignore cancellation.
func (c BusConfig) AbandonGrace() time.Duration {
	return time.Duration(c.AbandonGraceSeconds * float64(time.Second))
}

// StatsInterval drives the periodic bus.stats report; zero disables it.
func (c BusConfig) StatsInterval() time.Duration {
	return time.Duration(c.StatsIntervalSeconds * float64(time.Second))
}

// ShutdownGrace bounds the drain phase of an orchestrator shutdown.
func (c BusConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds * float64(time.Second))
}

// Global k instance
var k = koanf.New(".")

func Load(path string) (*Config, error) {
	// Defaults
	k.Set("log.level", "info")
	k.Set("log.format", "text")
	k.Set("telemetry.exporter", "stdout")
	k.Set("telemetry.otlp_endpoint", "localhost:4317")
	k.Set("telemetry.otlp_insecure", true)

	k.Set("bus.message_queue_size", 1000)
	k.Set("bus.dead_letter_capacity", 256)
	k.Set("bus.abandon_grace_seconds", 1.0)
	k.Set("bus.stats_interval_seconds", 30.0)
	k.Set("bus.shutdown_grace_seconds", 10.0)

	// 1. Load from file
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	// 2. Load from ENV (TROUPE_BUS_MESSAGE_QUEUE_SIZE -> bus.message_queue_size)
	if err := k.Load(env.Provider("TROUPE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "TROUPE_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	if cfg.Routes == nil {
		cfg.Routes = DefaultRoutes()
	}
	return &cfg, nil
}
