package config

import (
	"time"

	"github.com/relaypulse/streamgate/internal/pool"
	"github.com/relaypulse/streamgate/internal/stream"
)

// Config is the root configuration for the streaming tools.
type Config struct {
	Instance InstanceConfig `yaml:"instance"`
	API      APIConfig      `yaml:"api"`
	Pool     pool.Config    `yaml:"pool"`
	Streams  stream.Config  `yaml:"streams"`
	Database DatabaseConfig `yaml:"database"`
	Writers  WritersConfig  `yaml:"writers"`
	Health   HealthConfig   `yaml:"health"`
}

// InstanceConfig identifies this client instance.
type InstanceConfig struct {
	ID     string `yaml:"id"`
	Region string `yaml:"region"`
}

// APIConfig holds platform API settings.
type APIConfig struct {
	WSURL    string `yaml:"ws_url"`
	APIToken string `yaml:"api_token"`
}

// DatabaseConfig holds the Postgres connection for the recorder.
type DatabaseConfig struct {
	Postgres DBConfig `yaml:"postgres"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// WritersConfig holds batch writer settings.
type WritersConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// HealthConfig holds the health endpoint settings.
type HealthConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}
