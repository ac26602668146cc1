package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultWSURL         = "wss://stream.relaypulse.io/v1"
	DefaultDBPort        = 5432
	DefaultDBSSLMode     = "prefer"
	DefaultMaxConns      = 10
	DefaultMinConns      = 2
	DefaultBatchSize     = 500
	DefaultFlushInterval = 1 * time.Second
	DefaultHealthPort    = 8080
	DefaultHealthPath    = "/healthz"
)

func (c *Config) applyDefaults() {
	if c.API.WSURL == "" {
		c.API.WSURL = DefaultWSURL
	}
	if c.Streams.URL == "" {
		c.Streams.URL = c.API.WSURL
	}

	// Pool and stream defaults are applied by their constructors; only
	// the sections owned here are filled in.
	applyDBDefaults(&c.Database.Postgres)

	if c.Writers.BatchSize == 0 {
		c.Writers.BatchSize = DefaultBatchSize
	}
	if c.Writers.FlushInterval == 0 {
		c.Writers.FlushInterval = DefaultFlushInterval
	}

	if c.Health.Port == 0 {
		c.Health.Port = DefaultHealthPort
	}
	if c.Health.Path == "" {
		c.Health.Path = DefaultHealthPath
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
