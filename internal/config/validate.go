package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are
// valid. Database settings are only validated when ValidateStore is
// used, since the watch tool runs without one.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.Pool.MaxPerType < 0 {
		return errors.New("pool.max_per_type must be >= 0")
	}
	if c.Pool.MaxTotal < 0 {
		return errors.New("pool.max_total must be >= 0")
	}

	if len(c.Streams.Channels) == 0 {
		return errors.New("streams.channels must name at least one channel")
	}

	if c.Health.Port < 1 || c.Health.Port > 65535 {
		return fmt.Errorf("health.port must be between 1 and 65535, got %d", c.Health.Port)
	}

	return nil
}

// ValidateStore additionally checks the database section.
func (c *Config) ValidateStore() error {
	if err := c.Validate(); err != nil {
		return err
	}
	return c.Database.Postgres.validate("database.postgres")
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
