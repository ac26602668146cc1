package pool

import (
	"errors"
	"time"

	"github.com/relaypulse/streamgate/internal/ratelimit"
)

// Errors
var (
	ErrBackoffActive = errors.New("connection type cooling down")
	ErrTypeLimit     = errors.New("per-type connection limit reached")
	ErrTotalLimit    = errors.New("total connection limit reached")
	ErrPoolDisposed  = errors.New("pool disposed")
	ErrNotConnected  = errors.New("not connected")
	ErrAlreadyClosed = errors.New("already closed")
)

// EventKind identifies one of the four per-connection event streams.
type EventKind string

const (
	EventMessage EventKind = "message"
	EventOpen    EventKind = "open"
	EventClose   EventKind = "close"
	EventError   EventKind = "error"
)

// Event is delivered to listeners registered via Pool.On. Fields are
// populated per kind: Data/ReceivedAt for message, Code/Reason for
// close, Err for error.
type Event struct {
	Kind       EventKind
	ConnID     string
	ConnType   string
	Data       []byte
	ReceivedAt time.Time
	Code       int
	Reason     string
	Err        error
}

// Handler receives events for one connection. Handlers run on the
// pool's read goroutine for that connection and must not block.
type Handler func(Event)

// Message wraps raw frame data with its receive timestamp.
type Message struct {
	Data       []byte
	ReceivedAt time.Time
}

// RateLimitConfig configures the per-connection token bucket.
type RateLimitConfig struct {
	Capacity       int           `yaml:"capacity"`
	RefillAmount   int           `yaml:"refill_amount"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// ClientConfig configures a single WebSocket transport client.
type ClientConfig struct {
	URL              string        // WebSocket URL (e.g., wss://stream.relaypulse.io/v1/metrics)
	HandshakeTimeout time.Duration // Dial handshake deadline
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       1000,
	}
}

// Config configures a Pool. MaxPerType and MaxTotal are fixed for the
// pool's lifetime.
type Config struct {
	MaxPerType        int                     `yaml:"max_per_type"`
	MaxTotal          int                     `yaml:"max_total"`
	HeartbeatInterval time.Duration           `yaml:"heartbeat_interval"`
	HandshakeTimeout  time.Duration           `yaml:"handshake_timeout"`
	WriteTimeout      time.Duration           `yaml:"write_timeout"`
	BufferSize        int                     `yaml:"buffer_size"`
	RateLimit         RateLimitConfig         `yaml:"rate_limit"`
	Backoff           ratelimit.BackoffConfig `yaml:"backoff"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxPerType:        3,
		MaxTotal:          10,
		HeartbeatInterval: 30 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      5 * time.Second,
		BufferSize:        1000,
		RateLimit: RateLimitConfig{
			Capacity:       10,
			RefillAmount:   5,
			RefillInterval: time.Second,
		},
		Backoff: ratelimit.DefaultBackoffConfig(),
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.MaxPerType < 1 {
		c.MaxPerType = def.MaxPerType
	}
	if c.MaxTotal < 1 {
		c.MaxTotal = def.MaxTotal
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.BufferSize <= 0 {
		c.BufferSize = def.BufferSize
	}
	if c.RateLimit.Capacity < 1 {
		c.RateLimit.Capacity = def.RateLimit.Capacity
	}
	if c.RateLimit.RefillAmount < 1 {
		c.RateLimit.RefillAmount = def.RateLimit.RefillAmount
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
}
