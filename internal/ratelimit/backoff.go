package ratelimit

import (
	"sync"
	"time"
)

// Default backoff parameters.
const (
	DefaultBaseBackoff = 1 * time.Second
	DefaultMaxBackoff  = 60 * time.Second
	DefaultResetAfter  = 5 * time.Minute
)

// BackoffConfig configures the error limiter.
type BackoffConfig struct {
	// BaseBackoff is the cooldown after the first failure.
	BaseBackoff time.Duration `yaml:"base_backoff"`

	// MaxBackoff caps the exponential escalation.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// ResetAfter is the quiet period after which an old failure streak
	// no longer compounds.
	ResetAfter time.Duration `yaml:"reset_after"`
}

// DefaultBackoffConfig returns sensible defaults.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		BaseBackoff: DefaultBaseBackoff,
		MaxBackoff:  DefaultMaxBackoff,
		ResetAfter:  DefaultResetAfter,
	}
}

type errorRecord struct {
	count       int
	lastErrorAt time.Time
}

// ErrorLimiter tracks consecutive failures per logical connection type
// and computes exponential cooldown windows before new attempts are
// allowed. An absent record always means "permitted". The limiter is
// purely computational and never blocks.
type ErrorLimiter struct {
	cfg BackoffConfig

	mu      sync.Mutex
	records map[string]*errorRecord

	now func() time.Time
}

// NewErrorLimiter creates an error limiter. Zero config fields fall
// back to defaults.
func NewErrorLimiter(cfg BackoffConfig) *ErrorLimiter {
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultBaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.ResetAfter <= 0 {
		cfg.ResetAfter = DefaultResetAfter
	}
	return &ErrorLimiter{
		cfg:     cfg,
		records: make(map[string]*errorRecord),
		now:     time.Now,
	}
}

// RecordError registers a failure for the type. Failures separated from
// the previous one by more than ResetAfter start a fresh streak at 1.
func (l *ErrorLimiter) RecordError(connType string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rec, ok := l.records[connType]
	if !ok {
		l.records[connType] = &errorRecord{count: 1, lastErrorAt: now}
		return
	}

	if now.Sub(rec.lastErrorAt) > l.cfg.ResetAfter {
		rec.count = 0
	}
	rec.count++
	rec.lastErrorAt = now
}

// Reset deletes all tracked error state for the type. Call on a
// successful connection.
func (l *ErrorLimiter) Reset(connType string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, connType)
}

// CanAttempt reports whether a new connection attempt is currently
// permitted for the type.
func (l *ErrorLimiter) CanAttempt(connType string) bool {
	return l.TimeLeft(connType) == 0
}

// TimeLeft returns the remaining cooldown before the type may attempt
// again, or zero if already permitted.
func (l *ErrorLimiter) TimeLeft(connType string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[connType]
	if !ok {
		return 0
	}

	elapsed := l.now().Sub(rec.lastErrorAt)
	left := l.backoffFor(rec.count) - elapsed
	if left < 0 {
		return 0
	}
	return left
}

// FailureCount returns the current consecutive-failure count for the
// type (zero if no record exists).
func (l *ErrorLimiter) FailureCount(connType string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[connType]
	if !ok {
		return 0
	}
	return rec.count
}

// backoffFor computes min(base * 2^(count-1), max).
func (l *ErrorLimiter) backoffFor(count int) time.Duration {
	if count < 1 {
		return 0
	}
	// Guard the shift: past ~32 doubling has long exceeded any max.
	if count > 32 {
		return l.cfg.MaxBackoff
	}
	d := l.cfg.BaseBackoff << (count - 1)
	if d > l.cfg.MaxBackoff || d <= 0 {
		return l.cfg.MaxBackoff
	}
	return d
}
