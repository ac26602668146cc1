// Package ratelimit provides the two admission controls used by the
// connection pool: a token bucket that bounds outbound message rate per
// connection, and an error limiter that imposes exponential cooldowns on
// connection types after consecutive failures.
package ratelimit
