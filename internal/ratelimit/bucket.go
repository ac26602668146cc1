package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket admits or denies discrete operations at a bounded average
// rate while allowing bursts up to its capacity. Refill is tick-based:
// every refill interval the bucket gains a fixed number of tokens,
// clamped to capacity. Steady-state throughput is refillAmount per
// refillInterval.
type TokenBucket struct {
	mu       sync.Mutex
	capacity int
	tokens   int

	refillAmount   int
	refillInterval time.Duration

	ticker *time.Ticker
	done   chan struct{}
}

// NewTokenBucket creates a full bucket. Start must be called to begin
// periodic refills.
func NewTokenBucket(capacity, refillAmount int, refillInterval time.Duration) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	if refillAmount < 1 {
		refillAmount = 1
	}
	if refillInterval <= 0 {
		refillInterval = time.Second
	}
	return &TokenBucket{
		capacity:       capacity,
		tokens:         capacity,
		refillAmount:   refillAmount,
		refillInterval: refillInterval,
	}
}

// TryRemove takes n tokens if at least n are available. It never blocks
// and the balance never goes negative.
func (b *TokenBucket) TryRemove(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

// Tokens returns the current balance.
func (b *TokenBucket) Tokens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

// Start begins the recurring refill. Calling Start on a running bucket
// is a no-op.
func (b *TokenBucket) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ticker != nil {
		return
	}
	b.ticker = time.NewTicker(b.refillInterval)
	b.done = make(chan struct{})
	go b.refillLoop(b.ticker, b.done)
}

// Stop cancels the recurring refill. Safe to call repeatedly.
func (b *TokenBucket) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ticker == nil {
		return
	}
	b.ticker.Stop()
	close(b.done)
	b.ticker = nil
	b.done = nil
}

func (b *TokenBucket) refillLoop(ticker *time.Ticker, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			b.mu.Lock()
			b.tokens += b.refillAmount
			if b.tokens > b.capacity {
				b.tokens = b.capacity
			}
			b.mu.Unlock()
		}
	}
}
