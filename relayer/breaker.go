package relayer

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"gousdcbridge/retry"
)

var ErrCircuitOpen = errors.New("relayer circuit breaker open")

// Breaker opens after threshold congestion errors without a successful
// broadcast in between and closes by itself after cooldown.
type Breaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	failures int
	openedAt time.Time
	open     bool

	onChange func(open bool)
}

func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow fails fast while the breaker is open.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return nil
	}
	remaining := b.cooldown - b.now().Sub(b.openedAt)
	if remaining <= 0 {
		b.closeLocked()
		return nil
	}
	secs := int(math.Ceil(remaining.Seconds()))
	return retry.Transient(retry.ReasonCongestion, fmt.Errorf("%w: retry after %d seconds", ErrCircuitOpen, secs))
}

func (b *Breaker) RecordCongestion() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if !b.open && b.failures >= b.threshold {
		b.open = true
		b.openedAt = b.now()
		if b.onChange != nil {
			b.onChange(true)
		}
	}
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		b.closeLocked()
		return
	}
	b.failures = 0
}

func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open && b.now().Sub(b.openedAt) < b.cooldown
}

func (b *Breaker) closeLocked() {
	b.open = false
	b.failures = 0
	if b.onChange != nil {
		b.onChange(false)
	}
}
