package dispatch

import (
	"context"
	"sync"
	"time"
)

// Budget enforces a strict per-minute allowance over two dimensions: request
// count and estimated tokens. Counters reset to the full ceiling at each
// window boundary; unused allowance never carries over.
type Budget struct {
	mu          sync.Mutex
	rpm         int
	tpm         int
	clock       Clock
	windowStart time.Time
	requests    int
	tokens      int
}

const window = time.Minute

func NewBudget(rpm, tpm int, opts ...BudgetOption) *Budget {
	b := &Budget{rpm: rpm, tpm: tpm, clock: realClock{}}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type BudgetOption func(*Budget)

// WithBudgetClock substitutes the wall clock, used by tests.
func WithBudgetClock(c Clock) BudgetOption {
	return func(b *Budget) { b.clock = c }
}

// Acquire blocks until the current window can absorb one request of the given
// token weight, then consumes the allowance. A request heavier than the whole
// token ceiling is admitted alone into a fresh window so it cannot starve.
func (b *Budget) Acquire(ctx context.Context, tokens int) error {
	for {
		b.mu.Lock()
		now := b.clock.Now()
		b.roll(now)

		fresh := b.requests == 0 && b.tokens == 0
		fitsRequests := b.rpm <= 0 || b.requests < b.rpm
		fitsTokens := b.tpm <= 0 || b.tokens+tokens <= b.tpm || (fresh && tokens > b.tpm)
		if fitsRequests && fitsTokens {
			b.requests++
			b.tokens += tokens
			b.mu.Unlock()
			return nil
		}

		wait := b.windowStart.Add(window).Sub(now)
		b.mu.Unlock()

		if wait <= 0 {
			continue
		}
		if err := b.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// roll opens a new window when the current one has elapsed. Caller holds mu.
func (b *Budget) roll(now time.Time) {
	if b.windowStart.IsZero() || now.Sub(b.windowStart) >= window {
		b.windowStart = now
		b.requests = 0
		b.tokens = 0
	}
}
