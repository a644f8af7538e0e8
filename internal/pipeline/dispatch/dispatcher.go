// Package dispatch runs model calls for a batch of text segments through a
// bounded worker pool, a per-minute request/token budget, bounded retries and
// an exact-text result cache.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sourcegraph/conc/pool"

	"mailbot/internal/shared/logger"
)

// Task is one segment to process, keyed back to its position in the source.
type Task struct {
	Key    int
	Text   string
	Tokens int
}

// Func performs the model call for one segment. Implementations wrap errors
// worth another attempt with retry.RetryableError; anything else fails the
// segment immediately.
type Func func(ctx context.Context, text string) (string, error)

// Outcome collects a batch run. A missing key in Texts means that segment
// exhausted its attempts; the source text for it stays untranslated.
type Outcome struct {
	Texts  map[int]string
	Failed int
}

type Dispatcher struct {
	budget      *Budget
	workers     int
	maxAttempts int
	baseDelay   time.Duration
	log         logger.Interface
}

const (
	defaultWorkers   = 8
	minWorkers       = 6
	maxWorkers       = 10
	defaultAttempts  = 3
	defaultBaseDelay = 500 * time.Millisecond
)

func New(budget *Budget, workers, maxAttempts int, log logger.Interface, opts ...Option) *Dispatcher {
	switch {
	case workers <= 0:
		workers = defaultWorkers
	case workers < minWorkers:
		log.Warnw("worker count below supported range, raising",
			"requested", workers, "workers", minWorkers)
		workers = minWorkers
	case workers > maxWorkers:
		log.Warnw("worker count above supported range, lowering",
			"requested", workers, "workers", maxWorkers)
		workers = maxWorkers
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultAttempts
	}
	d := &Dispatcher{
		budget:      budget,
		workers:     workers,
		maxAttempts: maxAttempts,
		baseDelay:   defaultBaseDelay,
		log:         log,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type Option func(*Dispatcher)

// WithBaseDelay shortens the retry backoff base, used by tests.
func WithBaseDelay(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.baseDelay = d }
}

// call is one in-flight or completed model call, shared by every task in the
// batch whose text is byte-identical.
type call struct {
	done chan struct{}
	text string
	err  error
}

// Run processes all tasks and returns when every one has succeeded or
// exhausted its attempts. Identical texts within the batch are called once;
// later duplicates wait for the first result instead of spending budget.
// The only error returned is context cancellation.
func (d *Dispatcher) Run(ctx context.Context, tasks []Task, fn Func) (*Outcome, error) {
	out := &Outcome{Texts: make(map[int]string, len(tasks))}
	var outMu sync.Mutex

	calls := make(map[string]*call, len(tasks))
	var callsMu sync.Mutex

	p := pool.New().WithContext(ctx).WithMaxGoroutines(d.workers)
	for _, task := range tasks {
		p.Go(func(ctx context.Context) error {
			callsMu.Lock()
			c, ok := calls[task.Text]
			if !ok {
				c = &call{done: make(chan struct{})}
				calls[task.Text] = c
			}
			callsMu.Unlock()

			if !ok {
				c.text, c.err = d.attempt(ctx, task, fn)
				close(c.done)
			} else {
				select {
				case <-c.done:
				case <-ctx.Done():
					return ctx.Err()
				}
			}

			outMu.Lock()
			defer outMu.Unlock()
			if c.err != nil {
				out.Failed++
				d.log.Warnw("segment failed after retries",
					"key", task.Key, "tokens", task.Tokens, "error", c.err)
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return nil
			}
			out.Texts[task.Key] = c.text
			return nil
		})
	}

	if err := p.Wait(); err != nil {
		return out, err
	}
	return out, nil
}

// attempt makes up to maxAttempts model calls for one task, paying the rate
// budget before each one.
func (d *Dispatcher) attempt(ctx context.Context, task Task, fn Func) (string, error) {
	var text string
	backoff := retry.WithMaxRetries(uint64(d.maxAttempts-1), retry.NewExponential(d.baseDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := d.budget.Acquire(ctx, task.Tokens); err != nil {
			return err
		}
		var err error
		text, err = fn(ctx, task.Text)
		return err
	})
	if err != nil {
		return "", err
	}
	return text, nil
}
