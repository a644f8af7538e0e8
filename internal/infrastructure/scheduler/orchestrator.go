// Package scheduler drives the pipeline jobs. It supports cron triggers,
// fixed delays measured from completion, a one-shot catch-up for fires
// missed while a job was busy, warm-up fires at startup and chaining one
// entry after another.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mailbot/internal/shared/goroutine"
	"mailbot/internal/shared/logger"
)

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Entry is one scheduled job. An entry with an empty Trigger never fires on
// its own; it runs only via WarmUp or when another entry chains to it.
type Entry struct {
	Name    string
	Trigger Trigger
	// WarmUp fires the entry once at startup before the schedule takes over.
	WarmUp bool
	// FirstDelay overrides the wait before the first scheduled fire, letting
	// an entry start sooner than its steady-state interval.
	FirstDelay time.Duration
	// FollowedBy names an entry fired immediately after each successful run.
	FollowedBy string
	Run        func(ctx context.Context) error
}

type entry struct {
	Entry
	trigger *compiledTrigger
	// firing serializes fires: a chained fire is skipped while the entry's
	// own schedule already has it running.
	firing sync.Mutex
}

type Orchestrator struct {
	loc     *time.Location
	clock   Clock
	log     logger.Interface
	entries map[string]*entry
	order   []string

	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	mu      sync.Mutex
}

type Option func(*Orchestrator)

func WithClock(c Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

func New(loc *time.Location, log logger.Interface, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		loc:     loc,
		clock:   realClock{},
		log:     log.Named("scheduler"),
		entries: map[string]*entry{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) Add(e Entry) error {
	if e.Name == "" || e.Run == nil {
		return fmt.Errorf("entry needs a name and a run function")
	}
	if _, exists := o.entries[e.Name]; exists {
		return fmt.Errorf("duplicate entry %q", e.Name)
	}
	ct, err := compileTrigger(e.Trigger, o.loc)
	if err != nil {
		return fmt.Errorf("entry %q: %w", e.Name, err)
	}
	o.entries[e.Name] = &entry{Entry: e, trigger: ct}
	o.order = append(o.order, e.Name)
	return nil
}

// Start launches one loop per entry and returns immediately.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return fmt.Errorf("scheduler already started")
	}
	for _, name := range o.order {
		if f := o.entries[name].FollowedBy; f != "" {
			if _, ok := o.entries[f]; !ok {
				return fmt.Errorf("entry %q follows unknown entry %q", name, f)
			}
		}
	}
	o.started = true

	ctx, o.cancel = context.WithCancel(ctx)
	o.done = make(chan struct{})

	var wg sync.WaitGroup
	for _, name := range o.order {
		e := o.entries[name]
		wg.Add(1)
		goroutine.SafeGo(o.log, "scheduler:"+e.Name, func() {
			defer wg.Done()
			o.runLoop(ctx, e)
		})
	}
	goroutine.SafeGo(o.log, "scheduler:wait", func() {
		wg.Wait()
		close(o.done)
	})
	return nil
}

// Stop cancels all loops and waits for them to drain. Loops blocked inside a
// job that ignores its context are abandoned when waitCtx expires; the
// process exits without them.
func (o *Orchestrator) Stop(waitCtx context.Context) error {
	o.mu.Lock()
	cancel, done, started := o.cancel, o.done, o.started
	o.mu.Unlock()
	if !started {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-waitCtx.Done():
		return fmt.Errorf("scheduler stop: jobs still running")
	}
}

func (o *Orchestrator) runLoop(ctx context.Context, e *entry) {
	if e.WarmUp {
		o.log.Infow("warm-up fire", "entry", e.Name)
		o.fire(ctx, e)
	}
	if e.trigger == nil {
		// Chain-only entry; other entries fire it.
		return
	}

	first := true
	for {
		armed := o.clock.Now()
		next := e.trigger.next(armed)
		if first && !e.WarmUp && e.FirstDelay > 0 {
			next = armed.Add(e.FirstDelay)
		}
		first = false
		o.log.Debugw("entry armed", "entry", e.Name, "next", next)

		if err := o.clock.Sleep(ctx, next.Sub(armed)); err != nil {
			return
		}
		o.fire(ctx, e)

		// One catch-up fire when a cron slot passed while the job ran.
		if e.trigger.missed(next, o.clock.Now()) && ctx.Err() == nil {
			o.log.Infow("catching up missed fire", "entry", e.Name)
			o.fire(ctx, e)
		}
	}
}

func (o *Orchestrator) fire(ctx context.Context, e *entry) {
	if ctx.Err() != nil {
		return
	}
	e.firing.Lock()
	defer e.firing.Unlock()

	start := o.clock.Now()
	err := e.Run(ctx)
	elapsed := o.clock.Now().Sub(start)
	if err != nil {
		o.log.Errorw("entry run failed", "entry", e.Name, "elapsed", elapsed, "error", err)
		return
	}
	o.log.Infow("entry run finished", "entry", e.Name, "elapsed", elapsed)

	if e.FollowedBy == "" {
		return
	}
	chained := o.entries[e.FollowedBy]
	if !chained.firing.TryLock() {
		o.log.Infow("chained entry already running, skipping",
			"entry", e.Name, "chained", e.FollowedBy)
		return
	}
	defer chained.firing.Unlock()
	o.log.Infow("firing chained entry", "entry", e.Name, "chained", e.FollowedBy)
	if err := chained.Run(ctx); err != nil {
		o.log.Errorw("chained run failed", "chained", e.FollowedBy, "error", err)
	}
}
