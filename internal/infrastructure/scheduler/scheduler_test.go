package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailbot/internal/shared/logger"
)

func testOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	return New(time.UTC, logger.NewLogger())
}

// fireRecorder collects fire timestamps from entry run functions.
type fireRecorder struct {
	mu    sync.Mutex
	times []time.Time
}

func (r *fireRecorder) record() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.times = append(r.times, time.Now())
}

func (r *fireRecorder) snapshot() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Time(nil), r.times...)
}

func stopOrchestrator(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, o.Stop(ctx))
}

func TestAddValidation(t *testing.T) {
	o := testOrchestrator(t)

	err := o.Add(Entry{Name: "both", Trigger: Trigger{Cron: []string{"* * * * *"}, FixedDelay: time.Minute}, Run: noop})
	assert.Error(t, err)

	err = o.Add(Entry{Name: "badcron", Trigger: Trigger{Cron: []string{"not a cron"}}, Run: noop})
	assert.Error(t, err)

	err = o.Add(Entry{Name: "nameless", Trigger: Trigger{FixedDelay: time.Minute}})
	assert.Error(t, err)

	require.NoError(t, o.Add(Entry{Name: "ok", Trigger: Trigger{FixedDelay: time.Minute}, Run: noop}))
	assert.Error(t, o.Add(Entry{Name: "ok", Trigger: Trigger{FixedDelay: time.Minute}, Run: noop}))
}

func noop(context.Context) error { return nil }

func TestStartRejectsUnknownChain(t *testing.T) {
	o := testOrchestrator(t)
	require.NoError(t, o.Add(Entry{
		Name: "a", Trigger: Trigger{FixedDelay: time.Hour}, FollowedBy: "ghost", Run: noop,
	}))
	assert.Error(t, o.Start(context.Background()))
}

func TestWarmUpFiresOnce(t *testing.T) {
	o := testOrchestrator(t)
	rec := &fireRecorder{}
	require.NoError(t, o.Add(Entry{
		Name:    "warm",
		Trigger: Trigger{FixedDelay: time.Hour},
		WarmUp:  true,
		Run: func(context.Context) error {
			rec.record()
			return nil
		},
	}))
	require.NoError(t, o.Start(context.Background()))
	defer stopOrchestrator(t, o)

	assert.Eventually(t, func() bool { return len(rec.snapshot()) == 1 },
		time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 1, "next fire is an hour away")
}

func TestFixedDelayMeasuredFromCompletion(t *testing.T) {
	o := testOrchestrator(t)
	rec := &fireRecorder{}
	const (
		delay   = 60 * time.Millisecond
		runtime = 80 * time.Millisecond
	)
	require.NoError(t, o.Add(Entry{
		Name:    "slow",
		Trigger: Trigger{FixedDelay: delay},
		WarmUp:  true,
		Run: func(ctx context.Context) error {
			rec.record()
			time.Sleep(runtime)
			return nil
		},
	}))
	require.NoError(t, o.Start(context.Background()))

	assert.Eventually(t, func() bool { return len(rec.snapshot()) >= 3 },
		2*time.Second, 10*time.Millisecond)
	stopOrchestrator(t, o)

	times := rec.snapshot()
	for i := 1; i < 3; i++ {
		gap := times[i].Sub(times[i-1])
		// Start-to-start spacing includes the full runtime: the delay is
		// measured from completion, not from the previous start.
		assert.GreaterOrEqual(t, gap, delay+runtime-10*time.Millisecond,
			"fire %d rearmed before the previous run completed", i)
	}
}

func TestChainedEntryFiresAfterSuccess(t *testing.T) {
	o := testOrchestrator(t)
	var order []string
	var mu sync.Mutex
	push := func(name string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, name)
	}

	require.NoError(t, o.Add(Entry{
		Name: "translate", Trigger: Trigger{FixedDelay: time.Hour}, WarmUp: true,
		FollowedBy: "summarize",
		Run: func(context.Context) error {
			push("translate")
			return nil
		},
	}))
	require.NoError(t, o.Add(Entry{
		Name: "summarize", Trigger: Trigger{FixedDelay: time.Hour},
		Run: func(context.Context) error {
			push("summarize")
			return nil
		},
	}))
	require.NoError(t, o.Start(context.Background()))
	defer stopOrchestrator(t, o)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"translate", "summarize"}, order)
}

func TestChainSkippedOnFailure(t *testing.T) {
	o := testOrchestrator(t)
	rec := &fireRecorder{}
	require.NoError(t, o.Add(Entry{
		Name: "translate", Trigger: Trigger{FixedDelay: time.Hour}, WarmUp: true,
		FollowedBy: "summarize",
		Run: func(context.Context) error {
			return assert.AnError
		},
	}))
	require.NoError(t, o.Add(Entry{
		Name: "summarize", Trigger: Trigger{FixedDelay: time.Hour},
		Run: func(context.Context) error {
			rec.record()
			return nil
		},
	}))
	require.NoError(t, o.Start(context.Background()))
	defer stopOrchestrator(t, o)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, rec.snapshot(), "failed run must not trigger the chain")
}

func TestChainOnlyEntryNeverFiresAlone(t *testing.T) {
	o := testOrchestrator(t)
	rec := &fireRecorder{}
	require.NoError(t, o.Add(Entry{
		Name: "chained-only",
		Run: func(context.Context) error {
			rec.record()
			return nil
		},
	}))
	require.NoError(t, o.Start(context.Background()))
	defer stopOrchestrator(t, o)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}

func TestFirstDelayShortensInitialWait(t *testing.T) {
	o := testOrchestrator(t)
	rec := &fireRecorder{}
	require.NoError(t, o.Add(Entry{
		Name:       "translate",
		Trigger:    Trigger{FixedDelay: time.Hour},
		FirstDelay: 30 * time.Millisecond,
		Run: func(context.Context) error {
			rec.record()
			return nil
		},
	}))
	start := time.Now()
	require.NoError(t, o.Start(context.Background()))
	defer stopOrchestrator(t, o)

	assert.Eventually(t, func() bool { return len(rec.snapshot()) == 1 },
		time.Second, 5*time.Millisecond)
	assert.Less(t, rec.snapshot()[0].Sub(start), time.Hour)
}

func TestStopCancelsWaitingLoops(t *testing.T) {
	o := testOrchestrator(t)
	require.NoError(t, o.Add(Entry{
		Name: "idle", Trigger: Trigger{FixedDelay: time.Hour}, Run: noop,
	}))
	require.NoError(t, o.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, o.Stop(ctx))
}

func TestStopReportsStuckJob(t *testing.T) {
	o := testOrchestrator(t)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	running := make(chan struct{})

	require.NoError(t, o.Add(Entry{
		Name: "stuck", Trigger: Trigger{FixedDelay: time.Hour}, WarmUp: true,
		Run: func(context.Context) error {
			close(running)
			<-release // ignores its context on purpose
			return nil
		},
	}))
	require.NoError(t, o.Start(context.Background()))
	<-running

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, o.Stop(ctx))
}

func TestTriggerNextPicksEarliestCron(t *testing.T) {
	ct, err := compileTrigger(Trigger{Cron: []string{"0 7 * * *", "0 12 * * *", "0 19 * * *"}}, time.UTC)
	require.NoError(t, err)

	at := time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), ct.next(at))

	at = time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 6, 2, 7, 0, 0, 0, time.UTC), ct.next(at))
}

func TestTriggerNextHonorsTimezone(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Shanghai")
	require.NoError(t, err)
	ct, err := compileTrigger(Trigger{Cron: []string{"0 7 * * *"}}, loc)
	require.NoError(t, err)

	// 23:30 UTC is 07:30 the next day in Shanghai, so the next 07:00 fire is
	// almost a full day away.
	at := time.Date(2025, 5, 31, 23, 30, 0, 0, time.UTC)
	next := ct.next(at)
	assert.True(t, next.Equal(time.Date(2025, 6, 2, 7, 0, 0, 0, loc)),
		"got %v", next.In(loc))
}

func TestTriggerMissed(t *testing.T) {
	ct, err := compileTrigger(Trigger{Cron: []string{"* * * * *"}}, time.UTC)
	require.NoError(t, err)

	armed := time.Date(2025, 6, 1, 12, 0, 30, 0, time.UTC)
	assert.False(t, ct.missed(armed, armed.Add(10*time.Second)), "slot not reached yet")
	assert.True(t, ct.missed(armed, armed.Add(2*time.Minute)), "12:01 slot passed while busy")

	fixed, err := compileTrigger(Trigger{FixedDelay: time.Minute}, time.UTC)
	require.NoError(t, err)
	assert.False(t, fixed.missed(armed, armed.Add(time.Hour)))
}
