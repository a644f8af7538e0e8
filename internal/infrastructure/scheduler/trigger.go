package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Trigger decides when an entry fires. Exactly one variant is set: Cron
// expressions evaluated in the bot timezone, or a fixed delay measured from
// the previous completion, not from the previous start.
type Trigger struct {
	Cron       []string
	FixedDelay time.Duration
}

type compiledTrigger struct {
	schedules []cron.Schedule
	delay     time.Duration
	loc       *time.Location
}

// compileTrigger returns (nil, nil) for an empty trigger: such entries have
// no schedule of their own and only fire via warm-up or chaining.
func compileTrigger(t Trigger, loc *time.Location) (*compiledTrigger, error) {
	if len(t.Cron) > 0 && t.FixedDelay > 0 {
		return nil, fmt.Errorf("trigger sets both cron and fixed delay")
	}
	if len(t.Cron) == 0 && t.FixedDelay <= 0 {
		return nil, nil
	}

	ct := &compiledTrigger{delay: t.FixedDelay, loc: loc}
	for _, expr := range t.Cron {
		sched, err := cron.ParseStandard(expr)
		if err != nil {
			return nil, fmt.Errorf("cron %q: %w", expr, err)
		}
		ct.schedules = append(ct.schedules, sched)
	}
	return ct, nil
}

// next returns the first fire time strictly after the given completion time.
func (ct *compiledTrigger) next(after time.Time) time.Time {
	if ct.delay > 0 {
		return after.Add(ct.delay)
	}
	var best time.Time
	for _, sched := range ct.schedules {
		n := sched.Next(after.In(ct.loc))
		if best.IsZero() || n.Before(best) {
			best = n
		}
	}
	return best
}

// missed reports whether a scheduled fire fell inside (armed, now], meaning
// it was skipped while the entry was busy.
func (ct *compiledTrigger) missed(armed, now time.Time) bool {
	if ct.delay > 0 {
		// Fixed delay rearms from completion; nothing can be missed.
		return false
	}
	n := ct.next(armed)
	return !n.IsZero() && !n.After(now)
}
