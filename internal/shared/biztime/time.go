// Package biztime holds the configured mailbox timezone. Cron expressions are
// evaluated in this zone; everything stored or logged stays in UTC.
package biztime

import (
	"fmt"
	"sync"
	"time"
)

// DefaultTimezone matches the mailbox account this bot was built for.
const DefaultTimezone = "Asia/Shanghai"

var (
	location *time.Location
	initOnce sync.Once
	initErr  error
)

// Init loads the configured timezone. Called once at startup; empty tz falls
// back to DefaultTimezone.
func Init(tz string) error {
	initOnce.Do(func() {
		if tz == "" {
			tz = DefaultTimezone
		}
		location, initErr = time.LoadLocation(tz)
	})
	return initErr
}

// Location returns the configured zone, auto-initializing with the default
// when Init was never called (tests, one-off commands).
func Location() *time.Location {
	if location == nil {
		if err := Init(""); err != nil {
			panic(fmt.Sprintf("biztime: failed to load default timezone: %v", err))
		}
	}
	return location
}

// NowUTC returns the current time in UTC.
func NowUTC() time.Time {
	return time.Now().UTC()
}
