package clock

import "time"

// Clock abstracts time-related functions so lease expiry and heartbeat
// scheduling can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real implements Clock using the standard library.
type Real struct{}

// Now returns the current UTC time truncated to milliseconds, the resolution
// lock timestamps are persisted with.
func (Real) Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// After mirrors time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep blocks for at least d.
func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}
