// Package clock provides a seam over time.Now/time.After so that inode
// timestamps (atime/mtime/ctime/birthtime) and the supervisor's backoff
// schedule can be driven deterministically in tests.
package clock

import "time"

// Clock is satisfied by RealClock, FakeClock and SimulatedClock.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the time once d has elapsed,
	// with the semantics of time.After.
	After(d time.Duration) <-chan time.Time
}

var (
	_ Clock = RealClock{}
	_ Clock = &FakeClock{}
	_ Clock = &SimulatedClock{}
)
