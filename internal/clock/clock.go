// Package clock abstracts the time operations the agent loops depend on so
// tests can drive them deterministically.
package clock

import "time"

// Clock is the subset of the time package used by the poll loop and the
// tunnel supervisor. Production code injects Real(); tests inject a Fake.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d has
	// elapsed. If d <= 0 the channel receives immediately.
	After(d time.Duration) <-chan time.Time
}

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
