package grant

import "time"

// Clock abstracts wall-clock access so sweeps and expiry checks can be
// driven deterministically in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the real time.Now based clock.
func SystemClock() Clock { return systemClock{} }
