package clock

import "time"

// Clock allows deterministic time behavior in tests and replay flows.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// Fixed pins Now to a single instant. Advance moves it forward so tests can
// cross expiry and backoff boundaries without sleeping.
type Fixed struct {
	T time.Time
}

func NewFixed(t time.Time) *Fixed {
	return &Fixed{T: t.UTC()}
}

func (c *Fixed) Now() time.Time {
	return c.T
}

func (c *Fixed) Advance(d time.Duration) {
	c.T = c.T.Add(d)
}
