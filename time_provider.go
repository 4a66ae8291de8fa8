package udpc

import "time"

// TimeProvider supplies the clock a Context reads during a tick and the
// ticker that paces the threaded worker. Tests inject a controllable one.
type TimeProvider interface {
	Now() time.Time
	NewTicker(d time.Duration) *time.Ticker
}

// RealTimeProvider is the system clock.
type RealTimeProvider struct{}

// Now returns time.Now.
func (RealTimeProvider) Now() time.Time { return time.Now() }

// NewTicker returns time.NewTicker(d).
func (RealTimeProvider) NewTicker(d time.Duration) *time.Ticker { return time.NewTicker(d) }

// getTimeProvider returns tp if non-nil, otherwise the system clock.
func getTimeProvider(tp TimeProvider) TimeProvider {
	if tp != nil {
		return tp
	}
	return RealTimeProvider{}
}
