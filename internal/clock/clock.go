// Package clock abstracts wall-clock time and scheduled callbacks so that the
// detection engine and escalation countdown can run against virtual time in
// tests.
package clock

import "time"

type (
	// Clock is the subset of package time used by crashguard.
	Clock interface {
		Now() time.Time
		AfterFunc(d time.Duration, f func()) Timer
	}

	// Timer is a cancellation handle for a scheduled callback. Stop is safe to
	// call more than once and reports whether the call prevented the callback.
	Timer interface {
		Stop() bool
	}

	realClock struct{}
)

// Now indirects time.Now.
func (realClock) Now() time.Time {
	return time.Now()
}

// AfterFunc indirects time.AfterFunc.
func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Real returns a Clock backed by package time.
func Real() Clock {
	return realClock{}
}
