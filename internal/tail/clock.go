package tail

import "time"

// Clock schedules the next cycle. Tests substitute a manual clock.
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// RealClock returns the wall clock.
func RealClock() Clock {
	return realClock{}
}
