package jobqueue

import "time"

// Clock is the stopwatch source the scheduler measures its budget with.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
