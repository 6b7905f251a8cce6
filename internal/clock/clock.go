package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock abstracts wall time so billing dates and retry schedules can be tested.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f once d has elapsed on this clock.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the handle AfterFunc returns. Stop reports whether it prevented f from running.
type Timer interface {
	Stop() bool
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

func (SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

var Module = fx.Module("clock",
	fx.Provide(func() Clock { return SystemClock{} }),
)
