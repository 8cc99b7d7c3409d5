package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock abstracts wall time so settlement dates and schedules can be tested.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// System returns the process wall clock in UTC.
func System() Clock {
	return systemClock{}
}

var Module = fx.Module("clock",
	fx.Provide(System),
)
