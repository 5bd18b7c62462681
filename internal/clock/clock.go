package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock abstracts time so queue scheduling can be tested deterministically.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

func NewSystemClock() Clock {
	return systemClock{}
}

var Module = fx.Module("clock",
	fx.Provide(NewSystemClock),
)
