package bus

import (
	"errors"
	"fmt"
)

// ErrBusUnavailable matches every BusUnavailableError via errors.Is.
var ErrBusUnavailable = errors.New("bus unavailable")

// BusUnavailableError reports a publish or subscribe that could not reach
// the bus.
type BusUnavailableError struct {
	Driver  string
	Op      string
	Channel Channel
	Err     error
}

func (e *BusUnavailableError) Error() string {
	if e.Channel == "" {
		return fmt.Sprintf("bus: %s %s: %v", e.Driver, e.Op, e.Err)
	}
	return fmt.Sprintf("bus: %s %s %s: %v", e.Driver, e.Op, e.Channel, e.Err)
}

func (e *BusUnavailableError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrBusUnavailable) hold for every instance.
func (e *BusUnavailableError) Is(target error) bool {
	return target == ErrBusUnavailable
}

func unavailable(driver, op string, ch Channel, err error) error {
	return &BusUnavailableError{Driver: driver, Op: op, Channel: ch, Err: err}
}
