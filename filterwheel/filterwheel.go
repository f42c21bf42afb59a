/*Package filterwheel describes motorized filter wheels and provides a driver
for Xagyl wheels and a simulated wheel.

Slots are numbered from 1, as they are on the wheels themselves.
*/
package filterwheel

import (
	"context"
	"errors"
	"fmt"

	"github.com/nasa-jpl/astrocap/device"
)

var (
	// ErrBadSlot is generated when moving to a slot the wheel does not have
	ErrBadSlot = errors.New("no such filter slot")

	// ErrProtocol is generated when the wheel says something unexpected
	ErrProtocol = errors.New("unexpected reply from filter wheel")
)

// Wheel is a motorized filter wheel
type Wheel interface {
	device.Device

	// Slots is the number of filter positions
	Slots() int

	// Position returns the current slot
	Position(ctx context.Context) (int, error)

	// Move goes to slot and returns once the wheel reports it is there
	Move(ctx context.Context, slot int) error
}

// CheckSlot returns ErrBadSlot if slot is not on a wheel with n slots
func CheckSlot(slot, n int) error {
	if slot < 1 || (n > 0 && slot > n) {
		return fmt.Errorf("%w: %d of %d", ErrBadSlot, slot, n)
	}
	return nil
}
