/*Package device describes the capability set shared by every piece of capture
hardware: the camera, the filter wheel and the external timer.

Drivers are tagged with a Kind rather than arranged in a type hierarchy, and
any call that talks to hardware should be wrapped in Bounded so a wedged
device cannot hang the caller.
*/
package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

var (
	// ErrHardwareTimeout is generated when a bounded hardware call does not
	// complete within its deadline
	ErrHardwareTimeout = errors.New("hardware operation timed out")

	// ErrDisconnected is generated when a device goes away while in use
	ErrDisconnected = errors.New("device disconnected")

	// ErrNotConnected is generated when an operation needs a connection that
	// has not been made
	ErrNotConnected = errors.New("device not connected")
)

// Kind tags a device with the role it plays in a capture
type Kind int

const (
	// KindCamera is an imaging sensor
	KindCamera Kind = iota

	// KindFilterWheel is a motorized filter wheel
	KindFilterWheel

	// KindTimer is an external trigger/strobe timer
	KindTimer
)

func (k Kind) String() string {
	switch k {
	case KindCamera:
		return "camera"
	case KindFilterWheel:
		return "filterwheel"
	case KindTimer:
		return "timer"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ResetKind selects how hard a device is reset
type ResetKind int

const (
	// Warm resets the device state without re-initializing the hardware
	Warm ResetKind = iota

	// Cold re-initializes the hardware as from power on
	Cold
)

func (r ResetKind) String() string {
	if r == Cold {
		return "cold"
	}
	return "warm"
}

// ParseResetKind converts "warm" or "cold" to a ResetKind
func ParseResetKind(s string) (ResetKind, error) {
	switch s {
	case "", "warm":
		return Warm, nil
	case "cold":
		return Cold, nil
	}
	return Warm, fmt.Errorf("unknown reset kind %q, want warm or cold", s)
}

// Device is the capability set every driver implements
type Device interface {
	// Connect opens the connection to the hardware
	Connect(ctx context.Context) error

	// Disconnect closes the connection.  It is safe to call on a device
	// that is not connected.
	Disconnect() error

	// Rescan drops and re-establishes the connection
	Rescan(ctx context.Context) error

	// Reset resets the device
	Reset(ctx context.Context, kind ResetKind) error

	// Connected reports if the device is connected
	Connected() bool

	// Kind returns the device's role tag
	Kind() Kind
}

// TimeoutError records which operation ran out of time
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: %v after %s", e.Op, ErrHardwareTimeout, e.Timeout)
}

// Unwrap allows errors.Is(err, ErrHardwareTimeout)
func (e *TimeoutError) Unwrap() error {
	return ErrHardwareTimeout
}

// Bounded runs fn with a deadline of timeout.  If fn has not returned when the
// deadline passes, a *TimeoutError is returned and fn is left to finish on its
// own; its result is discarded.  A timeout of zero or less disables the bound.
// Cancellation of ctx by the caller is returned as ctx.Err().
func Bounded(ctx context.Context, op string, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(cctx)
	}()

	select {
	case err := <-done:
		return err
	case <-cctx.Done():
		if err := ctx.Err(); err != nil {
			return err
		}
		return &TimeoutError{Op: op, Timeout: timeout}
	}
}

// Reconnect rescans d until it connects, ctx is done, or maxElapsed passes.
// Retries back off exponentially from 100ms.  The last rescan error is
// returned on failure.
func Reconnect(ctx context.Context, d Device, maxElapsed time.Duration) error {
	var last error
	op := func() error {
		last = d.Rescan(ctx)
		if last == nil && !d.Connected() {
			last = ErrNotConnected
		}
		return last
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     100 * time.Millisecond,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          2,
		MaxInterval:         2 * time.Second,
		MaxElapsedTime:      maxElapsed,
		Clock:               backoff.SystemClock}
	b.Reset()
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		if last == nil {
			last = err
		}
		return fmt.Errorf("reconnecting %s: %w", d.Kind(), last)
	}
	return nil
}
