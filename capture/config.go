/*Package capture runs capture sessions: one recording from a camera into an
output sink, optionally synchronized with an external timer.

A Session is a single serialized control loop.  Frames from the camera and
commands from the operator (pause, resume, stop, status) arrive on one inbox
and are handled in the order they arrive; a writer goroutine fed by a bounded
queue does the disk I/O.  When the queue is full, frames are dropped and
counted rather than slowing the camera down.

A Controller lives for the whole process, holds the devices and hands out
one Session at a time.
*/
package capture

import (
	"errors"
	"fmt"
	"time"

	"github.com/nasa-jpl/astrocap/output"
)

var (
	// ErrConfig is generated when a run is refused before it starts
	ErrConfig = errors.New("capture run abandoned")

	// ErrIndexOverflowDeclined is generated when the operator declines to
	// continue after an index overflow warning
	ErrIndexOverflowDeclined = errors.New("index overflow not accepted")

	// ErrBusy is generated when starting a session while another is active
	ErrBusy = errors.New("a capture session is already active")

	// ErrFrameWrite is generated when a frame could not be written.  The
	// frame is counted as dropped and the session continues.
	ErrFrameWrite = errors.New("frame write failed")

	// ErrTooManyWriteFailures is generated when consecutive write failures
	// reach the configured threshold
	ErrTooManyWriteFailures = errors.New("too many consecutive frame write failures")

	// ErrState is generated when a command is not valid in the current state
	ErrState = errors.New("not valid in the current session state")
)

// LimitKind is what a Limit counts
type LimitKind int

const (
	// Frames limits the number of frames written
	Frames LimitKind = iota

	// Seconds limits the time spent running, excluding pauses
	Seconds
)

func (k LimitKind) String() string {
	if k == Seconds {
		return "seconds"
	}
	return "frames"
}

// MarshalText implements encoding.TextMarshaler
func (k LimitKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *LimitKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "frames":
		*k = Frames
	case "seconds":
		*k = Seconds
	default:
		return fmt.Errorf("unknown limit kind %q", b)
	}
	return nil
}

// Limit ends a run.  A Value of zero means no limit.
type Limit struct {
	Kind  LimitKind `json:"kind" yaml:"kind" koanf:"kind"`
	Value int       `json:"value" yaml:"value" koanf:"value"`
}

// Enabled reports if the limit does anything
func (l Limit) Enabled() bool {
	return l.Value > 0
}

// FrameCount returns the frame limit, or zero when the limit is not on frames
func (l Limit) FrameCount() int {
	if l.Kind != Frames {
		return 0
	}
	return l.Value
}

// Duration returns the time limit, or zero when the limit is not on time
func (l Limit) Duration() time.Duration {
	if l.Kind != Seconds {
		return 0
	}
	return time.Duration(l.Value) * time.Second
}

// DefaultQueueDepth is the writer queue size used when Config.QueueDepth is zero
const DefaultQueueDepth = 64

// Config is one run
type Config struct {
	Target  output.Target   `json:"target" yaml:"target" koanf:"target"`
	Limit   Limit           `json:"limit" yaml:"limit" koanf:"limit"`
	Profile string          `json:"profile" yaml:"profile" koanf:"profile"`
	Filter  string          `json:"filter" yaml:"filter" koanf:"filter"`
	Meta    output.Metadata `json:"-" yaml:"-" koanf:"-"`

	// QueueDepth is the number of frames the writer may fall behind by
	QueueDepth int `json:"queueDepth" yaml:"queuedepth" koanf:"queuedepth"`

	// MaxConsecutiveWriteFailures stops the session when reached; zero never stops
	MaxConsecutiveWriteFailures int `json:"maxConsecutiveWriteFailures" yaml:"maxconsecutivewritefailures" koanf:"maxconsecutivewritefailures"`

	// SaveSettings writes a YAML description of the run next to the recording
	SaveSettings bool `json:"saveSettings" yaml:"savesettings" koanf:"savesettings"`

	// OverflowConfirmed skips the index overflow question, for runs whose
	// series was already confirmed
	OverflowConfirmed bool `json:"-" yaml:"-" koanf:"-"`
}

func (c Config) queueDepth() int {
	if c.QueueDepth <= 0 {
		return DefaultQueueDepth
	}
	return c.QueueDepth
}
