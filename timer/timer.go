/*Package timer drives an external trigger/strobe timer and coordinates it
with a capture run.

Device is the driver interface.  Coordinator wraps a Device for the lifetime
of the process: it checks that the timer and camera agree on who is in
charge of exposures, arms and disarms the timer around each run, and bounds
every hardware call so a stuck timer cannot hang a capture.
*/
package timer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nasa-jpl/astrocap/camera"
	"github.com/nasa-jpl/astrocap/device"
	"github.com/nasa-jpl/astrocap/metrics"
	"github.com/nasa-jpl/astrocap/prompt"
)

var (
	// ErrArmed is generated when an operation is not allowed while the timer is running a program
	ErrArmed = errors.New("timer is armed")

	// ErrNoGPS is generated when GPS is read from a timer without a receiver
	ErrNoGPS = errors.New("timer has no GPS")
)

// CodeModeMismatch tags the camera/timer mode mismatch notice
const CodeModeMismatch = "timer-mode-mismatch"

// Mode is what the timer does to the camera
type Mode int

const (
	// Strobe has the camera free run and the timer record its strobe pulses
	Strobe Mode = iota

	// Trigger has the timer fire the camera's external trigger
	Trigger
)

func (m Mode) String() string {
	if m == Trigger {
		return "trigger"
	}
	return "strobe"
}

// MarshalText implements encoding.TextMarshaler
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (m *Mode) UnmarshalText(b []byte) error {
	switch string(b) {
	case "trigger":
		*m = Trigger
	case "strobe":
		*m = Strobe
	default:
		return fmt.Errorf("unknown timer mode %q", b)
	}
	return nil
}

// ConnState is the coordinator's view of the timer
type ConnState int

const (
	// Disconnected means no timer, or the timer is not connected
	Disconnected ConnState = iota

	// Connected means the timer is idle
	Connected

	// Armed means the timer is running a program
	Armed
)

func (s ConnState) String() string {
	switch s {
	case Connected:
		return "connected"
	case Armed:
		return "armed"
	}
	return "disconnected"
}

// GPSFix is a position and time from the timer's GPS receiver
type GPSFix struct {
	Lat  float64   `json:"lat"`
	Long float64   `json:"long"`
	Alt  float64   `json:"alt"`
	Time time.Time `json:"time"`
}

// Program is what the timer is armed with
type Program struct {
	Mode     Mode
	Count    int
	Interval time.Duration
}

// Timestamp is one pulse reported by the timer
type Timestamp struct {
	Index int
	Time  time.Time
}

// Device is a trigger/strobe timer
type Device interface {
	device.Device

	// Arm starts p
	Arm(ctx context.Context, p Program) error

	// Disarm stops whatever is running
	Disarm(ctx context.Context) error

	// Sync synchronizes the timer's clock
	Sync(ctx context.Context) error

	// HasGPS reports if the timer has a GPS receiver
	HasGPS() bool

	// ReadGPS returns the current fix
	ReadGPS(ctx context.Context) (GPSFix, error)
}

// Settings configure how the timer takes part in a run
type Settings struct {
	Enabled            bool          `koanf:"enabled" yaml:"enabled" json:"enabled"`
	Mode               Mode          `koanf:"mode" yaml:"mode" json:"mode"`
	TriggerInterval    time.Duration `koanf:"triggerinterval" yaml:"triggerinterval" json:"triggerInterval"`
	DrainDelay         time.Duration `koanf:"draindelay" yaml:"draindelay" json:"drainDelay"`
	DrainDelayOverride bool          `koanf:"draindelayoverride" yaml:"draindelayoverride" json:"drainDelayOverride"`
	ReadGPSPerRun      bool          `koanf:"readgpsperrun" yaml:"readgpsperrun" json:"readGPSPerRun"`
	OpTimeout          time.Duration `koanf:"optimeout" yaml:"optimeout" json:"opTimeout"`
}

// DefaultSettings returns strobe mode with a two second operation timeout
func DefaultSettings() Settings {
	return Settings{Mode: Strobe, TriggerInterval: 100 * time.Millisecond, OpTimeout: 2 * time.Second}
}

// ValidateConsistency returns a warning notice when the camera is not in the
// mode the timer expects
func ValidateConsistency(cam camera.Mode, tm Mode) *prompt.Notice {
	var want camera.Mode
	switch tm {
	case Trigger:
		want = camera.Trigger
	default:
		want = camera.Strobe
	}
	if cam == want {
		return nil
	}
	return &prompt.Notice{
		Severity: prompt.Warning,
		Code:     CodeModeMismatch,
		Title:    "Timer mode mismatch",
		Text:     fmt.Sprintf("timer is in %s mode but the camera is in %s mode", tm, cam)}
}

// DefaultDrainDelay is ten exposures capped at one second, or 500ms when the
// exposure is not known
func DefaultDrainDelay(exposure time.Duration) time.Duration {
	if exposure <= 0 {
		return 500 * time.Millisecond
	}
	d := 10 * exposure
	if d > time.Second {
		d = time.Second
	}
	return d
}

// Coordinator owns the timer for the lifetime of the process.  It is safe for
// concurrent use.
type Coordinator struct {
	mu       sync.Mutex
	dev      Device
	settings Settings
	program  Program
	armed    bool
	log      zerolog.Logger
}

// NewCoordinator returns a coordinator for dev, which may be nil when there
// is no timer
func NewCoordinator(dev Device, s Settings, log zerolog.Logger) *Coordinator {
	return &Coordinator{dev: dev, settings: s, log: log}
}

// Device returns the timer, or nil
func (c *Coordinator) Device() Device {
	return c.dev
}

// Settings returns the current settings
func (c *Coordinator) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// SetSettings replaces the settings
func (c *Coordinator) SetSettings(s Settings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = s
}

// InUse is true when the timer is both connected and enabled
func (c *Coordinator) InUse() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inUse()
}

func (c *Coordinator) inUse() bool {
	return c.settings.Enabled && c.dev != nil && c.dev.Connected()
}

// State returns the coordinator's view of the timer
func (c *Coordinator) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.dev == nil || !c.dev.Connected():
		return Disconnected
	case c.armed:
		return Armed
	}
	return Connected
}

// CheckCamera validates the camera mode against the configured timer mode.
// Nothing is checked when the timer is not in use.
func (c *Coordinator) CheckCamera(cam camera.Mode) *prompt.Notice {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inUse() {
		return nil
	}
	return ValidateConsistency(cam, c.settings.Mode)
}

// DrainDelay is how long to wait after preparing the timer before arming it
func (c *Coordinator) DrainDelay(exposure time.Duration) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.settings.DrainDelayOverride {
		return c.settings.DrainDelay
	}
	return DefaultDrainDelay(exposure)
}

// WaitDrain sleeps for the drain delay or until ctx is done
func (c *Coordinator) WaitDrain(ctx context.Context, exposure time.Duration) error {
	d := c.DrainDelay(exposure)
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Prepare sets the program the next Arm will start.  frames is the number of
// pulses, zero for unlimited.
func (c *Coordinator) Prepare(frames int) Program {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.program = Program{Mode: c.settings.Mode, Count: frames}
	if c.settings.Mode == Trigger {
		c.program.Interval = c.settings.TriggerInterval
	}
	return c.program
}

func (c *Coordinator) bounded(ctx context.Context, op string, fn func(context.Context) error) error {
	c.mu.Lock()
	timeout := c.settings.OpTimeout
	c.mu.Unlock()
	err := device.Bounded(ctx, op, timeout, fn)
	if errors.Is(err, device.ErrHardwareTimeout) {
		metrics.HardwareTimeouts.WithLabelValues(device.KindTimer.String(), op).Inc()
		c.log.Warn().Str("op", op).Dur("timeout", timeout).Msg("timer did not respond")
	}
	return err
}

// Arm starts the prepared program
func (c *Coordinator) Arm(ctx context.Context) error {
	if c.dev == nil {
		return device.ErrNotConnected
	}
	c.mu.Lock()
	p := c.program
	c.mu.Unlock()
	err := c.bounded(ctx, "arm", func(ctx context.Context) error {
		return c.dev.Arm(ctx, p)
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.armed = true
	c.mu.Unlock()
	c.log.Debug().Stringer("mode", p.Mode).Int("count", p.Count).Dur("interval", p.Interval).Msg("timer armed")
	return nil
}

// Disarm stops the timer.  The coordinator considers the timer disarmed even
// when the device does not answer.
func (c *Coordinator) Disarm(ctx context.Context) error {
	if c.dev == nil {
		return nil
	}
	c.mu.Lock()
	c.armed = false
	c.mu.Unlock()
	return c.bounded(ctx, "disarm", c.dev.Disarm)
}

// Reset resets the timer
func (c *Coordinator) Reset(ctx context.Context, kind device.ResetKind) error {
	if c.dev == nil {
		return device.ErrNotConnected
	}
	c.mu.Lock()
	c.armed = false
	c.mu.Unlock()
	return c.bounded(ctx, "reset", func(ctx context.Context) error {
		return c.dev.Reset(ctx, kind)
	})
}

// Resync synchronizes the timer's clock
func (c *Coordinator) Resync(ctx context.Context) error {
	if c.dev == nil {
		return device.ErrNotConnected
	}
	return c.bounded(ctx, "sync", c.dev.Sync)
}

// ReadGPS returns a fix when the timer is in use, has GPS, and reading per run
// is enabled.  Otherwise it returns nil and no error.
func (c *Coordinator) ReadGPS(ctx context.Context) (*GPSFix, error) {
	c.mu.Lock()
	want := c.inUse() && c.settings.ReadGPSPerRun && c.dev.HasGPS()
	c.mu.Unlock()
	if !want {
		return nil, nil
	}
	var fix GPSFix
	err := c.bounded(ctx, "gps", func(ctx context.Context) error {
		var err error
		fix, err = c.dev.ReadGPS(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &fix, nil
}
