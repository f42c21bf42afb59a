/*Package camera describes the interfaces a capture session needs from a camera

Camera contains the basics every driver implements, while Pauser,
RangeReporter, FirmwareReporter and Thermometer are optional extras
typically found on scientific cameras that a session checks for.

*/
package camera

import (
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"time"

	"github.com/nasa-jpl/astrocap/device"
)

// Mode is how the camera decides when to expose
type Mode int

const (
	// FreeRun exposes continuously on the camera's own clock
	FreeRun Mode = iota

	// Strobe exposes on the camera's clock and emits a pulse per exposure
	Strobe

	// Trigger exposes on an external trigger pulse
	Trigger
)

func (m Mode) String() string {
	switch m {
	case FreeRun:
		return "free-run"
	case Strobe:
		return "strobe"
	case Trigger:
		return "trigger"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// PixelFormat describes the layout of Frame.Data
type PixelFormat int

const (
	// Grey8 is one byte per pixel
	Grey8 PixelFormat = iota

	// Grey16LE is two little endian bytes per pixel
	Grey16LE
)

// BytesPerPixel returns the storage size of one pixel
func (p PixelFormat) BytesPerPixel() int {
	if p == Grey16LE {
		return 2
	}
	return 1
}

// BitDepth returns the number of bits per pixel
func (p PixelFormat) BitDepth() int {
	return 8 * p.BytesPerPixel()
}

// Frame is one image delivered by the camera.  The data is a 1D slice which
// is strided by the frame width.
type Frame struct {
	Seq       uint64
	Width     int
	Height    int
	Format    PixelFormat
	Data      []byte
	Timestamp time.Time
	Exposure  time.Duration
}

// Image returns the frame as an image.Image without copying.  16 bit frames
// are converted to the big endian layout of image.Gray16, which copies.
func (f Frame) Image() image.Image {
	r := image.Rect(0, 0, f.Width, f.Height)
	if f.Format == Grey8 {
		return &image.Gray{Pix: f.Data, Stride: f.Width, Rect: r}
	}
	img := image.NewGray16(r)
	n := f.Width * f.Height
	for i := 0; i < n && 2*i+1 < len(f.Data); i++ {
		v := binary.LittleEndian.Uint16(f.Data[2*i:])
		binary.BigEndian.PutUint16(img.Pix[2*i:], v)
	}
	return img
}

// Uint16 returns the pixel values widened to uint16
func (f Frame) Uint16() []uint16 {
	n := f.Width * f.Height
	out := make([]uint16, n)
	switch f.Format {
	case Grey8:
		for i := 0; i < n && i < len(f.Data); i++ {
			out[i] = uint16(f.Data[i])
		}
	default:
		for i := 0; i < n && 2*i+1 < len(f.Data); i++ {
			out[i] = binary.LittleEndian.Uint16(f.Data[2*i:])
		}
	}
	return out
}

// FrameFormat is the geometry and rate the camera is configured for
type FrameFormat struct {
	Width   int
	Height  int
	Pixel   PixelFormat
	FPS     float64
	Binning int
}

// Receiver consumes frames from a streaming camera.  Deliver must not block.
type Receiver interface {
	// Deliver hands over one frame
	Deliver(Frame)

	// Lost reports that the camera went away mid-stream; no further
	// frames will be delivered
	Lost(error)
}

// Camera describes the interface a capture session needs
type Camera interface {
	device.Device

	// Name is a human readable model name, used in file metadata
	Name() string

	// Format returns the current frame format
	Format() FrameFormat

	// Mode returns the current exposure mode
	Mode() Mode

	// Exposure returns the exposure time, or zero if not known
	Exposure() time.Duration

	// Start begins streaming frames into r
	Start(ctx context.Context, r Receiver) error

	// Stop ends streaming.  No frames are delivered after Stop returns.
	Stop() error
}

// Pauser is implemented by cameras that can hold frame delivery in place
type Pauser interface {
	Pause() error
	Resume() error
}

// ControlRange is the valid interval of a numeric control
type ControlRange struct {
	Min, Max, Step, Default float64
}

// RangeReporter reports gain and exposure ranges
type RangeReporter interface {
	GainRange() ControlRange
	ExposureRange() ControlRange
	Gain() float64
}

// FirmwareReporter reports the firmware revision
type FirmwareReporter interface {
	Firmware() (string, error)
}

// Thermometer reports the sensor temperature in Celsius
type Thermometer interface {
	GetTemp() (float64, error)
}
