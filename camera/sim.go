package camera

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/nasa-jpl/astrocap/device"
)

// ErrStreaming is generated when Start is called on a camera already streaming
var ErrStreaming = errors.New("camera is already streaming")

// Sim is a simulated camera that produces a moving gradient at a fixed rate.
// It implements Camera, Pauser, RangeReporter and FirmwareReporter.
type Sim struct {
	sync.Mutex

	format    FrameFormat
	mode      Mode
	exposure  time.Duration
	gain      float64
	connected bool
	paused    bool
	seq       uint64

	cancel context.CancelFunc
	done   chan struct{}
	lost   chan error
}

// NewSim returns a simulated camera with the given format.  A format FPS of
// zero defaults to 30.
func NewSim(f FrameFormat) *Sim {
	if f.FPS <= 0 {
		f.FPS = 30
	}
	if f.Binning == 0 {
		f.Binning = 1
	}
	return &Sim{format: f, exposure: time.Duration(float64(time.Second) / f.FPS), gain: 1}
}

// Connect implements device.Device
func (s *Sim) Connect(ctx context.Context) error {
	s.Lock()
	defer s.Unlock()
	s.connected = true
	return nil
}

// Disconnect implements device.Device
func (s *Sim) Disconnect() error {
	s.Stop()
	s.Lock()
	defer s.Unlock()
	s.connected = false
	return nil
}

// Rescan implements device.Device
func (s *Sim) Rescan(ctx context.Context) error {
	if err := s.Disconnect(); err != nil {
		return err
	}
	return s.Connect(ctx)
}

// Reset implements device.Device
func (s *Sim) Reset(ctx context.Context, kind device.ResetKind) error {
	s.Lock()
	defer s.Unlock()
	s.seq = 0
	return nil
}

// Connected implements device.Device
func (s *Sim) Connected() bool {
	s.Lock()
	defer s.Unlock()
	return s.connected
}

// Kind implements device.Device
func (s *Sim) Kind() device.Kind { return device.KindCamera }

// Name implements Camera
func (s *Sim) Name() string { return "Simulated camera" }

// Format implements Camera
func (s *Sim) Format() FrameFormat {
	s.Lock()
	defer s.Unlock()
	return s.format
}

// Mode implements Camera
func (s *Sim) Mode() Mode {
	s.Lock()
	defer s.Unlock()
	return s.mode
}

// SetMode changes the exposure mode
func (s *Sim) SetMode(m Mode) {
	s.Lock()
	defer s.Unlock()
	s.mode = m
}

// Exposure implements Camera
func (s *Sim) Exposure() time.Duration {
	s.Lock()
	defer s.Unlock()
	return s.exposure
}

// SetExposure sets the exposure time
func (s *Sim) SetExposure(d time.Duration) {
	s.Lock()
	defer s.Unlock()
	s.exposure = d
}

// Gain implements RangeReporter
func (s *Sim) Gain() float64 {
	s.Lock()
	defer s.Unlock()
	return s.gain
}

// GainRange implements RangeReporter
func (s *Sim) GainRange() ControlRange {
	return ControlRange{Min: 0, Max: 100, Step: 1, Default: 1}
}

// ExposureRange implements RangeReporter, in microseconds
func (s *Sim) ExposureRange() ControlRange {
	return ControlRange{Min: 10, Max: 60e6, Step: 1, Default: 33333}
}

// Firmware implements FirmwareReporter
func (s *Sim) Firmware() (string, error) {
	return "sim-1.0", nil
}

// Start implements Camera
func (s *Sim) Start(ctx context.Context, r Receiver) error {
	s.Lock()
	defer s.Unlock()
	if !s.connected {
		return device.ErrNotConnected
	}
	if s.cancel != nil {
		return ErrStreaming
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.lost = make(chan error, 1)
	s.paused = false
	go s.stream(ctx, r, s.format, s.done, s.lost)
	return nil
}

func (s *Sim) stream(ctx context.Context, r Receiver, f FrameFormat, done chan struct{}, lost chan error) {
	defer close(done)
	tick := time.NewTicker(time.Duration(float64(time.Second) / f.FPS))
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-lost:
			r.Lost(err)
			return
		case now := <-tick.C:
			s.Lock()
			if s.paused {
				s.Unlock()
				continue
			}
			s.seq++
			seq, exp := s.seq, s.exposure
			s.Unlock()
			r.Deliver(Frame{
				Seq:       seq,
				Width:     f.Width,
				Height:    f.Height,
				Format:    f.Pixel,
				Data:      gradient(f, seq),
				Timestamp: now,
				Exposure:  exp})
		}
	}
}

func gradient(f FrameFormat, seq uint64) []byte {
	bpp := f.Pixel.BytesPerPixel()
	buf := make([]byte, f.Width*f.Height*bpp)
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			v := uint64(x+y) + seq
			i := (y*f.Width + x) * bpp
			if bpp == 2 {
				binary.LittleEndian.PutUint16(buf[i:], uint16(v*64))
			} else {
				buf[i] = byte(v)
			}
		}
	}
	return buf
}

// Stop implements Camera
func (s *Sim) Stop() error {
	s.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// Pause implements Pauser
func (s *Sim) Pause() error {
	s.Lock()
	defer s.Unlock()
	s.paused = true
	return nil
}

// Resume implements Pauser
func (s *Sim) Resume() error {
	s.Lock()
	defer s.Unlock()
	s.paused = false
	return nil
}

// Unplug simulates the camera disappearing mid-stream
func (s *Sim) Unplug() {
	s.Lock()
	lost := s.lost
	s.connected = false
	s.Unlock()
	if lost != nil {
		select {
		case lost <- device.ErrDisconnected:
		default:
		}
	}
}
