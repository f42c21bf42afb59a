package timer

import (
	"context"
	"sync"
	"time"

	"github.com/nasa-jpl/astrocap/device"
)

// Sim is a simulated timer.  Setting Hang makes every hardware call block
// until its context is done, which is how a wedged timer looks to the
// coordinator.
type Sim struct {
	mu        sync.Mutex
	connected bool
	armed     bool
	program   Program
	calls     []string

	GPS  bool
	Fix  GPSFix
	Hang bool
}

// NewSim returns a connected simulated timer
func NewSim(gps bool) *Sim {
	return &Sim{connected: true, GPS: gps, Fix: GPSFix{Lat: 34.2, Long: -118.17, Alt: 350, Time: time.Now()}}
}

func (s *Sim) call(ctx context.Context, name string) error {
	s.mu.Lock()
	s.calls = append(s.calls, name)
	hang := s.Hang
	s.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

// Calls returns the operations performed so far, in order
func (s *Sim) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// SetHang switches hanging on or off
func (s *Sim) SetHang(h bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Hang = h
}

// Program returns the last armed program
func (s *Sim) Program() Program {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.program
}

// Armed reports if a program is running
func (s *Sim) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed
}

// Connect implements device.Device
func (s *Sim) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

// Disconnect implements device.Device
func (s *Sim) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected, s.armed = false, false
	return nil
}

// Rescan implements device.Device
func (s *Sim) Rescan(ctx context.Context) error {
	return s.Connect(ctx)
}

// Reset implements device.Device
func (s *Sim) Reset(ctx context.Context, kind device.ResetKind) error {
	if err := s.call(ctx, "reset-"+kind.String()); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed = false
	return nil
}

// Connected implements device.Device
func (s *Sim) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Kind implements device.Device
func (s *Sim) Kind() device.Kind { return device.KindTimer }

// Arm implements Device
func (s *Sim) Arm(ctx context.Context, p Program) error {
	if err := s.call(ctx, "arm"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.armed {
		return ErrArmed
	}
	s.armed, s.program = true, p
	return nil
}

// Disarm implements Device
func (s *Sim) Disarm(ctx context.Context) error {
	if err := s.call(ctx, "disarm"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed = false
	return nil
}

// Sync implements Device
func (s *Sim) Sync(ctx context.Context) error {
	return s.call(ctx, "sync")
}

// HasGPS implements Device
func (s *Sim) HasGPS() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.GPS
}

// ReadGPS implements Device
func (s *Sim) ReadGPS(ctx context.Context) (GPSFix, error) {
	if err := s.call(ctx, "gps"); err != nil {
		return GPSFix{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.GPS {
		return GPSFix{}, ErrNoGPS
	}
	return s.Fix, nil
}
