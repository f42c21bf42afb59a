package filterwheel

import (
	"context"
	"sync"
	"time"

	"github.com/nasa-jpl/astrocap/device"
)

// Sim is a simulated filter wheel.  Each move takes Travel per slot crossed.
type Sim struct {
	mu        sync.Mutex
	slots     int
	pos       int
	connected bool
	moves     []int

	Travel time.Duration
}

// NewSim returns a connected wheel at slot 1
func NewSim(slots int) *Sim {
	return &Sim{slots: slots, pos: 1, connected: true}
}

// Moves returns every slot moved to, in order
func (s *Sim) Moves() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.moves...)
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
	s.connected = false
	return nil
}

// Rescan implements device.Device
func (s *Sim) Rescan(ctx context.Context) error {
	return s.Connect(ctx)
}

// Reset implements device.Device
func (s *Sim) Reset(ctx context.Context, kind device.ResetKind) error {
	return s.Move(ctx, 1)
}

// Connected implements device.Device
func (s *Sim) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Kind implements device.Device
func (s *Sim) Kind() device.Kind { return device.KindFilterWheel }

// Slots implements Wheel
func (s *Sim) Slots() int { return s.slots }

// Position implements Wheel
func (s *Sim) Position(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return 0, device.ErrNotConnected
	}
	return s.pos, nil
}

// Move implements Wheel
func (s *Sim) Move(ctx context.Context, slot int) error {
	if err := CheckSlot(slot, s.slots); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return device.ErrNotConnected
	}
	dist := slot - s.pos
	if dist < 0 {
		dist = -dist
	}
	travel := time.Duration(dist) * s.Travel
	s.mu.Unlock()

	if travel > 0 {
		t := time.NewTimer(travel)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos = slot
	s.moves = append(s.moves, slot)
	return nil
}
