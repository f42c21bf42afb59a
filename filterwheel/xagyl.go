package filterwheel

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nasa-jpl/astrocap/comm"
	"github.com/nasa-jpl/astrocap/device"
)

// Xagyl drives a Xagyl filter wheel.  Commands are two characters with no
// terminator and replies are newline terminated:
//
//	g3  -> P3               move to slot 3
//	i2  -> P3               current slot
//	i8  -> FilterSlots 5    number of slots
//	r1, r0                  warm and cold reset; chatter until P1
type Xagyl struct {
	mu sync.Mutex
	comm.RemoteDevice

	slots int
	log   zerolog.Logger
}

// NewXagyl returns a wheel on the serial port addr, or on a TCP host:port
// when serial is false.  slots is used if the wheel cannot be asked.
func NewXagyl(addr string, serial bool, slots int, log zerolog.Logger) *Xagyl {
	rd := comm.NewRemoteDevice(addr, serial)
	rd.Rx = '\n'
	// moves and resets take seconds
	rd.Timeout = 10 * time.Second
	return &Xagyl{RemoteDevice: rd, slots: slots, log: log}
}

// Kind implements device.Device
func (x *Xagyl) Kind() device.Kind { return device.KindFilterWheel }

// Connected implements device.Device
func (x *Xagyl) Connected() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.RemoteDevice.Connected()
}

// Slots implements Wheel
func (x *Xagyl) Slots() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.slots
}

func (x *Xagyl) query(cmd string) (string, error) {
	if err := x.SendRaw([]byte(cmd)); err != nil {
		return "", err
	}
	resp, err := x.Recv()
	return strings.TrimSpace(string(resp)), err
}

// Connect opens the port and asks the wheel how many slots it has
func (x *Xagyl) Connect(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.Open(ctx); err != nil {
		return err
	}
	resp, err := x.query("i8")
	if err != nil {
		x.log.Warn().Err(err).Int("slots", x.slots).Msg("could not read slot count, using configured value")
		return nil
	}
	if n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(resp, "FilterSlots"))); err == nil && n > 0 {
		x.slots = n
	}
	return nil
}

// Disconnect implements device.Device
func (x *Xagyl) Disconnect() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.Close()
}

// Rescan implements device.Device
func (x *Xagyl) Rescan(ctx context.Context) error {
	if err := x.Disconnect(); err != nil {
		return err
	}
	return x.Connect(ctx)
}

func parsePosition(resp string) (int, error) {
	if !strings.HasPrefix(resp, "P") {
		return 0, fmt.Errorf("%w: %q", ErrProtocol, resp)
	}
	n, err := strconv.Atoi(resp[1:])
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrProtocol, resp)
	}
	return n, nil
}

// Position implements Wheel
func (x *Xagyl) Position(ctx context.Context) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	resp, err := x.query("i2")
	if err != nil {
		return 0, err
	}
	return parsePosition(resp)
}

// Move implements Wheel
func (x *Xagyl) Move(ctx context.Context, slot int) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := CheckSlot(slot, x.slots); err != nil {
		return err
	}
	resp, err := x.query(fmt.Sprintf("g%d", slot))
	if err != nil {
		return err
	}
	got, err := parsePosition(resp)
	if err != nil {
		return err
	}
	if got != slot {
		return fmt.Errorf("%w: asked for slot %d, wheel reports %d", ErrProtocol, slot, got)
	}
	return nil
}

// Reset implements device.Device.  The wheel talks about its calibration
// until it is back at slot 1.
func (x *Xagyl) Reset(ctx context.Context, kind device.ResetKind) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	cmd := "r1"
	if kind == device.Cold {
		cmd = "r0"
	}
	if err := x.SendRaw([]byte(cmd)); err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := x.Recv()
		if err != nil {
			return err
		}
		s := strings.TrimSpace(string(line))
		switch {
		case strings.HasPrefix(s, "ERROR"):
			return fmt.Errorf("%w: %s", ErrProtocol, s)
		case s == "P1":
			return nil
		}
		x.log.Debug().Str("line", s).Msg("wheel reset")
	}
}
