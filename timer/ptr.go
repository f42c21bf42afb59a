package timer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nasa-jpl/astrocap/comm"
	"github.com/nasa-jpl/astrocap/device"
)

const (
	ptrInterrupt   = "\x03"
	ptrComplete    = "Acquisition sequence complete"
	ptrSynced      = "Internal clock synchronized: "
	ptrTimeLayout  = "20060102T150405.000"
	ptrStampBuffer = 1024
)

// ErrProtocol is generated when the timer says something unexpected
var ErrProtocol = errors.New("unexpected reply from timer")

// PTR drives a PTR-style timer over a serial port.  The timer echoes every
// command, and while a program runs it reports one line per pulse:
//
//	T:000001:20160531T212127.000
//
// followed by "Acquisition sequence complete" when the count is reached.
type PTR struct {
	mu sync.Mutex
	comm.RemoteDevice

	gps    bool
	armed  bool
	stamps chan Timestamp
	stop   chan struct{}
	done   chan struct{}
	log    zerolog.Logger
}

// NewPTR returns a PTR on the serial port addr, or on a TCP host:port when
// serial is false
func NewPTR(addr string, serial bool, gps bool, log zerolog.Logger) *PTR {
	rd := comm.NewRemoteDevice(addr, serial)
	rd.Baud = 115200
	rd.Timeout = time.Second
	return &PTR{RemoteDevice: rd, gps: gps, log: log}
}

// Kind implements device.Device
func (p *PTR) Kind() device.Kind { return device.KindTimer }

// HasGPS implements Device
func (p *PTR) HasGPS() bool { return p.gps }

// Connected implements device.Device
func (p *PTR) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.RemoteDevice.Connected()
}

// Connect opens the port and interrupts anything left running
func (p *PTR) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.Open(ctx); err != nil {
		return err
	}
	return p.SendRaw([]byte(ptrInterrupt))
}

// Disconnect implements device.Device
func (p *PTR) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopReader()
	return p.Close()
}

// Rescan implements device.Device
func (p *PTR) Rescan(ctx context.Context) error {
	if err := p.Disconnect(); err != nil {
		return err
	}
	return p.Connect(ctx)
}

// Reset interrupts the timer; a cold reset also reboots it
func (p *PTR) Reset(ctx context.Context, kind device.ResetKind) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopReader()
	if err := p.SendRaw([]byte(ptrInterrupt)); err != nil {
		return err
	}
	if kind == device.Cold {
		return p.Send([]byte("sysreset"))
	}
	return nil
}

// command sends cmd and consumes its echo
func (p *PTR) command(cmd string) error {
	if err := p.Send([]byte(cmd)); err != nil {
		return err
	}
	echo, err := p.Recv()
	if err != nil {
		return err
	}
	if string(echo) != cmd {
		return fmt.Errorf("%w: sent %q, echoed %q", ErrProtocol, cmd, echo)
	}
	return nil
}

// query sends cmd and returns the line after its echo
func (p *PTR) query(cmd string) (string, error) {
	if err := p.command(cmd); err != nil {
		return "", err
	}
	resp, err := p.Recv()
	return string(resp), err
}

// Arm implements Device
func (p *PTR) Arm(ctx context.Context, prog Program) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.armed {
		return ErrArmed
	}
	var cmd string
	switch prog.Mode {
	case Trigger:
		cmd = fmt.Sprintf("trigger %d %3.3f", prog.Count, prog.Interval.Seconds())
	default:
		cmd = fmt.Sprintf("strobe %d", prog.Count)
	}
	if err := p.command(cmd); err != nil {
		return err
	}
	p.armed = true
	p.stamps = make(chan Timestamp, ptrStampBuffer)
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.read(p.stamps, p.stop, p.done)
	return nil
}

// read collects pulse timestamps until the program completes or stop closes
func (p *PTR) read(stamps chan<- Timestamp, stop, done chan struct{}) {
	defer close(done)
	defer close(stamps)
	for {
		select {
		case <-stop:
			return
		default:
		}
		line, err := p.Recv()
		if err != nil {
			// read timeouts are expected between slow pulses
			var ne interface{ Timeout() bool }
			if (errors.As(err, &ne) && ne.Timeout()) || errors.Is(err, io.ErrNoProgress) {
				continue
			}
			return
		}
		s := string(line)
		if strings.HasPrefix(s, ptrComplete) {
			return
		}
		ts, err := ParseTimestamp(s)
		if err != nil {
			p.log.Debug().Str("line", s).Msg("ignoring line from timer")
			continue
		}
		select {
		case stamps <- ts:
		default:
			p.log.Warn().Int("index", ts.Index).Msg("timer timestamp buffer full")
		}
	}
}

// stopReader ends a running read loop.  p.mu must be held.
func (p *PTR) stopReader() {
	if !p.armed {
		return
	}
	close(p.stop)
	p.armed = false
	if p.RemoteDevice.Connected() {
		p.SendRaw([]byte(ptrInterrupt))
	}
	<-p.done
}

// Timestamps returns the pulses reported since the last Arm.  The channel is
// closed when the program completes or the timer is disarmed.
func (p *PTR) Timestamps() <-chan Timestamp {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stamps
}

// Disarm implements Device
func (p *PTR) Disarm(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.armed {
		return p.SendRaw([]byte(ptrInterrupt))
	}
	p.stopReader()
	return nil
}

// Sync implements Device
func (p *PTR) Sync(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.armed {
		return ErrArmed
	}
	resp, err := p.query("sync")
	if err != nil {
		return err
	}
	if !strings.HasPrefix(resp, ptrSynced) {
		return fmt.Errorf("%w: %q", ErrProtocol, resp)
	}
	return nil
}

// ReadGPS implements Device.  The timer answers "geo" with
//
//	G:<lat>,<long>,<alt>,<YYYYMMDDTHHMMSS.sss>
func (p *PTR) ReadGPS(ctx context.Context) (GPSFix, error) {
	if !p.gps {
		return GPSFix{}, ErrNoGPS
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.armed {
		return GPSFix{}, ErrArmed
	}
	resp, err := p.query("geo")
	if err != nil {
		return GPSFix{}, err
	}
	return ParseGPS(resp)
}

// ParseTimestamp parses a pulse line, "T:000001:20160531T212127.000" or the
// "S:" strobe equivalent
func ParseTimestamp(s string) (Timestamp, error) {
	if len(s) < 9 || (s[0] != 'T' && s[0] != 'S') || s[1] != ':' || s[8] != ':' {
		return Timestamp{}, fmt.Errorf("%w: bad timestamp %q", ErrProtocol, s)
	}
	idx, err := strconv.Atoi(s[2:8])
	if err != nil {
		return Timestamp{}, fmt.Errorf("%w: bad timestamp index %q", ErrProtocol, s)
	}
	t, err := time.Parse(ptrTimeLayout, s[9:])
	if err != nil {
		return Timestamp{}, fmt.Errorf("%w: bad timestamp time %q", ErrProtocol, s)
	}
	return Timestamp{Index: idx, Time: t}, nil
}

// ParseGPS parses the reply to "geo"
func ParseGPS(s string) (GPSFix, error) {
	if !strings.HasPrefix(s, "G:") {
		return GPSFix{}, fmt.Errorf("%w: %q", ErrProtocol, s)
	}
	parts := strings.Split(s[2:], ",")
	if len(parts) != 4 {
		return GPSFix{}, fmt.Errorf("%w: %q", ErrProtocol, s)
	}
	var (
		fix  GPSFix
		vals [3]float64
	)
	for i := 0; i < 3; i++ {
		v, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
		if err != nil {
			return GPSFix{}, fmt.Errorf("%w: %q", ErrProtocol, s)
		}
		vals[i] = v
	}
	t, err := time.Parse(ptrTimeLayout, strings.TrimSpace(parts[3]))
	if err != nil {
		return GPSFix{}, fmt.Errorf("%w: %q", ErrProtocol, s)
	}
	fix.Lat, fix.Long, fix.Alt, fix.Time = vals[0], vals[1], vals[2], t
	return fix, nil
}
