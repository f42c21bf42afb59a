/*Package comm provides an embeddable type for line-oriented communication with
capture hardware over a serial port or TCP.

Most usages of this package will boil down to:
	1.  embed RemoteDevice in a type that represents your hardware.
	2.  set Tx and Rx if the device does not use carriage returns.
	3.  write the device's commands on top of Send, Recv and SendRecv.

RemoteDevice is not safe for concurrent use; drivers serialize access to it
with their own lock so that multi-line exchanges are not interleaved.

A minimal example for a wheel that answers "g3" with "P3":

	type MyWheel struct {
		mu sync.Mutex
		comm.RemoteDevice
	}

	func (w *MyWheel) Move(ctx context.Context, pos int) error {
		w.mu.Lock()
		defer w.mu.Unlock()
		resp, err := w.SendRecv([]byte(fmt.Sprintf("g%d", pos)))
		if err != nil {
			return err
		}
		if string(resp) != fmt.Sprintf("P%d", pos) {
			return fmt.Errorf("unexpected reply %q", resp)
		}
		return nil
	}
*/
package comm

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

const (
	// DefaultTerminator terminates both transmitted and received lines unless
	// overridden
	DefaultTerminator = byte('\r')

	// DefaultBaud is used for serial ports when Baud is zero
	DefaultBaud = 9600

	// DefaultTimeout bounds connect, read and write when Timeout is zero
	DefaultTimeout = 3 * time.Second
)

var (
	// ErrNotConnected is generated when .Conn is nil and Send or Recv is called.
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// Dialer opens a raw connection.  It is used in place of the serial or TCP
// setup when set, which lets tests and simulators stand in for hardware.
type Dialer func(ctx context.Context) (io.ReadWriteCloser, error)

// RemoteDevice has an address and a connection to the remote
type RemoteDevice struct {
	// Addr is a serial port path (/dev/ttyUSB0) or a TCP host:port
	Addr string

	// IsSerial selects the serial transport
	IsSerial bool

	// Baud is the serial baud rate
	Baud int

	// Timeout bounds connect, and each read or write
	Timeout time.Duration

	// Tx and Rx are the line terminators.  Zero means DefaultTerminator.
	Tx, Rx byte

	// Dial overrides the transport when not nil
	Dial Dialer

	// Conn is the open connection, nil when closed
	Conn io.ReadWriteCloser

	rd *bufio.Reader
}

// NewRemoteDevice creates a new RemoteDevice instance
func NewRemoteDevice(addr string, serial bool) RemoteDevice {
	return RemoteDevice{
		Addr:     addr,
		IsSerial: serial,
		Baud:     DefaultBaud,
		Timeout:  DefaultTimeout}
}

func (rd *RemoteDevice) timeout() time.Duration {
	if rd.Timeout <= 0 {
		return DefaultTimeout
	}
	return rd.Timeout
}

// SerialConf yields a serial config object for use with serial.OpenPort
func (rd *RemoteDevice) SerialConf() *serial.Config {
	baud := rd.Baud
	if baud == 0 {
		baud = DefaultBaud
	}
	return &serial.Config{Name: rd.Addr, Baud: baud, ReadTimeout: rd.timeout()}
}

// Open the connection, setting the Conn variable.  Opening is retried with an
// exponential backoff until it succeeds, ctx is done or three seconds pass.
func (rd *RemoteDevice) Open(ctx context.Context) error {
	if rd.Conn != nil {
		return nil
	}
	var last error
	op := func() error {
		last = rd.open(ctx)
		return last
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock}
	b.Reset()
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		if last == nil {
			last = err
		}
		return fmt.Errorf("connecting to %s: %w", rd.Addr, last)
	}
	return nil
}

func (rd *RemoteDevice) open(ctx context.Context) error {
	var (
		err  error
		conn io.ReadWriteCloser
	)
	switch {
	case rd.Dial != nil:
		conn, err = rd.Dial(ctx)
	case rd.IsSerial:
		conn, err = serial.OpenPort(rd.SerialConf())
	default:
		conn, err = TCPSetup(rd.Addr, rd.timeout())
	}
	if err != nil {
		return err
	}
	rd.Conn = conn
	rd.rd = bufio.NewReader(conn)
	return nil
}

// Close the connection, nil-ing the Conn variable
func (rd *RemoteDevice) Close() error {
	if rd.Conn == nil {
		return nil
	}
	err := rd.Conn.Close()
	rd.Conn = nil
	rd.rd = nil
	return err
}

// Connected reports if Conn is set
func (rd *RemoteDevice) Connected() bool {
	return rd.Conn != nil
}

// TxTerminator returns the transmission termination byte
func (rd *RemoteDevice) TxTerminator() byte {
	if rd.Tx == 0 {
		return DefaultTerminator
	}
	return rd.Tx
}

// RxTerminator returns the receipt termination byte
func (rd *RemoteDevice) RxTerminator() byte {
	if rd.Rx == 0 {
		return DefaultTerminator
	}
	return rd.Rx
}

func (rd *RemoteDevice) deadline() {
	if c, ok := rd.Conn.(net.Conn); ok {
		c.SetDeadline(time.Now().Add(rd.timeout()))
	}
}

// SendRaw writes b to the remote without a terminator
func (rd *RemoteDevice) SendRaw(b []byte) error {
	if rd.Conn == nil {
		return ErrNotConnected
	}
	rd.deadline()
	_, err := rd.Conn.Write(b)
	return err
}

// Send writes data to the remote followed by the Tx terminator
func (rd *RemoteDevice) Send(b []byte) error {
	buf := make([]byte, 0, len(b)+1)
	buf = append(buf, b...)
	buf = append(buf, rd.TxTerminator())
	return rd.SendRaw(buf)
}

// Recv receives one line from the remote and strips the Rx terminator.
// Blank lines are skipped.
func (rd *RemoteDevice) Recv() ([]byte, error) {
	if rd.Conn == nil {
		return nil, ErrNotConnected
	}
	term := rd.RxTerminator()
	for {
		rd.deadline()
		buf, err := rd.rd.ReadBytes(term)
		if err != nil {
			if len(buf) > 0 && err == io.EOF {
				return buf, ErrTerminatorNotFound
			}
			return nil, err
		}
		buf = bytes.TrimSuffix(buf, []byte{term})
		buf = bytes.Trim(buf, "\r\n")
		if len(buf) == 0 {
			continue
		}
		return buf, nil
	}
}

// SendRecv sends a buffer after appending the Tx terminator,
// then returns the response with the Rx terminator stripped
func (rd *RemoteDevice) SendRecv(b []byte) ([]byte, error) {
	if err := rd.Send(b); err != nil {
		return nil, err
	}
	return rd.Recv()
}

// TCPSetup opens a new TCP connection and sets a timeout on connect, read, and write
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}
