//go:build unix

package output

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nasa-jpl/astrocap/camera"
)

const pipeSupported = true

// pipeWriteTimeout bounds each frame write so a missing reader shows up as
// write errors rather than a stalled writer
const pipeWriteTimeout = time.Second

type pipeSink struct {
	fid    *os.File
	path   string
	format camera.FrameFormat
	closed bool
}

func createPipe(path string, o OpenOptions) (Sink, error) {
	st, err := os.Stat(path)
	switch {
	case err == nil:
		if st.Mode()&os.ModeNamedPipe == 0 {
			return nil, fmt.Errorf("%s exists and is not a named pipe", path)
		}
	case os.IsNotExist(err):
		if err := unix.Mkfifo(path, 0o644); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	// O_RDWR so opening does not wait for a reader
	fid, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &pipeSink{fid: fid, path: path, format: o.Frame}, nil
}

func (s *pipeSink) Write(f camera.Frame) error {
	if s.closed {
		return ErrClosed
	}
	n := f.Width * f.Height * f.Format.BytesPerPixel()
	if len(f.Data) < n {
		return fmt.Errorf("%w: short frame", ErrFrameGeometry)
	}
	s.fid.SetWriteDeadline(time.Now().Add(pipeWriteTimeout))
	_, err := s.fid.Write(f.Data[:n])
	return err
}

func (s *pipeSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.fid.Close()
}

func (s *pipeSink) Name() string   { return s.path }
func (s *pipeSink) Format() Format { return NamedPipe }
