package output

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/nasa-jpl/astrocap/camera"
)

const (
	serHeaderSize       = 178
	serFrameCountOffset = 38
	serStringLen        = 40

	// .NET ticks are 100ns since 0001-01-01
	serEpochTicks     = 621355968000000000
	serTicksPerSecond = 10000000
)

func serTicks(t time.Time) int64 {
	return t.UnixNano()/100 + serEpochTicks
}

// serHeader builds a SER v3 header with a zero frame count
func serHeader(f camera.FrameFormat, m Metadata, now time.Time) []byte {
	buf := make([]byte, serHeaderSize)
	le := binary.LittleEndian
	copy(buf[0:14], "LUCAM-RECORDER")
	le.PutUint32(buf[14:], 0) // LuID
	le.PutUint32(buf[18:], 0) // ColorID, MONO
	// the field is zero when data is little endian, despite its name
	endian := uint32(1)
	if f.Pixel == camera.Grey16LE {
		endian = 0
	}
	le.PutUint32(buf[22:], endian)
	le.PutUint32(buf[26:], uint32(f.Width))
	le.PutUint32(buf[30:], uint32(f.Height))
	le.PutUint32(buf[34:], uint32(f.Pixel.BitDepth()))
	le.PutUint32(buf[serFrameCountOffset:], 0)
	instr := m.Instrument
	if instr == "" {
		instr = m.Camera
	}
	copy(buf[42:42+serStringLen], m.Observer)
	copy(buf[82:82+serStringLen], instr)
	copy(buf[122:122+serStringLen], m.Telescope)
	_, offset := now.Zone()
	utc := serTicks(now)
	le.PutUint64(buf[162:], uint64(utc+int64(offset)*serTicksPerSecond))
	le.PutUint64(buf[170:], uint64(utc))
	return buf
}

// serSink writes a SER file with a trailing timestamp table
type serSink struct {
	fid    *os.File
	bw     *bufio.Writer
	path   string
	format camera.FrameFormat
	frames uint32
	stamps []int64
	closed bool
}

func createSER(path string, o OpenOptions) (Sink, error) {
	fid, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	s := &serSink{fid: fid, bw: bufio.NewWriterSize(fid, 1<<20), path: path, format: o.Frame}
	if _, err := s.bw.Write(serHeader(o.Frame, o.Meta, o.Values.Time)); err != nil {
		fid.Close()
		return nil, err
	}
	return s, nil
}

func (s *serSink) Write(f camera.Frame) error {
	if s.closed {
		return ErrClosed
	}
	if f.Width != s.format.Width || f.Height != s.format.Height || f.Format != s.format.Pixel {
		return fmt.Errorf("%w: got %dx%d", ErrFrameGeometry, f.Width, f.Height)
	}
	n := f.Width * f.Height * f.Format.BytesPerPixel()
	if len(f.Data) < n {
		return fmt.Errorf("%w: short frame, %d of %d bytes", ErrFrameGeometry, len(f.Data), n)
	}
	if _, err := s.bw.Write(f.Data[:n]); err != nil {
		return err
	}
	ts := f.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	s.stamps = append(s.stamps, serTicks(ts))
	s.frames++
	return nil
}

// Close writes the timestamp trailer and patches the frame count
func (s *serSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var b [8]byte
	for _, t := range s.stamps {
		binary.LittleEndian.PutUint64(b[:], uint64(t))
		if _, err := s.bw.Write(b[:]); err != nil {
			s.fid.Close()
			return err
		}
	}
	if err := s.bw.Flush(); err != nil {
		s.fid.Close()
		return err
	}
	binary.LittleEndian.PutUint32(b[:4], s.frames)
	if _, err := s.fid.WriteAt(b[:4], serFrameCountOffset); err != nil {
		s.fid.Close()
		return err
	}
	return s.fid.Close()
}

func (s *serSink) Name() string   { return s.path }
func (s *serSink) Format() Format { return SER }
