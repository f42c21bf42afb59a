package output

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/nasa-jpl/astrocap/camera"
)

// layout of the fixed part of the header, see aviHeader
const (
	aviRiffSize     = 4
	aviTotalFrames  = 48
	aviStreamLength = 140
	aviMoviSize     = 1240
	aviMoviFourCC   = 1244
	aviHeaderSize   = 1248

	aviHasIndex = 0x10
	aviKeyFrame = 0x10
)

type aviIndexEntry struct {
	offset, size uint32
}

// aviSink writes uncompressed 8 bit greyscale AVI with an idx1 index.  16 bit
// frames are reduced to their high byte.
type aviSink struct {
	fid    *os.File
	bw     *bufio.Writer
	path   string
	format camera.FrameFormat
	stride int
	pos    uint32
	index  []aviIndexEntry
	row    []byte
	closed bool
}

func fourcc(b []byte, off int, s string) {
	copy(b[off:off+4], s)
}

func aviHeader(f camera.FrameFormat) []byte {
	b := make([]byte, aviHeaderSize)
	le := binary.LittleEndian
	put := func(off int, v uint32) { le.PutUint32(b[off:], v) }
	put16 := func(off int, v uint16) { le.PutUint16(b[off:], v) }

	stride := (f.Width + 3) &^ 3
	frameSize := uint32(stride * f.Height)
	fps := f.FPS
	if fps <= 0 {
		fps = 30
	}
	rate := uint32(math.Round(fps * 1000))

	fourcc(b, 0, "RIFF")
	fourcc(b, 8, "AVI ")
	fourcc(b, 12, "LIST")
	put(16, 1216)
	fourcc(b, 20, "hdrl")

	fourcc(b, 24, "avih")
	put(28, 56)
	put(32, uint32(math.Round(1e6/fps)))
	put(36, uint32(float64(frameSize)*fps))
	put(44, aviHasIndex)
	put(56, 1) // streams
	put(60, frameSize)
	put(64, uint32(f.Width))
	put(68, uint32(f.Height))

	fourcc(b, 88, "LIST")
	put(92, 1140)
	fourcc(b, 96, "strl")

	fourcc(b, 100, "strh")
	put(104, 56)
	fourcc(b, 108, "vids")
	fourcc(b, 112, "DIB ")
	put(128, 1000) // scale
	put(132, rate)
	put(144, frameSize)
	put(148, math.MaxUint32) // quality, default
	put16(160, uint16(f.Width))
	put16(162, uint16(f.Height))

	fourcc(b, 164, "strf")
	put(168, 40+256*4)
	put(172, 40)
	put(176, uint32(f.Width))
	put(180, uint32(f.Height))
	put16(184, 1)
	put16(186, 8)
	put(192, frameSize)
	put(204, 256)
	for i := 0; i < 256; i++ {
		off := 212 + 4*i
		b[off], b[off+1], b[off+2] = byte(i), byte(i), byte(i)
	}

	fourcc(b, 1236, "LIST")
	fourcc(b, aviMoviFourCC, "movi")
	return b
}

func createAVI(path string, o OpenOptions) (Sink, error) {
	fid, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	s := &aviSink{
		fid:    fid,
		bw:     bufio.NewWriterSize(fid, 1<<20),
		path:   path,
		format: o.Frame,
		stride: (o.Frame.Width + 3) &^ 3,
		pos:    aviHeaderSize}
	s.row = make([]byte, s.stride)
	if _, err := s.bw.Write(aviHeader(o.Frame)); err != nil {
		fid.Close()
		return nil, err
	}
	return s, nil
}

func (s *aviSink) Write(f camera.Frame) error {
	if s.closed {
		return ErrClosed
	}
	if f.Width != s.format.Width || f.Height != s.format.Height {
		return fmt.Errorf("%w: got %dx%d", ErrFrameGeometry, f.Width, f.Height)
	}
	bpp := f.Format.BytesPerPixel()
	if len(f.Data) < f.Width*f.Height*bpp {
		return fmt.Errorf("%w: short frame", ErrFrameGeometry)
	}
	size := uint32(s.stride * f.Height)
	var hdr [8]byte
	copy(hdr[:4], "00db")
	binary.LittleEndian.PutUint32(hdr[4:], size)
	if _, err := s.bw.Write(hdr[:]); err != nil {
		return err
	}
	// DIBs are stored bottom row first
	for y := f.Height - 1; y >= 0; y-- {
		src := f.Data[y*f.Width*bpp : (y+1)*f.Width*bpp]
		if bpp == 1 {
			copy(s.row, src)
		} else {
			for x := 0; x < f.Width; x++ {
				s.row[x] = src[2*x+1]
			}
		}
		if _, err := s.bw.Write(s.row); err != nil {
			return err
		}
	}
	s.index = append(s.index, aviIndexEntry{offset: s.pos - aviMoviFourCC, size: size})
	s.pos += 8 + size
	return nil
}

// Close writes the index and patches the sizes and frame counts
func (s *aviSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	moviEnd := s.pos
	var hdr [8]byte
	copy(hdr[:4], "idx1")
	binary.LittleEndian.PutUint32(hdr[4:], uint32(16*len(s.index)))
	if _, err := s.bw.Write(hdr[:]); err != nil {
		s.fid.Close()
		return err
	}
	var ent [16]byte
	for _, e := range s.index {
		copy(ent[:4], "00db")
		binary.LittleEndian.PutUint32(ent[4:], aviKeyFrame)
		binary.LittleEndian.PutUint32(ent[8:], e.offset)
		binary.LittleEndian.PutUint32(ent[12:], e.size)
		if _, err := s.bw.Write(ent[:]); err != nil {
			s.fid.Close()
			return err
		}
	}
	if err := s.bw.Flush(); err != nil {
		s.fid.Close()
		return err
	}
	total := moviEnd + 8 + uint32(16*len(s.index))
	patches := []struct {
		off int64
		v   uint32
	}{
		{aviRiffSize, total - 8},
		{aviTotalFrames, uint32(len(s.index))},
		{aviStreamLength, uint32(len(s.index))},
		{aviMoviSize, moviEnd - aviMoviFourCC},
	}
	var b [4]byte
	for _, p := range patches {
		binary.LittleEndian.PutUint32(b[:], p.v)
		if _, err := s.fid.WriteAt(b[:], p.off); err != nil {
			s.fid.Close()
			return err
		}
	}
	return s.fid.Close()
}

func (s *aviSink) Name() string   { return s.path }
func (s *aviSink) Format() Format { return AVI }
