package output

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/nasa-jpl/astrocap/camera"
)

// movStopTimeout is how long ffmpeg gets to finish after its input is closed
const movStopTimeout = 5 * time.Second

// movSink feeds raw frames to an ffmpeg subprocess which encodes them into a
// QuickTime container
type movSink struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	done   chan error
	path   string
	format camera.FrameFormat
	closed bool
}

func ffmpegArgs(path string, f camera.FrameFormat) []string {
	pix := "gray"
	if f.Pixel == camera.Grey16LE {
		pix = "gray16le"
	}
	fps := f.FPS
	if fps <= 0 {
		fps = 30
	}
	return []string{
		"-hide_banner", "-loglevel", "error", "-nostdin", "-y",
		"-f", "rawvideo",
		"-pix_fmt", pix,
		"-s", fmt.Sprintf("%dx%d", f.Width, f.Height),
		"-r", strconv.FormatFloat(fps, 'f', -1, 64),
		"-i", "pipe:0",
		"-c:v", "png",
		"-f", "mov",
		path,
	}
}

func (r *Registry) createMOV(ctx context.Context, path string, o OpenOptions) (Sink, error) {
	bin, err := r.LookPath(r.FFmpeg)
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(bin, ffmpegArgs(path, o.Frame)...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	s := &movSink{cmd: cmd, stdin: stdin, done: make(chan error, 1), path: path, format: o.Frame}
	go func() { s.done <- cmd.Wait() }()
	return s, nil
}

func (s *movSink) Write(f camera.Frame) error {
	if s.closed {
		return ErrClosed
	}
	if f.Width != s.format.Width || f.Height != s.format.Height || f.Format != s.format.Pixel {
		return fmt.Errorf("%w: got %dx%d", ErrFrameGeometry, f.Width, f.Height)
	}
	n := f.Width * f.Height * f.Format.BytesPerPixel()
	if len(f.Data) < n {
		return fmt.Errorf("%w: short frame", ErrFrameGeometry)
	}
	_, err := s.stdin.Write(f.Data[:n])
	return err
}

// Close ends ffmpeg's input and waits for it to finish the file, killing it
// if it takes too long
func (s *movSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.stdin.Close()
	select {
	case err := <-s.done:
		if err != nil {
			return fmt.Errorf("ffmpeg: %w", err)
		}
		return nil
	case <-time.After(movStopTimeout):
		s.cmd.Process.Kill()
		<-s.done
		return fmt.Errorf("ffmpeg did not exit within %s", movStopTimeout)
	}
}

func (s *movSink) Name() string   { return s.path }
func (s *movSink) Format() Format { return MOV }
