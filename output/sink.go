package output

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/nasa-jpl/astrocap/camera"
	"github.com/nasa-jpl/astrocap/prompt"
)

// Sink receives the frames of one recording.  A Sink is not safe for
// concurrent use; the capture session writes from a single goroutine.
type Sink interface {
	// Write appends one frame
	Write(f camera.Frame) error

	// Close finalizes the recording.  It is safe to call more than once.
	Close() error

	// Name is the path of the recording.  For discrete formats it is the
	// path of the most recent file.
	Name() string

	// Format is the format being written
	Format() Format
}

// Site is an observing location, typically from the timer's GPS
type Site struct {
	Lat  float64
	Long float64
	Alt  float64
	Time time.Time
}

// Metadata is recorded in file headers where the format allows
type Metadata struct {
	Camera      string
	Observer    string
	Object      string
	Telescope   string
	Instrument  string
	Software    string
	Filter      string
	Site        *Site
	Temperature *float64
	Binning     int

	// Cards are appended verbatim to FITS headers
	Cards []fitsio.Card
}

// OpenOptions is everything besides the Target that Open needs
type OpenOptions struct {
	Index    *Indexer
	Values   Values
	Frame    camera.FrameFormat
	Meta     Metadata
	Prompter prompt.Prompter
}

// Registry knows which formats can be produced on this host
type Registry struct {
	disabled map[Format]bool

	// FFmpeg is the encoder binary used for MOV
	FFmpeg string

	// LookPath finds FFmpeg; exec.LookPath by default
	LookPath func(string) (string, error)

	Log zerolog.Logger
}

// NewRegistry returns a registry with the given formats disabled
func NewRegistry(log zerolog.Logger, disabled ...Format) *Registry {
	r := &Registry{disabled: map[Format]bool{}, FFmpeg: "ffmpeg", LookPath: exec.LookPath, Log: log}
	for _, f := range disabled {
		r.disabled[f] = true
	}
	return r
}

// Available returns nil if f can be written, else an error wrapping
// ErrFormatUnavailable that says why
func (r *Registry) Available(f Format) error {
	if !f.valid() {
		return fmt.Errorf("%w: %s", ErrFormatUnavailable, f)
	}
	if r.disabled[f] {
		return fmt.Errorf("%w: %s is disabled", ErrFormatUnavailable, f)
	}
	switch f {
	case MOV:
		if _, err := r.LookPath(r.FFmpeg); err != nil {
			return fmt.Errorf("%w: %s needs %s: %v", ErrFormatUnavailable, f, r.FFmpeg, err)
		}
	case NamedPipe:
		if !pipeSupported {
			return fmt.Errorf("%w: %s is not supported on this platform", ErrFormatUnavailable, f)
		}
	}
	return nil
}

// AvailableFormats lists the formats that can be written
func (r *Registry) AvailableFormats() []Format {
	var out []Format
	for _, f := range Formats {
		if r.Available(f) == nil {
			out = append(out, f)
		}
	}
	return out
}

// CheckDirectory returns an error wrapping ErrDirectory if dir does not exist
// or a file cannot be created in it
func CheckDirectory(dir string) error {
	st, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDirectory, err)
	}
	if !st.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrDirectory, dir)
	}
	f, err := os.CreateTemp(dir, ".astrocap-writable-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDirectory, err)
	}
	f.Close()
	os.Remove(f.Name())
	return nil
}

// Path returns the path the next container recording of t would use
func Path(t Target, index uint64, v Values) (string, *prompt.Notice) {
	name, warn := ResolveFilename(t.Template, index, t.Digits, v)
	return filepath.Join(t.Dir, name+t.Format.Extension()), warn
}

func confirmOverwrite(ctx context.Context, path string, policy OverwritePolicy, p prompt.Prompter) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrFileCreate, err)
	}
	switch policy {
	case AlwaysOverwrite:
		return nil
	case NeverOverwrite:
		return fmt.Errorf("%w: %s", ErrOverwriteDeclined, path)
	}
	if p == nil {
		return fmt.Errorf("%w: %s exists and nobody can be asked", ErrOverwriteDeclined, path)
	}
	ok, err := p.Confirm(ctx, prompt.Notice{
		Severity: prompt.Warning,
		Code:     "file-exists",
		Title:    "File exists",
		Text:     fmt.Sprintf("%s already exists, overwrite it?", path)})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOverwriteDeclined, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrOverwriteDeclined, path)
	}
	return nil
}

// Open checks t and creates the recording.  Errors wrap ErrFormatUnavailable,
// ErrDirectory, ErrOverwriteDeclined or ErrFileCreate.  The capture index in
// o.Index is consumed only when a file is actually created.
func (r *Registry) Open(ctx context.Context, t Target, o OpenOptions) (Sink, error) {
	if err := r.Available(t.Format); err != nil {
		return nil, err
	}
	if err := CheckDirectory(t.Dir); err != nil {
		return nil, err
	}
	if o.Index == nil {
		o.Index = NewIndexer(0)
	}
	if o.Values.Time.IsZero() {
		o.Values.Time = time.Now()
	}
	if o.Meta.Filter == "" {
		o.Meta.Filter = o.Values.Filter
	}
	if t.Format.Discrete() {
		return r.openDiscrete(ctx, t, o)
	}

	path, _ := Path(t, o.Index.Peek(), o.Values)
	if t.Format != NamedPipe {
		if err := confirmOverwrite(ctx, path, t.Overwrite, o.Prompter); err != nil {
			return nil, err
		}
	}
	var (
		s   Sink
		err error
	)
	switch t.Format {
	case SER:
		s, err = createSER(path, o)
	case AVI:
		s, err = createAVI(path, o)
	case MOV:
		s, err = r.createMOV(ctx, path, o)
	case NamedPipe:
		s, err = createPipe(path, o)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFileCreate, path, err)
	}
	o.Index.Next()
	r.Log.Debug().Str("path", path).Stringer("format", t.Format).Msg("recording opened")
	return s, nil
}

type encodeFunc func(w io.Writer, f camera.Frame, m Metadata) error

var encoders = map[Format]encodeFunc{
	FITS: encodeFITS,
	TIFF: encodeTIFF,
	PNG:  encodePNG,
}

// Encode writes fr to w as a single image.  Only formats that write a file
// per frame can be used.
func Encode(w io.Writer, f Format, fr camera.Frame, m Metadata) error {
	enc, ok := encoders[f]
	if !ok {
		return fmt.Errorf("%w: %s is not a single image format", ErrFormatUnavailable, f)
	}
	if err := checkData(fr); err != nil {
		return err
	}
	return enc(w, fr, m)
}

// checkData makes sure f carries a whole image
func checkData(f camera.Frame) error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("%w: got %dx%d", ErrFrameGeometry, f.Width, f.Height)
	}
	n := f.Width * f.Height * f.Format.BytesPerPixel()
	if len(f.Data) < n {
		return fmt.Errorf("%w: short frame, %d of %d bytes", ErrFrameGeometry, len(f.Data), n)
	}
	return nil
}

// discrete writes each frame to its own file, atomically.  With PromptUser,
// the first file found to exist is asked about and the answer holds for the
// rest of the run.
type discrete struct {
	ctx    context.Context
	t      Target
	o      OpenOptions
	enc    encodeFunc
	last   string
	closed bool
	log    zerolog.Logger
}

func (r *Registry) openDiscrete(ctx context.Context, t Target, o OpenOptions) (Sink, error) {
	first, _ := Path(t, o.Index.Peek(), o.Values)
	_, statErr := os.Stat(first)
	if err := confirmOverwrite(ctx, first, t.Overwrite, o.Prompter); err != nil {
		return nil, err
	}
	if statErr == nil && t.Overwrite == PromptUser {
		t.Overwrite = AlwaysOverwrite
	}
	return &discrete{ctx: context.WithoutCancel(ctx), t: t, o: o, enc: encoders[t.Format], log: r.Log}, nil
}

// collision applies the overwrite policy to an existing path
func (d *discrete) collision(path string) error {
	switch d.t.Overwrite {
	case AlwaysOverwrite:
		return nil
	case PromptUser:
		if err := confirmOverwrite(d.ctx, path, PromptUser, d.o.Prompter); err != nil {
			d.t.Overwrite = NeverOverwrite
			return err
		}
		d.t.Overwrite = AlwaysOverwrite
		return nil
	}
	return fmt.Errorf("%w: %s", ErrOverwriteDeclined, path)
}

func (d *discrete) Write(f camera.Frame) error {
	if d.closed {
		return ErrClosed
	}
	v := d.o.Values
	if !f.Timestamp.IsZero() {
		v.Time = f.Timestamp
	}
	if f.Exposure > 0 {
		v.Exposure = f.Exposure
	}
	if err := checkData(f); err != nil {
		return err
	}
	path, _ := Path(d.t, d.o.Index.Peek(), v)
	if _, err := os.Stat(path); err == nil {
		if err := d.collision(path); err != nil {
			d.o.Index.Next()
			return err
		}
	}

	pf, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrFileCreate, path, err)
	}
	defer func() {
		if err := pf.Cleanup(); err != nil {
			d.log.Debug().Err(err).Str("path", path).Msg("cleanup pending frame file")
		}
	}()
	if err := d.enc(pf, f, d.o.Meta); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace %s: %w", path, err)
	}
	d.o.Index.Next()
	d.last = path
	return nil
}

func (d *discrete) Close() error {
	d.closed = true
	return nil
}

func (d *discrete) Name() string {
	if d.last == "" {
		p, _ := Path(d.t, d.o.Index.Peek(), d.o.Values)
		return p
	}
	return d.last
}

func (d *discrete) Format() Format { return d.t.Format }
