/*Package output turns a stream of camera frames into files on disk.

A Target names the format, directory and filename template of a recording.
Registry.Open checks the target against the filesystem and the formats this
host can produce, resolves the filename, applies the overwrite policy, and
returns a Sink that the capture session writes frames into.  Container
formats (SER, AVI, MOV, and the named pipe) hold a whole run in one file;
FITS, TIFF and PNG write one file per frame.
*/
package output

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDirectory is generated when the output directory is missing or not writable
	ErrDirectory = errors.New("output directory missing or not writable")

	// ErrFileCreate is generated when the output file cannot be created
	ErrFileCreate = errors.New("output file could not be created")

	// ErrFormatUnavailable is generated when a format is disabled or its
	// backend is missing on this host
	ErrFormatUnavailable = errors.New("output format unavailable")

	// ErrOverwriteDeclined is generated when the target exists and may not be overwritten
	ErrOverwriteDeclined = errors.New("overwrite of existing file declined")

	// ErrClosed is generated by Write after Close
	ErrClosed = errors.New("sink is closed")

	// ErrFrameGeometry is generated when a frame does not match the
	// geometry the container was opened with
	ErrFrameGeometry = errors.New("frame geometry does not match recording")
)

// Format is an output file format
type Format int

const (
	// AVI is an uncompressed RIFF AVI container
	AVI Format = iota

	// SER is the SER v3 container used by planetary imaging software
	SER

	// FITS writes one FITS file per frame
	FITS

	// TIFF writes one TIFF file per frame
	TIFF

	// PNG writes one PNG file per frame
	PNG

	// MOV is a QuickTime container encoded by ffmpeg
	MOV

	// NamedPipe streams raw frames into a FIFO
	NamedPipe
)

var formatNames = [...]string{"avi", "ser", "fits", "tiff", "png", "mov", "pipe"}

var formatExt = [...]string{".avi", ".ser", ".fits", ".tif", ".png", ".mov", ""}

// Formats lists every known format
var Formats = []Format{AVI, SER, FITS, TIFF, PNG, MOV, NamedPipe}

func (f Format) valid() bool {
	return f >= AVI && f <= NamedPipe
}

func (f Format) String() string {
	if !f.valid() {
		return fmt.Sprintf("format(%d)", int(f))
	}
	return formatNames[f]
}

// Extension returns the filename extension including the dot
func (f Format) Extension() string {
	if !f.valid() {
		return ""
	}
	return formatExt[f]
}

// Discrete is true for formats that write one file per frame
func (f Format) Discrete() bool {
	return f == FITS || f == TIFF || f == PNG
}

// ParseFormat converts a name ("ser", "fits", ...) to a Format.  Matching is
// case insensitive and accepts the extension with or without the dot.
func ParseFormat(s string) (Format, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), ".")
	switch s {
	case "tif":
		return TIFF, nil
	case "fit", "fts":
		return FITS, nil
	case "fifo", "namedpipe":
		return NamedPipe, nil
	}
	for i, n := range formatNames {
		if n == s {
			return Format(i), nil
		}
	}
	return 0, fmt.Errorf("unknown output format %q", s)
}

// MarshalText implements encoding.TextMarshaler
func (f Format) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (f *Format) UnmarshalText(b []byte) error {
	v, err := ParseFormat(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// OverwritePolicy decides what happens when the target file already exists
type OverwritePolicy int

const (
	// PromptUser asks the operator
	PromptUser OverwritePolicy = iota

	// AlwaysOverwrite replaces existing files silently
	AlwaysOverwrite

	// NeverOverwrite refuses to replace existing files
	NeverOverwrite
)

var policyNames = [...]string{"prompt", "always", "never"}

func (p OverwritePolicy) String() string {
	if p < PromptUser || p > NeverOverwrite {
		return fmt.Sprintf("policy(%d)", int(p))
	}
	return policyNames[p]
}

// ParseOverwritePolicy converts "prompt", "always" or "never" to a policy
func ParseOverwritePolicy(s string) (OverwritePolicy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range policyNames {
		if n == s {
			return OverwritePolicy(i), nil
		}
	}
	return 0, fmt.Errorf("unknown overwrite policy %q", s)
}

// MarshalText implements encoding.TextMarshaler
func (p OverwritePolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (p *OverwritePolicy) UnmarshalText(b []byte) error {
	v, err := ParseOverwritePolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Target is where and how a recording is written
type Target struct {
	Format    Format          `json:"format" yaml:"format" koanf:"format"`
	Dir       string          `json:"dir" yaml:"dir" koanf:"dir"`
	Template  string          `json:"template" yaml:"template" koanf:"template"`
	Digits    int             `json:"digits" yaml:"digits" koanf:"digits"`
	Overwrite OverwritePolicy `json:"overwrite" yaml:"overwrite" koanf:"overwrite"`
}
