package capture

import (
	"context"
	"fmt"

	"github.com/nasa-jpl/astrocap/output"
	"github.com/nasa-jpl/astrocap/prompt"
)

func abandon(ctx context.Context, p prompt.Prompter, why string) error {
	p.Notify(ctx, prompt.Notice{Severity: prompt.Error, Code: "abandoned", Title: "Capture run abandoned", Text: why})
	return fmt.Errorf("%w: %s", ErrConfig, why)
}

// Validate checks cfg for a series of runs before anything is touched.  It
// returns the warnings the operator was shown, or an error wrapping
// ErrConfig, output.ErrFormatUnavailable or output.ErrDirectory.
func Validate(ctx context.Context, d Deps, cfg Config, runs int) ([]prompt.Notice, error) {
	d = d.withDefaults()
	var warnings []prompt.Notice
	warn := func(n *prompt.Notice) {
		if n == nil {
			return
		}
		d.Prompter.Notify(ctx, *n)
		warnings = append(warnings, *n)
	}

	if d.Camera == nil || !d.Camera.Connected() {
		return nil, abandon(ctx, d.Prompter, "no camera is connected")
	}

	if d.Timer != nil && d.Timer.InUse() {
		f := cfg.Target.Format
		if f != output.FITS && f != output.TIFF {
			return nil, abandon(ctx, d.Prompter, fmt.Sprintf("the timer needs FITS or TIFF output, not %s", f))
		}
		if cfg.Limit.Kind != Frames || !cfg.Limit.Enabled() {
			return nil, abandon(ctx, d.Prompter, "the timer needs the run limited by a number of frames")
		}
		warn(d.Timer.CheckCamera(d.Camera.Mode()))
	}

	if !output.HasIndexToken(cfg.Target.Template) {
		_, n := output.ResolveFilename(cfg.Target.Template, 0, cfg.Target.Digits, output.Values{})
		warn(n)
	}

	expected := output.ExpectedIndex(cfg.Target.Format, d.Index.Peek(), runs, cfg.Limit.FrameCount())
	if n := output.CheckIndexCapacity(expected, cfg.Target.Digits); n != nil && output.HasIndexToken(cfg.Target.Template) {
		if !cfg.OverflowConfirmed {
			ok, err := d.Prompter.Confirm(ctx, *n)
			if err != nil || !ok {
				return nil, fmt.Errorf("%w: %w", ErrConfig, ErrIndexOverflowDeclined)
			}
		}
		warnings = append(warnings, *n)
	}

	if err := d.Registry.Available(cfg.Target.Format); err != nil {
		return nil, err
	}
	if err := output.CheckDirectory(cfg.Target.Dir); err != nil {
		return nil, err
	}
	return warnings, nil
}
