package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/theckman/yacspin"
	yml "gopkg.in/yaml.v2"

	"github.com/nasa-jpl/astrocap/autorun"
	"github.com/nasa-jpl/astrocap/capture"
	"github.com/nasa-jpl/astrocap/logging"
	"github.com/nasa-jpl/astrocap/output"
	"github.com/nasa-jpl/astrocap/prompt"
	"github.com/nasa-jpl/astrocap/util"
)

// spinPrompter pauses the spinner while the operator is being spoken to
type spinPrompter struct {
	p    prompt.Prompter
	spin *yacspin.Spinner
}

func (s spinPrompter) Notify(ctx context.Context, n prompt.Notice) {
	s.spin.Pause()
	defer s.spin.Unpause()
	s.p.Notify(ctx, n)
}

func (s spinPrompter) Confirm(ctx context.Context, n prompt.Notice) (bool, error) {
	s.spin.Pause()
	defer s.spin.Unpause()
	return s.p.Confirm(ctx, n)
}

func (s spinPrompter) Acknowledge(ctx context.Context, n prompt.Notice) error {
	s.spin.Pause()
	defer s.spin.Unpause()
	return s.p.Acknowledge(ctx, n)
}

// captureFlags override the configuration file
type captureFlags struct {
	format   string
	dir      string
	template string
	frames   int
	seconds  int
	runs     int
	sequence string
	filters  string
	delay    time.Duration
	extend   bool
	yes      bool
}

func (f captureFlags) apply(cmd *cobra.Command, c *Config) error {
	changed := cmd.Flags().Changed
	if changed("format") {
		fm, err := output.ParseFormat(f.format)
		if err != nil {
			return err
		}
		c.Capture.Target.Format = fm
	}
	if changed("dir") {
		c.Capture.Target.Dir = f.dir
	}
	if changed("template") {
		c.Capture.Target.Template = f.template
	}
	switch {
	case changed("frames") && changed("seconds"):
		return fmt.Errorf("--frames and --seconds cannot be used together")
	case changed("frames"):
		c.Capture.Limit = capture.Limit{Kind: capture.Frames, Value: f.frames}
	case changed("seconds"):
		c.Capture.Limit = capture.Limit{Kind: capture.Seconds, Value: f.seconds}
	}
	if changed("runs") {
		c.Autorun.Runs = f.runs
	}
	if changed("sequence") {
		seq, err := util.CSVToIntSlice(f.sequence)
		if err != nil {
			return fmt.Errorf("--sequence: %w", err)
		}
		c.Autorun.Sequence = seq
	}
	if changed("filters") {
		c.Autorun.FilterNames = util.SplitCSV(f.filters)
	}
	if changed("delay") {
		c.Autorun.Delay = f.delay
	}
	if changed("extend") {
		c.Autorun.Extend = f.extend
	}
	return nil
}

func newCaptureCmd() *cobra.Command {
	f := captureFlags{}
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "record one run, or an autorun when a filter sequence is given",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return captureMain(cmd, f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.format, "format", "", "output format: ser, avi, mov, fits, tiff, png, pipe")
	fl.StringVar(&f.dir, "dir", "", "output directory")
	fl.StringVar(&f.template, "template", "", "filename template, e.g. m42-%FILTER-%I")
	fl.IntVar(&f.frames, "frames", 0, "stop after this many frames")
	fl.IntVar(&f.seconds, "seconds", 0, "stop after this many seconds")
	fl.IntVar(&f.runs, "runs", 1, "number of runs")
	fl.StringVar(&f.sequence, "sequence", "", "filter wheel slots to step through, e.g. 1,2,3")
	fl.StringVar(&f.filters, "filters", "", "names of the filter wheel slots, e.g. L,R,G,B")
	fl.DurationVar(&f.delay, "delay", 0, "wait between runs")
	fl.BoolVar(&f.extend, "extend", false, "repeat the sequence when there are more runs than filters")
	fl.BoolVarP(&f.yes, "yes", "y", false, "answer yes to every question instead of asking")
	return cmd
}

func captureMain(cmd *cobra.Command, f captureFlags) error {
	c, err := loadConfig()
	if err != nil {
		return err
	}
	if err := f.apply(cmd, &c); err != nil {
		return err
	}
	errOut := cmd.ErrOrStderr()
	logging.Configure(logging.Config{Level: c.Log.Level, Console: true, Output: errOut, Service: "capsrv"})

	spin, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		Writer:            errOut,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " ",
		Message:           "connecting",
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		return err
	}

	var p prompt.Prompter = prompt.Auto{Answer: true, Log: logging.WithComponent("prompt")}
	if !f.yes {
		p = &prompt.Terminal{In: os.Stdin, Out: errOut}
	}
	p = spinPrompter{p: p, spin: spin}

	rig, err := BuildRig(c, p)
	if err != nil {
		return err
	}
	defer rig.Close()

	ctx, cancel := signalContext()
	defer cancel()
	if err := spin.Start(); err != nil {
		return err
	}
	if err := rig.Connect(ctx, c.ConnectTimeout, logging.WithComponent("capsrv")); err != nil {
		spin.StopFail()
		return err
	}

	stopStatus := watchStatus(rig.Ctl, spin)
	var result interface{}
	if c.Autorun.Runs > 1 || len(c.Autorun.Sequence) > 0 {
		seq := rig.Seq
		seq.Observe = func(e autorun.Event) {
			spin.Message(fmt.Sprintf("run %d/%d %s: %s", e.Run, e.Runs, e.Filter, e.Stage))
		}
		var rep autorun.Report
		rep, err = seq.Run(ctx, c.Autorun, rig.Ctl, c.runConfig())
		result = rep
	} else {
		var sum capture.Summary
		sum, err = rig.Ctl.Run(ctx, c.runConfig())
		result = sum
	}
	stopStatus()

	if err != nil {
		spin.StopFailMessage(err.Error())
		spin.StopFail()
	} else {
		spin.StopMessage("done")
		spin.Stop()
	}
	if werr := writeResult(cmd.OutOrStdout(), result); werr != nil && err == nil {
		err = werr
	}
	return err
}

// watchStatus shows the progress of the current session on the spinner
// until the returned function is called
func watchStatus(ctl *capture.Controller, spin *yacspin.Spinner) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		tick := time.NewTicker(250 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				s := ctl.Current()
				if s == nil {
					continue
				}
				st := s.Status()
				msg := fmt.Sprintf("%s %d frames, %d dropped", st.State, st.Frames, st.Dropped)
				if st.FPSValid {
					msg += fmt.Sprintf(", %.1f fps", st.FPS)
				}
				if st.ProgressValid {
					msg += fmt.Sprintf(", %.0f%%", 100*st.Progress)
				}
				spin.Message(msg)
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

func writeResult(w io.Writer, v interface{}) error {
	return yml.NewEncoder(w).Encode(v)
}
