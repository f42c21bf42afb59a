/*Package autorun repeats capture runs, changing filter between them.

A Sequencer moves the filter wheel to the next slot of a sequence, waits for
it to settle and then has a Runner (normally a *capture.Controller) make one
run.  Without a wheel the operator can be asked to change the filter by hand.
*/
package autorun

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/nasa-jpl/astrocap/capture"
	"github.com/nasa-jpl/astrocap/device"
	"github.com/nasa-jpl/astrocap/filterwheel"
	"github.com/nasa-jpl/astrocap/metrics"
	"github.com/nasa-jpl/astrocap/prompt"
)

var (
	// ErrAbandoned is generated when an autorun is refused before any run
	ErrAbandoned = errors.New("capture run abandoned")

	// ErrSequenceExhausted is generated when the filter sequence runs out
	// before the requested number of runs and is not extended
	ErrSequenceExhausted = errors.New("filter sequence exhausted")

	// ErrPromptTimeout is generated when nobody acknowledged a filter change
	ErrPromptTimeout = errors.New("filter change was not acknowledged")
)

// Config is one autorun
type Config struct {
	// Runs is the number of capture runs, at least one
	Runs int `koanf:"runs" yaml:"runs" json:"runs"`

	// Delay is the pause between runs.  There is none before the first.
	Delay time.Duration `koanf:"delay" yaml:"delay" json:"delay"`

	// Sequence lists wheel slots, starting at 1.  When empty, every run uses
	// the filter already in place.
	Sequence []int `koanf:"sequence" yaml:"sequence" json:"sequence"`

	// Extend starts the sequence over when it runs out
	Extend bool `koanf:"extend" yaml:"extend" json:"extend"`

	// PromptIfNoWheel asks the operator to change the filter when no wheel
	// is connected
	PromptIfNoWheel bool `koanf:"promptifnowheel" yaml:"promptifnowheel" json:"promptIfNoWheel"`

	// SettleDelay is waited after each move
	SettleDelay time.Duration `koanf:"settledelay" yaml:"settledelay" json:"settleDelay"`

	// PromptTimeout bounds the wait for a manual filter change; zero waits
	// until the autorun is cancelled
	PromptTimeout time.Duration `koanf:"prompttimeout" yaml:"prompttimeout" json:"promptTimeout"`

	// FilterNames names the filter in each slot, slot 1 first
	FilterNames []string `koanf:"filternames" yaml:"filternames" json:"filterNames"`
}

// FilterName is the name of the filter in slot, or "slot N" if it has none
func (c Config) FilterName(slot int) string {
	if slot >= 1 && slot <= len(c.FilterNames) && c.FilterNames[slot-1] != "" {
		return c.FilterNames[slot-1]
	}
	return "slot " + strconv.Itoa(slot)
}

// Slot returns the slot for run (zero based) and false when the sequence is
// exhausted
func (c Config) Slot(run int) (int, bool) {
	n := len(c.Sequence)
	if n == 0 {
		return 0, false
	}
	if run >= n {
		if !c.Extend {
			return 0, false
		}
		run %= n
	}
	return c.Sequence[run], true
}

// Runner makes capture runs
type Runner interface {
	Validate(ctx context.Context, cfg capture.Config, runs int) ([]prompt.Notice, error)
	Run(ctx context.Context, cfg capture.Config) (capture.Summary, error)
}

// Stage is what an autorun is doing
type Stage string

// Stages reported to Sequencer.Observe
const (
	Waiting   Stage = "waiting"
	Moving    Stage = "moving"
	Prompting Stage = "prompting"
	Capturing Stage = "capturing"
	Finished  Stage = "finished"
)

// Event is reported as an autorun progresses
type Event struct {
	Run    int    `json:"run"`
	Runs   int    `json:"runs"`
	Filter string `json:"filter"`
	Stage  Stage  `json:"stage"`
}

// Report is the outcome of an autorun
type Report struct {
	Filters  []string          `json:"filters"`
	Runs     []capture.Summary `json:"runs"`
	Warnings []prompt.Notice   `json:"warnings"`
	Error    string            `json:"error,omitempty"`
}

// Sequencer drives a filter wheel through autoruns.  Wheel may be nil.
type Sequencer struct {
	Wheel       filterwheel.Wheel
	Prompter    prompt.Prompter
	Log         zerolog.Logger
	MoveTimeout time.Duration

	// Observe, if set, is called from the autorun goroutine at each stage
	Observe func(Event)
}

func (s *Sequencer) observe(e Event) {
	if s.Observe != nil {
		s.Observe(e)
	}
}

func (s *Sequencer) prompter() prompt.Prompter {
	if s.Prompter == nil {
		return prompt.Auto{Log: s.Log}
	}
	return s.Prompter
}

func (s *Sequencer) wheel() filterwheel.Wheel {
	if s.Wheel == nil || !s.Wheel.Connected() {
		return nil
	}
	return s.Wheel
}

func (s *Sequencer) abandon(ctx context.Context, err error) error {
	s.prompter().Notify(ctx, prompt.Notice{Severity: prompt.Error, Code: "abandoned", Title: "Capture run abandoned", Text: err.Error()})
	if errors.Is(err, ErrAbandoned) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrAbandoned, err)
}

// Check validates cfg against the wheel, without asking the runner
func (s *Sequencer) Check(cfg Config) error {
	if cfg.Runs < 1 {
		return fmt.Errorf("%w: at least one run is needed, not %d", ErrAbandoned, cfg.Runs)
	}
	if cfg.Delay < 0 {
		return fmt.Errorf("%w: negative delay between runs", ErrAbandoned)
	}
	slots := 0
	if w := s.wheel(); w != nil {
		slots = w.Slots()
	}
	for _, slot := range cfg.Sequence {
		if err := filterwheel.CheckSlot(slot, slots); err != nil {
			return fmt.Errorf("%w: %w", ErrAbandoned, err)
		}
	}
	return nil
}

// Run makes cfg.Runs capture runs of capCfg.  The whole autorun is validated
// before anything starts; after that an error from any step stops the
// autorun before the next run begins.  The report covers the runs made.
func (s *Sequencer) Run(ctx context.Context, cfg Config, runner Runner, capCfg capture.Config) (Report, error) {
	var rep Report
	if err := s.Check(cfg); err != nil {
		return rep, s.abandon(ctx, err)
	}
	warnings, err := runner.Validate(ctx, capCfg, cfg.Runs)
	if err != nil {
		return rep, s.abandon(ctx, err)
	}
	rep.Warnings = warnings

	fail := func(err error) (Report, error) {
		rep.Error = err.Error()
		s.Log.Error().Err(err).Int("completed", len(rep.Runs)).Int("runs", cfg.Runs).Msg("autorun stopped")
		return rep, err
	}

	for i := 0; i < cfg.Runs; i++ {
		ev := Event{Run: i + 1, Runs: cfg.Runs, Filter: capCfg.Filter}
		slot, ok := cfg.Slot(i)
		if len(cfg.Sequence) > 0 {
			if !ok {
				return fail(fmt.Errorf("%w after %d runs", ErrSequenceExhausted, i))
			}
			ev.Filter = cfg.FilterName(slot)
		}

		if i > 0 && cfg.Delay > 0 {
			ev.Stage = Waiting
			s.observe(ev)
			if err := sleep(ctx, cfg.Delay); err != nil {
				return fail(err)
			}
		}
		if ok {
			if err := s.change(ctx, cfg, ev, slot); err != nil {
				return fail(err)
			}
		}

		ev.Stage = Capturing
		s.observe(ev)
		run := capCfg
		run.Filter = ev.Filter
		run.OverflowConfirmed = true
		sum, err := runner.Run(ctx, run)
		rep.Filters = append(rep.Filters, ev.Filter)
		rep.Runs = append(rep.Runs, sum)
		if err != nil {
			return fail(fmt.Errorf("run %d: %w", ev.Run, err))
		}
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		s.Log.Info().Int("run", ev.Run).Int("runs", cfg.Runs).Str("filter", ev.Filter).
			Uint64("frames", sum.Frames).Msg("autorun run complete")
	}
	s.observe(Event{Run: cfg.Runs, Runs: cfg.Runs, Stage: Finished})
	return rep, nil
}

// change puts the filter for the next run in place
func (s *Sequencer) change(ctx context.Context, cfg Config, ev Event, slot int) error {
	w := s.wheel()
	if w == nil {
		if !cfg.PromptIfNoWheel {
			s.Log.Warn().Str("filter", ev.Filter).Msg("no filter wheel, filter not changed")
			return nil
		}
		ev.Stage = Prompting
		s.observe(ev)
		return s.acknowledge(ctx, cfg, ev.Filter)
	}

	ev.Stage = Moving
	s.observe(ev)
	err := device.Bounded(ctx, "move", s.MoveTimeout, func(ctx context.Context) error {
		return w.Move(ctx, slot)
	})
	if errors.Is(err, device.ErrHardwareTimeout) {
		metrics.HardwareTimeouts.WithLabelValues(device.KindFilterWheel.String(), "move").Inc()
	}
	if err != nil {
		return fmt.Errorf("moving to %s: %w", ev.Filter, err)
	}
	metrics.FilterChanges.Inc()
	s.Log.Debug().Int("slot", slot).Str("filter", ev.Filter).Msg("filter changed")
	return sleep(ctx, cfg.SettleDelay)
}

func (s *Sequencer) acknowledge(ctx context.Context, cfg Config, filter string) error {
	n := prompt.Notice{Severity: prompt.Info, Code: "filter-change", Title: "Change filter", Text: "Change to next filter: " + filter}
	actx := ctx
	if cfg.PromptTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, cfg.PromptTimeout)
		defer cancel()
	}
	err := s.prompter().Acknowledge(actx, n)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrPromptTimeout, filter)
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
