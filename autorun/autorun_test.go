package autorun_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nasa-jpl/astrocap/autorun"
	"github.com/nasa-jpl/astrocap/camera"
	"github.com/nasa-jpl/astrocap/capture"
	"github.com/nasa-jpl/astrocap/filterwheel"
	"github.com/nasa-jpl/astrocap/metrics"
	"github.com/nasa-jpl/astrocap/output"
	"github.com/nasa-jpl/astrocap/prompt"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeRunner records the filter of every run
type fakeRunner struct {
	mu          sync.Mutex
	filters     []string
	at          []time.Time
	validateErr error
	failOn      int
}

func (r *fakeRunner) Validate(context.Context, capture.Config, int) ([]prompt.Notice, error) {
	return nil, r.validateErr
}

func (r *fakeRunner) Run(_ context.Context, cfg capture.Config) (capture.Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filters = append(r.filters, cfg.Filter)
	r.at = append(r.at, time.Now())
	if !cfg.OverflowConfirmed {
		return capture.Summary{}, errors.New("overflow asked again")
	}
	if r.failOn == len(r.filters) {
		return capture.Summary{Filter: cfg.Filter}, capture.ErrTooManyWriteFailures
	}
	return capture.Summary{Filter: cfg.Filter, Frames: 1}, nil
}

var rgb = autorun.Config{Sequence: []int{1, 2, 3}, FilterNames: []string{"R", "G", "B"}}

func TestExtendedSequenceWraps(t *testing.T) {
	wheel := filterwheel.NewSim(5)
	seq := autorun.Sequencer{Wheel: wheel, Log: zerolog.Nop(), MoveTimeout: time.Second}
	cfg := rgb
	cfg.Runs, cfg.Extend = 5, true
	r := &fakeRunner{}
	before := testutil.ToFloat64(metrics.FilterChanges)

	rep, err := seq.Run(context.Background(), cfg, r, capture.Config{})
	require.NoError(t, err)
	assert.Equal(t, []string{"R", "G", "B", "R", "G"}, r.filters)
	assert.Equal(t, []string{"R", "G", "B", "R", "G"}, rep.Filters)
	assert.Equal(t, []int{1, 2, 3, 1, 2}, wheel.Moves())
	assert.Len(t, rep.Runs, 5)
	assert.Equal(t, 5.0, testutil.ToFloat64(metrics.FilterChanges)-before)
}

func TestSequenceExhausted(t *testing.T) {
	seq := autorun.Sequencer{Wheel: filterwheel.NewSim(5), Log: zerolog.Nop()}
	cfg := rgb
	cfg.Runs = 5
	r := &fakeRunner{}
	rep, err := seq.Run(context.Background(), cfg, r, capture.Config{})
	assert.ErrorIs(t, err, autorun.ErrSequenceExhausted)
	assert.Equal(t, []string{"R", "G", "B"}, r.filters)
	assert.Len(t, rep.Runs, 3)
	assert.NotEmpty(t, rep.Error)
}

func TestAbandonedBeforeAnyRun(t *testing.T) {
	wheel := filterwheel.NewSim(5)
	seq := autorun.Sequencer{Wheel: wheel, Log: zerolog.Nop()}

	tests := []struct {
		name string
		cfg  autorun.Config
		r    *fakeRunner
	}{
		{"no runs", autorun.Config{Sequence: []int{1}}, &fakeRunner{}},
		{"slot off the wheel", autorun.Config{Runs: 1, Sequence: []int{1, 7}}, &fakeRunner{}},
		{"negative delay", autorun.Config{Runs: 1, Sequence: []int{1}, Delay: -time.Second}, &fakeRunner{}},
		{"capture refused", autorun.Config{Runs: 1, Sequence: []int{1}}, &fakeRunner{validateErr: capture.ErrConfig}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := seq.Run(context.Background(), tt.cfg, tt.r, capture.Config{})
			assert.ErrorIs(t, err, autorun.ErrAbandoned)
			assert.Empty(t, tt.r.filters)
		})
	}
	assert.Empty(t, wheel.Moves())
}

// noChanges fails any request to change the filter by hand
type noChanges struct{ prompt.Auto }

func (noChanges) Acknowledge(context.Context, prompt.Notice) error {
	return errors.New("filter change asked for")
}

func TestNoSequenceKeepsFilter(t *testing.T) {
	r := &fakeRunner{}
	seq := autorun.Sequencer{Prompter: noChanges{}, Log: zerolog.Nop()}
	rep, err := seq.Run(context.Background(), autorun.Config{Runs: 3, PromptIfNoWheel: true}, r, capture.Config{Filter: "L"})
	require.NoError(t, err)
	assert.Equal(t, []string{"L", "L", "L"}, r.filters)
	assert.Len(t, rep.Runs, 3)

	wheel := filterwheel.NewSim(5)
	seq = autorun.Sequencer{Wheel: wheel, Log: zerolog.Nop()}
	_, err = seq.Run(context.Background(), autorun.Config{Runs: 2}, &fakeRunner{}, capture.Config{})
	require.NoError(t, err)
	assert.Empty(t, wheel.Moves())
}

func TestFailedRunStopsAutorun(t *testing.T) {
	seq := autorun.Sequencer{Wheel: filterwheel.NewSim(5), Log: zerolog.Nop()}
	cfg := rgb
	cfg.Runs = 3
	r := &fakeRunner{failOn: 2}
	rep, err := seq.Run(context.Background(), cfg, r, capture.Config{})
	assert.ErrorIs(t, err, capture.ErrTooManyWriteFailures)
	assert.Equal(t, []string{"R", "G"}, r.filters)
	assert.Len(t, rep.Runs, 2)
}

func TestDelayBetweenRuns(t *testing.T) {
	var stages []autorun.Stage
	seq := autorun.Sequencer{Log: zerolog.Nop(), Observe: func(e autorun.Event) { stages = append(stages, e.Stage) }}
	cfg := autorun.Config{Runs: 3, Sequence: []int{1}, Extend: true, Delay: 30 * time.Millisecond}
	r := &fakeRunner{}
	start := time.Now()
	_, err := seq.Run(context.Background(), cfg, r, capture.Config{})
	require.NoError(t, err)
	require.Len(t, r.at, 3)
	assert.Less(t, r.at[0].Sub(start), 30*time.Millisecond)
	assert.GreaterOrEqual(t, r.at[1].Sub(r.at[0]), 30*time.Millisecond)
	assert.GreaterOrEqual(t, r.at[2].Sub(r.at[1]), 30*time.Millisecond)
	assert.Equal(t, []autorun.Stage{
		autorun.Capturing, autorun.Waiting, autorun.Capturing, autorun.Waiting, autorun.Capturing, autorun.Finished,
	}, stages)
}

func TestPromptWithoutWheel(t *testing.T) {
	q := prompt.NewQueue(10, zerolog.Nop())
	seq := autorun.Sequencer{Prompter: q, Log: zerolog.Nop()}
	cfg := rgb
	cfg.Runs, cfg.PromptIfNoWheel = 2, true
	r := &fakeRunner{}

	done := make(chan error)
	go func() {
		_, err := seq.Run(context.Background(), cfg, r, capture.Config{})
		done <- err
	}()
	for _, want := range []string{"R", "G"} {
		var req prompt.Request
		require.Eventually(t, func() bool {
			p := q.Pending()
			if len(p) == 0 {
				return false
			}
			req = p[0]
			return true
		}, time.Second, time.Millisecond)
		assert.Equal(t, "Change to next filter: "+want, req.Notice.Text)
		assert.Equal(t, prompt.KindAcknowledge, req.Kind)
		require.NoError(t, q.Answer(req.ID, true))
	}
	require.NoError(t, <-done)
	assert.Equal(t, []string{"R", "G"}, r.filters)
}

// silent never acknowledges anything
type silent struct{}

func (silent) Notify(context.Context, prompt.Notice) {}
func (silent) Confirm(ctx context.Context, _ prompt.Notice) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}
func (silent) Acknowledge(ctx context.Context, _ prompt.Notice) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestPromptTimeout(t *testing.T) {
	seq := autorun.Sequencer{Prompter: silent{}, Log: zerolog.Nop()}
	cfg := rgb
	cfg.Runs, cfg.PromptIfNoWheel, cfg.PromptTimeout = 1, true, 20*time.Millisecond
	r := &fakeRunner{}
	_, err := seq.Run(context.Background(), cfg, r, capture.Config{})
	assert.ErrorIs(t, err, autorun.ErrPromptTimeout)
	assert.Empty(t, r.filters)

	// without a timeout only cancelling the autorun ends the wait
	cfg.PromptTimeout = 0
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = seq.Run(ctx, cfg, r, capture.Config{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, autorun.ErrPromptTimeout)
}

func TestWheelMoveTimeout(t *testing.T) {
	wheel := filterwheel.NewSim(5)
	wheel.Travel = time.Second
	seq := autorun.Sequencer{Wheel: wheel, Log: zerolog.Nop(), MoveTimeout: 20 * time.Millisecond}
	cfg := autorun.Config{Runs: 1, Sequence: []int{4}}
	r := &fakeRunner{}
	_, err := seq.Run(context.Background(), cfg, r, capture.Config{})
	assert.Error(t, err)
	assert.Empty(t, r.filters)
}

func TestAutorunRecordsEachFilter(t *testing.T) {
	cam := camera.NewSim(camera.FrameFormat{Width: 8, Height: 4, Pixel: camera.Grey8, FPS: 200})
	require.NoError(t, cam.Connect(context.Background()))
	reg := output.NewRegistry(zerolog.Nop())
	c := capture.NewController(capture.Deps{Camera: cam, Registry: reg, Log: zerolog.Nop()})
	dir := t.TempDir()
	capCfg := capture.Config{
		Target: output.Target{Format: output.SER, Dir: dir, Template: "m42-%FILTER-%I", Digits: 2},
		Limit:  capture.Limit{Kind: capture.Frames, Value: 3},
	}
	cfg := rgb
	cfg.Runs = 2
	seq := autorun.Sequencer{Wheel: filterwheel.NewSim(3), Log: zerolog.Nop(), MoveTimeout: time.Second}

	rep, err := seq.Run(context.Background(), cfg, c, capCfg)
	require.NoError(t, err)
	require.Len(t, rep.Runs, 2)
	for i, name := range []string{"m42-R-00.ser", "m42-G-01.ser"} {
		assert.Equal(t, filepath.Join(dir, name), rep.Runs[i].Filename)
		assert.Equal(t, uint64(3), rep.Runs[i].Frames)
		_, err := os.Stat(rep.Runs[i].Filename)
		assert.NoError(t, err)
	}
	assert.Nil(t, c.Current())
}
