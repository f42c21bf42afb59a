package capture_test

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/astrocap/capture"
	"github.com/nasa-jpl/astrocap/device"
	"github.com/nasa-jpl/astrocap/output"
	"github.com/nasa-jpl/astrocap/prompt"
	"github.com/nasa-jpl/astrocap/timer"
)

func deps(cam *handCamera, p prompt.Prompter) capture.Deps {
	return capture.Deps{Camera: cam, Registry: registry(), Prompter: p, Log: zerolog.Nop()}
}

func serConfig(dir string, l capture.Limit) capture.Config {
	return capture.Config{
		Target: output.Target{Format: output.SER, Dir: dir, Template: "run-%I", Digits: 4},
		Limit:  l,
	}
}

// stubConfig is a run whose output is replaced by a stubSink
func stubConfig(t *testing.T, l capture.Limit) capture.Config {
	return capture.Config{
		Target: output.Target{Format: output.SER, Dir: t.TempDir(), Template: "s-%I"},
		Limit:  l,
	}
}

func wait(t *testing.T, s *capture.Session) capture.Summary {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sum, _ := s.Wait(ctx)
	require.NoError(t, ctx.Err(), "session did not stop")
	return sum
}

func serFrames(t *testing.T, path string) uint32 {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(b), 178)
	return binary.LittleEndian.Uint32(b[38:])
}

func TestFrameLimitIgnoresSurplus(t *testing.T) {
	dir := t.TempDir()
	cam := newHandCamera()
	s := capture.NewSession(deps(cam, &recorder{}), serConfig(dir, capture.Limit{Kind: capture.Frames, Value: 5}))
	require.NoError(t, s.Start(context.Background()))
	cam.deliver(8)

	sum := wait(t, s)
	require.NoError(t, sum.Err)
	assert.Equal(t, uint64(5), sum.Frames)
	assert.Zero(t, sum.Dropped)
	assert.Equal(t, capture.ReasonLimit, sum.Reason)
	assert.Equal(t, filepath.Join(dir, "run-0000.ser"), sum.Filename)
	assert.Equal(t, uint32(5), serFrames(t, sum.Filename))
	assert.Equal(t, capture.Stopped, s.State())
	assert.Equal(t, 1, cam.stops)
}

func TestWriteFailuresAreDropped(t *testing.T) {
	sink := &stubSink{fail: func(seq uint64) bool { return seq%3 == 0 }}
	cam := newHandCamera()
	d := deps(cam, &recorder{})
	d.Registry = stubOutputs{sink}
	s := capture.NewSession(d, stubConfig(t, capture.Limit{}))
	require.NoError(t, s.Start(context.Background()))
	cam.deliver(9)
	require.NoError(t, s.Stop())

	sum := wait(t, s)
	require.NoError(t, sum.Err)
	assert.Equal(t, uint64(6), sum.Frames)
	assert.Equal(t, uint64(3), sum.Dropped)
	assert.Equal(t, capture.ReasonStopped, sum.Reason)
	assert.True(t, sink.closed)
}

func TestTooManyWriteFailures(t *testing.T) {
	sink := &stubSink{fail: func(uint64) bool { return true }}
	cam := newHandCamera()
	d := deps(cam, &recorder{})
	d.Registry = stubOutputs{sink}
	cfg := stubConfig(t, capture.Limit{})
	cfg.MaxConsecutiveWriteFailures = 3
	s := capture.NewSession(d, cfg)
	require.NoError(t, s.Start(context.Background()))
	cam.deliver(5)

	sum := wait(t, s)
	assert.ErrorIs(t, sum.Err, capture.ErrTooManyWriteFailures)
	assert.ErrorIs(t, sum.Err, capture.ErrFrameWrite)
	assert.Equal(t, capture.ReasonError, sum.Reason)
	assert.Zero(t, sum.Frames)
	assert.GreaterOrEqual(t, sum.Dropped, uint64(3))
}

func TestQueueFullDrops(t *testing.T) {
	sink := &stubSink{gate: make(chan struct{})}
	cam := newHandCamera()
	d := deps(cam, &recorder{})
	d.Registry = stubOutputs{sink}
	cfg := stubConfig(t, capture.Limit{})
	cfg.QueueDepth = 2
	s := capture.NewSession(d, cfg)
	require.NoError(t, s.Start(context.Background()))
	cam.deliver(10)

	require.Eventually(t, func() bool {
		st := s.Status()
		return st.Dropped+uint64(st.Pending) == 10
	}, 2*time.Second, 5*time.Millisecond)
	st := s.Status()
	assert.GreaterOrEqual(t, st.Dropped, uint64(7))
	assert.Zero(t, st.Frames)

	close(sink.gate)
	require.NoError(t, s.Stop())
	sum := wait(t, s)
	assert.Equal(t, uint64(10), sum.Frames+sum.Dropped)
	assert.GreaterOrEqual(t, sum.Frames, uint64(2))
}

func TestPauseExcludesTime(t *testing.T) {
	clk := newClock()
	cam := newHandCamera()
	d := deps(cam, &recorder{})
	d.Registry = stubOutputs{&stubSink{}}
	d.Now = clk.Now
	s := capture.NewSession(d, stubConfig(t, capture.Limit{}))

	assert.ErrorIs(t, s.Pause(), capture.ErrState)
	require.NoError(t, s.Start(context.Background()))
	cam.deliver(2)
	require.Eventually(t, func() bool { return s.Status().Frames == 2 }, time.Second, 5*time.Millisecond)

	clk.advance(2 * time.Second)
	require.NoError(t, s.Pause())
	assert.ErrorIs(t, s.Pause(), capture.ErrState)
	st := s.Status()
	assert.Equal(t, capture.Paused, st.State)
	assert.False(t, st.FPSValid)

	cam.deliver(3)
	clk.advance(10 * time.Second)
	require.NoError(t, s.Resume())
	assert.ErrorIs(t, s.Resume(), capture.ErrState)
	clk.advance(time.Second)
	cam.deliver(1)
	require.Eventually(t, func() bool { return s.Status().Frames == 3 }, time.Second, 5*time.Millisecond)
	st = s.Status()
	assert.True(t, st.FPSValid)
	assert.InDelta(t, 1.0, st.FPS, 1e-9)

	require.NoError(t, s.Stop())
	sum := wait(t, s)
	assert.Equal(t, uint64(3), sum.Frames)
	assert.Zero(t, sum.Dropped)
	assert.Equal(t, 13*time.Second, sum.Duration)
	assert.Equal(t, 3*time.Second, sum.Active)
	assert.InDelta(t, 1.0, sum.AverageFPS, 1e-9)
}

func TestPauseAsksPausingCamera(t *testing.T) {
	cam := newPausingCamera()
	d := capture.Deps{Camera: cam, Registry: stubOutputs{&stubSink{}}, Prompter: &recorder{}, Log: zerolog.Nop()}
	s := capture.NewSession(d, stubConfig(t, capture.Limit{}))
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Pause())
	pauses, resumes := cam.counts()
	assert.Equal(t, 1, pauses)
	assert.Zero(t, resumes)
	require.NoError(t, s.Resume())
	pauses, resumes = cam.counts()
	assert.Equal(t, 1, pauses)
	assert.Equal(t, 1, resumes)

	require.NoError(t, s.Stop())
	wait(t, s)
}

func TestInboxOverrunDrops(t *testing.T) {
	const inbox = 256
	cam := newPausingCamera()
	cam.hold = make(chan struct{})
	d := capture.Deps{Camera: cam, Registry: stubOutputs{&stubSink{}}, Prompter: &recorder{}, Log: zerolog.Nop()}
	s := capture.NewSession(d, stubConfig(t, capture.Limit{}))
	require.NoError(t, s.Start(context.Background()))

	paused := make(chan error, 1)
	go func() { paused <- s.Pause() }()
	<-cam.entered
	// the loop is held inside the camera's Pause, so only the inbox takes frames
	cam.deliver(inbox + 40)
	close(cam.hold)
	require.NoError(t, <-paused)

	require.NoError(t, s.Resume())
	require.NoError(t, s.Stop())
	sum := wait(t, s)
	assert.Equal(t, uint64(40), sum.Dropped)
	assert.Zero(t, sum.Frames, "frames reaching a paused session are discarded")
}

func TestSecondsLimit(t *testing.T) {
	clk := newClock()
	cam := newHandCamera()
	d := deps(cam, &recorder{})
	d.Registry = stubOutputs{&stubSink{}}
	d.Now = clk.Now
	s := capture.NewSession(d, stubConfig(t, capture.Limit{Kind: capture.Seconds, Value: 5}))
	require.NoError(t, s.Start(context.Background()))

	clk.advance(3 * time.Second)
	require.NoError(t, s.Pause())
	clk.advance(10 * time.Second)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, capture.Paused, s.State())

	require.NoError(t, s.Resume())
	clk.advance(time.Second)
	time.Sleep(60 * time.Millisecond)
	st := s.Status()
	assert.Equal(t, capture.Running, st.State)
	assert.True(t, st.ProgressValid)
	assert.InDelta(t, 0.8, st.Progress, 1e-9)

	clk.advance(2 * time.Second)
	sum := wait(t, s)
	assert.Equal(t, capture.ReasonLimit, sum.Reason)
	assert.Equal(t, 6*time.Second, sum.Active)
	assert.Equal(t, 16*time.Second, sum.Duration)
}

func TestStopBeforeStart(t *testing.T) {
	s := capture.NewSession(deps(newHandCamera(), &recorder{}), capture.Config{})
	assert.Equal(t, capture.Idle, s.State())
	require.NoError(t, s.Stop())
	assert.Equal(t, capture.Stopped, s.State())
	assert.ErrorIs(t, s.Start(context.Background()), capture.ErrState)
	assert.NoError(t, s.Stop())
}

func TestTimerRefusesContainerFormats(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	cam := newHandCamera()
	d := deps(cam, rec)
	d.Timer = timer.NewCoordinator(timer.NewSim(false), timer.Settings{Enabled: true, Mode: timer.Trigger}, zerolog.Nop())

	s := capture.NewSession(d, capture.Config{
		Target: output.Target{Format: output.AVI, Dir: dir, Template: "t-%I"},
		Limit:  capture.Limit{Kind: capture.Seconds, Value: 10},
	})
	err := s.Start(context.Background())
	assert.ErrorIs(t, err, capture.ErrConfig)
	assert.Contains(t, rec.titles(), "Capture run abandoned")
	sum := wait(t, s)
	assert.ErrorIs(t, sum.Err, capture.ErrConfig)

	// FITS is accepted but the limit still has to be on frames
	s = capture.NewSession(d, capture.Config{
		Target: output.Target{Format: output.FITS, Dir: dir, Template: "t-%I"},
		Limit:  capture.Limit{Kind: capture.Seconds, Value: 10},
	})
	assert.ErrorIs(t, s.Start(context.Background()), capture.ErrConfig)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTimerArmedForRun(t *testing.T) {
	dir := t.TempDir()
	sim := timer.NewSim(true)
	cam := newHandCamera()
	rec := &recorder{}
	d := deps(cam, rec)
	st := timer.DefaultSettings()
	st.Enabled, st.ReadGPSPerRun = true, true
	d.Timer = timer.NewCoordinator(sim, st, zerolog.Nop())

	s := capture.NewSession(d, capture.Config{
		Target: output.Target{Format: output.FITS, Dir: dir, Template: "strobe-%I", Digits: 3},
		Limit:  capture.Limit{Kind: capture.Frames, Value: 3},
	})
	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, timer.Program{Mode: timer.Strobe, Count: 3}, sim.Program())
	cam.deliver(3)
	sum := wait(t, s)
	require.NoError(t, sum.Err)
	assert.Equal(t, uint64(3), sum.Frames)
	require.NotNil(t, sum.GPS)
	assert.Equal(t, sim.Fix.Lat, sum.GPS.Lat)
	assert.Equal(t, []string{"gps", "arm", "disarm"}, sim.Calls())
	assert.False(t, sim.Armed())

	// the camera is free running, so the operator was warned
	assert.Contains(t, rec.codes(), timer.CodeModeMismatch)
	for _, name := range []string{"strobe-000.fits", "strobe-001.fits", "strobe-002.fits"} {
		assert.FileExists(t, filepath.Join(dir, name))
	}
}

func TestTimerTimeoutIsAWarning(t *testing.T) {
	sim := timer.NewSim(true)
	sim.SetHang(true)
	cam := newHandCamera()
	cam.mode = 1
	d := deps(cam, &recorder{})
	d.Registry = stubOutputs{&stubSink{}}
	st := timer.DefaultSettings()
	st.Enabled, st.ReadGPSPerRun, st.OpTimeout = true, true, 30*time.Millisecond
	d.Timer = timer.NewCoordinator(sim, st, zerolog.Nop())

	s := capture.NewSession(d, capture.Config{
		Target: output.Target{Format: output.TIFF, Dir: t.TempDir(), Template: "x-%I"},
		Limit:  capture.Limit{Kind: capture.Frames, Value: 1},
	})
	require.NoError(t, s.Start(context.Background()))
	cam.deliver(1)
	sum := wait(t, s)
	require.NoError(t, sum.Err)
	assert.Equal(t, uint64(1), sum.Frames)
	assert.Nil(t, sum.GPS)

	var codes []string
	for _, n := range sum.Warnings {
		codes = append(codes, n.Code)
	}
	assert.Contains(t, codes, "gps")
	assert.Contains(t, codes, "timer")
}

func TestOverwriteRiskWarned(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	cam := newHandCamera()
	cfg := serConfig(dir, capture.Limit{Kind: capture.Frames, Value: 1})
	cfg.Target.Template = "jupiter"
	s := capture.NewSession(deps(cam, rec), cfg)
	require.NoError(t, s.Start(context.Background()))
	assert.Contains(t, rec.codes(), output.CodeOverwriteRisk)
	assert.NotEmpty(t, s.Status().Warnings)
	cam.deliver(1)
	sum := wait(t, s)
	assert.Equal(t, filepath.Join(dir, "jupiter.ser"), sum.Filename)
}

func TestIndexOverflowDeclined(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{answer: false}
	d := deps(newHandCamera(), rec)
	d.Index = output.NewIndexer(8)
	s := capture.NewSession(d, capture.Config{
		Target: output.Target{Format: output.PNG, Dir: dir, Template: "p%I", Digits: 1},
		Limit:  capture.Limit{Kind: capture.Frames, Value: 5},
	})
	err := s.Start(context.Background())
	assert.ErrorIs(t, err, capture.ErrIndexOverflowDeclined)
	assert.ErrorIs(t, err, capture.ErrConfig)
	assert.Len(t, rec.asked, 1)
	assert.Equal(t, uint64(8), d.Index.Peek())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCameraLostKeepsRecording(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	cam := newHandCamera()
	s := capture.NewSession(deps(cam, rec), serConfig(dir, capture.Limit{}))
	require.NoError(t, s.Start(context.Background()))
	cam.deliver(3)
	require.Eventually(t, func() bool { return s.Status().Frames == 3 }, time.Second, 5*time.Millisecond)
	cam.lose(device.ErrDisconnected)

	sum := wait(t, s)
	assert.ErrorIs(t, sum.Err, device.ErrDisconnected)
	assert.Equal(t, capture.ReasonDisconnected, sum.Reason)
	assert.Equal(t, uint32(3), serFrames(t, sum.Filename))
	assert.Contains(t, rec.codes(), "disconnected")
}

func TestCameraStartFailure(t *testing.T) {
	cam := newHandCamera()
	cam.startErr = device.ErrNotConnected
	d := deps(cam, &recorder{})
	sink := &stubSink{}
	d.Registry = stubOutputs{sink}
	s := capture.NewSession(d, stubConfig(t, capture.Limit{}))
	err := s.Start(context.Background())
	assert.ErrorIs(t, err, device.ErrNotConnected)
	sum := wait(t, s)
	assert.ErrorIs(t, sum.Err, device.ErrNotConnected)
	assert.True(t, sink.closed)
}

func TestNoCamera(t *testing.T) {
	cam := newHandCamera()
	cam.connected = false
	s := capture.NewSession(deps(cam, &recorder{}), capture.Config{})
	assert.ErrorIs(t, s.Start(context.Background()), capture.ErrConfig)
}

func TestSaveSettings(t *testing.T) {
	dir := t.TempDir()
	cam := newHandCamera()
	cfg := serConfig(dir, capture.Limit{Kind: capture.Frames, Value: 2})
	cfg.SaveSettings, cfg.Filter = true, "Ha"
	s := capture.NewSession(deps(cam, &recorder{}), cfg)
	require.NoError(t, s.Start(context.Background()))
	cam.deliver(2)
	sum := wait(t, s)
	require.NoError(t, sum.Err)

	b, err := os.ReadFile(capture.SettingsPath(sum.Filename))
	require.NoError(t, err)
	assert.Contains(t, string(b), "frames: 2")
	assert.Contains(t, string(b), "filter: Ha")
	assert.Equal(t, filepath.Join(dir, "run-0000.yml"), capture.SettingsPath(sum.Filename))
}
