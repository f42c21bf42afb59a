package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/nasa-jpl/astrocap/camera"
	"github.com/nasa-jpl/astrocap/device"
	"github.com/nasa-jpl/astrocap/metrics"
	"github.com/nasa-jpl/astrocap/output"
	"github.com/nasa-jpl/astrocap/prompt"
	"github.com/nasa-jpl/astrocap/timer"
)

// State is where a session is in its lifecycle
type State int

const (
	// Idle sessions have not started
	Idle State = iota

	// Running sessions are writing frames
	Running

	// Paused sessions discard frames
	Paused

	// Stopping sessions are draining the writer
	Stopping

	// Stopped sessions are finished; this is terminal
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	}
	return "idle"
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Reasons a session stopped
const (
	ReasonLimit        = "limit"
	ReasonStopped      = "stopped"
	ReasonDisconnected = "disconnected"
	ReasonError        = "error"
)

// inboxDepth bounds how far frame and command handling may lag delivery
const inboxDepth = 256

// statusInterval is how often a running session checks its time limit
const statusInterval = 20 * time.Millisecond

// Outputs opens recordings.  *output.Registry is the implementation used
// outside of tests.
type Outputs interface {
	Available(f output.Format) error
	Open(ctx context.Context, t output.Target, o output.OpenOptions) (output.Sink, error)
}

// Deps are the process-lifetime collaborators of a session
type Deps struct {
	Camera   camera.Camera
	Timer    *timer.Coordinator
	Registry Outputs
	Index    *output.Indexer
	Prompter prompt.Prompter
	Log      zerolog.Logger
	Now      func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Prompter == nil {
		d.Prompter = prompt.Auto{Log: d.Log}
	}
	if d.Index == nil {
		d.Index = output.NewIndexer(0)
	}
	if d.Registry == nil {
		d.Registry = output.NewRegistry(d.Log)
	}
	return d
}

// Status is a snapshot of a session
type Status struct {
	ID            string          `json:"id"`
	State         State           `json:"state"`
	Frames        uint64          `json:"frames"`
	Dropped       uint64          `json:"dropped"`
	Pending       int             `json:"pending"`
	Elapsed       time.Duration   `json:"elapsed"`
	Paused        time.Duration   `json:"paused"`
	FPS           float64         `json:"fps"`
	FPSValid      bool            `json:"fpsValid"`
	Progress      float64         `json:"progress"`
	ProgressValid bool            `json:"progressValid"`
	Filename      string          `json:"filename"`
	Warnings      []prompt.Notice `json:"warnings"`
}

// Summary describes a finished session
type Summary struct {
	ID         string          `json:"id" yaml:"id"`
	Frames     uint64          `json:"frames" yaml:"frames"`
	Dropped    uint64          `json:"dropped" yaml:"dropped"`
	Duration   time.Duration   `json:"duration" yaml:"duration"`
	Active     time.Duration   `json:"active" yaml:"active"`
	AverageFPS float64         `json:"averageFps" yaml:"averagefps"`
	FPSValid   bool            `json:"fpsValid" yaml:"fpsvalid"`
	Filename   string          `json:"filename" yaml:"filename"`
	Format     output.Format   `json:"format" yaml:"format"`
	Filter     string          `json:"filter" yaml:"filter"`
	GPS        *timer.GPSFix   `json:"gps,omitempty" yaml:"gps,omitempty"`
	Reason     string          `json:"reason" yaml:"reason"`
	Warnings   []prompt.Notice `json:"warnings" yaml:"warnings"`
	Error      string          `json:"error,omitempty" yaml:"error,omitempty"`
	Err        error           `json:"-" yaml:"-"`
}

type msgKind int

const (
	msgFrame msgKind = iota
	msgPause
	msgResume
	msgStop
)

type msg struct {
	kind  msgKind
	frame camera.Frame
	cause error
	reply chan error
}

// written is the writer's report on one frame
type written struct {
	err  error
	name string
}

// Session is one capture run.  Frames and commands share one inbox and are
// handled in arrival order by a single goroutine; a second goroutine owns the
// output and writes what the first queues for it.  Deliver and Lost make a
// Session a camera.Receiver.
type Session struct {
	id   string
	deps Deps
	cfg  Config
	log  zerolog.Logger

	inbox   chan msg
	lost    chan error
	done    chan struct{}
	running atomic.Bool
	overrun atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	started  bool
	snapshot Status
	summary  Summary

	// owned by the loop goroutine once it starts
	state       State
	frames      uint64
	dropped     uint64
	inflight    int
	failures    int
	start       time.Time
	pausedAt    time.Time
	paused      time.Duration
	filename    string
	sink        output.Sink
	queue       chan camera.Frame
	results     chan written
	writerDone  chan struct{}
	warnings    []prompt.Notice
	gps         *timer.GPSFix
	progressLog *rate.Limiter
}

// NewSession returns an Idle session
func NewSession(d Deps, cfg Config) *Session {
	d = d.withDefaults()
	id := uuid.NewString()
	return &Session{
		id:          id,
		deps:        d,
		cfg:         cfg,
		log:         d.Log.With().Str("session", id).Logger(),
		inbox:       make(chan msg, inboxDepth),
		lost:        make(chan error, 1),
		done:        make(chan struct{}),
		snapshot:    Status{ID: id, State: Idle},
		progressLog: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

// ID returns the session's unique id
func (s *Session) ID() string { return s.id }

// Config returns the run configuration
func (s *Session) Config() Config { return s.cfg }

// Done is closed when the session is Stopped
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) setState(st State) {
	s.state = st
	s.running.Store(st == Running)
	metrics.SetState(st.String())
}

// Start validates the configuration and, if it is acceptable, opens the
// output, arms the timer and starts the camera.  Nothing is created on disk
// when validation fails.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrState
	}
	s.started = true
	s.mu.Unlock()

	warnings, err := Validate(ctx, s.deps, s.cfg, 1)
	if err != nil {
		s.refuse(err)
		return err
	}
	s.warnings = warnings

	d := s.deps
	if d.Timer != nil && d.Timer.InUse() {
		fix, err := d.Timer.ReadGPS(ctx)
		if err != nil {
			s.warn(ctx, prompt.Notice{Severity: prompt.Warning, Code: "gps", Title: "GPS position not read", Text: err.Error()})
		}
		s.gps = fix
	}

	meta := s.cfg.Meta
	meta.Filter = s.cfg.Filter
	if s.gps != nil {
		meta.Site = &output.Site{Lat: s.gps.Lat, Long: s.gps.Long, Alt: s.gps.Alt, Time: s.gps.Time}
	}
	values := output.Values{Time: d.Now(), Filter: s.cfg.Filter, Profile: s.cfg.Profile}
	format := d.Camera.Format()
	values.Exposure = d.Camera.Exposure()
	meta.Camera = d.Camera.Name()
	if format.Binning > 0 {
		meta.Binning = format.Binning
	}
	if rr, ok := d.Camera.(camera.RangeReporter); ok {
		values.Gain = rr.Gain()
	}
	if th, ok := d.Camera.(camera.Thermometer); ok {
		if t, err := th.GetTemp(); err == nil {
			meta.Temperature = &t
		}
	}

	sink, err := d.Registry.Open(ctx, s.cfg.Target, output.OpenOptions{
		Index: d.Index, Values: values, Frame: format, Meta: meta, Prompter: d.Prompter})
	if err != nil {
		s.refuse(err)
		return err
	}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if d.Timer != nil && d.Timer.InUse() {
		d.Timer.Prepare(s.cfg.Limit.FrameCount())
		if err := d.Timer.WaitDrain(ctx, values.Exposure); err != nil {
			sink.Close()
			s.cancel()
			s.refuse(err)
			return err
		}
		if err := d.Timer.Arm(s.ctx); err != nil {
			s.warn(ctx, prompt.Notice{Severity: prompt.Warning, Code: "timer", Title: "Timer not armed", Text: err.Error()})
		}
	}

	name := sink.Name()
	s.sink = sink
	s.filename = name
	s.frames, s.dropped, s.inflight, s.failures = 0, 0, 0, 0
	s.start = d.Now()
	s.queue = make(chan camera.Frame, s.cfg.queueDepth())
	s.results = make(chan written, s.cfg.queueDepth()+1)
	s.writerDone = make(chan struct{})
	go s.write()

	s.setState(Running)
	s.publish()
	s.log.Info().Str("file", name).Stringer("format", s.cfg.Target.Format).
		Stringer("limit", s.cfg.Limit.Kind).Int("value", s.cfg.Limit.Value).Msg("capture started")
	go s.loop()

	if err := d.Camera.Start(s.ctx, s); err != nil {
		err = fmt.Errorf("starting camera: %w", err)
		s.command(msgStop, err)
		return err
	}
	return nil
}

// refuse ends a session that never ran
func (s *Session) refuse(err error) {
	metrics.Runs.WithLabelValues("refused").Inc()
	s.log.Warn().Err(err).Msg("capture refused")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary = Summary{
		ID:       s.id,
		Format:   s.cfg.Target.Format,
		Filter:   s.cfg.Filter,
		Reason:   ReasonError,
		Warnings: s.warnings,
		Err:      err,
		Error:    err.Error(),
	}
	s.snapshot.State = Stopped
	close(s.done)
}

func (s *Session) warn(ctx context.Context, n prompt.Notice) {
	s.deps.Prompter.Notify(ctx, n)
	s.warnings = append(s.warnings, n)
}

// write owns the sink until the queue is closed
func (s *Session) write() {
	defer close(s.writerDone)
	for f := range s.queue {
		err := s.sink.Write(f)
		if err != nil {
			err = fmt.Errorf("%w: frame %d: %w", ErrFrameWrite, f.Seq, err)
		}
		s.results <- written{err: err, name: s.sink.Name()}
	}
}

// Deliver implements camera.Receiver.  It never blocks the camera.
func (s *Session) Deliver(f camera.Frame) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.inbox <- msg{kind: msgFrame, frame: f}:
	default:
		if s.running.Load() {
			s.overrun.Add(1)
		}
	}
}

// Lost implements camera.Receiver
func (s *Session) Lost(err error) {
	select {
	case s.lost <- err:
	default:
	}
}

func (s *Session) loop() {
	tick := time.NewTicker(statusInterval)
	defer tick.Stop()
	for {
		select {
		case m := <-s.inbox:
			s.handle(m)
		case w := <-s.results:
			if s.account(w) {
				s.finish(fmt.Errorf("%w: %w", ErrTooManyWriteFailures, w.err), ReasonError)
			} else {
				s.checkLimit()
			}
		case err := <-s.lost:
			s.disconnected(err)
		case <-tick.C:
			s.checkLimit()
			s.logProgress()
		}
		if s.state == Stopped {
			return
		}
		s.publish()
	}
}

func (s *Session) handle(m msg) {
	var err error
	switch m.kind {
	case msgFrame:
		s.accept(m.frame)
	case msgPause:
		err = s.pause()
	case msgResume:
		err = s.resume()
	case msgStop:
		reason := ReasonStopped
		if m.cause != nil {
			reason = ReasonError
		}
		s.finish(m.cause, reason)
	}
	if m.reply != nil {
		m.reply <- err
	}
}

// accept queues a frame for the writer.  Frames beyond the frame limit are
// ignored without being counted.
func (s *Session) accept(f camera.Frame) {
	if s.state != Running {
		return
	}
	s.collectOverrun()
	if s.cfg.Limit.Kind == Frames && s.cfg.Limit.Enabled() &&
		s.frames+uint64(s.inflight) >= uint64(s.cfg.Limit.Value) {
		return
	}
	select {
	case s.queue <- f:
		s.inflight++
		metrics.WriteQueueDepth.Set(float64(len(s.queue)))
	default:
		s.dropped++
		metrics.FramesDropped.WithLabelValues("queue_full").Inc()
	}
}

func (s *Session) collectOverrun() {
	if n := s.overrun.Swap(0); n > 0 {
		s.dropped += n
		metrics.FramesDropped.WithLabelValues("inbox_full").Add(float64(n))
	}
}

// account records one writer report and returns true when the run has failed
// too many times in a row to continue
func (s *Session) account(w written) bool {
	s.inflight--
	s.filename = w.name
	metrics.WriteQueueDepth.Set(float64(len(s.queue)))
	if w.err != nil {
		s.dropped++
		s.failures++
		metrics.FramesDropped.WithLabelValues("write_error").Inc()
		s.log.Warn().Err(w.err).Int("consecutive", s.failures).Msg("frame not written")
		limit := s.cfg.MaxConsecutiveWriteFailures
		return limit > 0 && s.failures >= limit
	}
	s.failures = 0
	s.frames++
	metrics.FramesWritten.WithLabelValues(s.cfg.Target.Format.String()).Inc()
	return false
}

// active is the time spent Running
func (s *Session) active(now time.Time) time.Duration {
	paused := s.paused
	if s.state == Paused {
		paused += now.Sub(s.pausedAt)
	}
	return now.Sub(s.start) - paused
}

func (s *Session) checkLimit() {
	if s.state != Running || !s.cfg.Limit.Enabled() {
		return
	}
	switch s.cfg.Limit.Kind {
	case Frames:
		if s.frames >= uint64(s.cfg.Limit.Value) {
			s.finish(nil, ReasonLimit)
		}
	case Seconds:
		if s.active(s.deps.Now()) >= s.cfg.Limit.Duration() {
			s.finish(nil, ReasonLimit)
		}
	}
}

func (s *Session) logProgress() {
	if s.state != Running || !s.progressLog.Allow() {
		return
	}
	s.log.Debug().Uint64("frames", s.frames).Uint64("dropped", s.dropped).
		Int("pending", s.inflight).Msg("capture progress")
}

func (s *Session) pause() error {
	if s.state != Running {
		return fmt.Errorf("%w: cannot pause while %s", ErrState, s.state)
	}
	if p, ok := s.deps.Camera.(camera.Pauser); ok {
		if err := p.Pause(); err != nil {
			s.log.Warn().Err(err).Msg("camera did not pause, frames will be discarded")
		}
	}
	s.pausedAt = s.deps.Now()
	s.setState(Paused)
	s.log.Info().Msg("capture paused")
	return nil
}

func (s *Session) resume() error {
	if s.state != Paused {
		return fmt.Errorf("%w: cannot resume while %s", ErrState, s.state)
	}
	if p, ok := s.deps.Camera.(camera.Pauser); ok {
		if err := p.Resume(); err != nil {
			s.log.Warn().Err(err).Msg("camera did not resume")
		}
	}
	s.paused += s.deps.Now().Sub(s.pausedAt)
	s.setState(Running)
	s.log.Info().Msg("capture resumed")
	return nil
}

func (s *Session) disconnected(err error) {
	if err == nil {
		err = device.ErrDisconnected
	}
	if !errors.Is(err, device.ErrDisconnected) {
		err = fmt.Errorf("%w: %w", device.ErrDisconnected, err)
	}
	s.log.Error().Err(err).Msg("camera lost during capture")
	s.deps.Prompter.Notify(s.ctx, prompt.Notice{
		Severity: prompt.Error,
		Code:     "disconnected",
		Title:    "Camera disconnected",
		Text:     fmt.Sprintf("Capture stopped after %d frames; %s has been kept.", s.frames, s.filename),
	})
	s.finish(err, ReasonDisconnected)
}

// finish stops the camera and timer, writes what is queued and closes the
// output.  It is only called from the loop goroutine.
func (s *Session) finish(cause error, reason string) {
	if s.state == Stopping || s.state == Stopped {
		return
	}
	if s.state == Paused {
		s.paused += s.deps.Now().Sub(s.pausedAt)
	}
	s.setState(Stopping)
	s.publish()

	if err := s.deps.Camera.Stop(); err != nil {
		s.log.Warn().Err(err).Msg("stopping camera")
	}
	if s.deps.Timer != nil && s.deps.Timer.InUse() {
		if err := s.deps.Timer.Disarm(s.ctx); err != nil {
			s.warnings = append(s.warnings, prompt.Notice{Severity: prompt.Warning, Code: "timer", Title: "Timer not disarmed", Text: err.Error()})
		}
	}

	close(s.queue)
drain:
	for {
		select {
		case w := <-s.results:
			s.account(w)
		case <-s.writerDone:
			break drain
		}
	}
	for len(s.results) > 0 {
		s.account(<-s.results)
	}
	s.collectOverrun()
	metrics.WriteQueueDepth.Set(0)

	if err := s.sink.Close(); err != nil {
		s.log.Error().Err(err).Str("file", s.filename).Msg("closing output")
		if cause == nil {
			cause = fmt.Errorf("closing %s: %w", s.filename, err)
			reason = ReasonError
		}
	}

	now := s.deps.Now()
	sum := Summary{
		ID:       s.id,
		Frames:   s.frames,
		Dropped:  s.dropped,
		Duration: now.Sub(s.start),
		Filename: s.filename,
		Format:   s.cfg.Target.Format,
		Filter:   s.cfg.Filter,
		GPS:      s.gps,
		Reason:   reason,
		Err:      cause,
	}
	sum.Active = sum.Duration - s.paused
	if sum.Active > 0 {
		sum.AverageFPS = float64(s.frames) / sum.Active.Seconds()
		sum.FPSValid = true
	}
	if cause != nil {
		sum.Error = cause.Error()
	}
	if s.cfg.SaveSettings {
		if err := s.saveSettings(sum); err != nil {
			s.warnings = append(s.warnings, prompt.Notice{Severity: prompt.Warning, Code: "settings", Title: "Capture settings not saved", Text: err.Error()})
		}
	}
	sum.Warnings = s.warnings

	metrics.Runs.WithLabelValues(reason).Inc()
	s.cancel()
	s.setState(Stopped)
	s.log.Info().Str("reason", reason).Uint64("frames", s.frames).Uint64("dropped", s.dropped).
		Dur("active", sum.Active).Str("file", s.filename).Err(cause).Msg("capture finished")

	s.mu.Lock()
	s.summary = sum
	s.snapshot = s.status(now)
	s.mu.Unlock()
	close(s.done)
}

// status builds a snapshot from the loop's fields
func (s *Session) status(now time.Time) Status {
	st := Status{
		ID:       s.id,
		State:    s.state,
		Frames:   s.frames,
		Dropped:  s.dropped,
		Pending:  s.inflight,
		Filename: s.filename,
		Warnings: append([]prompt.Notice(nil), s.warnings...),
	}
	if s.start.IsZero() {
		return st
	}
	st.Elapsed = s.active(now)
	st.Paused = s.paused
	if s.state == Paused {
		st.Paused += now.Sub(s.pausedAt)
	}
	if s.state == Running && st.Elapsed > 0 {
		st.FPS = float64(s.frames) / st.Elapsed.Seconds()
		st.FPSValid = true
	}
	if s.cfg.Limit.Enabled() {
		switch s.cfg.Limit.Kind {
		case Frames:
			st.Progress = float64(s.frames) / float64(s.cfg.Limit.Value)
		case Seconds:
			st.Progress = st.Elapsed.Seconds() / s.cfg.Limit.Duration().Seconds()
		}
		if st.Progress > 1 {
			st.Progress = 1
		}
		st.ProgressValid = true
	}
	return st
}

func (s *Session) publish() {
	st := s.status(s.deps.Now())
	s.mu.Lock()
	s.snapshot = st
	s.mu.Unlock()
}

func (s *Session) command(kind msgKind, cause error) error {
	s.mu.Lock()
	switch {
	case s.snapshot.State == Stopped:
		s.mu.Unlock()
		if kind == msgStop {
			return nil
		}
		return fmt.Errorf("%w: session is stopped", ErrState)
	case !s.started:
		defer s.mu.Unlock()
		if kind != msgStop {
			return fmt.Errorf("%w: session has not started", ErrState)
		}
		s.started = true
		s.snapshot.State = Stopped
		s.summary = Summary{ID: s.id, Format: s.cfg.Target.Format, Filter: s.cfg.Filter, Reason: ReasonStopped}
		close(s.done)
		return nil
	}
	s.mu.Unlock()

	reply := make(chan error, 1)
	select {
	case s.inbox <- msg{kind: kind, cause: cause, reply: reply}:
	case <-s.done:
		return nil
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return nil
	}
}

// Pause stops writing and counting time until Resume
func (s *Session) Pause() error { return s.command(msgPause, nil) }

// Resume continues a paused session
func (s *Session) Resume() error { return s.command(msgResume, nil) }

// Stop ends the session once queued frames are written and the output is
// closed.  Stopping a session that never started moves it straight to
// Stopped; stopping a Stopped session does nothing.
func (s *Session) Stop() error { return s.command(msgStop, nil) }

// Wait blocks until the session is Stopped or ctx is done
func (s *Session) Wait(ctx context.Context) (Summary, error) {
	select {
	case <-ctx.Done():
		return Summary{}, ctx.Err()
	case <-s.done:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary, s.summary.Err
}

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.State
}

// Status returns the latest snapshot of the session
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.snapshot
	st.Warnings = append([]prompt.Notice(nil), st.Warnings...)
	return st
}
