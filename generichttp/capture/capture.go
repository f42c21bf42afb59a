/*Package capture provides an HTTP interface to the capture controller.

Runs are started with the server's default configuration, overridden by any
fields present in the request body.  Questions raised while validating or
running (overwrite, index overflow, manual filter changes) are held in a
prompt queue; the request that raised them blocks until they are answered
through /prompts/{id}.
*/
package capture

import (
	"context"
	"encoding/json"
	"errors"
	"go/types"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi"
	"github.com/rs/zerolog"

	"github.com/nasa-jpl/astrocap/autorun"
	"github.com/nasa-jpl/astrocap/capture"
	"github.com/nasa-jpl/astrocap/device"
	"github.com/nasa-jpl/astrocap/filterwheel"
	"github.com/nasa-jpl/astrocap/generichttp"
	"github.com/nasa-jpl/astrocap/output"
	"github.com/nasa-jpl/astrocap/prompt"
	"github.com/nasa-jpl/astrocap/server"
	"github.com/nasa-jpl/astrocap/timer"
)

// Options are the collaborators of an HTTPCapture.  Prompts should be the
// prompter the controller was built with.
type Options struct {
	Controller *capture.Controller
	Sequencer  autorun.Sequencer
	Prompts    *prompt.Queue
	Registry   *output.Registry
	Defaults   capture.Config
	Autorun    autorun.Config
	Log        zerolog.Logger
}

// HTTPCapture exposes capture sessions, autoruns and operator prompts
type HTTPCapture struct {
	opts Options
	ctl  *capture.Controller
	seq  autorun.Sequencer

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	event  autorun.Event
	report *autorun.Report

	RouteTable generichttp.RouteTable
}

// AutorunStatus is the state of the most recent autorun
type AutorunStatus struct {
	Running bool            `json:"running"`
	Event   autorun.Event   `json:"event"`
	Report  *autorun.Report `json:"report,omitempty"`
}

// TimerStatus is the state and settings of the timer
type TimerStatus struct {
	State    string         `json:"state"`
	InUse    bool           `json:"inUse"`
	Settings timer.Settings `json:"settings"`
}

// NewHTTPCapture returns an HTTPCapture with its routes populated
func NewHTTPCapture(o Options) *HTTPCapture {
	h := &HTTPCapture{opts: o, ctl: o.Controller, seq: o.Sequencer}
	h.seq.Observe = h.observe
	rt := generichttp.RouteTable{}
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/session"}] = h.GetSession
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/session"}] = h.StartSession
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/session/pause"}] = h.control((*capture.Session).Pause)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/session/resume"}] = h.control((*capture.Session).Resume)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/session/stop"}] = h.control((*capture.Session).Stop)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/session/summary"}] = h.GetSummary
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/session/recording"}] = h.GetRecording
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/validate"}] = h.Validate
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autorun"}] = h.GetAutorun
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autorun"}] = h.StartAutorun
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autorun/cancel"}] = h.CancelAutorun
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/prompts"}] = h.GetPrompts
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/prompts/{id}"}] = h.AnswerPrompt
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/notices"}] = h.GetNotices
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/formats"}] = h.GetFormats
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/index"}] = generichttp.GetInt(func() (int, error) {
		return int(h.ctl.Deps().Index.Peek()), nil
	})
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/index"}] = generichttp.SetInt(h.setIndex)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/timer/settings"}] = h.GetTimer
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/timer/settings"}] = h.SetTimer
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/timer/resync"}] = h.Resync
	if h.seq.Wheel != nil {
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/wheel/position"}] = h.GetPosition
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/wheel/position"}] = h.SetPosition
	}
	h.RouteTable = rt
	return h
}

// RT satisfies generichttp.HTTPer
func (h *HTTPCapture) RT() generichttp.RouteTable {
	return h.RouteTable
}

// StatusCode maps an error from the capture packages to an HTTP status
func StatusCode(err error) int {
	switch {
	case errors.Is(err, capture.ErrBusy), errors.Is(err, capture.ErrState):
		return http.StatusConflict
	case errors.Is(err, capture.ErrConfig),
		errors.Is(err, autorun.ErrAbandoned),
		errors.Is(err, output.ErrOverwriteDeclined),
		errors.Is(err, output.ErrFormatUnavailable),
		errors.Is(err, output.ErrDirectory),
		errors.Is(err, filterwheel.ErrBadSlot):
		return http.StatusUnprocessableEntity
	case errors.Is(err, prompt.ErrUnknownPrompt):
		return http.StatusNotFound
	case errors.Is(err, device.ErrHardwareTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, device.ErrNotConnected), errors.Is(err, device.ErrDisconnected):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func fail(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), StatusCode(err))
}

// decode overlays the JSON body of r, if any, on v
func decode(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// Close cancels any autorun and stops the current session
func (h *HTTPCapture) Close() {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	if s := h.ctl.Current(); s != nil {
		s.Stop()
	}
}

// session is the current session, or else the last one
func (h *HTTPCapture) session() *capture.Session {
	if s := h.ctl.Current(); s != nil {
		return s
	}
	return h.ctl.Last()
}

func (h *HTTPCapture) sessionActive() bool {
	s := h.ctl.Current()
	return s != nil && s.State() != capture.Stopped
}

// GetSession returns the status of the current or last session
func (h *HTTPCapture) GetSession(w http.ResponseWriter, r *http.Request) {
	s := h.session()
	if s == nil {
		http.Error(w, "no capture session", http.StatusNotFound)
		return
	}
	generichttp.RespondJSON(w, http.StatusOK, s.Status())
}

// StartSession starts a run of the default configuration, overlaid with the
// request body
func (h *HTTPCapture) StartSession(w http.ResponseWriter, r *http.Request) {
	cfg := h.opts.Defaults
	if err := decode(r, &cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if h.autorunning() {
		fail(w, capture.ErrBusy)
		return
	}
	s, err := h.ctl.Start(r.Context(), cfg)
	if err != nil {
		fail(w, err)
		return
	}
	generichttp.RespondJSON(w, http.StatusCreated, s.Status())
}

func (h *HTTPCapture) control(fn func(*capture.Session) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := h.ctl.Current()
		if s == nil {
			fail(w, capture.ErrState)
			return
		}
		if err := fn(s); err != nil {
			fail(w, err)
			return
		}
		generichttp.RespondJSON(w, http.StatusOK, s.Status())
	}
}

// GetSummary returns the summary of the last finished session
func (h *HTTPCapture) GetSummary(w http.ResponseWriter, r *http.Request) {
	s := h.ctl.Last()
	if s == nil {
		http.Error(w, "no finished capture session", http.StatusNotFound)
		return
	}
	sum, _ := s.Wait(r.Context())
	generichttp.RespondJSON(w, http.StatusOK, sum)
}

// GetRecording sends the last container recording.  Formats that write a file
// per frame have no single recording to send.
func (h *HTTPCapture) GetRecording(w http.ResponseWriter, r *http.Request) {
	s := h.ctl.Last()
	if s == nil {
		http.Error(w, "no finished capture session", http.StatusNotFound)
		return
	}
	sum, _ := s.Wait(r.Context())
	if sum.Format.Discrete() || sum.Format == output.NamedPipe || sum.Filename == "" {
		http.Error(w, sum.Format.String()+" runs have no single recording", http.StatusNotFound)
		return
	}
	server.ReplyWithFile(w, r, sum.Filename)
}

// Validate checks a configuration for ?runs= runs (default 1) without
// starting anything, and returns the warnings it raised
func (h *HTTPCapture) Validate(w http.ResponseWriter, r *http.Request) {
	runs := 1
	if str := r.URL.Query().Get("runs"); str != "" {
		n, err := strconv.Atoi(str)
		if err != nil || n < 1 {
			http.Error(w, "runs must be a positive integer", http.StatusBadRequest)
			return
		}
		runs = n
	}
	cfg := h.opts.Defaults
	if err := decode(r, &cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	warnings, err := h.ctl.Validate(r.Context(), cfg, runs)
	if err != nil {
		fail(w, err)
		return
	}
	if warnings == nil {
		warnings = []prompt.Notice{}
	}
	generichttp.RespondJSON(w, http.StatusOK, warnings)
}

func (h *HTTPCapture) observe(e autorun.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.event = e
}

func (h *HTTPCapture) autorunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancel != nil
}

// AutorunRequest overrides the default autorun and capture configuration
type AutorunRequest struct {
	Autorun *autorun.Config `json:"autorun"`
	Capture *capture.Config `json:"capture"`
}

// StartAutorun validates and starts an autorun in the background.  The
// request returns once the autorun has been accepted or refused.
func (h *HTTPCapture) StartAutorun(w http.ResponseWriter, r *http.Request) {
	acfg, ccfg := h.opts.Autorun, h.opts.Defaults
	req := AutorunRequest{Autorun: &acfg, Capture: &ccfg}
	if err := decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	busy := h.cancel != nil || h.sessionActive()
	h.mu.Unlock()
	if busy {
		fail(w, capture.ErrBusy)
		return
	}
	if err := h.seq.Check(acfg); err != nil {
		fail(w, err)
		return
	}
	warnings, err := h.ctl.Validate(r.Context(), ccfg, acfg.Runs)
	if err != nil {
		fail(w, err)
		return
	}

	h.mu.Lock()
	if h.cancel != nil || h.sessionActive() {
		h.mu.Unlock()
		fail(w, capture.ErrBusy)
		return
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	h.cancel, h.done = cancel, make(chan struct{})
	h.report, h.event = nil, autorun.Event{Runs: acfg.Runs}
	done := h.done
	h.mu.Unlock()

	go func() {
		defer close(done)
		rep, err := h.seq.Run(ctx, acfg, validated{h.ctl, warnings}, ccfg)
		if err != nil {
			h.opts.Log.Warn().Err(err).Msg("autorun ended early")
		}
		h.mu.Lock()
		h.report, h.cancel = &rep, nil
		h.mu.Unlock()
		cancel()
	}()
	generichttp.RespondJSON(w, http.StatusAccepted, h.autorunStatus())
}

// validated runs captures for an autorun that was checked when it was
// accepted
type validated struct {
	*capture.Controller
	warnings []prompt.Notice
}

func (v validated) Validate(context.Context, capture.Config, int) ([]prompt.Notice, error) {
	return v.warnings, nil
}

func (h *HTTPCapture) autorunStatus() AutorunStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return AutorunStatus{Running: h.cancel != nil, Event: h.event, Report: h.report}
}

// GetAutorun returns the progress of the current or last autorun
func (h *HTTPCapture) GetAutorun(w http.ResponseWriter, r *http.Request) {
	generichttp.RespondJSON(w, http.StatusOK, h.autorunStatus())
}

// CancelAutorun stops the autorun, ending its current run early
func (h *HTTPCapture) CancelAutorun(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.mu.Unlock()
	if cancel == nil {
		fail(w, capture.ErrState)
		return
	}
	cancel()
	select {
	case <-done:
	case <-r.Context().Done():
	}
	generichttp.RespondJSON(w, http.StatusOK, h.autorunStatus())
}

// GetPrompts lists the questions waiting for an answer
func (h *HTTPCapture) GetPrompts(w http.ResponseWriter, r *http.Request) {
	generichttp.RespondJSON(w, http.StatusOK, h.opts.Prompts.Pending())
}

// AnswerPrompt answers a pending question with {"bool": answer}.
// Acknowledgements ignore the answer.
func (h *HTTPCapture) AnswerPrompt(w http.ResponseWriter, r *http.Request) {
	b := generichttp.BoolT{}
	if err := decode(r, &b); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.opts.Prompts.Answer(chi.URLParam(r, "id"), b.Bool); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetNotices returns the most recent notices
func (h *HTTPCapture) GetNotices(w http.ResponseWriter, r *http.Request) {
	generichttp.RespondJSON(w, http.StatusOK, h.opts.Prompts.Notices())
}

// GetFormats lists the output formats that can be used
func (h *HTTPCapture) GetFormats(w http.ResponseWriter, r *http.Request) {
	generichttp.RespondJSON(w, http.StatusOK, h.opts.Registry.AvailableFormats())
}

func (h *HTTPCapture) setIndex(i int) error {
	if i < 0 {
		return errors.New("capture index cannot be negative")
	}
	if h.sessionActive() {
		return capture.ErrBusy
	}
	h.ctl.Deps().Index.Set(uint64(i))
	return nil
}

func (h *HTTPCapture) coordinator(w http.ResponseWriter) *timer.Coordinator {
	c := h.ctl.Deps().Timer
	if c == nil {
		http.Error(w, "no timer configured", http.StatusNotFound)
	}
	return c
}

// GetTimer returns the timer's state and settings
func (h *HTTPCapture) GetTimer(w http.ResponseWriter, r *http.Request) {
	c := h.coordinator(w)
	if c == nil {
		return
	}
	generichttp.RespondJSON(w, http.StatusOK, TimerStatus{State: c.State().String(), InUse: c.InUse(), Settings: c.Settings()})
}

// SetTimer overlays the request body on the timer settings.  Settings cannot
// change while a session is running.
func (h *HTTPCapture) SetTimer(w http.ResponseWriter, r *http.Request) {
	c := h.coordinator(w)
	if c == nil {
		return
	}
	st := c.Settings()
	if err := decode(r, &st); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if h.sessionActive() {
		fail(w, capture.ErrBusy)
		return
	}
	c.SetSettings(st)
	generichttp.RespondJSON(w, http.StatusOK, TimerStatus{State: c.State().String(), InUse: c.InUse(), Settings: st})
}

// Resync synchronizes the timer's clock
func (h *HTTPCapture) Resync(w http.ResponseWriter, r *http.Request) {
	c := h.coordinator(w)
	if c == nil {
		return
	}
	if err := c.Resync(r.Context()); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetPosition returns the filter wheel slot as {"int": slot}
func (h *HTTPCapture) GetPosition(w http.ResponseWriter, r *http.Request) {
	var pos int
	err := device.Bounded(r.Context(), "position", h.seq.MoveTimeout, func(ctx context.Context) error {
		var err error
		pos, err = h.seq.Wheel.Position(ctx)
		return err
	})
	if err != nil {
		fail(w, err)
		return
	}
	hp := generichttp.HumanPayload{T: types.Int, Int: pos}
	hp.EncodeAndRespond(w, r)
}

// SetPosition moves the filter wheel to {"int": slot}.  The wheel cannot be
// moved by hand while a session or autorun is running.
func (h *HTTPCapture) SetPosition(w http.ResponseWriter, r *http.Request) {
	i := generichttp.IntT{}
	if err := decode(r, &i); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if h.autorunning() || h.sessionActive() {
		fail(w, capture.ErrBusy)
		return
	}
	if err := filterwheel.CheckSlot(i.Int, h.seq.Wheel.Slots()); err != nil {
		fail(w, err)
		return
	}
	err := device.Bounded(r.Context(), "move", h.seq.MoveTimeout, func(ctx context.Context) error {
		return h.seq.Wheel.Move(ctx, i.Int)
	})
	if err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
