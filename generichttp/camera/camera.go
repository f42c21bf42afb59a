// Package camera provides a generic HTTP interface to a capture camera
package camera

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/jpeg"
	"net/http"
	"strings"
	"time"

	"github.com/nasa-jpl/astrocap/camera"
	"github.com/nasa-jpl/astrocap/device"
	"github.com/nasa-jpl/astrocap/generichttp"
	"github.com/nasa-jpl/astrocap/output"
)

// ErrBusy is generated when the camera is asked for a snapshot while a
// capture session owns it
var ErrBusy = errors.New("camera is in use by a capture session")

// ExposureSetter is a camera whose exposure time can be changed
type ExposureSetter interface {
	SetExposure(time.Duration)
}

// ModeSetter is a camera whose exposure mode can be changed
type ModeSetter interface {
	SetMode(camera.Mode)
}

// Info describes the camera and its current configuration
type Info struct {
	Name          string               `json:"name"`
	Width         int                  `json:"width"`
	Height        int                  `json:"height"`
	BitDepth      int                  `json:"bitDepth"`
	FPS           float64              `json:"fps"`
	Binning       int                  `json:"binning"`
	Mode          string               `json:"mode"`
	Exposure      float64              `json:"exposure"`
	Firmware      string               `json:"firmware,omitempty"`
	Gain          *float64             `json:"gain,omitempty"`
	GainRange     *camera.ControlRange `json:"gainRange,omitempty"`
	ExposureRange *camera.ControlRange `json:"exposureRange,omitempty"`
	Temperature   *float64             `json:"temperature,omitempty"`
}

// HTTPCamera wraps a camera in an HTTP interface.  Busy reports if a capture
// session is using the camera, in which case settings cannot change and no
// snapshot can be taken.
type HTTPCamera struct {
	Cam     camera.Camera
	Busy    func() bool
	Timeout time.Duration

	RouteTable generichttp.RouteTable
}

// NewHTTPCamera returns a new HTTP wrapper with its routes populated.  Setter
// routes are only added when the camera supports them.
func NewHTTPCamera(c camera.Camera, busy func() bool, timeout time.Duration) *HTTPCamera {
	if busy == nil {
		busy = func() bool { return false }
	}
	h := &HTTPCamera{Cam: c, Busy: busy, Timeout: timeout}
	rt := generichttp.RouteTable{}
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/info"}] = h.GetInfo
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/exposure-time"}] = generichttp.GetFloat(func() (float64, error) {
		return c.Exposure().Seconds(), nil
	})
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/mode"}] = generichttp.GetString(func() (string, error) {
		return c.Mode().String(), nil
	})
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/frame"}] = h.GetFrame
	if es, ok := c.(ExposureSetter); ok {
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/exposure-time"}] = h.SetExposureTime(es)
	}
	if ms, ok := c.(ModeSetter); ok {
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/mode"}] = h.SetMode(ms)
	}
	h.RouteTable = rt
	return h
}

// RT satisfies generichttp.HTTPer
func (h *HTTPCamera) RT() generichttp.RouteTable {
	return h.RouteTable
}

// Describe collects Info from the camera and whichever optional interfaces
// it implements
func Describe(c camera.Camera) Info {
	f := c.Format()
	info := Info{
		Name:     c.Name(),
		Width:    f.Width,
		Height:   f.Height,
		BitDepth: f.Pixel.BitDepth(),
		FPS:      f.FPS,
		Binning:  f.Binning,
		Mode:     c.Mode().String(),
		Exposure: c.Exposure().Seconds(),
	}
	if fr, ok := c.(camera.FirmwareReporter); ok {
		if v, err := fr.Firmware(); err == nil {
			info.Firmware = v
		}
	}
	if rr, ok := c.(camera.RangeReporter); ok {
		g, gr, er := rr.Gain(), rr.GainRange(), rr.ExposureRange()
		info.Gain, info.GainRange, info.ExposureRange = &g, &gr, &er
	}
	if th, ok := c.(camera.Thermometer); ok {
		if t, err := th.GetTemp(); err == nil {
			info.Temperature = &t
		}
	}
	return info
}

// GetInfo returns the camera's Info
func (h *HTTPCamera) GetInfo(w http.ResponseWriter, r *http.Request) {
	if !h.Cam.Connected() {
		http.Error(w, device.ErrNotConnected.Error(), http.StatusServiceUnavailable)
		return
	}
	generichttp.RespondJSON(w, http.StatusOK, Describe(h.Cam))
}

// SetExposureTime sets the exposure time on a POST request.
// it can be provided either as a query parameter exposureTime, formatted in a
// way that is parseable by golang/time.ParseDuration, or a json payload with
// key f64, holding the exposure time in seconds.
func (h *HTTPCamera) SetExposureTime(es ExposureSetter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		texp := r.URL.Query().Get("exposureTime")
		var (
			d   time.Duration
			err error
		)
		if texp == "" {
			f := generichttp.FloatT{}
			err = json.NewDecoder(r.Body).Decode(&f)
			d = time.Duration(f.F64 * float64(time.Second))
		} else {
			d, err = time.ParseDuration(texp)
		}
		if err == nil && d <= 0 {
			err = fmt.Errorf("exposure time must be positive, got %v", d)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if h.Busy() {
			http.Error(w, ErrBusy.Error(), http.StatusConflict)
			return
		}
		es.SetExposure(d)
		w.WriteHeader(http.StatusOK)
	}
}

// ParseMode is the inverse of camera.Mode.String
func ParseMode(s string) (camera.Mode, error) {
	for _, m := range []camera.Mode{camera.FreeRun, camera.Strobe, camera.Trigger} {
		if strings.EqualFold(s, m.String()) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown camera mode %q", s)
}

// SetMode sets the exposure mode from {"str": mode}
func (h *HTTPCamera) SetMode(ms ModeSetter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		str := generichttp.StrT{}
		if err := json.NewDecoder(r.Body).Decode(&str); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		m, err := ParseMode(str.Str)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if h.Busy() {
			http.Error(w, ErrBusy.Error(), http.StatusConflict)
			return
		}
		ms.SetMode(m)
		w.WriteHeader(http.StatusOK)
	}
}

// grab keeps the first frame delivered to it
type grab struct {
	frames chan camera.Frame
	lost   chan error
}

func (g grab) Deliver(f camera.Frame) {
	select {
	case g.frames <- f:
	default:
	}
}

func (g grab) Lost(err error) {
	select {
	case g.lost <- err:
	default:
	}
}

// Snapshot streams from the camera just long enough to receive one frame
func Snapshot(ctx context.Context, c camera.Camera, timeout time.Duration) (camera.Frame, error) {
	var frame camera.Frame
	err := device.Bounded(ctx, "snapshot", timeout, func(ctx context.Context) error {
		g := grab{frames: make(chan camera.Frame, 1), lost: make(chan error, 1)}
		if err := c.Start(ctx, g); err != nil {
			return err
		}
		defer c.Stop()
		select {
		case frame = <-g.frames:
			return nil
		case err := <-g.lost:
			return fmt.Errorf("%w: %v", device.ErrDisconnected, err)
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	return frame, err
}

// GetFrame takes a picture and returns it on a GET request.
//
// the image format may be specified in the fmt query parameter as jpg, png,
// tiff or fits; default to jpg.  jpg is 8 bits, the others keep the camera's
// bit depth.
func (h *HTTPCamera) GetFrame(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("fmt")
	if format == "" {
		format = "jpg"
	}
	var of output.Format
	if format != "jpg" {
		var err error
		of, err = output.ParseFormat(format)
		if err != nil || !of.Discrete() {
			http.Error(w, fmt.Sprintf("fmt must be jpg, png, tiff or fits, not %q", format), http.StatusBadRequest)
			return
		}
	}
	if h.Busy() {
		http.Error(w, ErrBusy.Error(), http.StatusConflict)
		return
	}
	frame, err := Snapshot(r.Context(), h.Cam, h.Timeout)
	if err != nil {
		code := http.StatusInternalServerError
		switch {
		case errors.Is(err, device.ErrHardwareTimeout):
			code = http.StatusGatewayTimeout
		case errors.Is(err, device.ErrNotConnected), errors.Is(err, device.ErrDisconnected):
			code = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), code)
		return
	}

	hdr := w.Header()
	if format == "jpg" {
		hdr.Set("Content-Type", "image/jpeg")
		w.WriteHeader(http.StatusOK)
		jpeg.Encode(w, frame.Image(), nil)
		return
	}
	switch of {
	case output.FITS:
		hdr.Set("Content-Type", "image/fits")
	case output.TIFF:
		hdr.Set("Content-Type", "image/tiff")
	default:
		hdr.Set("Content-Type", "image/png")
	}
	hdr.Set("Content-Disposition", "attachment; filename=image"+of.Extension())
	w.WriteHeader(http.StatusOK)
	meta := output.Metadata{Camera: h.Cam.Name(), Binning: h.Cam.Format().Binning}
	if err := output.Encode(w, of, frame, meta); err != nil {
		// headers are gone, all that can be done is to cut the body short
		panic(http.ErrAbortHandler)
	}
}

var _ generichttp.HTTPer = (*HTTPCamera)(nil)
