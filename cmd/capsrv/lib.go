package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nasa-jpl/astrocap/autorun"
	"github.com/nasa-jpl/astrocap/camera"
	"github.com/nasa-jpl/astrocap/capture"
	"github.com/nasa-jpl/astrocap/device"
	"github.com/nasa-jpl/astrocap/filterwheel"
	"github.com/nasa-jpl/astrocap/generichttp"
	httpcam "github.com/nasa-jpl/astrocap/generichttp/camera"
	httpcap "github.com/nasa-jpl/astrocap/generichttp/capture"
	"github.com/nasa-jpl/astrocap/logging"
	"github.com/nasa-jpl/astrocap/output"
	"github.com/nasa-jpl/astrocap/prompt"
	"github.com/nasa-jpl/astrocap/server/middleware/locker"
	"github.com/nasa-jpl/astrocap/timer"
	"github.com/nasa-jpl/astrocap/util"
)

// Rig is the hardware and controllers built from a Config.  Wheel and Timer
// are nil when not configured.
type Rig struct {
	Camera   camera.Camera
	Wheel    filterwheel.Wheel
	Timer    timer.Device
	Registry *output.Registry
	Ctl      *capture.Controller
	Seq      autorun.Sequencer
}

// devices returns every configured device
func (r *Rig) devices() []device.Device {
	devs := []device.Device{r.Camera}
	if r.Wheel != nil {
		devs = append(devs, r.Wheel)
	}
	if r.Timer != nil {
		devs = append(devs, r.Timer)
	}
	return devs
}

// BuildRig constructs the devices in c without connecting to them
func BuildRig(c Config, p prompt.Prompter) (*Rig, error) {
	log := logging.WithComponent("rig")
	r := &Rig{}
	switch typ := strings.ToLower(c.Camera.Device.Type); typ {
	case "sim", "":
		r.Camera = camera.NewSim(c.Camera.format())
	default:
		return nil, fmt.Errorf("camera type %q not understood", typ)
	}

	switch typ := strings.ToLower(c.Wheel.Device.Type); typ {
	case "none", "":
	case "sim":
		r.Wheel = filterwheel.NewSim(c.Wheel.Slots)
	case "xagyl":
		r.Wheel = filterwheel.NewXagyl(c.Wheel.Device.Addr, c.Wheel.Device.Serial, c.Wheel.Slots, logging.WithComponent("wheel"))
	default:
		return nil, fmt.Errorf("filter wheel type %q not understood", typ)
	}

	var coord *timer.Coordinator
	switch typ := strings.ToLower(c.Timer.Device.Type); typ {
	case "none", "":
	case "sim":
		r.Timer = timer.NewSim(c.Timer.GPS)
	case "ptr":
		r.Timer = timer.NewPTR(c.Timer.Device.Addr, c.Timer.Device.Serial, c.Timer.GPS, logging.WithComponent("timer"))
	default:
		return nil, fmt.Errorf("timer type %q not understood", typ)
	}
	if r.Timer != nil {
		coord = timer.NewCoordinator(r.Timer, c.Timer.Settings, logging.WithComponent("timer"))
	}

	disabled, err := c.disabled()
	if err != nil {
		return nil, err
	}
	r.Registry = output.NewRegistry(logging.WithComponent("output"), disabled...)
	r.Registry.FFmpeg = c.FFmpeg

	idx := output.NewIndexer(0)
	if c.SeedIndex {
		t := c.Capture.Target
		prefix := t.Template
		if i := strings.Index(prefix, "%"); i >= 0 {
			prefix = prefix[:i]
		}
		if err := idx.Seed(t.Dir, prefix, t.Format.Extension()); err != nil {
			log.Warn().Err(err).Str("dir", t.Dir).Msg("could not seed the capture index")
		}
	}

	r.Ctl = capture.NewController(capture.Deps{
		Camera:   r.Camera,
		Timer:    coord,
		Registry: r.Registry,
		Index:    idx,
		Prompter: p,
		Log:      logging.WithComponent("capture")})
	r.Seq = autorun.Sequencer{
		Wheel:       r.Wheel,
		Prompter:    p,
		Log:         logging.WithComponent("autorun"),
		MoveTimeout: c.MoveTimeout}
	return r, nil
}

// Connect connects every device in parallel, retrying each for up to
// timeout.  A device that does not come up is logged and left disconnected;
// it can be connected later over HTTP.  Only cancellation of ctx is an error.
func (r *Rig) Connect(ctx context.Context, timeout time.Duration, log zerolog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, d := range r.devices() {
		d := d
		g.Go(func() error {
			if err := device.Reconnect(gctx, d, timeout); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Warn().Err(err).Stringer("device", d.Kind()).Msg("device did not connect")
				return nil
			}
			log.Info().Stringer("device", d.Kind()).Msg("device connected")
			return nil
		})
	}
	return g.Wait()
}

// Close disconnects every device
func (r *Rig) Close() {
	log := logging.WithComponent("rig")
	for _, d := range r.devices() {
		if err := d.Disconnect(); err != nil {
			log.Warn().Err(err).Stringer("device", d.Kind()).Msg("disconnect")
		}
	}
}

// node is an HTTPer for a bare route table
type node generichttp.RouteTable

func (n node) RT() generichttp.RouteTable { return generichttp.RouteTable(n) }

// BuildMux mounts an HTTP interface to each part of the rig on a new router
func BuildMux(c Config, r *Rig, q *prompt.Queue) (chi.Router, *httpcap.HTTPCapture) {
	log := logging.WithComponent("http")
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	supergraph := map[string][]string{}

	mount := func(endpoint string, httper generichttp.HTTPer, lock *locker.Locker) {
		hndlS := util.SubMuxSanitize(endpoint)
		if lock != nil {
			locker.Inject(httper, lock)
		}
		supergraph[hndlS] = httper.RT().Endpoints()
		sub := chi.NewRouter()
		if lock != nil {
			sub.Use(lock.Check)
		}
		httper.RT().Bind(sub)
		root.Mount(hndlS, sub)
	}

	hc := httpcap.NewHTTPCapture(httpcap.Options{
		Controller: r.Ctl,
		Sequencer:  r.Seq,
		Prompts:    q,
		Registry:   r.Registry,
		Defaults:   c.runConfig(),
		Autorun:    c.Autorun,
		Log:        logging.WithComponent("capture-http")})
	// answering prompts, stopping and cancelling are always allowed
	mount("capture", hc, locker.New("prompts", "stop", "cancel"))

	busy := func() bool {
		s := r.Ctl.Current()
		return s != nil && s.State() != capture.Stopped
	}
	hcam := httpcam.NewHTTPCamera(r.Camera, busy, c.OpTimeout)
	generichttp.HTTPDevice(r.Camera, hcam.RT(), c.ConnectTimeout, log)
	mount(c.Camera.Device.Endpoint, hcam, locker.New())

	if r.Wheel != nil {
		rt := generichttp.RouteTable{}
		generichttp.HTTPDevice(r.Wheel, rt, c.ConnectTimeout, log)
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/slots"}] = generichttp.GetInt(func() (int, error) {
			return r.Wheel.Slots(), nil
		})
		mount(c.Wheel.Device.Endpoint, node(rt), locker.New())
	}
	if r.Timer != nil {
		rt := generichttp.RouteTable{}
		generichttp.HTTPDevice(r.Timer, rt, c.ConnectTimeout, log)
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/gps"}] = generichttp.GetBool(func() (bool, error) {
			return r.Timer.HasGPS(), nil
		})
		mount(c.Timer.Device.Endpoint, node(rt), locker.New())
	}

	root.Handle("/metrics", promhttp.Handler())
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(supergraph)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return root, hc
}
