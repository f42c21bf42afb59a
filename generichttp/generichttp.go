// Package generichttp defines the payloads and route tables shared by the
// HTTP interfaces of the capture controller and its devices
package generichttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"go/types"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi"
	"github.com/rs/zerolog"

	"github.com/nasa-jpl/astrocap/device"
)

// MethodPath is an HTTP method and a chi route pattern
type MethodPath struct {
	Method, Path string
}

// RouteTable maps method/path pairs to handlers
type RouteTable map[MethodPath]http.HandlerFunc

// Endpoints lists the routes in the table, sorted by path
func (rt RouteTable) Endpoints() []string {
	routes := make([]string, 0, len(rt))
	for k := range rt {
		routes = append(routes, k.Method+" "+k.Path)
	}
	sort.Strings(routes)
	return routes
}

// Bind registers every route on r
func (rt RouteTable) Bind(r chi.Router) {
	for k, v := range rt {
		r.MethodFunc(k.Method, k.Path, v)
	}
}

// HTTPer is anything with a route table
type HTTPer interface {
	RT() RouteTable
}

// BoolT is a JSON {"bool": value}
type BoolT struct {
	Bool bool `json:"bool"`
}

// FloatT is a JSON {"f64": value}
type FloatT struct {
	F64 float64 `json:"f64"`
}

// IntT is a JSON {"int": value}
type IntT struct {
	Int int `json:"int"`
}

// StrT is a JSON {"str": value}
type StrT struct {
	Str string `json:"str"`
}

// HumanPayload holds one value of a basic type and encodes it as the matching
// single-key JSON object
type HumanPayload struct {
	T      types.BasicKind
	Bool   bool
	Float  float64
	Int    int
	String string
}

// EncodeAndRespond writes the payload as JSON to w
func (hp HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	var v interface{}
	switch hp.T {
	case types.Bool:
		v = BoolT{hp.Bool}
	case types.Float64:
		v = FloatT{hp.Float}
	case types.Int:
		v = IntT{hp.Int}
	case types.String:
		v = StrT{hp.String}
	default:
		http.Error(w, fmt.Sprintf("payload of kind %d cannot be encoded", hp.T), http.StatusInternalServerError)
		return
	}
	RespondJSON(w, http.StatusOK, v)
}

// RespondJSON writes v as JSON with status code
func RespondJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// GetFloat calls a float-getting function and returns the response
// as json {'f64': value}
func GetFloat(fcn func() (float64, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := HumanPayload{T: types.Float64, Float: f}
		hp.EncodeAndRespond(w, r)
	}
}

// GetInt calls an int-getting function and returns the response
// as json {'int': value}
func GetInt(fcn func() (int, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		i, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := HumanPayload{T: types.Int, Int: i}
		hp.EncodeAndRespond(w, r)
	}
}

// SetInt parses a JSON input of {'int': value} and
// calls fcn with it
func SetInt(fcn func(int) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		i := IntT{}
		err := json.NewDecoder(r.Body).Decode(&i)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = fcn(i.Int)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetString calls a string-getting function and returns the response
// as json {'str': value}
func GetString(fcn func() (string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := HumanPayload{T: types.String, String: s}
		hp.EncodeAndRespond(w, r)
	}
}

// GetBool calls a bool-getting function and returns the response
// as json {'bool': value}
func GetBool(fcn func() (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := HumanPayload{T: types.Bool, Bool: b}
		hp.EncodeAndRespond(w, r)
	}
}

// SetBool parses a JSON input of {'bool': value} and
// calls fcn with it
func SetBool(fcn func(bool) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b := BoolT{}
		err := json.NewDecoder(r.Body).Decode(&b)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = fcn(b.Bool)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// HTTPDevice adds connection management routes for d to table:
//
//	GET  /connected         {"bool": connected}
//	POST /connect           rescan with retries until connected or timeout
//	POST /disconnect
//	POST /reset?kind=cold   warm when kind is not given
func HTTPDevice(d device.Device, table RouteTable, timeout time.Duration, log zerolog.Logger) {
	table[MethodPath{http.MethodGet, "/connected"}] = GetBool(func() (bool, error) {
		return d.Connected(), nil
	})
	table[MethodPath{http.MethodPost, "/connect"}] = func(w http.ResponseWriter, r *http.Request) {
		if err := device.Reconnect(r.Context(), d, timeout); err != nil {
			log.Warn().Err(err).Stringer("device", d.Kind()).Msg("connect failed")
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
	table[MethodPath{http.MethodPost, "/disconnect"}] = func(w http.ResponseWriter, r *http.Request) {
		if err := d.Disconnect(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
	table[MethodPath{http.MethodPost, "/reset"}] = func(w http.ResponseWriter, r *http.Request) {
		kind, err := device.ParseResetKind(r.URL.Query().Get("kind"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = device.Bounded(r.Context(), "reset", timeout, func(ctx context.Context) error {
			return d.Reset(ctx, kind)
		})
		if err != nil {
			code := http.StatusInternalServerError
			if errors.Is(err, device.ErrHardwareTimeout) {
				code = http.StatusGatewayTimeout
			}
			http.Error(w, err.Error(), code)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
