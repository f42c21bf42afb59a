package generichttp_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/astrocap/device"
	"github.com/nasa-jpl/astrocap/generichttp"
)

// stuck is a device whose reset never finishes
type stuck struct {
	mu        sync.Mutex
	connected bool
	rescans   int
}

func (s *stuck) Connect(ctx context.Context) error { return s.Rescan(ctx) }
func (s *stuck) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}
func (s *stuck) Rescan(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rescans++
	s.connected = true
	return nil
}
func (s *stuck) Reset(ctx context.Context, kind device.ResetKind) error {
	<-ctx.Done()
	return ctx.Err()
}
func (s *stuck) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}
func (s *stuck) Kind() device.Kind { return device.KindTimer }

func serve(t *testing.T, rt generichttp.RouteTable) *httptest.Server {
	r := chi.NewRouter()
	rt.Bind(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestEndpointsSorted(t *testing.T) {
	rt := generichttp.RouteTable{
		{Method: http.MethodPost, Path: "/b"}: nil,
		{Method: http.MethodGet, Path: "/a"}:  nil,
	}
	assert.Equal(t, []string{"GET /a", "POST /b"}, rt.Endpoints())
}

func TestIntRoundTrip(t *testing.T) {
	var (
		mu sync.Mutex
		v  int
	)
	get := func() int {
		mu.Lock()
		defer mu.Unlock()
		return v
	}
	rt := generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/v"}: generichttp.GetInt(func() (int, error) { return get(), nil }),
		{Method: http.MethodPost, Path: "/v"}: generichttp.SetInt(func(i int) error {
			if i < 0 {
				return errors.New("negative")
			}
			mu.Lock()
			defer mu.Unlock()
			v = i
			return nil
		}),
	}
	srv := serve(t, rt)

	resp, err := http.Post(srv.URL+"/v", "application/json", strings.NewReader(`{"int": 7}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/v")
	require.NoError(t, err)
	defer resp.Body.Close()
	var got generichttp.IntT
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, 7, got.Int)

	resp, err = http.Post(srv.URL+"/v", "application/json", strings.NewReader(`{"int": -1}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEqual(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 7, get())
}

func TestHTTPDevice(t *testing.T) {
	d := &stuck{}
	rt := generichttp.RouteTable{}
	generichttp.HTTPDevice(d, rt, 50*time.Millisecond, zerolog.Nop())
	srv := serve(t, rt)

	resp, err := http.Post(srv.URL+"/connect", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, d.Connected())

	resp, err = http.Get(srv.URL + "/connected")
	require.NoError(t, err)
	var b generichttp.BoolT
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&b))
	resp.Body.Close()
	assert.True(t, b.Bool)

	resp, err = http.Post(srv.URL+"/reset?kind=cold", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/reset?kind=lukewarm", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/disconnect", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.False(t, d.Connected())
}
