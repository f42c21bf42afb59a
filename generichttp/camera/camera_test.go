package camera_test

import (
	"bytes"
	"context"
	"encoding/json"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/astrocap/camera"
	httpcam "github.com/nasa-jpl/astrocap/generichttp/camera"
)

func serve(t *testing.T, busy bool) (*camera.Sim, *httptest.Server) {
	cam := camera.NewSim(camera.FrameFormat{Width: 16, Height: 8, Pixel: camera.Grey16LE, FPS: 100})
	require.NoError(t, cam.Connect(context.Background()))
	h := httpcam.NewHTTPCamera(cam, func() bool { return busy }, time.Second)
	r := chi.NewRouter()
	h.RT().Bind(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return cam, srv
}

func TestInfo(t *testing.T) {
	_, srv := serve(t, false)
	resp, err := http.Get(srv.URL + "/info")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info httpcam.Info
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, 16, info.Width)
	assert.Equal(t, 16, info.BitDepth)
	assert.Equal(t, "free-run", info.Mode)
	assert.NotNil(t, info.GainRange)
	assert.NotEmpty(t, info.Firmware)
}

func TestSetExposureAndMode(t *testing.T) {
	cam, srv := serve(t, false)
	resp, err := http.Post(srv.URL+"/exposure-time", "application/json", strings.NewReader(`{"f64": 0.25}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 250*time.Millisecond, cam.Exposure())

	resp, err = http.Post(srv.URL+"/exposure-time?exposureTime=40ms", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 40*time.Millisecond, cam.Exposure())

	resp, err = http.Post(srv.URL+"/mode", "application/json", strings.NewReader(`{"str": "Strobe"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, camera.Strobe, cam.Mode())

	resp, err = http.Post(srv.URL+"/mode", "application/json", strings.NewReader(`{"str": "bulb"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBusyCameraRefusesChanges(t *testing.T) {
	cam, srv := serve(t, true)
	before := cam.Exposure()
	resp, err := http.Post(srv.URL+"/exposure-time", "application/json", strings.NewReader(`{"f64": 1}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, before, cam.Exposure())

	resp, err = http.Get(srv.URL + "/frame")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestFrame(t *testing.T) {
	_, srv := serve(t, false)
	resp, err := http.Get(srv.URL + "/frame")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	img, err := jpeg.Decode(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, 16, img.Bounds().Dx())

	resp2, err := http.Get(srv.URL + "/frame?fmt=fits")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(resp2.Body)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("SIMPLE  =")))
	assert.Zero(t, buf.Len()%2880)

	resp3, err := http.Get(srv.URL + "/frame?fmt=ser")
	require.NoError(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp3.StatusCode)
}

func TestSnapshotDisconnected(t *testing.T) {
	cam := camera.NewSim(camera.FrameFormat{Width: 4, Height: 4})
	_, err := httpcam.Snapshot(context.Background(), cam, time.Second)
	assert.Error(t, err)
}
