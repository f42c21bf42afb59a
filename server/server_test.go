package server_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/astrocap/server"
)

func TestReplyWithFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "m42-0001.ser")
	require.NoError(t, os.WriteFile(path, []byte("LUCAM-RECORDER"), 0o644))

	w := httptest.NewRecorder()
	server.ReplyWithFile(w, httptest.NewRequest(http.MethodGet, "/", nil), path)
	resp := w.Result()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "m42-0001.ser")
	b, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "LUCAM-RECORDER", string(b))
}

func TestReplyWithFileRefusesDirectoriesAndMissing(t *testing.T) {
	dir := t.TempDir()
	for _, p := range []string{dir, filepath.Join(dir, "gone.ser")} {
		w := httptest.NewRecorder()
		server.ReplyWithFile(w, httptest.NewRequest(http.MethodGet, "/", nil), p)
		assert.Equal(t, http.StatusNotFound, w.Code, p)
	}
}
