// Package server contains misc server utilities.
package server

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
)

// ReplyWithFile replies to the client request by serving the file at path.
// Directories are refused.
func ReplyWithFile(w http.ResponseWriter, r *http.Request, path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		http.Error(w, fmt.Sprintf("unable to compute abspath of file %s %s", path, err), http.StatusInternalServerError)
		return
	}

	f, err := os.Open(abs)
	if err != nil {
		http.Error(w, fmt.Sprintf("source file missing %s", abs), http.StatusNotFound)
		return
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		http.Error(w, fmt.Sprintf("error retrieving source file stats %s", err), http.StatusNotFound)
		return
	}
	if stat.IsDir() {
		http.Error(w, fmt.Sprintf("%s is a directory", abs), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(abs)))
	http.ServeContent(w, r, stat.Name(), stat.ModTime(), f)
}
