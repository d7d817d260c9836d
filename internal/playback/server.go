// Package playback serves published render artifacts from the local store so
// previews can be scrubbed in a browser.
package playback

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/heimdex/heimdex-render/internal/storage"
)

type Server struct {
	root   string
	logger *slog.Logger
}

// NewServer serves files below root, the LocalStore root directory.
func NewServer(root string, logger *slog.Logger) *Server {
	return &Server{root: root, logger: logger}
}

// ServeArtifact writes the artifact stored under key. Keys that escape the
// root are rejected with 400; missing artifacts are 404.
func (s *Server) ServeArtifact(w http.ResponseWriter, r *http.Request, key string) error {
	clean, err := storage.CleanKey(key)
	if err != nil {
		http.Error(w, "invalid artifact key", http.StatusBadRequest)
		return nil
	}
	path := filepath.Join(s.root, filepath.FromSlash(clean))

	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		http.Error(w, "artifact not found", http.StatusNotFound)
		return nil
	}
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat artifact: %w", err)
	}
	if stat.IsDir() {
		http.Error(w, "artifact not found", http.StatusNotFound)
		return nil
	}
	size := stat.Size()

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", storage.ContentTypeFor(clean))

	rng, err := ParseRange(r.Header.Get("Range"), size)
	if errors.Is(err, ErrUnsatisfiable) {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		http.Error(w, "Range Not Satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return nil
	}
	// Malformed ranges are ignored and the whole file is served.
	if rng == nil {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			io.Copy(w, file)
		}
		return nil
	}

	w.Header().Set("Content-Length", strconv.FormatInt(rng.ContentLength(), 10))
	w.Header().Set("Content-Range", rng.ContentRange(size))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method == http.MethodHead {
		return nil
	}
	if _, err := file.Seek(rng.Start, io.SeekStart); err != nil {
		return fmt.Errorf("seek artifact: %w", err)
	}
	io.CopyN(w, file, rng.ContentLength())
	return nil
}
