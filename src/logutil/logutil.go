package logutil

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

const (
	maxSizeBytes = 10 * 1024 * 1024 // 10 MB
	maxArchives  = 3
)

type Options struct {
	// Path of the run log. The failure snapshot copies this file.
	Path string
	// EnableFile turns on the file sink. Console output is always on.
	EnableFile bool
	// Console defaults to os.Stderr.
	Console io.Writer
}

// Setup points the standard logger at the console and, when enabled, at a
// size-rotated log file (10MB, max 3 archives).
func Setup(opts Options) error {
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if !opts.EnableFile || opts.Path == "" {
		log.SetOutput(console)
		return nil
	}

	w, err := newRotatingWriter(opts.Path, maxSizeBytes)
	if err != nil {
		log.SetOutput(console)
		return fmt.Errorf("failed to open log file: %w", err)
	}
	log.SetOutput(io.MultiWriter(w, console))
	return nil
}

type rotatingWriter struct {
	mu      sync.Mutex
	path    string
	maxSize int64
	f       *os.File
}

func newRotatingWriter(path string, maxSize int64) (*rotatingWriter, error) {
	rotateIfNeeded(path, maxSize)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, err
	}
	return &rotatingWriter{path: path, maxSize: maxSize, f: f}, nil
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	// naive rotation check per write
	if st, err := w.f.Stat(); err == nil && st.Size()+int64(len(p)) > w.maxSize {
		_ = w.f.Close()
		rotate(w.path)
		nf, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return 0, err
		}
		w.f = nf
	}
	return w.f.Write(p)
}

func rotateIfNeeded(path string, maxSize int64) {
	if st, err := os.Stat(path); err == nil && st.Size() > maxSize {
		rotate(path)
	}
}

// rotate shifts path to .1, .2, .3 (oldest discarded).
func rotate(path string) {
	_ = os.Remove(archiveName(path, maxArchives))
	for i := maxArchives - 1; i >= 1; i-- {
		_ = os.Rename(archiveName(path, i), archiveName(path, i+1))
	}
	_ = os.Rename(path, archiveName(path, 1))
}

func archiveName(path string, n int) string { return fmt.Sprintf("%s.%d", path, n) }
