package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

const megabyte = 1 << 20

// RotationConfig holds configuration for size-based log rotation.
type RotationConfig struct {
	// MaxSizeMB is the size in megabytes at which the active file is rotated.
	// Zero disables rotation.
	MaxSizeMB int
	// MaxBackups is how many rotated files are kept.
	MaxBackups int
	// Compress gzips rotated files in the background.
	Compress bool
}

// DefaultRotationConfig returns 10MB files with five backups.
func DefaultRotationConfig() RotationConfig {
	return RotationConfig{MaxSizeMB: 10, MaxBackups: 5}
}

// RotatingWriter is an io.WriteCloser over a log file that shifts the file to
// path.1 .. path.N once it grows past the configured size. It is safe for
// concurrent use.
type RotatingWriter struct {
	path string
	cfg  RotationConfig

	mu   sync.Mutex
	file *os.File
	size int64

	// compressions tracks background gzip jobs so Close can wait for them.
	compressions sync.WaitGroup
}

// NewRotatingWriter opens (or creates) path for appending. Parent directories
// are created as needed.
func NewRotatingWriter(path string, cfg RotationConfig) (*RotatingWriter, error) {
	w := &RotatingWriter{path: path, cfg: cfg}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) open() error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

func (w *RotatingWriter) limit() int64 {
	return int64(w.cfg.MaxSizeMB) * megabyte
}

// Write appends p, rotating first when p would push the file past the limit.
// A failed rotation is reported on stderr and the write still goes to the
// current file so no log lines are lost.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if lim := w.limit(); lim > 0 && w.size > 0 && w.size+int64(len(p)) > lim {
		if err := w.rotateLocked(); err != nil {
			fmt.Fprintf(os.Stderr, "taskmesh: log rotation failed: %v\n", err)
			if w.file == nil {
				return 0, err
			}
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *RotatingWriter) rotateLocked() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	w.file = nil

	w.shiftBackups()

	if w.cfg.MaxBackups > 0 {
		first := w.backupName(1)
		if err := os.Rename(w.path, first); err != nil {
			if openErr := w.open(); openErr != nil {
				return fmt.Errorf("rename log file: %w (reopen: %v)", err, openErr)
			}
			return fmt.Errorf("rename log file: %w", err)
		}
		if w.cfg.Compress {
			w.compressions.Add(1)
			go func() {
				defer w.compressions.Done()
				gzipInPlace(first)
			}()
		}
	} else if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("truncate log file: %w", err)
	}

	return w.open()
}

// shiftBackups moves path.i to path.i+1 for every kept backup, dropping the
// oldest one. Both plain and gzipped variants are handled.
func (w *RotatingWriter) shiftBackups() {
	n := w.cfg.MaxBackups
	if n <= 0 {
		return
	}
	oldest := w.backupName(n)
	_ = os.Remove(oldest)
	_ = os.Remove(oldest + ".gz")

	for i := n - 1; i >= 1; i-- {
		from, to := w.backupName(i), w.backupName(i+1)
		for _, ext := range []string{"", ".gz"} {
			if _, err := os.Stat(from + ext); err == nil {
				_ = os.Rename(from+ext, to+ext)
			}
		}
	}
}

func (w *RotatingWriter) backupName(i int) string {
	return fmt.Sprintf("%s.%d", w.path, i)
}

// gzipInPlace writes path.gz and removes path once the archive is complete.
func gzipInPlace(path string) {
	src, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "taskmesh: compress %s: %v\n", path, err)
		return
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		fmt.Fprintf(os.Stderr, "taskmesh: compress %s: %v\n", path, err)
		return
	}

	zw := gzip.NewWriter(dst)
	_, copyErr := io.Copy(zw, src)
	closeErr := zw.Close()
	fileErr := dst.Close()
	if copyErr != nil || closeErr != nil || fileErr != nil {
		_ = os.Remove(path + ".gz")
		fmt.Fprintf(os.Stderr, "taskmesh: compress %s failed\n", path)
		return
	}
	_ = os.Remove(path)
}

// Size reports the current size of the active file in bytes.
func (w *RotatingWriter) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Path returns the active log file path.
func (w *RotatingWriter) Path() string {
	return w.path
}

// Close syncs and closes the active file and waits for pending compressions.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	f := w.file
	w.file = nil
	w.mu.Unlock()

	var err error
	if f != nil {
		if syncErr := f.Sync(); syncErr != nil {
			err = fmt.Errorf("sync log file: %w", syncErr)
		}
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close log file: %w", closeErr)
		}
	}
	w.compressions.Wait()
	return err
}
