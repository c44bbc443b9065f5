package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

const (
	defaultMaxSizeMB  = 20
	defaultMaxBackups = 5
)

// RotatingWriter appends to a log file and rolls it over to numbered
// backups (meetcap.log.1, .2, ...) once it grows past maxSize.
type RotatingWriter struct {
	mu         sync.Mutex
	path       string
	maxSize    int64
	maxBackups int

	file    *os.File
	written int64
}

// NewRotatingWriter opens (or creates) path for appending.
// Non-positive limits fall back to 20MB and 5 backups.
func NewRotatingWriter(path string, maxSizeMB, maxBackups int) (*RotatingWriter, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = defaultMaxSizeMB
	}
	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	rw := &RotatingWriter{
		path:       path,
		maxSize:    int64(maxSizeMB) << 20,
		maxBackups: maxBackups,
	}
	if err := rw.open(); err != nil {
		return nil, err
	}
	return rw, nil
}

// Write implements io.Writer.
func (rw *RotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.file == nil {
		return 0, os.ErrClosed
	}
	if rw.written > 0 && rw.written+int64(len(p)) > rw.maxSize {
		if err := rw.rollover(); err != nil {
			return 0, fmt.Errorf("log rotation: %w", err)
		}
	}

	n, err := rw.file.Write(p)
	rw.written += int64(n)
	return n, err
}

// Close closes the current file. Further writes fail with os.ErrClosed.
func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.file == nil {
		return nil
	}
	err := rw.file.Close()
	rw.file = nil
	return err
}

// Tee returns a writer duplicating output to the console and the file.
func Tee(console io.Writer, rw *RotatingWriter) io.Writer {
	return io.MultiWriter(console, rw)
}

func (rw *RotatingWriter) open() error {
	f, err := os.OpenFile(rw.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	rw.file = f
	rw.written = info.Size()
	return nil
}

func (rw *RotatingWriter) rollover() error {
	if err := rw.file.Close(); err != nil {
		return err
	}
	rw.file = nil

	// Oldest backup falls off the end; the rest shift up by one.
	os.Remove(rw.backup(rw.maxBackups))
	for i := rw.maxBackups - 1; i >= 1; i-- {
		os.Rename(rw.backup(i), rw.backup(i+1))
	}
	if err := os.Rename(rw.path, rw.backup(1)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return rw.open()
}

func (rw *RotatingWriter) backup(i int) string {
	return fmt.Sprintf("%s.%d", rw.path, i)
}
