// Package logging builds the service logger and the size-rotated files used
// for log output and the execution log.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// RotatingWriter is an io.WriteCloser that rotates its file by size. Rotated
// files are named <base>-<timestamp>.<n><ext>; at most maxBackups are kept and
// files older than maxAgeDays are removed. A zero maxBackups or maxAgeDays
// disables that limit.
type RotatingWriter struct {
	mu         sync.Mutex
	file       *os.File
	filePath   string
	size       int64
	maxBytes   int64
	maxBackups int
	maxAgeDays int
	now        func() time.Time
	seq        int
	cleaning   sync.WaitGroup
}

// NewRotatingWriter opens filePath (creating parent directories) and returns
// a writer that rotates once the file would exceed maxSizeMB.
func NewRotatingWriter(filePath string, maxSizeMB, maxBackups, maxAgeDays int) (*RotatingWriter, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = 100
	}
	rw := &RotatingWriter{
		filePath:   filePath,
		maxBytes:   int64(maxSizeMB) << 20,
		maxBackups: maxBackups,
		maxAgeDays: maxAgeDays,
		now:        time.Now,
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	if err := rw.openFile(); err != nil {
		return nil, err
	}
	return rw, nil
}

func (rw *RotatingWriter) openFile() error {
	f, err := os.OpenFile(rw.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	rw.file = f
	rw.size = info.Size()
	return nil
}

// Write implements io.Writer. A single write is never split across files.
func (rw *RotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.file == nil {
		return 0, os.ErrClosed
	}
	if rw.size > 0 && rw.size+int64(len(p)) > rw.maxBytes {
		if err := rw.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := rw.file.Write(p)
	rw.size += int64(n)
	return n, err
}

// Sync flushes the current file to stable storage.
func (rw *RotatingWriter) Sync() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.file == nil {
		return nil
	}
	return rw.file.Sync()
}

// Close closes the current file and waits for pending backup cleanup.
func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	var err error
	if rw.file != nil {
		err = rw.file.Close()
		rw.file = nil
	}
	rw.mu.Unlock()
	rw.cleaning.Wait()
	return err
}

func (rw *RotatingWriter) parts() (dir, base, ext string) {
	ext = filepath.Ext(rw.filePath)
	base = strings.TrimSuffix(filepath.Base(rw.filePath), ext)
	if ext == "" {
		ext = ".log"
	}
	return filepath.Dir(rw.filePath), base, ext
}

func (rw *RotatingWriter) rotate() error {
	if err := rw.file.Close(); err != nil {
		return fmt.Errorf("closing log file: %w", err)
	}
	rw.file = nil

	dir, base, ext := rw.parts()
	rw.seq++
	rotated := filepath.Join(dir, fmt.Sprintf("%s-%s.%03d%s", base, rw.now().UTC().Format("20060102-150405"), rw.seq%1000, ext))
	if err := os.Rename(rw.filePath, rotated); err != nil {
		return fmt.Errorf("rotating log file: %w", err)
	}
	if err := rw.openFile(); err != nil {
		return err
	}

	rw.cleaning.Add(1)
	go func() {
		defer rw.cleaning.Done()
		rw.cleanup()
	}()
	return nil
}

// backups lists rotated files oldest first.
func (rw *RotatingWriter) backups() []string {
	dir, base, ext := rw.parts()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	current := filepath.Base(rw.filePath)
	prefix := base + "-"
	var rotated []string
	for _, e := range entries {
		name := e.Name()
		if name != current && strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ext) {
			rotated = append(rotated, name)
		}
	}
	sort.Strings(rotated)
	return rotated
}

func (rw *RotatingWriter) cleanup() {
	dir := filepath.Dir(rw.filePath)
	rotated := rw.backups()

	if rw.maxBackups > 0 {
		for len(rotated) > rw.maxBackups {
			os.Remove(filepath.Join(dir, rotated[0])) //nolint:errcheck
			rotated = rotated[1:]
		}
	}

	if rw.maxAgeDays <= 0 {
		return
	}
	cutoff := rw.now().AddDate(0, 0, -rw.maxAgeDays)
	for _, name := range rotated {
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(path) //nolint:errcheck
		}
	}
}
