package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileOptions configures a FileShipper
type FileOptions struct {
	Path string
	// MaxBytes triggers rotation once the file would grow past it; 0 never rotates
	MaxBytes   int64
	MaxBackups int
}

// FileShipper appends entries as JSON lines, rotating to Path.1 .. Path.N by size
type FileShipper struct {
	opts FileOptions
	mu   sync.Mutex
	file *os.File
	size int64
}

// NewFileShipper opens (or creates) the log file, creating its directory if needed
func NewFileShipper(opts FileOptions) (*FileShipper, error) {
	if opts.Path == "" {
		return nil, errors.New("file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create activity log directory: %w", err)
	}
	fs := &FileShipper{opts: opts}
	if err := fs.open(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FileShipper) open() error {
	f, err := os.OpenFile(fs.opts.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open activity log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat activity log file: %w", err)
	}
	fs.file, fs.size = f, info.Size()
	return nil
}

// Ship appends one line
func (fs *FileShipper) Ship(_ context.Context, entry *LogEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal activity entry: %w", err)
	}
	line = append(line, '\n')

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.file == nil {
		return ErrClosed
	}
	if fs.opts.MaxBytes > 0 && fs.size > 0 && fs.size+int64(len(line)) > fs.opts.MaxBytes {
		if err := fs.rotate(); err != nil {
			return fmt.Errorf("failed to rotate activity log: %w", err)
		}
	}

	n, err := fs.file.Write(line)
	fs.size += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write activity entry: %w", err)
	}
	return nil
}

// rotate shifts Path.i to Path.i+1, dropping anything beyond MaxBackups. Caller holds mu.
func (fs *FileShipper) rotate() error {
	if err := fs.file.Close(); err != nil {
		return err
	}
	fs.file = nil

	backup := func(i int) string { return fmt.Sprintf("%s.%d", fs.opts.Path, i) }
	if fs.opts.MaxBackups > 0 {
		_ = os.Remove(backup(fs.opts.MaxBackups))
		for i := fs.opts.MaxBackups - 1; i >= 1; i-- {
			_ = os.Rename(backup(i), backup(i+1))
		}
		if err := os.Rename(fs.opts.Path, backup(1)); err != nil {
			return err
		}
	} else if err := os.Truncate(fs.opts.Path, 0); err != nil {
		return err
	}
	return fs.open()
}

// Close closes the file
func (fs *FileShipper) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.file == nil {
		return nil
	}
	err := fs.file.Close()
	fs.file = nil
	return err
}
