// Package writer provides sinks for run reports.
package writer

import (
	"fmt"
	"os"
	"path/filepath"
)

// Sink receives an encoded report.
type Sink interface {
	WriteReport(buf []byte) error
}

// File writes reports to Path, replacing it atomically so readers never see
// a partial report.
type File struct {
	Path string
	Perm os.FileMode // 0 means 0o644
}

func (w *File) WriteReport(buf []byte) error {
	dir := filepath.Dir(w.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".heapkit-report-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(buf); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	perm := w.Perm
	if perm == 0 {
		perm = 0o644
	}
	if err := tmp.Chmod(perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, w.Path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	ok = true
	return nil
}

// Memory keeps the last report in memory.
type Memory struct {
	Buf []byte
}

func (w *Memory) WriteReport(buf []byte) error {
	w.Buf = append(w.Buf[:0], buf...)
	return nil
}
