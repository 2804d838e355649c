//go:build unix

package page

import (
	"fmt"
	"os"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"
)

// fileBackend maps page slots onto regions of one backing file.
// Slot n lives at file offset n*PageSize.
type fileBackend struct {
	f    *os.File
	lock *flock.Flock
	size int64
}

// NewFileSource returns a source whose pages are shared mappings of the file at
// path. The file is created if needed and guarded by an advisory lock on
// path+".lock"; a second source on the same path fails with ErrLocked.
func NewFileSource(path string, cfg Config) (*Provider, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("page: lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("page: open %s: %w", path, err)
	}
	return newProvider(cfg, &fileBackend{f: f, lock: lock})
}

func (b *fileBackend) name() string { return "file" }

func (b *fileBackend) commit(p *Page, size int) error {
	off := int64(p.slot) * int64(size)
	if end := off + int64(size); end > b.size {
		if err := b.f.Truncate(end); err != nil {
			return err
		}
		b.size = end
	}
	data, err := unix.Mmap(int(b.f.Fd()), off, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return err
	}
	p.data = data
	return nil
}

func (b *fileBackend) decommit(p *Page) error {
	if p.data == nil {
		return nil
	}
	syncErr := unix.Msync(p.data, unix.MS_SYNC)
	err := unix.Munmap(p.data)
	p.data = nil
	if syncErr != nil {
		return syncErr
	}
	return err
}

// reset keeps the mapping and its contents; pooled file pages are reused as-is.
func (b *fileBackend) reset(*Page) error { return nil }

func (b *fileBackend) protect(p *Page, exec Executability) error {
	return unix.Mprotect(p.data, protFor(exec))
}

func (b *fileBackend) close() error {
	err := b.f.Close()
	if uerr := b.lock.Unlock(); uerr != nil && err == nil {
		err = uerr
	}
	return err
}
