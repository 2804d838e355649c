//go:build unix

package page

import (
	"errors"

	"golang.org/x/sys/unix"
)

// mmapBackend backs pages with anonymous private mappings.
type mmapBackend struct{}

// NewMmapSource returns a source whose pages are anonymous mappings outside the Go heap.
func NewMmapSource(cfg Config) (*Provider, error) {
	return newProvider(cfg, mmapBackend{})
}

func (mmapBackend) name() string { return "mmap" }

func (mmapBackend) commit(p *Page, size int) error {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return err
	}
	p.data = data
	return nil
}

func (mmapBackend) decommit(p *Page) error {
	if p.data == nil {
		return nil
	}
	err := unix.Munmap(p.data)
	p.data = nil
	if errors.Is(err, unix.EINVAL) {
		// Treat double-unmap as no-op for callers.
		return nil
	}
	return err
}

func (mmapBackend) reset(p *Page) error {
	return unix.Madvise(p.data, unix.MADV_DONTNEED)
}

func (mmapBackend) protect(p *Page, exec Executability) error {
	return unix.Mprotect(p.data, protFor(exec))
}

func (mmapBackend) close() error { return nil }

func protFor(exec Executability) int {
	prot := unix.PROT_READ | unix.PROT_WRITE
	if exec == Executable {
		prot |= unix.PROT_EXEC
	}
	return prot
}
