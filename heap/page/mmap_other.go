//go:build !unix

package page

// NewMmapSource falls back to the memory backend on platforms without mmap.
func NewMmapSource(cfg Config) (*Provider, error) {
	return NewMemorySource(cfg)
}
