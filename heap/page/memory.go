package page

// memoryBackend backs pages with Go byte slices.
type memoryBackend struct{}

// NewMemorySource returns a source whose pages live on the Go heap.
func NewMemorySource(cfg Config) (*Provider, error) {
	return newProvider(cfg, memoryBackend{})
}

func (memoryBackend) name() string { return "memory" }

func (memoryBackend) commit(p *Page, size int) error {
	p.data = make([]byte, size)
	return nil
}

func (memoryBackend) decommit(p *Page) error {
	p.data = nil
	return nil
}

func (memoryBackend) reset(p *Page) error {
	clear(p.data)
	return nil
}

func (memoryBackend) protect(*Page, Executability) error { return nil }

func (memoryBackend) close() error { return nil }
