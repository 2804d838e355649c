package page

import (
	"fmt"
	"sync"

	"github.com/joshuapare/heapkit/internal/format"
)

// Source supplies pages to the heap. Implementations are safe for concurrent use.
type Source interface {
	// AllocatePage returns a fresh page or ErrExhausted.
	AllocatePage(mode AllocationMode, space Space, exec Executability) (*Page, error)
	// FreePage returns a page to the source.
	FreePage(mode FreeMode, p *Page) error
	// PageSize returns the size of every page handed out.
	PageSize() int
	// Close releases every page and the backing store.
	Close() error
}

// Config configures a page source.
type Config struct {
	PageSize int // Bytes per page; power of two, at least 4KB. Default: 256KB
	MaxPages int // Pages in use at once; 0 means unlimited
	PoolSize int // Freed pages kept committed for reuse
}

// MaxPageSize bounds page sizes so in-page offsets fit in 31 bits.
const MaxPageSize = 1 << 30

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		PageSize: 256 << 10,
		PoolSize: 16,
	}
}

func (c Config) validate() error {
	if !format.IsPowerOfTwo(c.PageSize) || c.PageSize < format.OSPageSize || c.PageSize > MaxPageSize {
		return fmt.Errorf("%w: page size %d must be a power of two in [%d, %d]",
			ErrInvalidConfig, c.PageSize, format.OSPageSize, MaxPageSize)
	}
	if c.MaxPages < 0 || c.PoolSize < 0 {
		return fmt.Errorf("%w: negative limit", ErrInvalidConfig)
	}
	return nil
}

// backend commits and releases the memory behind a page.
type backend interface {
	name() string
	commit(p *Page, size int) error
	decommit(p *Page) error
	// reset prepares a page for the pool.
	reset(p *Page) error
	protect(p *Page, exec Executability) error
	close() error
}

// Provider is the Source implementation shared by every backend.
// Slots are reused after a page is decommitted, so addresses stay dense.
type Provider struct {
	mu      sync.Mutex
	cfg     Config
	backend backend

	nextSlot  int
	freeSlots []int
	live      map[int]*Page
	pooled    []*Page
	closed    bool

	stats SourceStats
}

// SourceStats is a snapshot of a provider's page accounting.
type SourceStats struct {
	Backend   string `json:"backend"`
	PageSize  int    `json:"page_size"`
	InUse     int    `json:"in_use"`
	Pooled    int    `json:"pooled"`
	Committed int    `json:"committed"`
	PeakInUse int    `json:"peak_in_use"`
	Allocated uint64 `json:"allocated_total"`
	Reused    uint64 `json:"reused_total"`
	Freed     uint64 `json:"freed_total"`
	Exhausted uint64 `json:"exhausted_total"`
}

func newProvider(cfg Config, b backend) (*Provider, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Provider{
		cfg:     cfg,
		backend: b,
		live:    make(map[int]*Page),
	}, nil
}

// PageSize returns the size of every page handed out.
func (s *Provider) PageSize() int { return s.cfg.PageSize }

// Config returns the provider configuration.
func (s *Provider) Config() Config { return s.cfg }

// AllocatePage returns a page for space with the requested protection.
func (s *Provider) AllocatePage(mode AllocationMode, space Space, exec Executability) (*Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.cfg.MaxPages > 0 && len(s.live) >= s.cfg.MaxPages {
		s.stats.Exhausted++
		return nil, ErrExhausted
	}

	var p *Page
	if mode == AllocateUsePool && len(s.pooled) > 0 {
		p = s.pooled[len(s.pooled)-1]
		s.pooled = s.pooled[:len(s.pooled)-1]
		s.stats.Reused++
	} else {
		slot := s.takeSlot()
		p = &Page{
			base:  Address(slot+1) * Address(s.cfg.PageSize),
			slot:  slot,
			owner: s,
		}
		if err := s.backend.commit(p, s.cfg.PageSize); err != nil {
			s.freeSlots = append(s.freeSlots, slot)
			return nil, fmt.Errorf("page: commit %s page: %w", s.backend.name(), err)
		}
	}

	p.space = space
	if err := s.backend.protect(p, exec); err != nil {
		s.releaseLocked(p)
		return nil, fmt.Errorf("page: protect %s as %s: %w", p, exec, err)
	}
	p.exec = exec

	s.live[p.slot] = p
	s.stats.Allocated++
	if len(s.live) > s.stats.PeakInUse {
		s.stats.PeakInUse = len(s.live)
	}
	return p, nil
}

// FreePage returns p to the provider. With FreePool the page stays committed
// while the pool has room.
func (s *Provider) FreePage(mode FreeMode, p *Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if p == nil || p.owner != s || s.live[p.slot] != p {
		return ErrForeignPage
	}
	delete(s.live, p.slot)
	s.stats.Freed++

	if mode == FreePool && len(s.pooled) < s.cfg.PoolSize {
		if err := s.backend.reset(p); err != nil {
			s.releaseLocked(p)
			return fmt.Errorf("page: reset %s: %w", p, err)
		}
		s.pooled = append(s.pooled, p)
		return nil
	}
	return s.releaseLocked(p)
}

// Stats returns a snapshot of the provider accounting.
func (s *Provider) Stats() SourceStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Backend = s.backend.name()
	st.PageSize = s.cfg.PageSize
	st.InUse = len(s.live)
	st.Pooled = len(s.pooled)
	st.Committed = st.InUse + st.Pooled
	return st
}

// Close decommits every live and pooled page and closes the backend.
func (s *Provider) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	for _, p := range s.live {
		if err := s.backend.decommit(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, p := range s.pooled {
		if err := s.backend.decommit(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.live = nil
	s.pooled = nil
	if err := s.backend.close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (s *Provider) takeSlot() int {
	if n := len(s.freeSlots); n > 0 {
		slot := s.freeSlots[n-1]
		s.freeSlots = s.freeSlots[:n-1]
		return slot
	}
	slot := s.nextSlot
	s.nextSlot++
	return slot
}

func (s *Provider) releaseLocked(p *Page) error {
	err := s.backend.decommit(p)
	s.freeSlots = append(s.freeSlots, p.slot)
	p.owner = nil
	return err
}
