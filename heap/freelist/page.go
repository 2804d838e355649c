package freelist

import (
	"fmt"
	"sync/atomic"

	"github.com/joshuapare/heapkit/heap/page"
)

// Page is a heap page as seen by the free lists: the page memory plus its
// per-bucket categories and the list that currently owns it.
type Page struct {
	*page.Page

	owner      *FreeList
	index      int // position in owner.pages
	categories []*Category
	wasted     atomic.Uint64
}

// NewPage wraps p for use by free lists. Categories are created when the page
// is first added to a list.
func NewPage(p *page.Page) *Page {
	return &Page{Page: p, index: -1}
}

// Owner returns the list that owns the page, or nil.
func (p *Page) Owner() *FreeList { return p.owner }

// Category returns the page's category for bucket, or nil if none was created.
func (p *Page) Category(bucket int) *Category {
	if bucket < 0 || bucket >= len(p.categories) {
		return nil
	}
	return p.categories[bucket]
}

// ForAllCategories calls fn for every category created on the page.
func (p *Page) ForAllCategories(fn func(*Category)) {
	for _, c := range p.categories {
		if c != nil {
			fn(c)
		}
	}
}

// AvailableInFreeList returns the free bytes filed on the page.
func (p *Page) AvailableInFreeList() uint64 {
	var sum uint64
	p.ForAllCategories(func(c *Category) { sum += uint64(c.available) })
	return sum
}

// WastedMemory returns bytes on the page lost to fragments and fillers.
func (p *Page) WastedMemory() uint64 { return p.wasted.Load() }

// AddWastedMemory records n bytes on the page that cannot be allocated.
func (p *Page) AddWastedMemory(n uint64) { p.wasted.Add(n) }

// ReleaseCategories drops every category. The page must not be owned.
func (p *Page) ReleaseCategories() {
	if p.owner != nil {
		panic(fmt.Sprintf("freelist: releasing categories of owned %s", p))
	}
	p.categories = nil
}

// category returns the category for bucket, creating it on first use.
func (p *Page) category(bucket int) *Category {
	c := p.categories[bucket]
	if c == nil {
		c = &Category{bucket: bucket, top: noChunk, page: p}
		p.categories[bucket] = c
	}
	return c
}

// Range is a byte range inside a page.
type Range struct {
	Page   *Page
	Offset uint32
	Size   uint32
}

// IsZero reports whether r is the empty range.
func (r Range) IsZero() bool { return r.Page == nil }

// Address returns the first address of the range.
func (r Range) Address() page.Address { return r.Page.AddressOf(r.Offset) }

// End returns the address one past the range.
func (r Range) End() page.Address { return r.Page.AddressOf(r.Offset + r.Size) }

// Bytes returns the memory of the range.
func (r Range) Bytes() []byte {
	return r.Page.Bytes()[r.Offset : r.Offset+r.Size]
}

// Overlaps reports whether r and o share a byte.
func (r Range) Overlaps(o Range) bool {
	if r.IsZero() || o.IsZero() {
		return false
	}
	return r.Address() < o.End() && o.Address() < r.End()
}

func (r Range) String() string {
	if r.IsZero() {
		return "range[]"
	}
	return fmt.Sprintf("range[%s+%d]", r.Address(), r.Size)
}
