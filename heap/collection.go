package heap

import (
	"fmt"

	"github.com/joshuapare/heapkit/heap/freelist"
	"github.com/joshuapare/heapkit/heap/page"
	"github.com/joshuapare/heapkit/internal/format"
)

// GCType identifies the kind of a collection. Values combine as a mask when
// registering epilogue callbacks.
type GCType uint8

const (
	GCMinor GCType = 1 << iota
	GCMajor

	GCAll = GCMinor | GCMajor
)

func (t GCType) String() string {
	switch t {
	case GCMinor:
		return "minor"
	case GCMajor:
		return "major"
	case GCAll:
		return "all"
	default:
		return fmt.Sprintf("gctype(%d)", uint8(t))
	}
}

// Collector reclaims memory while the heap is paused.
type Collector interface {
	Collect(c *Collection) error
}

// CollectorFunc adapts a function to Collector.
type CollectorFunc func(c *Collection) error

// Collect calls f(c).
func (f CollectorFunc) Collect(c *Collection) error { return f(c) }

// NopCollector reclaims nothing.
type NopCollector struct{}

// Collect does nothing.
func (NopCollector) Collect(*Collection) error { return nil }

// SizeChangeObserver is implemented by collectors that track object sizes.
type SizeChangeObserver interface {
	ObjectSizeChanged(addr page.Address, oldSize, newSize int)
}

// Collection is the collector's access to the heap during a pause. Every
// method panics once Collect has returned.
type Collection struct {
	heap      *Heap
	typ       GCType
	reason    string
	initiator *View
	done      bool

	freed    uint64
	released int
}

func (c *Collection) check() {
	if c.done {
		panic("heap: collection used after its pause")
	}
	c.heap.safepoint.AssertActive()
}

// Type returns the collection type.
func (c *Collection) Type() GCType { return c.typ }

// Reason returns the reason given by whoever started the collection.
func (c *Collection) Reason() string { return c.reason }

// Initiator returns the view driving the pause, or nil.
func (c *Collection) Initiator() *View { return c.initiator }

// Heap returns the paused heap.
func (c *Collection) Heap() *Heap { return c.heap }

// FreedBytes returns the bytes freed through c so far.
func (c *Collection) FreedBytes() uint64 { return c.freed }

// ReleasedPages returns the pages released through c so far.
func (c *Collection) ReleasedPages() int { return c.released }

// Pages returns every heap page in address order.
func (c *Collection) Pages() []*freelist.Page {
	c.check()
	return c.heap.sortedPages()
}

// PageOf returns the page containing addr, or nil.
func (c *Collection) PageOf(addr page.Address) *freelist.Page {
	c.check()
	return c.heap.pageOf(addr)
}

// Free returns size bytes at addr to the free list owning their page.
func (c *Collection) Free(addr page.Address, size int) {
	c.check()
	p := c.heap.pageOf(addr)
	if p == nil {
		panic(fmt.Sprintf("heap: free of %s outside the heap", addr))
	}
	if size <= 0 || !format.IsAligned8(size) {
		panic(fmt.Sprintf("heap: free of %d bytes at %s", size, addr))
	}
	owner := p.Owner()
	if owner == nil {
		panic(fmt.Sprintf("heap: free on released %s", p))
	}
	owner.Free(freelist.Range{Page: p, Offset: p.OffsetOf(addr), Size: uint32(size)}, freelist.FreeLink)
	c.freed += uint64(size)
}

// RebuildPage replaces the free memory of p with free, the way a sweeper
// does after marking: the page is evicted, its categories reset, each range
// filed without linking, and the page relinked at the end.
func (c *Collection) RebuildPage(p *freelist.Page, free []freelist.Range) {
	c.check()
	owner := p.Owner()
	if owner == nil {
		panic(fmt.Sprintf("heap: rebuild of released %s", p))
	}
	owner.EvictFreeListItems(p)
	p.ForAllCategories(func(cat *freelist.Category) { cat.Reset(owner) })
	for _, r := range free {
		if r.Page != p {
			panic(fmt.Sprintf("heap: rebuild of %s with %s", p, r))
		}
		owner.Free(r, freelist.FreeDoNotLink)
		c.freed += uint64(r.Size)
	}
	owner.RelinkPage(p)
}

// EvictFreeListItems hides the free memory of p from allocation and returns
// how many bytes it held.
func (c *Collection) EvictFreeListItems(p *freelist.Page) uint64 {
	c.check()
	owner := p.Owner()
	if owner == nil {
		return 0
	}
	return owner.EvictFreeListItems(p)
}

// ReleasePage drops p from the heap and returns it to the page source.
func (c *Collection) ReleasePage(p *freelist.Page) error {
	c.check()
	h := c.heap
	if owner := p.Owner(); owner != nil {
		owner.RemovePage(p)
	}
	p.ReleaseCategories()
	h.unregisterPage(p)
	h.counters.pagesReleased.Add(1)
	c.released++
	return h.source.FreePage(page.FreePool, p.Page)
}

// IterateRoots calls fn for every persistent handle of every view.
func (c *Collection) IterateRoots(fn func(*Handle)) {
	c.check()
	c.heap.forEachView(func(v *View) {
		if v.handles != nil {
			v.handles.Iterate(fn)
		}
	})
}

// Views calls fn for every registered view.
func (c *Collection) Views(fn func(*View)) {
	c.check()
	c.heap.forEachView(fn)
}

// Available returns the free bytes on every list of the heap.
func (c *Collection) Available() uint64 {
	c.check()
	sum := c.heap.shared.Available()
	c.heap.forEachView(func(v *View) { sum += v.freeList.Available() })
	return sum
}
