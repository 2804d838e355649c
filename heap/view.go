package heap

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/joshuapare/heapkit/heap/freelist"
	"github.com/joshuapare/heapkit/heap/page"
	"github.com/joshuapare/heapkit/heap/safepoint"
)

// RetryMode selects what AllocateRawWith does when the heap is exhausted.
type RetryMode uint8

const (
	// RetryLight collects up to Options.MaxAllocationRetries times, then
	// reports failure.
	RetryLight RetryMode = iota
	// RetryOrFail additionally runs a last-resort collection and treats a
	// final failure as fatal.
	RetryOrFail
)

func (m RetryMode) String() string {
	if m == RetryOrFail {
		return "retry-or-fail"
	}
	return "retry-light"
}

// View is one goroutine's handle on the heap. The embedded Thread carries
// its safepoint state; every method except ID, Kind and Heap must be called
// by the owning goroutine.
type View struct {
	*safepoint.Thread

	heap     *Heap
	id       int
	freeList *freelist.FreeList
	lab      linearArea

	handles   *PersistentHandles
	marking   *MarkingBarrier
	callbacks callbackList

	counters viewCounters
	closed   bool
}

type viewCounters struct {
	allocations     atomic.Uint64
	bytes           atomic.Uint64
	slowPath        atomic.Uint64
	labRefills      atomic.Uint64
	pagesFromShared atomic.Uint64
	pagesCommitted  atomic.Uint64
	failures        atomic.Uint64
}

func (c *viewCounters) addTo(dst *viewCounters) {
	dst.allocations.Add(c.allocations.Load())
	dst.bytes.Add(c.bytes.Load())
	dst.slowPath.Add(c.slowPath.Load())
	dst.labRefills.Add(c.labRefills.Load())
	dst.pagesFromShared.Add(c.pagesFromShared.Load())
	dst.pagesCommitted.Add(c.pagesCommitted.Load())
	dst.failures.Add(c.failures.Load())
}

// ID returns the view's heap-unique id.
func (v *View) ID() int { return v.id }

// Heap returns the heap the view belongs to.
func (v *View) Heap() *Heap { return v.heap }

// FreeList returns the view's private free list. Owner only.
func (v *View) FreeList() *freelist.FreeList { return v.freeList }

// MarkingBarrier returns the view's marking barrier, or nil for the main view.
func (v *View) MarkingBarrier() *MarkingBarrier { return v.marking }

// AllocateRaw returns size bytes rounded up to the tagged size, or ok=false
// when neither the view's list, the shared list nor the page source can
// supply them. The view must be running.
func (v *View) AllocateRaw(size int, origin freelist.Origin) (freelist.Range, bool) {
	n := v.heap.checkSize(size)
	if !v.IsRunning() {
		panic(fmt.Sprintf("heap: allocation on parked view %d", v.id))
	}
	if r, ok := v.lab.bump(n); ok {
		v.counters.allocations.Add(1)
		v.counters.bytes.Add(uint64(n))
		return r, true
	}
	return v.allocateSlow(n, origin)
}

func (v *View) allocateSlow(n uint32, origin freelist.Origin) (freelist.Range, bool) {
	v.Safepoint()
	v.counters.slowPath.Add(1)
	v.freeLinearArea()

	r, ok := v.refill(n, origin)
	if !ok && v.takeSharedPage(n) {
		r, ok = v.refill(n, origin)
	}
	if !ok && v.expand() {
		r, ok = v.refill(n, origin)
	}
	if !ok {
		v.counters.failures.Add(1)
		return freelist.Range{}, false
	}
	v.counters.allocations.Add(1)
	v.counters.bytes.Add(uint64(n))
	return r, true
}

// refill serves n bytes from the private list, installing a new LAB when the
// request is smaller than the LAB size.
func (v *View) refill(n uint32, origin freelist.Origin) (freelist.Range, bool) {
	labSize := uint32(v.heap.opts.LABSize)
	if n < labSize {
		if r, ok := v.freeList.Allocate(labSize, origin); ok {
			v.lab = linearArea{page: r.Page, top: r.Offset, limit: r.Offset + r.Size}
			v.counters.labRefills.Add(1)
			return v.lab.bump(n)
		}
	}
	return v.freeList.Allocate(n, origin)
}

// takeSharedPage moves a page likely to hold n bytes from the shared list to
// the private one.
func (v *View) takeSharedPage(n uint32) bool {
	h := v.heap
	h.spaceMu.Lock()
	defer h.spaceMu.Unlock()
	p := h.shared.PageForSize(n)
	if p == nil {
		return false
	}
	h.shared.RemovePage(p)
	v.freeList.AddPage(p)
	v.counters.pagesFromShared.Add(1)
	return true
}

// expand commits a fresh page from the source into the private list.
func (v *View) expand() bool {
	h := v.heap
	pg, err := h.source.AllocatePage(page.AllocateUsePool, h.opts.Space, h.opts.Executability)
	if err != nil {
		if !errors.Is(err, page.ErrExhausted) {
			h.log.Warn("page allocation failed", "view", v.id, "err", err)
		}
		return false
	}
	p := freelist.NewPage(pg)
	h.registerPage(p)
	v.freeList.AddFreshPage(p)
	v.counters.pagesCommitted.Add(1)
	h.log.Debug("page committed", "view", v.id, "page", pg.Base(), "size", pg.Size())
	return true
}

// AllocateRawWith is AllocateRaw with collections between attempts.
// In RetryOrFail mode a final failure reports to Options.OnOutOfMemory and
// panics with an error wrapping ErrOutOfMemory.
func (v *View) AllocateRawWith(size int, origin freelist.Origin, mode RetryMode) (freelist.Range, bool) {
	if r, ok := v.AllocateRaw(size, origin); ok {
		return r, true
	}
	h := v.heap
	for range h.opts.MaxAllocationRetries {
		_ = h.RequestCollection(v, "allocation failure")
		if r, ok := v.AllocateRaw(size, origin); ok {
			return r, true
		}
	}
	if mode == RetryLight {
		return freelist.Range{}, false
	}

	h.log.Warn("last resort collection", "view", v.id, "size", size)
	if err := h.CollectGarbage(v, GCAll, "last resort"); err != nil {
		h.log.Warn("last resort collection failed", "view", v.id, "err", err)
	}
	if r, ok := v.AllocateRaw(size, origin); ok {
		return r, true
	}
	h.fatalOutOfMemory(v, size, origin)
	return freelist.Range{}, false
}

// MustAllocate allocates size bytes or panics with ErrOutOfMemory.
func (v *View) MustAllocate(size int, origin freelist.Origin) freelist.Range {
	r, _ := v.AllocateRawWith(size, origin, RetryOrFail)
	return r
}

// freeLinearArea returns the unused part of the LAB to the private list.
func (v *View) freeLinearArea() {
	if v.lab.page != nil && v.lab.size() > 0 {
		v.freeList.Free(v.lab.remainder(), freelist.FreeLink)
	}
	v.lab = linearArea{}
}

// HandleCollectionRequest serves a collection requested of the main view.
// The safepoint protocol calls it from the main view's slow paths.
func (v *View) HandleCollectionRequest() {
	if !v.ClearCollectionRequest() {
		return
	}
	_ = v.heap.CollectGarbage(v, GCMajor, "background request")
}

// Close deregisters the view and hands its pages to the shared list. The
// view must be parked and have no epilogue callbacks left. A goroutine that
// owns another running view must use CloseFrom instead.
func (v *View) Close() { v.CloseFrom(nil) }

// CloseFrom is Close called by the goroutine owning caller, another view of
// the same heap. caller is parked while v waits to deregister.
func (v *View) CloseFrom(caller *View) {
	if caller == v {
		panic(fmt.Sprintf("heap: view %d closing itself through CloseFrom", v.id))
	}
	if v.closed {
		panic(fmt.Sprintf("heap: view %d closed twice", v.id))
	}
	if !v.IsParked() {
		panic(fmt.Sprintf("heap: closing running view %d", v.id))
	}
	if n := v.callbacks.len(); n > 0 {
		panic(fmt.Sprintf("heap: closing view %d with %d epilogue callbacks", v.id, n))
	}
	h := v.heap
	var ct *safepoint.Thread
	if caller != nil {
		if caller.heap != h {
			panic("heap: caller belongs to another heap")
		}
		ct = caller.Thread
	}

	// Nobody can set the flag again once the main view is parked.
	if v.IsMain() && v.ClearCollectionRequest() {
		_ = h.CollectGarbage(caller, GCMajor, "main view closing")
	}

	h.safepoint.RemoveFrom(ct, v.Thread, func() {
		v.freeLinearArea()
		if v.marking != nil {
			v.marking.Publish()
			v.marking.deactivate()
		}

		h.spaceMu.Lock()
		for pages := v.freeList.Pages(); len(pages) > 0; pages = v.freeList.Pages() {
			p := pages[len(pages)-1]
			v.freeList.RemovePage(p)
			h.shared.AddPage(p)
		}
		h.spaceMu.Unlock()

		h.viewsMu.Lock()
		delete(h.views, v.Thread)
		h.viewsMu.Unlock()
	})

	v.counters.addTo(&h.retired)
	if v.IsMain() {
		h.main.CompareAndSwap(v, nil)
	}
	if v.handles != nil {
		v.DetachPersistentHandles()
	}
	v.closed = true
	h.liveViews.Add(-1)
	h.log.Debug("view closed", "view", v.id)
}

// linearArea is the bump-pointer region a view allocates from.
type linearArea struct {
	page       *freelist.Page
	top, limit uint32
}

func (a *linearArea) size() uint32 { return a.limit - a.top }

func (a *linearArea) bump(n uint32) (freelist.Range, bool) {
	if a.page == nil || a.size() < n {
		return freelist.Range{}, false
	}
	r := freelist.Range{Page: a.page, Offset: a.top, Size: n}
	a.top += n
	return r, true
}

func (a *linearArea) remainder() freelist.Range {
	return freelist.Range{Page: a.page, Offset: a.top, Size: a.size()}
}
