package heap

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joshuapare/heapkit/heap/freelist"
	"github.com/joshuapare/heapkit/heap/page"
	"github.com/joshuapare/heapkit/heap/safepoint"
	"github.com/joshuapare/heapkit/internal/format"
	"github.com/joshuapare/heapkit/internal/logger"
)

// ThreadKind selects the role of a View.
type ThreadKind = safepoint.Kind

const (
	Main       = safepoint.KindMain
	Background = safepoint.KindBackground
)

// Heap is a page-backed heap shared by a main view and background views.
type Heap struct {
	opts      Options
	log       *slog.Logger
	source    page.Source
	safepoint *safepoint.Coordinator
	collector Collector
	pageSize  int

	// spaceMu guards shared outside pauses.
	spaceMu sync.Mutex
	shared  *freelist.FreeList

	pagesMu sync.RWMutex
	pages   map[page.Address]*freelist.Page

	// views is written only under the coordinator lock (Add/Remove
	// callbacks); viewsMu lets Stats read it from any goroutine.
	viewsMu sync.RWMutex
	views   map[*safepoint.Thread]*View

	main      atomic.Pointer[View]
	liveViews atomic.Int64
	nextID    atomic.Int64

	collection collectionBarrier
	marking    markingState
	counters   counters
	retired    viewCounters

	closed atomic.Bool
}

type counters struct {
	pagesReleased      atomic.Uint64
	collections        atomic.Uint64
	collectionRequests atomic.Uint64
	fillerBytes        atomic.Uint64
	lastPause          atomic.Int64
}

// New creates a heap. A nil opts uses DefaultOptions.
func New(opts *Options) (*Heap, error) {
	o := opts.withDefaults()

	src := o.Source
	if src == nil {
		mem, err := page.NewMemorySource(page.DefaultConfig())
		if err != nil {
			return nil, err
		}
		src = mem
	}
	if err := o.validate(src.PageSize()); err != nil {
		return nil, err
	}

	shared, err := freelist.New(freelist.Options{Policy: o.Policy, Buckets: o.Buckets})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}

	h := &Heap{
		opts:      o,
		log:       o.Logger,
		source:    src,
		safepoint: safepoint.NewCoordinator(),
		collector: o.Collector,
		pageSize:  src.PageSize(),
		shared:    shared,
		pages:     make(map[page.Address]*freelist.Page),
		views:     make(map[*safepoint.Thread]*View),
	}
	if h.log == nil {
		h.log = logger.L
	}
	if h.collector == nil {
		h.collector = NopCollector{}
	}
	h.collection.init()

	h.log.Debug("heap created",
		"page_size", h.pageSize,
		"policy", o.Policy,
		"buckets", shared.Buckets().Name(),
		"lab_size", o.LABSize)
	return h, nil
}

// NewView returns a parked view registered with the heap. At most one main
// view may exist at a time. A goroutine that owns a running view must use
// NewViewFrom instead.
func (h *Heap) NewView(kind ThreadKind) *View { return h.NewViewFrom(nil, kind) }

// NewViewFrom is NewView called by the goroutine owning creator. creator is
// parked while the new view waits to register, so a pause in progress can
// stop it.
func (h *Heap) NewViewFrom(creator *View, kind ThreadKind) *View {
	if h.closed.Load() {
		panic("heap: NewView on a closed heap")
	}
	v := &View{
		heap:     h,
		id:       int(h.nextID.Add(1)),
		freeList: h.shared.NewSibling(),
	}
	v.Thread = safepoint.NewThread(h.safepoint, kind, v)
	if kind == Background {
		v.marking = &MarkingBarrier{heap: h}
	} else if !h.main.CompareAndSwap(nil, v) {
		panic("heap: a main view already exists")
	}

	var caller *safepoint.Thread
	if creator != nil {
		if creator.heap != h {
			panic("heap: creator belongs to another heap")
		}
		caller = creator.Thread
	}
	h.safepoint.AddFrom(caller, v.Thread, func() {
		h.viewsMu.Lock()
		h.views[v.Thread] = v
		h.viewsMu.Unlock()
		if v.marking != nil && h.marking.active.Load() {
			v.marking.activate(h.marking.compacting)
		}
	})
	h.liveViews.Add(1)
	h.log.Debug("view registered", "view", v.id, "kind", kind)
	return v
}

// MainView returns the main view, or nil.
func (h *Heap) MainView() *View { return h.main.Load() }

// PageSize returns the size of every heap page.
func (h *Heap) PageSize() int { return h.pageSize }

// MaxRegularSize returns the largest size a single allocation may request.
func (h *Heap) MaxRegularSize() int { return h.pageSize }

// Coordinator returns the safepoint coordinator of the heap.
func (h *Heap) Coordinator() *safepoint.Coordinator { return h.safepoint }

// IsClosed reports whether Close has completed.
func (h *Heap) IsClosed() bool { return h.closed.Load() }

// checkSize validates an allocation request and rounds it to the tagged size.
func (h *Heap) checkSize(size int) uint32 {
	if size <= 0 || size > h.pageSize {
		panic(fmt.Sprintf("heap: allocation of %d bytes outside (0, %d]", size, h.pageSize))
	}
	return uint32(format.Align8(size))
}

// pause runs fn with every other view stopped. A main initiator ignores
// collection requests for the duration so parking inside the pause lock
// does not re-enter a collection.
func (h *Heap) pause(initiator *View, fn func()) {
	var t *safepoint.Thread
	if initiator != nil {
		if initiator.heap != h {
			panic("heap: initiator belongs to another heap")
		}
		t = initiator.Thread
	}
	run := func() { h.safepoint.Pause(t, fn) }
	if initiator != nil && initiator.IsMain() {
		initiator.IgnoreCollectionRequests(run)
		return
	}
	run()
}

// forEachView calls fn for every registered view in registration order.
// Only valid inside a pause.
func (h *Heap) forEachView(fn func(*View)) {
	h.safepoint.Iterate(func(t *safepoint.Thread) {
		fn(h.views[t])
	})
}

// CollectGarbage stops every view, returns their LABs to the free lists and
// runs the collector. initiator is the calling view, or nil when the caller
// owns no view.
func (h *Heap) CollectGarbage(initiator *View, typ GCType, reason string) error {
	if h.closed.Load() {
		return ErrClosed
	}
	var (
		err   error
		start = time.Now()
	)
	h.pause(initiator, func() {
		h.forEachView(func(v *View) { v.freeLinearArea() })
		c := &Collection{heap: h, typ: typ, reason: reason, initiator: initiator}
		err = h.collector.Collect(c)
		c.done = true
		h.forEachView(func(v *View) { v.invokeEpilogueCallbacks(typ) })
	})
	elapsed := time.Since(start)
	h.counters.collections.Add(1)
	h.counters.lastPause.Store(int64(elapsed))
	h.collection.complete()

	attrs := []any{"type", typ, "reason", reason, slog.Duration("pause", elapsed)}
	if initiator != nil {
		attrs = append(attrs, "initiator", initiator.id)
	}
	if err != nil {
		h.log.Warn("collection failed", append(attrs, "err", err)...)
		return fmt.Errorf("heap: %s collection (%s): %w", typ, reason, err)
	}
	h.log.Info("collection", attrs...)
	return nil
}

// RequestCollection asks for a major collection on behalf of requester.
//
// A nil or main requester collects directly. A background requester flags the
// running main view and waits, parked, until the main view has collected. If
// there is no running main view the background requester collects itself.
// The error is the collector's, and is always nil when the main view served
// the request.
func (h *Heap) RequestCollection(requester *View, reason string) error {
	if requester == nil || requester.IsMain() {
		return h.CollectGarbage(requester, GCMajor, reason)
	}
	epoch := h.collection.current()
	if mv := h.main.Load(); mv != nil && mv.RequestCollection() {
		h.counters.collectionRequests.Add(1)
		h.log.Debug("collection requested", "view", requester.id, "reason", reason)
		requester.ExecuteWhileParked(func() { h.collection.awaitAfter(epoch) })
		return nil
	}
	return h.CollectGarbage(requester, GCMajor, reason)
}

// NotifyObjectSizeChange records that the object at addr shrank from oldSize
// to newSize bytes. The freed tail becomes a filler counted as wasted memory
// on its page. Growing an object panics.
func (h *Heap) NotifyObjectSizeChange(addr page.Address, oldSize, newSize int) {
	if newSize > oldSize {
		panic(fmt.Sprintf("heap: object at %s grew from %d to %d bytes", addr, oldSize, newSize))
	}
	tail := format.Align8(oldSize) - format.Align8(newSize)
	if tail == 0 {
		return
	}
	p := h.pageOf(addr)
	if p == nil {
		panic(fmt.Sprintf("heap: %s is not on a heap page", addr))
	}
	p.AddWastedMemory(uint64(tail))
	h.counters.fillerBytes.Add(uint64(tail))
	if obs, ok := h.collector.(SizeChangeObserver); ok {
		obs.ObjectSizeChanged(addr, oldSize, newSize)
	}
}

// Verify stops every view and checks the free lists and page ownership.
func (h *Heap) Verify(initiator *View) error {
	var errs []error
	h.pause(initiator, func() {
		owners := map[*freelist.FreeList]string{h.shared: "shared"}
		if err := h.shared.Verify(); err != nil {
			errs = append(errs, fmt.Errorf("shared: %w", err))
		}
		h.forEachView(func(v *View) {
			name := fmt.Sprintf("view %d", v.id)
			owners[v.freeList] = name
			if err := v.freeList.Verify(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			if p := v.lab.page; p != nil && p.Owner() != v.freeList {
				errs = append(errs, fmt.Errorf("%s: LAB on %s owned by another list", name, p))
			}
		})

		h.pagesMu.RLock()
		defer h.pagesMu.RUnlock()
		owned := 0
		for fl := range owners {
			for _, p := range fl.Pages() {
				owned++
				if h.pages[p.Base()] != p {
					errs = append(errs, fmt.Errorf("%s owns unregistered %s", owners[fl], p))
				}
			}
		}
		if owned != len(h.pages) {
			errs = append(errs, fmt.Errorf("%d registered pages, %d owned", len(h.pages), owned))
		}
	})
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrCorrupt, errors.Join(errs...))
}

// Close releases every page and closes the source. Every view must have been
// closed. Closing twice is a no-op.
func (h *Heap) Close() error {
	if n := h.liveViews.Load(); n != 0 {
		return fmt.Errorf("%w: %d", ErrViewsOpen, n)
	}
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.collection.shutdown()

	h.spaceMu.Lock()
	h.pagesMu.Lock()
	for _, p := range h.pages {
		if owner := p.Owner(); owner != nil {
			owner.RemovePage(p)
		}
		p.ReleaseCategories()
	}
	n := len(h.pages)
	clear(h.pages)
	h.pagesMu.Unlock()
	h.spaceMu.Unlock()

	h.log.Debug("heap closed", "pages", n)
	return h.source.Close()
}

func (h *Heap) registerPage(p *freelist.Page) {
	h.pagesMu.Lock()
	h.pages[p.Base()] = p
	h.pagesMu.Unlock()
}

func (h *Heap) unregisterPage(p *freelist.Page) {
	h.pagesMu.Lock()
	delete(h.pages, p.Base())
	h.pagesMu.Unlock()
}

// pageOf returns the page containing addr, or nil.
func (h *Heap) pageOf(addr page.Address) *freelist.Page {
	h.pagesMu.RLock()
	defer h.pagesMu.RUnlock()
	return h.pages[page.PageBase(addr, h.pageSize)]
}

// sortedPages returns the registered pages in address order.
func (h *Heap) sortedPages() []*freelist.Page {
	h.pagesMu.RLock()
	out := make([]*freelist.Page, 0, len(h.pages))
	for _, p := range h.pages {
		out = append(out, p)
	}
	h.pagesMu.RUnlock()
	slices.SortFunc(out, func(a, b *freelist.Page) int {
		switch {
		case a.Base() < b.Base():
			return -1
		case a.Base() > b.Base():
			return 1
		}
		return 0
	})
	return out
}

// fatalOutOfMemory reports an allocation that cannot be satisfied and panics.
func (h *Heap) fatalOutOfMemory(v *View, size int, origin freelist.Origin) {
	h.pagesMu.RLock()
	pages := len(h.pages)
	h.pagesMu.RUnlock()
	info := OOMInfo{
		View:      v.id,
		Size:      size,
		Origin:    origin,
		Pages:     pages,
		Committed: uint64(pages) * uint64(h.pageSize),
		Available: v.freeList.Available() + h.shared.Available(),
	}
	h.log.Error("out of memory", "view", info.View, "size", size, "origin", origin,
		"pages", pages, "available", info.Available)
	if h.opts.OnOutOfMemory != nil {
		h.opts.OnOutOfMemory(info)
	}
	panic(fmt.Errorf("%w: %s", ErrOutOfMemory, info))
}

// collectionBarrier lets background views wait for the main view to collect.
type collectionBarrier struct {
	mu     sync.Mutex
	cond   *sync.Cond
	epoch  uint64
	closed bool
}

func (b *collectionBarrier) init() { b.cond = sync.NewCond(&b.mu) }

func (b *collectionBarrier) current() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.epoch
}

// complete marks the end of a collection and wakes every waiter.
func (b *collectionBarrier) complete() {
	b.mu.Lock()
	b.epoch++
	b.mu.Unlock()
	b.cond.Broadcast()
}

// awaitAfter blocks until a collection finishes after epoch. It reports false
// if the barrier was shut down instead.
func (b *collectionBarrier) awaitAfter(epoch uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.epoch == epoch && !b.closed {
		b.cond.Wait()
	}
	return b.epoch != epoch
}

func (b *collectionBarrier) shutdown() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cond.Broadcast()
}
