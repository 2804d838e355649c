package heap

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/heapkit/heap/freelist"
	"github.com/joshuapare/heapkit/heap/page"
)

func TestCollectGarbage_FreesLinearAreasFirst(t *testing.T) {
	var available uint64
	h := newTestHeap(t, page.Config{PageSize: 64 << 10}, &Options{
		LABSize: 32 << 10,
		Collector: CollectorFunc(func(c *Collection) error {
			available = c.Available()
			return nil
		}),
	})
	v := runningView(h, Background)
	_, ok := v.AllocateRaw(64, freelist.OriginRuntime)
	require.True(t, ok)
	require.NotNil(t, v.lab.page)
	v.Park()

	require.NoError(t, h.CollectGarbage(nil, GCMajor, "test"))
	require.Equal(t, uint64(64<<10-64), available)
	require.Nil(t, v.lab.page, "LAB released during the pause")
	v.Close()
}

func TestCollection_Accessors(t *testing.T) {
	var got *Collection
	h := newTestHeap(t, page.Config{}, &Options{
		Collector: CollectorFunc(func(c *Collection) error {
			got = c
			require.Equal(t, GCMinor, c.Type())
			require.Equal(t, "scavenge", c.Reason())
			require.NotNil(t, c.Initiator())
			require.Same(t, c.Heap(), c.Initiator().Heap())
			n := 0
			c.Views(func(*View) { n++ })
			require.Equal(t, 2, n)
			return nil
		}),
	})
	a := runningView(h, Background)
	b := h.NewView(Background)

	require.NoError(t, h.CollectGarbage(a, GCMinor, "scavenge"))
	require.Panics(t, func() { got.Pages() }, "collection outlives its pause")

	closeView(a)
	b.Close()
}

func TestCollection_ReleasePage(t *testing.T) {
	var released int
	h := newTestHeap(t, page.Config{PoolSize: 4}, &Options{
		Collector: CollectorFunc(func(c *Collection) error {
			for _, p := range c.Pages() {
				if p.AvailableInFreeList() == uint64(p.Size()) {
					require.NoError(t, c.ReleasePage(p))
				}
			}
			released = c.ReleasedPages()
			return nil
		}),
	})
	v := runningView(h, Background)
	defer closeView(v)

	r, ok := v.AllocateRaw(64, freelist.OriginRuntime)
	require.True(t, ok)
	require.NoError(t, h.CollectGarbage(v, GCMajor, "keep"))
	require.Equal(t, 0, released, "page still holds a live object")

	h.collector = CollectorFunc(func(c *Collection) error {
		c.Free(r.Address(), int(r.Size))
		for _, p := range c.Pages() {
			require.NoError(t, c.ReleasePage(p))
		}
		released = c.ReleasedPages()
		return nil
	})
	require.NoError(t, h.CollectGarbage(v, GCMajor, "release"))
	require.Equal(t, 1, released)

	st := h.Stats()
	require.Equal(t, 0, st.Pages)
	require.Equal(t, uint64(1), st.PagesReleased)
	require.Equal(t, 1, st.Source.Pooled)
	require.Empty(t, v.freeList.Pages())

	h.collector = NopCollector{}
	_, ok = v.AllocateRaw(64, freelist.OriginRuntime)
	require.True(t, ok)
	require.Equal(t, uint64(1), h.Stats().Source.Reused, "pooled page reused")
	require.NoError(t, h.Verify(v))
}

func TestCollection_RebuildPage(t *testing.T) {
	var objs []freelist.Range
	h := newTestHeap(t, page.Config{}, &Options{
		LABSize: -1,
		Collector: CollectorFunc(func(c *Collection) error {
			p := objs[0].Page
			tail := freelist.Range{Page: p, Offset: objs[2].Offset + objs[2].Size}
			tail.Size = uint32(p.Size()) - tail.Offset
			c.RebuildPage(p, []freelist.Range{objs[0], objs[2], tail})
			return nil
		}),
	})
	v := runningView(h, Background)
	defer closeView(v)

	for range 3 {
		r, ok := v.AllocateRaw(1024, freelist.OriginRuntime)
		require.True(t, ok)
		objs = append(objs, r)
	}
	require.NoError(t, h.CollectGarbage(v, GCMajor, "sweep"))
	require.Equal(t, uint64(testPageSize-1024), v.freeList.Available())
	require.NoError(t, h.Verify(v))

	again, ok := v.AllocateRaw(1024, freelist.OriginRuntime)
	require.True(t, ok)
	require.False(t, again.Overlaps(objs[1]), "survivor is never handed out")
}

func TestCollection_IterateRoots(t *testing.T) {
	var roots []page.Address
	h := newTestHeap(t, page.Config{}, &Options{
		Collector: CollectorFunc(func(c *Collection) error {
			roots = roots[:0]
			c.IterateRoots(func(hd *Handle) {
				roots = append(roots, hd.Value())
				hd.Set(hd.Value() + 8)
			})
			return nil
		}),
	})
	a := h.NewView(Background)
	b := h.NewView(Background)

	ha := a.NewPersistentHandle(0x1000)
	hb := b.NewPersistentHandle(0x2000)
	require.NoError(t, h.CollectGarbage(nil, GCMajor, "roots"))
	require.ElementsMatch(t, []page.Address{0x1000, 0x2000}, roots)
	require.Equal(t, page.Address(0x1008), ha.Value(), "collector updates roots in place")

	ph := b.DetachPersistentHandles()
	require.True(t, ph.Contains(hb))
	require.NoError(t, h.CollectGarbage(nil, GCMajor, "roots"))
	require.Equal(t, []page.Address{0x1008}, roots, "detached handles are not roots")

	a.Close()
	b.Close()
}

func TestRequestCollection_BackgroundServedByMain(t *testing.T) {
	var initiators []int
	var mu sync.Mutex
	h := newTestHeap(t, page.Config{}, &Options{
		Collector: CollectorFunc(func(c *Collection) error {
			mu.Lock()
			initiators = append(initiators, c.Initiator().ID())
			mu.Unlock()
			return nil
		}),
	})
	m := h.NewView(Main)
	bg := h.NewView(Background)

	running := make(chan struct{})
	var stop atomic.Bool
	mainDone := make(chan struct{})
	go func() {
		defer close(mainDone)
		m.Unpark()
		close(running)
		for !stop.Load() {
			m.Safepoint()
			time.Sleep(time.Millisecond)
		}
		m.Park()
	}()
	<-running

	bg.Unpark()
	h.RequestCollection(bg, "test")
	bg.Park()

	stop.Store(true)
	<-mainDone

	mu.Lock()
	require.Equal(t, []int{m.ID()}, initiators, "main view drove the collection")
	mu.Unlock()
	require.Equal(t, uint64(1), h.Stats().CollectionRequests)

	m.Close()
	bg.Close()
}

func TestRequestCollection_ParkedMainLetsBackgroundDrive(t *testing.T) {
	var initiator *View
	h := newTestHeap(t, page.Config{}, &Options{
		Collector: CollectorFunc(func(c *Collection) error {
			initiator = c.Initiator()
			return nil
		}),
	})
	m := h.NewView(Main)
	bg := runningView(h, Background)

	h.RequestCollection(bg, "main parked")
	require.Same(t, bg, initiator)
	require.Equal(t, uint64(0), h.Stats().CollectionRequests)
	require.False(t, m.State().IsCollectionRequested())

	closeView(bg)
	m.Close()
}

func TestRequestCollection_ParkServesPendingRequest(t *testing.T) {
	var n atomic.Int32
	h := newTestHeap(t, page.Config{}, &Options{
		Collector: CollectorFunc(func(*Collection) error { n.Add(1); return nil }),
	})
	m := runningView(h, Main)
	require.True(t, m.RequestCollection())

	// Park serves the pending request before the view parks.
	m.Park()
	assert.Equal(t, int32(1), n.Load())
	assert.False(t, m.State().IsCollectionRequested())
	m.Close()
}

func TestEpilogueCallbacks(t *testing.T) {
	h := newTestHeap(t, page.Config{}, nil)
	v := runningView(h, Background)

	var major, all []GCType
	idMajor := v.AddGCEpilogueCallback(func(typ GCType) { major = append(major, typ) }, GCMajor)
	idAny := v.AddGCEpilogueCallback(func(typ GCType) { all = append(all, typ) }, GCAll)
	require.NotEqual(t, idMajor, idAny)

	require.NoError(t, h.CollectGarbage(v, GCMinor, "minor"))
	require.NoError(t, h.CollectGarbage(v, GCMajor, "major"))
	require.Equal(t, []GCType{GCMajor}, major)
	require.Equal(t, []GCType{GCMinor, GCMajor}, all)

	v.Park()
	require.Panics(t, v.Close, "callbacks still registered")
	require.Panics(t, func() { v.RemoveGCEpilogueCallback(idMajor) }, "parked owner")
	require.Panics(t, func() { v.AddGCEpilogueCallback(func(GCType) {}, GCAll) }, "parked owner")

	v.Unpark()
	require.True(t, v.RemoveGCEpilogueCallback(idMajor))
	require.False(t, v.RemoveGCEpilogueCallback(idMajor))
	require.True(t, v.RemoveGCEpilogueCallback(idAny))
	closeView(v)
}
