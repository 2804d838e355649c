package heap

import (
	"errors"
	"math/rand/v2"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/heapkit/heap/freelist"
	"github.com/joshuapare/heapkit/heap/page"
)

func TestView_AllocateRoundsToTaggedSize(t *testing.T) {
	h := newTestHeap(t, page.Config{}, nil)
	v := runningView(h, Background)
	defer closeView(v)

	a, ok := v.AllocateRaw(13, freelist.OriginRuntime)
	require.True(t, ok)
	require.Equal(t, uint32(16), a.Size)

	b, ok := v.AllocateRaw(8, freelist.OriginRuntime)
	require.True(t, ok)
	require.Equal(t, a.End(), b.Address(), "LAB allocations are contiguous")

	st := v.Stats()
	require.Equal(t, uint64(2), st.Allocations)
	require.Equal(t, uint64(24), st.AllocatedBytes)
	require.Equal(t, uint64(1), st.SlowPath)
	require.Equal(t, uint64(1), st.LABRefills)
	require.Equal(t, uint64(1), st.PagesCommitted)
}

func TestView_AllocateProtocolViolations(t *testing.T) {
	h := newTestHeap(t, page.Config{}, nil)
	v := h.NewView(Background)

	require.Panics(t, func() { v.AllocateRaw(8, freelist.OriginRuntime) }, "parked view")

	v.Unpark()
	require.Panics(t, func() { v.AllocateRaw(0, freelist.OriginRuntime) })
	require.Panics(t, func() { v.AllocateRaw(-8, freelist.OriginRuntime) })
	require.Panics(t, func() { v.AllocateRaw(testPageSize+8, freelist.OriginRuntime) })
	require.Panics(t, v.Close, "close while running")

	v.Park()
	v.Close()
	require.Panics(t, v.Close, "double close")
}

func TestView_LargeAllocationBypassesLAB(t *testing.T) {
	h := newTestHeap(t, page.Config{}, &Options{LABSize: 1024})
	v := runningView(h, Background)
	defer closeView(v)

	r, ok := v.AllocateRaw(4096, freelist.OriginRuntime)
	require.True(t, ok)
	require.Equal(t, uint32(4096), r.Size)
	require.Equal(t, uint64(0), v.Stats().LABRefills)
	require.Nil(t, v.lab.page)

	_, ok = v.AllocateRaw(64, freelist.OriginRuntime)
	require.True(t, ok)
	require.Equal(t, uint64(1), v.Stats().LABRefills)
	require.Equal(t, uint32(1024-64), v.lab.size())
}

func TestView_FullPageAllocation(t *testing.T) {
	h := newTestHeap(t, page.Config{MaxPages: 1}, noLAB())
	v := runningView(h, Background)
	defer closeView(v)

	r, ok := v.AllocateRaw(testPageSize, freelist.OriginRuntime)
	require.True(t, ok)
	require.Equal(t, uint32(0), r.Offset)

	_, ok = v.AllocateRaw(8, freelist.OriginRuntime)
	require.False(t, ok, "source exhausted")
	require.Equal(t, uint64(1), v.Stats().Failures)
}

func TestView_ClosedViewPagesMoveToShared(t *testing.T) {
	h := newTestHeap(t, page.Config{MaxPages: 1}, nil)

	a := runningView(h, Background)
	first, ok := a.AllocateRaw(256, freelist.OriginRuntime)
	require.True(t, ok)
	closeView(a)

	st := h.Stats()
	require.Equal(t, uint64(testPageSize-256), st.Shared, "LAB remainder and the rest of the page are shared")

	b := runningView(h, Background)
	defer closeView(b)
	second, ok := b.AllocateRaw(256, freelist.OriginRuntime)
	require.True(t, ok, "served from the shared page without a new commit")
	require.Same(t, first.Page, second.Page)
	require.False(t, first.Overlaps(second))
	require.Equal(t, uint64(1), b.Stats().PagesFromShared)
	require.Equal(t, uint64(0), b.Stats().PagesCommitted)
}

func TestView_FreeThenAllocateReusesAddress(t *testing.T) {
	var target freelist.Range
	h := newTestHeap(t, page.Config{}, &Options{
		LABSize: -1,
		Collector: CollectorFunc(func(c *Collection) error {
			c.Free(target.Address(), int(target.Size))
			return nil
		}),
	})
	v := runningView(h, Background)
	defer closeView(v)

	var ok bool
	target, ok = v.AllocateRaw(128, freelist.OriginRuntime)
	require.True(t, ok)
	require.NoError(t, h.CollectGarbage(v, GCMajor, "test"))

	again, ok := v.AllocateRaw(128, freelist.OriginRuntime)
	require.True(t, ok)
	require.Equal(t, target.Address(), again.Address())
	require.Equal(t, 1, h.Stats().Pages)
}

func TestView_RetryLightCollectsThenFails(t *testing.T) {
	h := newTestHeap(t, page.Config{MaxPages: 1}, noLAB())
	v := runningView(h, Background)
	defer closeView(v)

	_, ok := v.AllocateRaw(testPageSize, freelist.OriginRuntime)
	require.True(t, ok)

	_, ok = v.AllocateRawWith(64, freelist.OriginRuntime, RetryLight)
	require.False(t, ok)
	require.Equal(t, uint64(2), h.Stats().Collections)
}

func TestView_RetryRecoversAfterCollection(t *testing.T) {
	var garbage []freelist.Range
	h := newTestHeap(t, page.Config{MaxPages: 1}, &Options{
		LABSize: -1,
		Collector: CollectorFunc(func(c *Collection) error {
			for _, r := range garbage {
				c.Free(r.Address(), int(r.Size))
			}
			garbage = nil
			return nil
		}),
	})
	v := runningView(h, Background)
	defer closeView(v)

	r, ok := v.AllocateRaw(testPageSize, freelist.OriginRuntime)
	require.True(t, ok)
	garbage = append(garbage, r)

	got, ok := v.AllocateRawWith(64, freelist.OriginRuntime, RetryLight)
	require.True(t, ok)
	require.Equal(t, r.Address(), got.Address())
	require.Equal(t, uint64(1), h.Stats().Collections)
}

func TestView_MustAllocatePanicsOutOfMemory(t *testing.T) {
	var seen []OOMInfo
	h := newTestHeap(t, page.Config{MaxPages: 1}, &Options{
		LABSize:       -1,
		OnOutOfMemory: func(info OOMInfo) { seen = append(seen, info) },
	})
	v := runningView(h, Background)
	defer closeView(v)

	v.MustAllocate(testPageSize, freelist.OriginRuntime)

	var err error
	func() {
		defer func() { err, _ = recover().(error) }()
		v.MustAllocate(64, freelist.OriginRuntime)
	}()
	require.True(t, errors.Is(err, ErrOutOfMemory), "got %v", err)
	require.Len(t, seen, 1)
	require.Equal(t, v.ID(), seen[0].View)
	require.Equal(t, 64, seen[0].Size)
	require.Equal(t, 1, seen[0].Pages)
	require.Equal(t, uint64(3), h.Stats().Collections, "two retries and a last-resort collection")
}

// Views allocating concurrently, with pauses in between, never receive
// overlapping ranges and never see their memory overwritten.
func TestView_ConcurrentViewsDoNotOverlap(t *testing.T) {
	const (
		views = 4
		ops   = 400
	)
	h := newTestHeap(t, page.Config{PageSize: 64 << 10}, &Options{LABSize: 4 << 10})

	ranges := make([][]freelist.Range, views)
	var wg sync.WaitGroup
	for i := range views {
		v := h.NewView(Background)
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(i), 7))
			v.Unpark()
			for range ops {
				size := 8 + rng.IntN(512)
				r, ok := v.AllocateRaw(size, freelist.OriginRuntime)
				if !ok {
					panic("allocation failed")
				}
				b := r.Bytes()
				for k := range b {
					b[k] = byte(i + 1)
				}
				ranges[i] = append(ranges[i], r)
				v.Safepoint()
			}
			v.Park()
			v.Close()
		}()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 5 {
			_ = h.CollectGarbage(nil, GCMinor, "concurrent")
		}
	}()
	wg.Wait()
	<-done

	var all []freelist.Range
	for i, rs := range ranges {
		for _, r := range rs {
			for _, c := range r.Bytes() {
				require.Equal(t, byte(i+1), c, "memory of view %d overwritten at %s", i, r)
			}
		}
		all = append(all, rs...)
	}
	slices.SortFunc(all, func(a, b freelist.Range) int {
		switch {
		case a.Address() < b.Address():
			return -1
		case a.Address() > b.Address():
			return 1
		}
		return 0
	})
	for i := 1; i < len(all); i++ {
		require.LessOrEqual(t, all[i-1].End(), all[i].Address(), "%s overlaps %s", all[i-1], all[i])
	}
	require.NoError(t, h.Verify(nil))
}
