package heap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/heapkit/heap/page"
)

const testPageSize = 16 << 10

// newTestHeap builds a heap over a memory source with cfg. The heap is closed
// when the test ends.
func newTestHeap(t testing.TB, cfg page.Config, opts *Options) *Heap {
	t.Helper()
	if cfg.PageSize == 0 {
		cfg.PageSize = testPageSize
	}
	src, err := page.NewMemorySource(cfg)
	require.NoError(t, err)

	if opts == nil {
		opts = &Options{}
	}
	opts.Source = src
	h, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		if !t.Failed() {
			require.NoError(t, h.Close())
		}
	})
	return h
}

// runningView registers a view and unparks it on the calling goroutine.
func runningView(h *Heap, kind ThreadKind) *View {
	v := h.NewView(kind)
	v.Unpark()
	return v
}

func closeView(v *View) {
	if v.IsRunning() {
		v.Park()
	}
	v.Close()
}

func noLAB() *Options { return &Options{LABSize: -1} }
