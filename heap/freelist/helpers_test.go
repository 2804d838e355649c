package freelist

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/heapkit/heap/page"
)

// newPages returns n fresh pages of size bytes from one memory source.
func newPages(t testing.TB, n, size int) []*Page {
	t.Helper()
	src, err := page.NewMemorySource(page.Config{PageSize: size})
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })

	pages := make([]*Page, n)
	for i := range pages {
		p, err := src.AllocatePage(page.AllocateRegular, page.OldSpace, page.NotExecutable)
		require.NoError(t, err)
		pages[i] = NewPage(p)
	}
	return pages
}

func newList(t testing.TB, policy Policy, cfg *BucketConfig) *FreeList {
	t.Helper()
	fl, err := New(Options{Policy: policy, Buckets: cfg})
	require.NoError(t, err)
	return fl
}

// scenarioConfig is the four-bucket table used by the worked examples.
func scenarioConfig() *BucketConfig {
	return &BucketConfig{
		Name:         "Scenario",
		MinBlockSize: 8,
		Mins:         []uint32{24, 32, 48, 64},
		PreciseMax:   64,
		PreciseStep:  16,
	}
}

func requireConsistent(t testing.TB, fl *FreeList) {
	t.Helper()
	require.NoError(t, fl.Verify())
	require.Equal(t, fl.Available(), fl.SumFreeLists())
}
