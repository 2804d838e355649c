package freelist

import (
	"fmt"
	"io"
)

// Stats is a snapshot of a free list.
type Stats struct {
	Policy      string             `json:"policy"`
	Buckets     string             `json:"buckets"`
	Available   uint64             `json:"available"`
	Wasted      uint64             `json:"wasted"`
	Pages       int                `json:"pages"`
	Allocations uint64             `json:"allocations"`
	ByOrigin    [numOrigins]uint64 `json:"by_origin"`
	Frees       uint64             `json:"frees"`
	Splits      uint64             `json:"splits"`
	Misses      uint64             `json:"misses"`
	PagesIn     uint64             `json:"pages_in"`
	PagesOut    uint64             `json:"pages_out"`
	PerBucket   []BucketStats      `json:"per_bucket,omitempty"`
}

// BucketStats describes one bucket.
type BucketStats struct {
	Min        uint32 `json:"min"`
	Categories int    `json:"categories"`
	Chunks     int    `json:"chunks"`
	Available  uint64 `json:"available"`
}

// Stats walks the list. Owner-only, or while the owner is parked.
func (fl *FreeList) Stats() Stats {
	st := Stats{
		Policy:    string(fl.policy),
		Buckets:   fl.buckets.Name(),
		Available: fl.Available(),
		Wasted:    fl.WastedBytes(),
		Pages:     len(fl.pages),
		Frees:     fl.stats.frees,
		Splits:    fl.stats.splits,
		Misses:    fl.stats.misses,
		PagesIn:   fl.stats.pagesIn,
		PagesOut:  fl.stats.pagesOut,
		PerBucket: make([]BucketStats, fl.buckets.Len()),
	}
	for o, n := range fl.stats.allocs {
		st.ByOrigin[o] = n
		st.Allocations += n
	}
	for t := range fl.heads {
		bs := &st.PerBucket[t]
		bs.Min = fl.buckets.Min(t)
		fl.ForEachCategory(t, func(c *Category) {
			bs.Categories++
			bs.Chunks += c.Length()
			bs.Available += uint64(c.available)
		})
	}
	return st
}

// Dump writes a per-bucket summary of non-empty buckets to w.
func (fl *FreeList) Dump(w io.Writer) {
	st := fl.Stats()
	fmt.Fprintf(w, "free list %s/%s: available=%d wasted=%d pages=%d\n",
		st.Policy, st.Buckets, st.Available, st.Wasted, st.Pages)
	for t, bs := range st.PerBucket {
		if bs.Categories == 0 {
			continue
		}
		fmt.Fprintf(w, "  [%2d] >=%-6d categories=%d chunks=%d available=%d\n",
			t, bs.Min, bs.Categories, bs.Chunks, bs.Available)
	}
}
