package heap

import (
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/joshuapare/heapkit/heap/page"
	"github.com/joshuapare/heapkit/heap/safepoint"
)

// Stats is a snapshot of heap activity. Counters of closed views are
// included in the totals.
type Stats struct {
	Views           int `json:"views"`
	BackgroundViews int `json:"background_views"`

	PageSize  int    `json:"page_size"`
	Pages     int    `json:"pages"`
	Committed uint64 `json:"committed"`
	Available uint64 `json:"available"`
	Shared    uint64 `json:"shared_available"`
	Wasted    uint64 `json:"wasted"`
	Fillers   uint64 `json:"filler_bytes"`

	Allocations     uint64 `json:"allocations"`
	AllocatedBytes  uint64 `json:"allocated_bytes"`
	SlowPath        uint64 `json:"slow_path"`
	LABRefills      uint64 `json:"lab_refills"`
	PagesFromShared uint64 `json:"pages_from_shared"`
	PagesCommitted  uint64 `json:"pages_committed"`
	PagesReleased   uint64 `json:"pages_released"`
	Failures        uint64 `json:"failures"`

	Collections        uint64        `json:"collections"`
	CollectionRequests uint64        `json:"collection_requests"`
	LastPause          time.Duration `json:"last_pause"`
	Marking            bool          `json:"marking"`

	Pauses  safepoint.PauseStats `json:"pauses"`
	Source  *page.SourceStats    `json:"source,omitempty"`
	PerView []ViewStats          `json:"per_view,omitempty"`
}

// ViewStats describes one open view.
type ViewStats struct {
	ID              int    `json:"id"`
	Kind            string `json:"kind"`
	Allocations     uint64 `json:"allocations"`
	AllocatedBytes  uint64 `json:"allocated_bytes"`
	SlowPath        uint64 `json:"slow_path"`
	LABRefills      uint64 `json:"lab_refills"`
	PagesFromShared uint64 `json:"pages_from_shared"`
	PagesCommitted  uint64 `json:"pages_committed"`
	Failures        uint64 `json:"failures"`
	Available       uint64 `json:"available"`
	Wasted          uint64 `json:"wasted"`
}

// Stats returns a snapshot. It may be called from any goroutine; values read
// from running views are approximate.
func (h *Heap) Stats() Stats {
	s := Stats{
		PageSize:           h.pageSize,
		Shared:             h.shared.Available(),
		Fillers:            h.counters.fillerBytes.Load(),
		PagesReleased:      h.counters.pagesReleased.Load(),
		Collections:        h.counters.collections.Load(),
		CollectionRequests: h.counters.collectionRequests.Load(),
		LastPause:          time.Duration(h.counters.lastPause.Load()),
		Marking:            h.IsMarking(),
		Pauses:             h.safepoint.Stats(),
	}
	s.Available = s.Shared
	s.Wasted = h.shared.WastedBytes() + s.Fillers
	s.addCounters(&h.retired)

	h.pagesMu.RLock()
	s.Pages = len(h.pages)
	h.pagesMu.RUnlock()
	s.Committed = uint64(s.Pages) * uint64(h.pageSize)

	h.viewsMu.RLock()
	for _, v := range h.views {
		vs := v.stats()
		s.Views++
		if !v.IsMain() {
			s.BackgroundViews++
		}
		s.Available += vs.Available
		s.Wasted += vs.Wasted
		s.addCounters(&v.counters)
		s.PerView = append(s.PerView, vs)
	}
	h.viewsMu.RUnlock()
	slices.SortFunc(s.PerView, func(a, b ViewStats) int { return a.ID - b.ID })

	if src, ok := h.source.(interface{ Stats() page.SourceStats }); ok {
		ss := src.Stats()
		s.Source = &ss
	}
	return s
}

func (s *Stats) addCounters(c *viewCounters) {
	s.Allocations += c.allocations.Load()
	s.AllocatedBytes += c.bytes.Load()
	s.SlowPath += c.slowPath.Load()
	s.LABRefills += c.labRefills.Load()
	s.PagesFromShared += c.pagesFromShared.Load()
	s.PagesCommitted += c.pagesCommitted.Load()
	s.Failures += c.failures.Load()
}

func (v *View) stats() ViewStats {
	return ViewStats{
		ID:              v.id,
		Kind:            v.Kind().String(),
		Allocations:     v.counters.allocations.Load(),
		AllocatedBytes:  v.counters.bytes.Load(),
		SlowPath:        v.counters.slowPath.Load(),
		LABRefills:      v.counters.labRefills.Load(),
		PagesFromShared: v.counters.pagesFromShared.Load(),
		PagesCommitted:  v.counters.pagesCommitted.Load(),
		Failures:        v.counters.failures.Load(),
		Available:       v.freeList.Available(),
		Wasted:          v.freeList.WastedBytes(),
	}
}

// Stats returns the view's counters.
func (v *View) Stats() ViewStats { return v.stats() }

// Report writes a human-readable summary.
func (s Stats) Report(w io.Writer) {
	p := message.NewPrinter(language.English)
	fmt.Fprintf(w, "Heap\n")
	fmt.Fprintf(w, "  views:           %d (%d background)\n", s.Views, s.BackgroundViews)
	fmt.Fprintf(w, "  pages:           %d x %s = %s\n",
		s.Pages, humanize.IBytes(uint64(s.PageSize)), humanize.IBytes(s.Committed))
	fmt.Fprintf(w, "  available:       %s (shared %s)\n", humanize.IBytes(s.Available), humanize.IBytes(s.Shared))
	fmt.Fprintf(w, "  wasted:          %s (fillers %s)\n", humanize.IBytes(s.Wasted), humanize.IBytes(s.Fillers))
	fmt.Fprintf(w, "Allocation\n")
	p.Fprintf(w, "  allocations:     %d (%s)\n", s.Allocations, humanize.IBytes(s.AllocatedBytes))
	p.Fprintf(w, "  slow path:       %d\n", s.SlowPath)
	p.Fprintf(w, "  LAB refills:     %d\n", s.LABRefills)
	p.Fprintf(w, "  pages committed: %d (from shared %d, released %d)\n",
		s.PagesCommitted, s.PagesFromShared, s.PagesReleased)
	p.Fprintf(w, "  failures:        %d\n", s.Failures)
	fmt.Fprintf(w, "Collection\n")
	p.Fprintf(w, "  collections:     %d (%d requested by background views)\n", s.Collections, s.CollectionRequests)
	p.Fprintf(w, "  pauses:          %d, max %s, total %s\n", s.Pauses.Pauses, s.Pauses.MaxPause, s.Pauses.TotalPause)
	fmt.Fprintf(w, "  to safepoint:    max %s\n", s.Pauses.MaxTimeToSafepoint)
	if s.Source != nil {
		fmt.Fprintf(w, "Source (%s)\n", s.Source.Backend)
		p.Fprintf(w, "  in use:          %d (peak %d, pooled %d)\n", s.Source.InUse, s.Source.PeakInUse, s.Source.Pooled)
		p.Fprintf(w, "  allocated:       %d (reused %d, exhausted %d)\n",
			s.Source.Allocated, s.Source.Reused, s.Source.Exhausted)
	}
}
