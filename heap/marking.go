package heap

import (
	"sync"
	"sync/atomic"

	"github.com/joshuapare/heapkit/heap/page"
)

// markingState is the heap-wide half of incremental marking.
type markingState struct {
	active     atomic.Bool
	compacting bool // written during pauses

	mu       sync.Mutex
	worklist []page.Address
}

// MarkingBarrier records values written by a background view while marking
// is in progress. The local worklist reaches the heap on Publish.
type MarkingBarrier struct {
	heap *Heap

	// written during pauses and registration, read by the owner
	active     bool
	compacting bool

	worklist []page.Address
	recorded uint64
}

// IsActivated reports whether writes are being recorded.
func (b *MarkingBarrier) IsActivated() bool { return b.active }

// IsCompacting reports whether the current marking cycle compacts.
func (b *MarkingBarrier) IsCompacting() bool { return b.compacting }

// Recorded returns how many values the barrier has recorded.
func (b *MarkingBarrier) Recorded() uint64 { return b.recorded }

// Write records value if marking is active.
func (b *MarkingBarrier) Write(value page.Address) {
	if !b.active {
		return
	}
	b.worklist = append(b.worklist, value)
	b.recorded++
}

// Publish moves the local worklist to the heap.
func (b *MarkingBarrier) Publish() {
	if len(b.worklist) == 0 {
		return
	}
	m := &b.heap.marking
	m.mu.Lock()
	m.worklist = append(m.worklist, b.worklist...)
	m.mu.Unlock()
	b.worklist = b.worklist[:0]
}

func (b *MarkingBarrier) activate(compacting bool) {
	b.active = true
	b.compacting = compacting
}

func (b *MarkingBarrier) deactivate() {
	b.active = false
	b.compacting = false
}

// StartMarking activates the marking barrier of every background view.
// Views registered while marking is in progress start activated. Starting
// twice panics.
func (h *Heap) StartMarking(initiator *View, compacting bool) {
	h.pause(initiator, func() {
		if h.marking.active.Load() {
			panic("heap: marking already in progress")
		}
		h.marking.compacting = compacting
		h.marking.active.Store(true)
		h.forEachView(func(v *View) {
			if v.marking != nil {
				v.marking.activate(compacting)
			}
		})
	})
	h.log.Debug("marking started", "compacting", compacting)
}

// FinishMarking publishes and deactivates every marking barrier and returns
// the values recorded since StartMarking.
func (h *Heap) FinishMarking(initiator *View) []page.Address {
	var out []page.Address
	h.pause(initiator, func() {
		if !h.marking.active.Load() {
			panic("heap: marking not in progress")
		}
		h.forEachView(func(v *View) {
			if v.marking != nil {
				v.marking.Publish()
				v.marking.deactivate()
			}
		})
		h.marking.active.Store(false)
		h.marking.compacting = false

		h.marking.mu.Lock()
		out, h.marking.worklist = h.marking.worklist, nil
		h.marking.mu.Unlock()
	})
	h.log.Debug("marking finished", "recorded", len(out))
	return out
}

// IsMarking reports whether marking is in progress.
func (h *Heap) IsMarking() bool { return h.marking.active.Load() }
