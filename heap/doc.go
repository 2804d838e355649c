// Package heap ties the free lists, the page source and the safepoint
// protocol into a heap shared by one main goroutine and any number of
// background goroutines.
//
// # Overview
//
// A Heap owns the page source, the page table, a shared free list holding
// pages nobody is allocating from, and the safepoint coordinator. Every
// goroutine that touches the heap does so through its own View:
//
//	h, err := heap.New(nil)
//	if err != nil {
//	    return err
//	}
//	defer h.Close()
//
//	v := h.NewView(heap.Background)
//	v.Unpark()
//	r, ok := v.AllocateRaw(64, freelist.OriginRuntime)
//	...
//	v.Park()
//	v.Close()
//
// # Allocation
//
// A view bumps a pointer through its linear allocation area (LAB). When the
// LAB is exhausted the view refills it from its private free list, then by
// taking a whole page from the shared list, then by committing a fresh page
// from the source. None of these steps takes a lock shared with other views
// except the short critical section around the shared list.
//
// # Collections
//
// CollectGarbage stops every registered view at a safepoint, returns every
// LAB to its free list and hands a Collection to the configured Collector.
// The collector may free ranges, rebuild or release pages and enumerate
// persistent handles while the pause lasts.
//
// Background views cannot collect on their own behalf while the main view is
// running. RequestCollection flags the main view and waits, parked, until it
// has collected.
//
// # Threading
//
// Park, Unpark, Safepoint and every allocation call must come from the
// goroutine that owns the view. A view is created parked; it must be
// unparked before allocating and parked again before Close.
package heap
