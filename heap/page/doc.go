// Package page supplies whole heap pages to the allocator.
//
// A Source hands out fixed-size pages on demand and takes them back when the
// sweeper evicts them. Three backends share one Provider implementation:
//
//   - NewMemorySource: pages are ordinary Go byte slices.
//   - NewMmapSource: pages are anonymous private mappings (unix only; other
//     platforms fall back to the memory backend).
//   - NewFileSource: pages are regions of a backing file mapped shared and
//     guarded by an advisory lock, useful for inspecting a heap after a run.
//
// Every page gets a logical base Address that is aligned to the page size and
// unique while the page is live, so an address can be mapped back to its page
// with PageBase.
//
// Exhaustion (MaxPages reached) is reported as ErrExhausted; callers treat it
// as the "no page" signal and fall back to a collection.
package page
