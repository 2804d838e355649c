// Package freelist implements segregated free lists over heap pages.
//
// Free memory is kept as chunks threaded through the page bytes themselves:
// the first eight bytes of a free range hold its size and the offset of the
// next chunk in the same page. Chunks are grouped per page and per size bucket
// into a Category; a FreeList links the categories of every page it owns into
// one list per bucket.
//
// # Policies
//
// All policies share the bucket table and the chunk format and differ only in
// how a request is mapped to buckets and how buckets are searched:
//
//   - PolicyMany: probe the head of every bucket from the selected one upwards,
//     then scan the whole chain of the last bucket.
//   - PolicyManyCached: the same search, skipping empty buckets through a
//     next-non-empty cache.
//   - PolicyFastPath: prefer large buckets whose every chunk fits, fall back to
//     the precise search.
//   - PolicyFastPathNewSpace: fast path with small blocks prohibited.
//   - PolicyOrigin: GC allocations use the cached search, all others the fast path.
//   - PolicyCoarse: six coarse buckets, no cache.
//
// # Ownership
//
// A FreeList is not safe for concurrent use. It is owned by one heap view or
// guarded by the caller; pages move between lists whole (RemovePage/AddPage).
// Available and WastedBytes are atomics and may be read from any goroutine.
//
// # Exhaustion
//
// Allocate returns ok=false when no chunk fits. That is ordinary control flow:
// the caller adds a page or requests a collection.
//
// # Debugging
//
// Set HEAPKIT_LOG_ALLOC=1 to trace allocation misses and page transfers to stderr.
package freelist
