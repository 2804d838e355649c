// Package safepoint implements the stop-the-world protocol of the heap.
//
// Every goroutine that touches the heap owns a Thread. A Thread is either
// Running (may mutate the heap) or Parked (promises not to). The Coordinator
// keeps the registry of threads and runs pauses:
//
//  1. arm the Barrier and set SafepointRequested on every other thread,
//  2. wait until each thread that was Running has parked,
//  3. run the critical section,
//  4. clear the flags and release everyone blocked in Unpark or Safepoint.
//
// Running threads must call Safepoint at frequent points (allocation slow
// paths, loop back-edges) and must Park, or use ExecuteWhileParked, before
// blocking on anything outside the heap.
//
// The thread driving a pause is exempt: it is not flagged and does not park
// for its own pause. A thread that starts a pause while already driving one
// panics.
//
// State transitions are single-word compare-and-swap or atomic OR/AND on a
// packed ThreadState, so a concurrently set flag is never lost.
package safepoint
