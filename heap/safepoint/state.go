package safepoint

import (
	"strings"
	"sync/atomic"
)

// ThreadState is the packed state of a Thread.
type ThreadState uint32

const (
	// Running is the absence of the Parked bit.
	Running ThreadState = 0

	Parked              ThreadState = 1 << 0
	SafepointRequested  ThreadState = 1 << 1
	CollectionRequested ThreadState = 1 << 2

	slowPathFlags = SafepointRequested | CollectionRequested
)

func (s ThreadState) IsParked() bool { return s&Parked != 0 }

func (s ThreadState) IsRunning() bool { return s&Parked == 0 }

func (s ThreadState) IsSafepointRequested() bool { return s&SafepointRequested != 0 }

func (s ThreadState) IsCollectionRequested() bool { return s&CollectionRequested != 0 }

// IsRunningWithSlowPathFlag reports whether a running thread has a pending request.
func (s ThreadState) IsRunningWithSlowPathFlag() bool {
	return s.IsRunning() && s&slowPathFlags != 0
}

// SetParked returns s with the Parked bit set.
func (s ThreadState) SetParked() ThreadState { return s | Parked }

// SetRunning returns s with the Parked bit cleared.
func (s ThreadState) SetRunning() ThreadState { return s &^ Parked }

func (s ThreadState) String() string {
	var sb strings.Builder
	if s.IsParked() {
		sb.WriteString("parked")
	} else {
		sb.WriteString("running")
	}
	if s.IsSafepointRequested() {
		sb.WriteString("+safepoint")
	}
	if s.IsCollectionRequested() {
		sb.WriteString("+collection")
	}
	return sb.String()
}

// AtomicState holds a ThreadState. The zero value is Running.
type AtomicState struct {
	v atomic.Uint32
}

func (a *AtomicState) Load() ThreadState { return ThreadState(a.v.Load()) }

func (a *AtomicState) Store(s ThreadState) { a.v.Store(uint32(s)) }

// CompareAndSwap replaces old with new. On failure it returns the freshly
// loaded state for the caller to retry against.
func (a *AtomicState) CompareAndSwap(old, new ThreadState) (ThreadState, bool) {
	if a.v.CompareAndSwap(uint32(old), uint32(new)) {
		return new, true
	}
	return a.Load(), false
}

// SetParked sets the Parked bit and returns the previous state.
func (a *AtomicState) SetParked() ThreadState {
	return ThreadState(a.v.Or(uint32(Parked)))
}

// SetSafepointRequested sets the flag and returns the previous state.
func (a *AtomicState) SetSafepointRequested() ThreadState {
	return ThreadState(a.v.Or(uint32(SafepointRequested)))
}

// ClearSafepointRequested clears the flag and returns the previous state.
func (a *AtomicState) ClearSafepointRequested() ThreadState {
	return ThreadState(a.v.And(^uint32(SafepointRequested)))
}

// SetCollectionRequested sets the flag and returns the previous state.
func (a *AtomicState) SetCollectionRequested() ThreadState {
	return ThreadState(a.v.Or(uint32(CollectionRequested)))
}

// ClearCollectionRequested clears the flag and returns the previous state.
func (a *AtomicState) ClearCollectionRequested() ThreadState {
	return ThreadState(a.v.And(^uint32(CollectionRequested)))
}
