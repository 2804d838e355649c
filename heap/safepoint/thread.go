package safepoint

import "fmt"

// Kind distinguishes the main mutator thread from background threads.
type Kind uint8

const (
	KindMain Kind = iota
	KindBackground
)

func (k Kind) String() string {
	if k == KindMain {
		return "main"
	}
	return "background"
}

// CollectionHandler performs a collection requested of the main thread.
// HandleCollectionRequest must clear the CollectionRequested flag (see
// Thread.ClearCollectionRequest) before it collects.
type CollectionHandler interface {
	HandleCollectionRequest()
}

// Thread is the safepoint state of one heap-touching goroutine.
//
// Park, Unpark, Safepoint and ExecuteWhileParked may only be called by the
// owning goroutine. A new Thread is Parked and unregistered.
type Thread struct {
	state   AtomicState
	coord   *Coordinator
	kind    Kind
	handler CollectionHandler

	// owner only
	ignoreRequests int

	// guarded by coord.mu
	registered bool
}

// NewThread returns a parked thread bound to c. handler may be nil; it is
// only consulted for main threads.
func NewThread(c *Coordinator, kind Kind, handler CollectionHandler) *Thread {
	t := &Thread{coord: c, kind: kind, handler: handler}
	t.state.Store(Parked)
	return t
}

// Kind returns the thread kind.
func (t *Thread) Kind() Kind { return t.kind }

// IsMain reports whether t is the main thread.
func (t *Thread) IsMain() bool { return t.kind == KindMain }

// State returns the current state.
func (t *Thread) State() ThreadState { return t.state.Load() }

// IsParked reports whether the thread is parked.
func (t *Thread) IsParked() bool { return t.state.Load().IsParked() }

// IsRunning reports whether the thread is running.
func (t *Thread) IsRunning() bool { return t.state.Load().IsRunning() }

// Coordinator returns the coordinator the thread belongs to.
func (t *Thread) Coordinator() *Coordinator { return t.coord }

// Park declares that the thread stops touching the heap.
func (t *Thread) Park() {
	if _, ok := t.state.CompareAndSwap(Running, Parked); ok {
		return
	}
	t.parkSlowPath()
}

func (t *Thread) parkSlowPath() {
	for {
		cur := t.state.Load()
		switch {
		case cur.IsParked():
			panic(fmt.Sprintf("safepoint: park of %s %s thread", cur, t.kind))

		case cur.IsSafepointRequested():
			t.state.SetParked()
			t.coord.barrier.NotifyPark()
			return

		case cur.IsCollectionRequested() && t.servesCollectionRequests():
			t.handler.HandleCollectionRequest()

		default:
			if _, ok := t.state.CompareAndSwap(cur, cur.SetParked()); ok {
				return
			}
		}
	}
}

// Unpark declares that the thread resumes touching the heap. It blocks while
// a pause is in progress.
func (t *Thread) Unpark() {
	if _, ok := t.state.CompareAndSwap(Parked, Running); ok {
		return
	}
	t.unparkSlowPath()
}

func (t *Thread) unparkSlowPath() {
	for {
		cur := t.state.Load()
		switch {
		case cur.IsRunning():
			panic(fmt.Sprintf("safepoint: unpark of %s %s thread", cur, t.kind))

		case cur.IsSafepointRequested():
			t.coord.barrier.WaitInUnpark()

		default:
			if _, ok := t.state.CompareAndSwap(cur, cur.SetRunning()); !ok {
				continue
			}
			if cur.IsCollectionRequested() && t.servesCollectionRequests() {
				t.handler.HandleCollectionRequest()
			}
			return
		}
	}
}

// Safepoint checks for a pending request. With nothing pending it is a
// single atomic load.
func (t *Thread) Safepoint() {
	if cur := t.state.Load(); cur.IsRunningWithSlowPathFlag() {
		t.safepointSlowPath(cur)
	}
}

func (t *Thread) safepointSlowPath(cur ThreadState) {
	if cur.IsSafepointRequested() {
		t.state.SetParked()
		t.coord.barrier.WaitInSafepoint()
		t.Unpark()
	}
	if t.servesCollectionRequests() && t.state.Load().IsCollectionRequested() {
		t.handler.HandleCollectionRequest()
	}
}

// ExecuteWhileParked runs fn with the thread parked, so a pause can proceed
// while fn blocks. A thread that is already parked just runs fn.
func (t *Thread) ExecuteWhileParked(fn func()) {
	if t.IsParked() {
		fn()
		return
	}
	t.Park()
	defer t.Unpark()
	fn()
}

// IgnoreCollectionRequests runs fn while the main thread's park, unpark and
// safepoint paths leave CollectionRequested pending.
func (t *Thread) IgnoreCollectionRequests(fn func()) {
	t.ignoreRequests++
	defer func() { t.ignoreRequests-- }()
	fn()
}

// IsIgnoringCollectionRequests reports whether an IgnoreCollectionRequests scope is active.
func (t *Thread) IsIgnoringCollectionRequests() bool { return t.ignoreRequests > 0 }

// RequestCollection flags a running main thread to collect at its next
// safepoint. It reports false, leaving the state untouched, if the thread is
// parked. May be called from any goroutine.
func (t *Thread) RequestCollection() bool {
	if !t.IsMain() {
		panic("safepoint: collection requested of a background thread")
	}
	cur := t.state.Load()
	for {
		if cur.IsParked() {
			return false
		}
		if cur.IsCollectionRequested() {
			return true
		}
		var ok bool
		if cur, ok = t.state.CompareAndSwap(cur, cur|CollectionRequested); ok {
			return true
		}
	}
}

// ClearCollectionRequest clears CollectionRequested and reports whether it was set.
func (t *Thread) ClearCollectionRequest() bool {
	return t.state.ClearCollectionRequested().IsCollectionRequested()
}

func (t *Thread) servesCollectionRequests() bool {
	return t.kind == KindMain && t.ignoreRequests == 0 && t.handler != nil
}
