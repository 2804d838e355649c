package safepoint

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Coordinator owns the thread registry and drives pauses.
type Coordinator struct {
	mu      sync.Mutex // guards threads; held for the whole of a pause
	barrier *Barrier
	threads []*Thread

	active atomic.Bool
	driver atomic.Pointer[Thread]
	holder atomic.Uint64 // goroutine holding mu, 0 when free

	statsMu sync.Mutex
	stats   PauseStats
}

// PauseStats accumulates pause timings.
type PauseStats struct {
	Pauses              uint64        `json:"pauses"`
	StoppedThreads      uint64        `json:"stopped_threads"`
	TimeToSafepoint     time.Duration `json:"time_to_safepoint"`
	MaxTimeToSafepoint  time.Duration `json:"max_time_to_safepoint"`
	TotalPause          time.Duration `json:"total_pause"`
	MaxPause            time.Duration `json:"max_pause"`
	LastRunningThreads  int           `json:"last_running_threads"`
	LastRegisteredCount int           `json:"last_registered"`
}

// NewCoordinator returns an empty coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{barrier: newBarrier()}
}

// Barrier returns the rendezvous used by the coordinator's threads.
func (c *Coordinator) Barrier() *Barrier { return c.barrier }

// Add registers t. fn, if not nil, runs under the registry lock so it never
// overlaps a pause. t must be parked. Registering a thread twice panics.
func (c *Coordinator) Add(t *Thread, fn func()) { c.AddFrom(nil, t, fn) }

// AddFrom is Add called by a goroutine that owns caller, a thread of the same
// coordinator. A running caller parks while it waits for the registry.
func (c *Coordinator) AddFrom(caller, t *Thread, fn func()) {
	if t.coord != c {
		panic("safepoint: thread belongs to another coordinator")
	}
	c.lock(caller, "registering a thread inside a pause")
	defer c.unlock()
	if t.registered {
		panic("safepoint: thread registered twice")
	}
	if !t.IsParked() {
		panic("safepoint: registering a running thread")
	}
	t.registered = true
	c.threads = append(c.threads, t)
	if fn != nil {
		fn()
	}
}

// Remove deregisters t. fn, if not nil, runs under the registry lock. t must
// be registered and parked.
func (c *Coordinator) Remove(t *Thread, fn func()) { c.RemoveFrom(nil, t, fn) }

// RemoveFrom is Remove called by a goroutine that owns caller. A running
// caller parks while it waits for the registry.
func (c *Coordinator) RemoveFrom(caller, t *Thread, fn func()) {
	if caller == t {
		panic("safepoint: thread removing itself through RemoveFrom")
	}
	c.lock(caller, "removing a thread inside a pause")
	defer c.unlock()
	if !t.registered {
		panic("safepoint: removing an unregistered thread")
	}
	if !t.IsParked() {
		panic("safepoint: removing a running thread")
	}
	if fn != nil {
		fn()
	}
	c.threads = slices.DeleteFunc(c.threads, func(o *Thread) bool { return o == t })
	t.registered = false
}

// Pause stops every registered thread except initiator, runs fn, and
// releases them. initiator may be nil when the pause is driven from outside
// any thread. Calling Pause from inside fn, or from anything else running on
// the goroutine that drives a pause, panics.
func (c *Coordinator) Pause(initiator *Thread, fn func()) {
	if initiator != nil {
		if initiator.coord != c {
			panic("safepoint: initiator belongs to another coordinator")
		}
		if c.driver.Load() == initiator {
			panic("safepoint: nested pause")
		}
	}

	start := time.Now()
	c.lock(initiator, "nested pause")
	c.driver.Store(initiator)
	c.active.Store(true)

	c.barrier.Arm()
	running := c.setSafepointRequested(initiator)
	c.barrier.WaitUntilRunningThreadsInSafepoint(running)
	reached := time.Since(start)

	fn()

	c.clearSafepointRequested(initiator)
	c.barrier.Disarm()
	registered := len(c.threads)

	c.active.Store(false)
	c.driver.Store(nil)
	c.unlock()

	c.record(running, registered, reached, time.Since(start))
}

// lock acquires the registry lock. A running caller parks while it waits so
// a pause driven by another thread can complete. Re-entering from the
// goroutine that already holds the lock panics with msg.
func (c *Coordinator) lock(caller *Thread, msg string) {
	g := goid()
	if c.holder.Load() == g {
		panic("safepoint: " + msg)
	}
	if !c.mu.TryLock() {
		if caller == nil {
			c.mu.Lock()
		} else {
			caller.ExecuteWhileParked(c.mu.Lock)
		}
	}
	c.holder.Store(g)
}

func (c *Coordinator) unlock() {
	c.holder.Store(0)
	c.mu.Unlock()
}

func (c *Coordinator) setSafepointRequested(initiator *Thread) int {
	running := 0
	for _, t := range c.threads {
		if t == initiator {
			continue
		}
		old := t.state.SetSafepointRequested()
		if old.IsSafepointRequested() {
			panic("safepoint: thread already flagged")
		}
		if old.IsCollectionRequested() && !t.IsMain() {
			panic("safepoint: background thread has a collection request")
		}
		if old.IsRunning() {
			running++
		}
	}
	return running
}

func (c *Coordinator) clearSafepointRequested(initiator *Thread) {
	for _, t := range c.threads {
		if t == initiator {
			continue
		}
		t.state.ClearSafepointRequested()
	}
}

// IsActive reports whether a pause is in progress.
func (c *Coordinator) IsActive() bool { return c.active.Load() }

// AssertActive panics unless a pause is in progress.
func (c *Coordinator) AssertActive() {
	if !c.active.Load() {
		panic("safepoint: operation requires an active pause")
	}
}

// Iterate calls fn for every registered thread. Only valid inside a pause.
func (c *Coordinator) Iterate(fn func(*Thread)) {
	c.AssertActive()
	for _, t := range c.threads {
		fn(t)
	}
}

// Stats returns accumulated pause statistics.
func (c *Coordinator) Stats() PauseStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

func (c *Coordinator) record(running, registered int, reached, total time.Duration) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	s := &c.stats
	s.Pauses++
	s.StoppedThreads += uint64(running)
	s.TimeToSafepoint += reached
	s.MaxTimeToSafepoint = max(s.MaxTimeToSafepoint, reached)
	s.TotalPause += total
	s.MaxPause = max(s.MaxPause, total)
	s.LastRunningThreads = running
	s.LastRegisteredCount = registered
}
