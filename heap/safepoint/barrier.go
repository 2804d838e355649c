package safepoint

import "sync"

// Barrier is the rendezvous between a pausing coordinator and the threads it
// stops. The coordinator arms it before flagging threads and disarms it after
// clearing the flags, so a thread that observed the flag always finds it armed
// or finds it already released.
type Barrier struct {
	mu      sync.Mutex
	stopped *sync.Cond // signalled when a thread reaches the safepoint
	resume  *sync.Cond // broadcast on Disarm
	armed   bool
	count   int
}

func newBarrier() *Barrier {
	b := &Barrier{}
	b.stopped = sync.NewCond(&b.mu)
	b.resume = sync.NewCond(&b.mu)
	return b
}

// Arm starts a pause.
func (b *Barrier) Arm() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.armed {
		panic("safepoint: barrier armed twice")
	}
	b.armed = true
	b.count = 0
}

// Disarm ends a pause and releases every waiting thread.
func (b *Barrier) Disarm() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.armed {
		panic("safepoint: disarm of unarmed barrier")
	}
	b.armed = false
	b.count = 0
	b.resume.Broadcast()
}

// IsArmed reports whether a pause is in progress.
func (b *Barrier) IsArmed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.armed
}

// WaitUntilRunningThreadsInSafepoint blocks until running threads have
// reported through NotifyPark or WaitInSafepoint.
func (b *Barrier) WaitUntilRunningThreadsInSafepoint(running int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.armed {
		panic("safepoint: wait on unarmed barrier")
	}
	for b.count < running {
		b.stopped.Wait()
	}
}

// NotifyPark reports a thread that parked while flagged.
func (b *Barrier) NotifyPark() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.armed {
		panic("safepoint: park notification without a pause")
	}
	b.count++
	b.stopped.Signal()
}

// WaitInSafepoint reports the calling thread and blocks until the pause ends.
func (b *Barrier) WaitInSafepoint() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.armed {
		panic("safepoint: safepoint wait without a pause")
	}
	b.count++
	b.stopped.Signal()
	for b.armed {
		b.resume.Wait()
	}
}

// WaitInUnpark blocks while a pause is in progress.
func (b *Barrier) WaitInUnpark() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.armed {
		b.resume.Wait()
	}
}
