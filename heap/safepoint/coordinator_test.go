package safepoint

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistered(c *Coordinator, n int, kind Kind) []*Thread {
	threads := make([]*Thread, n)
	for i := range threads {
		threads[i] = NewThread(c, kind, nil)
		c.Add(threads[i], nil)
	}
	return threads
}

func TestThread_InitialStateIsParked(t *testing.T) {
	c := NewCoordinator()
	th := NewThread(c, KindBackground, nil)
	require.True(t, th.IsParked())
	require.Equal(t, KindBackground, th.Kind())
	require.Same(t, c, th.Coordinator())
}

func TestThread_SafepointWithoutRequestIsNoop(t *testing.T) {
	c := NewCoordinator()
	th := newRegistered(c, 1, KindBackground)[0]
	th.Unpark()

	for range 3 {
		th.Safepoint()
		require.Equal(t, Running, th.State())
	}
	th.Park()
	require.Equal(t, Parked, th.State())
}

func TestThread_ProtocolViolations(t *testing.T) {
	c := NewCoordinator()
	th := newRegistered(c, 1, KindBackground)[0]

	require.Panics(t, th.Park, "park while parked")
	require.Panics(t, func() { c.Add(th, nil) }, "double registration")
	require.Panics(t, func() { th.RequestCollection() }, "background collection request")

	th.Unpark()
	require.Panics(t, th.Unpark, "unpark while running")
	require.Panics(t, func() { c.Remove(th, nil) }, "removal while running")

	th.Park()
	c.Remove(th, nil)
	require.Panics(t, func() { c.Remove(th, nil) }, "removal of unregistered thread")

	other := NewCoordinator()
	require.Panics(t, func() { other.Add(th, nil) })
}

func TestCoordinator_PauseWithParkedThreads(t *testing.T) {
	c := NewCoordinator()
	threads := newRegistered(c, 3, KindBackground)

	ran := false
	c.Pause(nil, func() {
		ran = true
		require.True(t, c.IsActive())
		n := 0
		c.Iterate(func(th *Thread) {
			n++
			require.Equal(t, Parked|SafepointRequested, th.State())
		})
		require.Equal(t, 3, n)
	})
	require.True(t, ran)
	require.False(t, c.IsActive())
	for _, th := range threads {
		require.Equal(t, Parked, th.State())
	}
	require.Panics(t, func() { c.Iterate(func(*Thread) {}) })

	st := c.Stats()
	require.Equal(t, uint64(1), st.Pauses)
	require.Zero(t, st.LastRunningThreads)
	require.Equal(t, 3, st.LastRegisteredCount)
}

func TestCoordinator_UnparkBlocksDuringPause(t *testing.T) {
	c := NewCoordinator()
	newRegistered(c, 3, KindBackground)
	fourth := NewThread(c, KindBackground, nil)
	c.Add(fourth, nil)

	inPause := make(chan struct{})
	release := make(chan struct{})
	pauseDone := make(chan struct{})
	go func() {
		defer close(pauseDone)
		c.Pause(nil, func() {
			close(inPause)
			<-release
		})
	}()
	<-inPause

	var unparked atomic.Bool
	unparkDone := make(chan struct{})
	go func() {
		defer close(unparkDone)
		fourth.Unpark()
		unparked.Store(true)
	}()

	select {
	case <-unparkDone:
		t.Fatal("Unpark returned during the pause")
	case <-time.After(50 * time.Millisecond):
	}
	require.False(t, unparked.Load())
	require.True(t, fourth.IsParked())

	close(release)
	<-pauseDone
	<-unparkDone
	require.True(t, unparked.Load())
	require.Equal(t, Running, fourth.State())
	fourth.Park()
}

func TestCoordinator_RunningThreadsReachSafepoint(t *testing.T) {
	const n = 8
	c := NewCoordinator()
	threads := newRegistered(c, n, KindBackground)

	var (
		stop    atomic.Bool
		started sync.WaitGroup
		done    sync.WaitGroup
		polls   [n]atomic.Int64
	)
	started.Add(n)
	done.Add(n)
	for i, th := range threads {
		go func() {
			defer done.Done()
			th.Unpark()
			started.Done()
			for !stop.Load() {
				polls[i].Add(1)
				th.Safepoint()
			}
			th.Park()
		}()
	}
	started.Wait()

	for range 20 {
		c.Pause(nil, func() {
			c.Iterate(func(th *Thread) {
				require.True(t, th.IsParked(), "thread running during pause: %s", th.State())
			})
		})
	}
	stop.Store(true)
	done.Wait()

	st := c.Stats()
	assert.Equal(t, uint64(20), st.Pauses)
	assert.Positive(t, st.StoppedThreads)
}

func TestCoordinator_ParkNotifiesRendezvous(t *testing.T) {
	c := NewCoordinator()
	th := newRegistered(c, 1, KindBackground)[0]
	th.Unpark()

	pauseDone := make(chan struct{})
	go func() {
		defer close(pauseDone)
		c.Pause(nil, func() {})
	}()

	// Wait until the pause has flagged the thread, then park instead of polling.
	require.Eventually(t, func() bool {
		return th.State().IsSafepointRequested()
	}, time.Second, time.Millisecond)
	th.Park()
	<-pauseDone
	require.Equal(t, Parked, th.State())
}

func TestCoordinator_InitiatorIsExempt(t *testing.T) {
	c := NewCoordinator()
	threads := newRegistered(c, 2, KindBackground)
	driver := threads[0]
	driver.Unpark()

	c.Pause(driver, func() {
		require.Equal(t, Running, driver.State(), "driver is not flagged")
		require.Equal(t, Parked|SafepointRequested, threads[1].State())
		require.Panics(t, func() { c.Pause(driver, func() {}) }, "nested pause")
	})
	require.Equal(t, Running, driver.State())
	driver.Park()
}

func TestCoordinator_CompetingInitiatorsDoNotDeadlock(t *testing.T) {
	c := NewCoordinator()
	threads := newRegistered(c, 2, KindBackground)
	a, b := threads[0], threads[1]
	a.Unpark()
	b.Unpark()

	var pauses atomic.Int32
	var wg sync.WaitGroup
	for _, th := range []*Thread{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				th.Safepoint()
				c.Pause(th, func() {
					pauses.Add(1)
					require.True(t, c.IsActive())
				})
			}
			th.Park()
		}()
	}
	wg.Wait()
	require.Equal(t, int32(100), pauses.Load())
}

func TestCoordinator_AddAndRemoveCallbacksRunUnderLock(t *testing.T) {
	c := NewCoordinator()
	th := NewThread(c, KindBackground, nil)

	var added, removed bool
	c.Add(th, func() {
		require.False(t, c.mu.TryLock(), "callback runs with the registry locked")
		added = true
	})
	c.Remove(th, func() { removed = true })
	require.True(t, added)
	require.True(t, removed)
}

func TestCoordinator_ReentryFromDrivingGoroutinePanics(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		call func(c *Coordinator, th *Thread)
	}{
		{"pause without initiator", "safepoint: nested pause", func(c *Coordinator, _ *Thread) {
			c.Pause(nil, func() {})
		}},
		{"pause for another thread", "safepoint: nested pause", func(c *Coordinator, th *Thread) {
			c.Pause(th, func() {})
		}},
		{"add", "safepoint: registering a thread inside a pause", func(c *Coordinator, _ *Thread) {
			c.Add(NewThread(c, KindBackground, nil), nil)
		}},
		{"remove", "safepoint: removing a thread inside a pause", func(c *Coordinator, th *Thread) {
			c.Remove(th, nil)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCoordinator()
			th := newRegistered(c, 1, KindBackground)[0]
			c.Pause(nil, func() {
				require.PanicsWithValue(t, tt.msg, func() { tt.call(c, th) })
			})
			require.False(t, c.IsActive())
		})
	}
}

func TestCoordinator_PauseFromOtherGoroutineWaits(t *testing.T) {
	c := NewCoordinator()
	newRegistered(c, 1, KindBackground)

	inPause := make(chan struct{})
	release := make(chan struct{})
	go c.Pause(nil, func() {
		close(inPause)
		<-release
	})
	<-inPause

	second := make(chan struct{})
	go func() {
		defer close(second)
		c.Pause(nil, func() {})
	}()
	select {
	case <-second:
		t.Fatal("second pause ran inside the first")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-second
	require.Equal(t, uint64(2), c.Stats().Pauses)
}

func TestCoordinator_AddFromParksRunningCaller(t *testing.T) {
	c := NewCoordinator()
	owner := newRegistered(c, 1, KindBackground)[0]

	done := make(chan struct{})
	go func() {
		defer close(done)
		owner.Unpark()
		pauseDone := make(chan struct{})
		go func() {
			defer close(pauseDone)
			c.Pause(nil, func() {})
		}()
		assert.Eventually(t, c.IsActive, time.Second, time.Millisecond)

		// The pause waits for owner; registering from its goroutine must let it finish.
		added := NewThread(c, KindBackground, nil)
		c.AddFrom(owner, added, nil)
		<-pauseDone
		assert.Equal(t, Running, owner.State())

		c.RemoveFrom(owner, added, nil)
		owner.Park()
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("AddFrom deadlocked with a pause waiting for its caller")
	}
}

func TestGoid(t *testing.T) {
	id := goid()
	require.NotZero(t, id)
	require.Equal(t, id, goid())

	other := make(chan uint64)
	go func() { other <- goid() }()
	require.NotEqual(t, id, <-other)
}
