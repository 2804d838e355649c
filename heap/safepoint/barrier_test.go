package safepoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBarrier_WaitInUnparkBlocksWhileArmed(t *testing.T) {
	b := newBarrier()
	b.WaitInUnpark() // disarmed: returns at once

	b.Arm()
	require.True(t, b.IsArmed())

	done := make(chan struct{})
	go func() {
		b.WaitInUnpark()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitInUnpark returned while armed")
	case <-time.After(50 * time.Millisecond):
	}

	b.Disarm()
	<-done
	require.False(t, b.IsArmed())
}

func TestBarrier_CountsParkedThreads(t *testing.T) {
	b := newBarrier()
	b.Arm()

	released := make(chan struct{})
	go func() {
		b.WaitInSafepoint()
		close(released)
	}()
	go b.NotifyPark()

	b.WaitUntilRunningThreadsInSafepoint(2)
	b.Disarm()
	<-released
}

func TestBarrier_ProtocolViolations(t *testing.T) {
	b := newBarrier()
	require.Panics(t, b.Disarm)
	require.Panics(t, b.NotifyPark)
	require.Panics(t, b.WaitInSafepoint)
	require.Panics(t, func() { b.WaitUntilRunningThreadsInSafepoint(0) })

	b.Arm()
	require.Panics(t, b.Arm)
}
