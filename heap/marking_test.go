package heap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/heapkit/heap/page"
)

func TestMarking_BarrierLifecycle(t *testing.T) {
	h := newTestHeap(t, page.Config{}, nil)
	a := h.NewView(Background)
	closing := h.NewView(Background)

	a.MarkingBarrier().Write(0x10)
	require.False(t, a.MarkingBarrier().IsActivated())
	require.Zero(t, a.MarkingBarrier().Recorded(), "inactive barrier records nothing")

	h.StartMarking(nil, true)
	require.True(t, h.IsMarking())
	require.True(t, a.MarkingBarrier().IsActivated())
	require.True(t, a.MarkingBarrier().IsCompacting())
	require.Panics(t, func() { h.StartMarking(nil, false) })

	late := h.NewView(Background)
	require.True(t, late.MarkingBarrier().IsActivated(), "views registered during marking start activated")

	a.MarkingBarrier().Write(0x100)
	a.MarkingBarrier().Write(0x200)
	late.MarkingBarrier().Write(0x300)
	closing.MarkingBarrier().Write(0x400)
	closing.Close()

	got := h.FinishMarking(nil)
	require.ElementsMatch(t, []page.Address{0x100, 0x200, 0x300, 0x400}, got)
	require.False(t, h.IsMarking())
	require.False(t, a.MarkingBarrier().IsActivated())
	require.False(t, late.MarkingBarrier().IsCompacting())
	require.Equal(t, uint64(2), a.MarkingBarrier().Recorded())
	require.Panics(t, func() { h.FinishMarking(nil) })

	a.Close()
	late.Close()
}

func TestMarking_PublishBeforeFinish(t *testing.T) {
	h := newTestHeap(t, page.Config{}, nil)
	v := runningView(h, Background)
	defer closeView(v)

	h.StartMarking(v, false)
	b := v.MarkingBarrier()
	b.Write(0x800)
	b.Publish()
	b.Publish()
	require.Equal(t, []page.Address{0x800}, h.FinishMarking(v))
}

func TestPersistentHandles(t *testing.T) {
	h := newTestHeap(t, page.Config{}, nil)
	v := h.NewView(Background)
	other := h.NewView(Background)
	defer v.Close()
	defer other.Close()

	require.False(t, v.HasPersistentHandles())
	require.Nil(t, v.DetachPersistentHandles())

	ph := NewPersistentHandles()
	a := ph.NewHandle(0x10)
	b := ph.NewHandle(0x20)
	c := ph.NewHandle(0x30)
	v.AttachPersistentHandles(ph)
	require.Same(t, v, ph.View())
	require.Panics(t, func() { v.AttachPersistentHandles(NewPersistentHandles()) }, "already attached")
	require.Panics(t, func() { other.AttachPersistentHandles(ph) }, "owned by another view")

	ph.Release(a)
	require.False(t, ph.Contains(a))
	require.True(t, ph.Contains(c))
	require.Equal(t, 2, ph.Len())
	require.Panics(t, func() { NewPersistentHandles().Release(b) })

	var vals []page.Address
	ph.Iterate(func(hd *Handle) { vals = append(vals, hd.Value()) })
	require.ElementsMatch(t, []page.Address{0x20, 0x30}, vals)

	d := v.NewPersistentHandle(0x40)
	require.True(t, ph.Contains(d), "NewPersistentHandle uses the attached set")

	require.Same(t, ph, v.DetachPersistentHandles())
	require.Nil(t, ph.View())
	other.AttachPersistentHandles(ph)
	require.True(t, other.HasPersistentHandles())

	e := v.NewPersistentHandle(0x50)
	require.True(t, v.HasPersistentHandles())
	require.False(t, ph.Contains(e))
}

func TestPersistentHandles_DetachedWhenViewCloses(t *testing.T) {
	h := newTestHeap(t, page.Config{}, nil)
	v := h.NewView(Background)
	other := h.NewView(Background)
	defer other.Close()

	ph := NewPersistentHandles()
	hd := ph.NewHandle(0x10)
	v.AttachPersistentHandles(ph)
	v.Close()

	require.Nil(t, ph.View())
	other.AttachPersistentHandles(ph)
	require.Same(t, other, ph.View())
	require.True(t, ph.Contains(hd))
}
