package heap

import (
	"fmt"
	"slices"
)

// CallbackID identifies a registered epilogue callback.
type CallbackID uint64

type epilogueCallback struct {
	id    CallbackID
	fn    func(GCType)
	types GCType
}

// callbackList is owned by the view; collections read it while the view is
// parked.
type callbackList struct {
	next  CallbackID
	items []epilogueCallback
}

func (l *callbackList) len() int { return len(l.items) }

// AddGCEpilogueCallback registers fn to run at the end of every collection
// whose type is in types. Callbacks run inside the pause, on the goroutine
// driving it. The view must be running.
func (v *View) AddGCEpilogueCallback(fn func(GCType), types GCType) CallbackID {
	if fn == nil {
		panic("heap: nil epilogue callback")
	}
	v.assertRunning("adding an epilogue callback")
	v.callbacks.next++
	id := v.callbacks.next
	v.callbacks.items = append(v.callbacks.items, epilogueCallback{id: id, fn: fn, types: types})
	return id
}

// RemoveGCEpilogueCallback unregisters a callback and reports whether it was
// registered. The view must be running.
func (v *View) RemoveGCEpilogueCallback(id CallbackID) bool {
	v.assertRunning("removing an epilogue callback")
	i := slices.IndexFunc(v.callbacks.items, func(cb epilogueCallback) bool { return cb.id == id })
	if i < 0 {
		return false
	}
	v.callbacks.items = slices.Delete(v.callbacks.items, i, i+1)
	return true
}

func (v *View) invokeEpilogueCallbacks(typ GCType) {
	for _, cb := range v.callbacks.items {
		if cb.types&typ != 0 {
			cb.fn(typ)
		}
	}
}

// assertRunning panics unless the view is running, so no pause can be reading
// view-owned state concurrently.
func (v *View) assertRunning(op string) {
	if !v.IsRunning() {
		panic(fmt.Sprintf("heap: %s on parked view %d", op, v.id))
	}
}
