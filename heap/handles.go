package heap

import (
	"fmt"

	"github.com/joshuapare/heapkit/heap/page"
)

// PersistentHandles is a set of roots owned by one goroutine. While attached
// to a view the collector reports its handles from Collection.IterateRoots.
type PersistentHandles struct {
	view    *View
	handles []*Handle
}

// Handle is a root slot holding an address.
type Handle struct {
	value page.Address
	set   *PersistentHandles
	index int
}

// NewPersistentHandles returns an empty, detached set.
func NewPersistentHandles() *PersistentHandles {
	return &PersistentHandles{}
}

// NewHandle adds a handle holding a.
func (ph *PersistentHandles) NewHandle(a page.Address) *Handle {
	h := &Handle{value: a, set: ph, index: len(ph.handles)}
	ph.handles = append(ph.handles, h)
	return h
}

// Release removes h from the set.
func (ph *PersistentHandles) Release(h *Handle) {
	if h.set != ph {
		panic("heap: releasing a handle of another set")
	}
	last := len(ph.handles) - 1
	moved := ph.handles[last]
	ph.handles[h.index] = moved
	moved.index = h.index
	ph.handles[last] = nil
	ph.handles = ph.handles[:last]
	h.set = nil
}

// Contains reports whether h belongs to the set.
func (ph *PersistentHandles) Contains(h *Handle) bool { return h != nil && h.set == ph }

// Len returns the number of handles.
func (ph *PersistentHandles) Len() int { return len(ph.handles) }

// Iterate calls fn for every handle.
func (ph *PersistentHandles) Iterate(fn func(*Handle)) {
	for _, h := range ph.handles {
		fn(h)
	}
}

// View returns the view the set is attached to, or nil.
func (ph *PersistentHandles) View() *View { return ph.view }

// Value returns the address held by the handle.
func (h *Handle) Value() page.Address { return h.value }

// Set replaces the address held by the handle. Collectors that move objects
// update roots through Set.
func (h *Handle) Set(a page.Address) { h.value = a }

// AttachPersistentHandles makes ph the view's handle set. Attaching while a
// set is attached, or attaching a set owned by another view, panics.
func (v *View) AttachPersistentHandles(ph *PersistentHandles) {
	if v.handles != nil {
		panic(fmt.Sprintf("heap: view %d already has persistent handles", v.id))
	}
	if ph.view != nil {
		panic(fmt.Sprintf("heap: persistent handles attached to view %d", ph.view.id))
	}
	ph.view = v
	v.handles = ph
}

// DetachPersistentHandles detaches and returns the view's handle set, or nil.
func (v *View) DetachPersistentHandles() *PersistentHandles {
	ph := v.handles
	if ph == nil {
		return nil
	}
	ph.view = nil
	v.handles = nil
	return ph
}

// HasPersistentHandles reports whether a set is attached.
func (v *View) HasPersistentHandles() bool { return v.handles != nil }

// NewPersistentHandle adds a root to the view's set, attaching an empty one
// first if needed.
func (v *View) NewPersistentHandle(a page.Address) *Handle {
	if v.handles == nil {
		v.AttachPersistentHandles(NewPersistentHandles())
	}
	return v.handles.NewHandle(a)
}
