package heap

import "errors"

var (
	// ErrOutOfMemory is wrapped by the panic raised when an allocation that
	// must not fail cannot be satisfied after the last-resort collection.
	ErrOutOfMemory = errors.New("heap: out of memory")

	// ErrViewsOpen is returned by Close while views are still registered.
	ErrViewsOpen = errors.New("heap: views still open")

	// ErrClosed is returned by operations on a closed heap.
	ErrClosed = errors.New("heap: closed")

	// ErrInvalidOptions wraps option validation failures.
	ErrInvalidOptions = errors.New("heap: invalid options")

	// ErrCorrupt wraps heap verification failures.
	ErrCorrupt = errors.New("heap: corrupt")
)
