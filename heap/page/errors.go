package page

import "errors"

var (
	// ErrExhausted is returned by AllocatePage when the page budget is spent.
	ErrExhausted = errors.New("page: source exhausted")

	// ErrClosed is returned when a closed source is used.
	ErrClosed = errors.New("page: source closed")

	// ErrForeignPage is returned when a page is freed to a source that did not allocate it.
	ErrForeignPage = errors.New("page: page does not belong to this source")

	// ErrInvalidConfig is returned for unusable page sizes or limits.
	ErrInvalidConfig = errors.New("page: invalid config")

	// ErrLocked is returned when a backing file is locked by another process.
	ErrLocked = errors.New("page: backing file is locked")

	// ErrUnsupported is returned for backends the platform cannot provide.
	ErrUnsupported = errors.New("page: backend not supported on this platform")
)
