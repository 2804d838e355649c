package freelist

import "errors"

var (
	// ErrInvalidBuckets indicates a bucket table that cannot be used.
	ErrInvalidBuckets = errors.New("freelist: invalid bucket table")

	// ErrUnknownPolicy indicates an unrecognised policy name.
	ErrUnknownPolicy = errors.New("freelist: unknown policy")

	// ErrCorrupt indicates a violated accounting or linkage invariant.
	ErrCorrupt = errors.New("freelist: corrupt free list")
)
