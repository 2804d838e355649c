package format

// Alignment utilities for heap layouts.
// Allocation sizes are word aligned and page sizes are OS page aligned.

// Align8 returns n aligned up to the next 8-byte boundary.
// Used for allocation sizes and free chunk sizes.
//
// Example:
//
//	Align8(1)  = 8
//	Align8(8)  = 8
//	Align8(9)  = 16
//	Align8(16) = 16
func Align8(n int) int {
	return (n + TaggedSizeMask) & ^TaggedSizeMask
}

// Align8U32 returns n aligned up to the next 8-byte boundary.
// uint32 version for offsets inside a page.
func Align8U32(n uint32) uint32 {
	return (n + TaggedSizeMask) & ^uint32(TaggedSizeMask)
}

// IsAligned8 reports whether n is a multiple of 8.
func IsAligned8(n int) bool {
	return n&TaggedSizeMask == 0
}

// IsPowerOfTwo reports whether n is a positive power of two.
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}
