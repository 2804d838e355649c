package format

// Layout constants shared by the heap packages.
const (
	// TaggedSize is the word size every heap allocation is rounded up to.
	TaggedSize = 8

	// TaggedSizeMask is the bitmask used for aligning to TaggedSize (TaggedSize - 1).
	TaggedSizeMask = TaggedSize - 1

	// OSPageSize is the smallest page size accepted by page sources.
	OSPageSize = 4096
)
