package heap

import (
	"fmt"
	"log/slog"

	"github.com/joshuapare/heapkit/heap/freelist"
	"github.com/joshuapare/heapkit/heap/page"
	"github.com/joshuapare/heapkit/internal/format"
)

// Options configures a Heap.
type Options struct {
	// Source supplies pages. Default: a memory source with page.DefaultConfig.
	// The heap closes the source when it is closed.
	Source page.Source

	Space         page.Space         // Default: page.OldSpace
	Executability page.Executability // Default: page.NotExecutable

	Policy  freelist.Policy        // Default: freelist.PolicyManyCached
	Buckets *freelist.BucketConfig // Default: Policy.DefaultBuckets()

	// LABSize is the preferred linear allocation area size, capped at the
	// page size. Allocations of at least this size are carved directly from
	// the free list. A negative value disables LABs. Default: 32KB
	LABSize int

	// MaxAllocationRetries is how many collections AllocateRawWith requests
	// before giving up. Default: 2
	MaxAllocationRetries int

	Collector Collector    // Default: NopCollector
	Logger    *slog.Logger // Default: logger.L

	// OnOutOfMemory observes a fatal allocation failure before the heap panics.
	OnOutOfMemory func(OOMInfo)
}

// DefaultOptions returns the options used by New(nil).
func DefaultOptions() *Options {
	return &Options{
		Policy:               freelist.PolicyManyCached,
		LABSize:              32 << 10,
		MaxAllocationRetries: 2,
	}
}

// OOMInfo describes an allocation that could not be satisfied.
type OOMInfo struct {
	View      int
	Size      int
	Origin    freelist.Origin
	Pages     int
	Committed uint64
	Available uint64
}

func (o OOMInfo) String() string {
	return fmt.Sprintf("view %d: %d bytes (%s), %d pages, %d committed, %d available",
		o.View, o.Size, o.Origin, o.Pages, o.Committed, o.Available)
}

func (o *Options) withDefaults() Options {
	out := *DefaultOptions()
	if o == nil {
		return out
	}
	d := out
	out = *o
	if out.LABSize == 0 {
		out.LABSize = d.LABSize
	}
	if out.Policy == "" {
		out.Policy = d.Policy
	}
	if out.MaxAllocationRetries == 0 {
		out.MaxAllocationRetries = d.MaxAllocationRetries
	}
	return out
}

// validate checks o and resolves the effective LAB size.
func (o *Options) validate(pageSize int) error {
	if o.LABSize > 0 && o.LABSize != format.Align8(o.LABSize) {
		return fmt.Errorf("%w: LAB size %d is not a multiple of %d",
			ErrInvalidOptions, o.LABSize, format.TaggedSize)
	}
	o.LABSize = min(max(o.LABSize, 0), pageSize)
	if o.MaxAllocationRetries < 0 {
		return fmt.Errorf("%w: negative retry count", ErrInvalidOptions)
	}
	return nil
}
