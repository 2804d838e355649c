package freelist

import (
	"fmt"
	"os"
	"sync/atomic"
)

// Runtime debug flag for free list tracing - controlled by HEAPKIT_LOG_ALLOC env var.
var logAlloc = os.Getenv("HEAPKIT_LOG_ALLOC") != ""

// Options configures a FreeList.
type Options struct {
	Policy  Policy        // Default: PolicyManyCached
	Buckets *BucketConfig // Default: Policy.DefaultBuckets()
}

// FreeList is a set of per-bucket category lists over the pages it owns.
type FreeList struct {
	policy       Policy
	buckets      *Buckets
	minBlockSize uint32

	heads []*Category
	// cache[i] is the smallest non-empty bucket >= i, or len(heads) if none.
	// nil for uncached policies.
	cache []int
	fast  *fastPath

	available atomic.Uint64
	wasted    atomic.Uint64

	pages []*Page
	stats listStats
}

// listStats counts list operations. Owner-only.
type listStats struct {
	allocs   [numOrigins]uint64
	frees    uint64
	splits   uint64
	misses   uint64
	pagesIn  uint64
	pagesOut uint64
}

// New builds a free list for opts.
func New(opts Options) (*FreeList, error) {
	policy := opts.Policy
	if policy == "" {
		policy = PolicyManyCached
	}
	if _, err := ParsePolicy(string(policy)); err != nil {
		return nil, err
	}
	cfg := policy.DefaultBuckets()
	if opts.Buckets != nil {
		cfg = *opts.Buckets
	}
	b, err := NewBuckets(cfg)
	if err != nil {
		return nil, err
	}
	return newWithBuckets(policy, b)
}

// NewSibling returns an empty list with the same policy and buckets as fl.
// Pages can move freely between siblings.
func (fl *FreeList) NewSibling() *FreeList {
	sib, err := newWithBuckets(fl.policy, fl.buckets)
	if err != nil {
		panic(err) // fl was built from the same table
	}
	return sib
}

func newWithBuckets(policy Policy, b *Buckets) (*FreeList, error) {
	fl := &FreeList{
		policy:       policy,
		buckets:      b,
		minBlockSize: b.MinBlockSize(),
		heads:        make([]*Category, b.Len()),
	}
	if policy.fastPath() {
		mode := SmallBlocksAllow
		if policy == PolicyFastPathNewSpace {
			mode = SmallBlocksProhibit
		}
		fp, err := newFastPath(b, mode)
		if err != nil {
			return nil, err
		}
		fl.fast = fp
		if mode == SmallBlocksProhibit {
			fl.minBlockSize = fastPathStart
		}
	}
	if policy.cached() {
		fl.cache = make([]int, b.Len()+1)
		for i := range fl.cache {
			fl.cache[i] = b.Len()
		}
	}
	return fl, nil
}

// Policy returns the search policy.
func (fl *FreeList) Policy() Policy { return fl.policy }

// Buckets returns the bucket table.
func (fl *FreeList) Buckets() *Buckets { return fl.buckets }

// MinBlockSize returns the smallest chunk the list keeps.
func (fl *FreeList) MinBlockSize() uint32 { return fl.minBlockSize }

// Available returns the free bytes reachable from linked categories.
func (fl *FreeList) Available() uint64 { return fl.available.Load() }

// WastedBytes returns bytes dropped because they were below MinBlockSize.
func (fl *FreeList) WastedBytes() uint64 { return fl.wasted.Load() }

// IsEmpty reports whether no bucket has a linked category.
func (fl *FreeList) IsEmpty() bool {
	for _, c := range fl.heads {
		if c != nil {
			return false
		}
	}
	return true
}

// Pages returns the pages owned by the list. The slice must not be modified.
func (fl *FreeList) Pages() []*Page { return fl.pages }

// Allocate returns a range of exactly size bytes, or ok=false when no chunk fits.
// Overshoot of at least MinBlockSize is returned to the list; smaller
// overshoot is counted as waste.
func (fl *FreeList) Allocate(size uint32, origin Origin) (Range, bool) {
	if size == 0 {
		panic("freelist: zero-sized allocation")
	}

	var (
		node Range
		ok   bool
	)
	switch {
	case fl.policy == PolicyOrigin && origin == OriginGC:
		node, ok = fl.allocateCached(size)
	case fl.fast != nil:
		node, ok = fl.allocateFastPath(size)
	case fl.cache != nil:
		node, ok = fl.allocateCached(size)
	case fl.policy == PolicyCoarse:
		node, ok = fl.allocateCoarse(size)
	default:
		node, ok = fl.allocateMany(size)
	}
	if !ok {
		fl.stats.misses++
		if logAlloc {
			fmt.Fprintf(os.Stderr, "[FREELIST] miss size=%d origin=%s policy=%s available=%d\n",
				size, origin, fl.policy, fl.Available())
		}
		return Range{}, false
	}
	if origin < numOrigins {
		fl.stats.allocs[origin]++
	}
	return fl.carve(node, size), true
}

// carve trims node to size and disposes of the remainder.
func (fl *FreeList) carve(node Range, size uint32) Range {
	rem := node.Size - size
	switch {
	case rem >= fl.minBlockSize:
		fl.stats.splits++
		fl.Free(Range{Page: node.Page, Offset: node.Offset + size, Size: rem}, FreeLink)
	case rem > 0:
		fl.wasted.Add(uint64(rem))
		node.Page.AddWastedMemory(uint64(rem))
	}
	return Range{Page: node.Page, Offset: node.Offset, Size: size}
}

func (fl *FreeList) allocateMany(size uint32) (Range, bool) {
	last := fl.buckets.Last()
	for i := fl.buckets.Select(size); i < last; i++ {
		if r, ok := fl.tryFindNodeIn(i, size); ok {
			return r, true
		}
	}
	return fl.searchForNodeInList(last, size)
}

func (fl *FreeList) allocateCached(size uint32) (Range, bool) {
	last := fl.buckets.Last()
	for i := fl.cache[fl.buckets.Select(size)]; i < last; i = fl.cache[i+1] {
		if r, ok := fl.tryFindNodeIn(i, size); ok {
			return r, true
		}
	}
	return fl.searchForNodeInList(last, size)
}

func (fl *FreeList) allocateFastPath(size uint32) (Range, bool) {
	last := fl.buckets.Last()
	first := fl.fast.selectFast(fl.buckets, size)

	// Buckets where every chunk fits.
	for i := fl.cache[first]; i <= last; i = fl.cache[i+1] {
		if r, ok := fl.tryFindNodeIn(i, size); ok {
			return r, true
		}
	}

	// Medium buckets for tiny objects.
	if fl.fast.small == SmallBlocksAllow && size <= tinyObjectMax {
		for i := fl.cache[fl.fast.fallback]; i < fl.fast.first; i = fl.cache[i+1] {
			if r, ok := fl.tryFindNodeIn(i, size); ok {
				return r, true
			}
		}
	}

	if r, ok := fl.searchForNodeInList(last, size); ok {
		return r, true
	}

	// Finally the most precise buckets.
	for i := fl.cache[fl.buckets.Select(size)]; i < first; i = fl.cache[i+1] {
		if r, ok := fl.tryFindNodeIn(i, size); ok {
			return r, true
		}
	}
	return Range{}, false
}

// allocateCoarse takes a head chunk from the first bucket whose lower bound
// covers size and the buckets above it, then scans the last bucket, and only
// then tries the head of the bucket size itself selects. A request in the
// first bucket has already tried the second one on the way up.
func (fl *FreeList) allocateCoarse(size uint32) (Range, bool) {
	last := fl.buckets.Last()
	start := fl.buckets.IndexAtLeast(size)
	if start < 0 {
		start = last
	}
	for i := start; i < last; i++ {
		if r, ok := fl.findNodeIn(i, size); ok {
			return r, true
		}
	}
	if r, ok := fl.searchForNodeInList(last, size); ok {
		return r, true
	}
	if t := fl.buckets.Select(size); t < start {
		return fl.tryFindNodeIn(t, size)
	}
	return Range{}, false
}

// tryFindNodeIn pops the head chunk of the first category of bucket t.
func (fl *FreeList) tryFindNodeIn(t int, minSize uint32) (Range, bool) {
	c := fl.heads[t]
	if c == nil {
		return Range{}, false
	}
	return fl.takeFrom(c, c.pickNode, minSize)
}

// findNodeIn pops a head chunk from any category of bucket t.
func (fl *FreeList) findNodeIn(t int, minSize uint32) (Range, bool) {
	for c := fl.heads[t]; c != nil; c = c.next {
		if r, ok := fl.takeFrom(c, c.pickNode, minSize); ok {
			return r, true
		}
	}
	return Range{}, false
}

// searchForNodeInList scans every chunk of every category of bucket t.
func (fl *FreeList) searchForNodeInList(t int, minSize uint32) (Range, bool) {
	for c := fl.heads[t]; c != nil; c = c.next {
		if r, ok := fl.takeFrom(c, c.searchNode, minSize); ok {
			return r, true
		}
	}
	return Range{}, false
}

func (fl *FreeList) takeFrom(c *Category, take func(uint32) (uint32, uint32, bool), minSize uint32) (Range, bool) {
	off, size, ok := take(minSize)
	if !ok {
		return Range{}, false
	}
	subtract(&fl.available, uint64(size))
	if c.IsEmpty() {
		fl.removeCategory(c)
	}
	return Range{Page: c.page, Offset: off, Size: size}, true
}

// Free returns r to the list and reports the bytes lost as waste.
// r.Page must be owned by fl.
func (fl *FreeList) Free(r Range, mode FreeMode) uint32 {
	p := r.Page
	if p.owner != fl {
		panic(fmt.Sprintf("freelist: free of %s into a list that does not own its page", r))
	}
	if uint64(r.Offset)+uint64(r.Size) > uint64(p.Size()) {
		panic(fmt.Sprintf("freelist: free of %s beyond end of %s", r, p))
	}
	fl.stats.frees++

	if r.Size < fl.minBlockSize {
		fl.wasted.Add(uint64(r.Size))
		p.AddWastedMemory(uint64(r.Size))
		return r.Size
	}
	p.category(fl.buckets.Select(r.Size)).free(r.Offset, r.Size, mode, fl)
	return 0
}

// addCategory links c at the head of its bucket. Empty categories are not linked.
func (fl *FreeList) addCategory(c *Category) bool {
	if c.IsEmpty() {
		return false
	}
	t := c.bucket
	wasEmpty := fl.heads[t] == nil
	c.prev = nil
	c.next = fl.heads[t]
	if c.next != nil {
		c.next.prev = c
	}
	fl.heads[t] = c
	fl.available.Add(uint64(c.available))
	if wasEmpty && fl.cache != nil {
		fl.updateCacheAfterAddition(t)
	}
	return true
}

// removeCategory unlinks c from its bucket.
func (fl *FreeList) removeCategory(c *Category) {
	t := c.bucket
	subtract(&fl.available, uint64(c.available))
	if fl.heads[t] == c {
		fl.heads[t] = c.next
	}
	if c.prev != nil {
		c.prev.next = c.next
	}
	if c.next != nil {
		c.next.prev = c.prev
	}
	c.prev = nil
	c.next = nil
	if fl.heads[t] == nil && fl.cache != nil {
		fl.updateCacheAfterRemoval(t)
	}
}

func (fl *FreeList) updateCacheAfterAddition(t int) {
	for i := t; i >= 0 && fl.cache[i] > t; i-- {
		fl.cache[i] = t
	}
}

func (fl *FreeList) updateCacheAfterRemoval(t int) {
	for i := t; i >= 0 && fl.cache[i] == t; i-- {
		fl.cache[i] = fl.cache[t+1]
	}
}

// AddPage takes ownership of p and links its non-empty categories.
func (fl *FreeList) AddPage(p *Page) {
	if p.owner != nil {
		panic(fmt.Sprintf("freelist: %s already owned", p))
	}
	if p.categories == nil {
		p.categories = make([]*Category, fl.buckets.Len())
	} else if len(p.categories) != fl.buckets.Len() {
		panic(fmt.Sprintf("freelist: %s has %d categories, list has %d buckets",
			p, len(p.categories), fl.buckets.Len()))
	}
	p.owner = fl
	p.index = len(fl.pages)
	fl.pages = append(fl.pages, p)
	fl.stats.pagesIn++
	p.ForAllCategories(func(c *Category) { fl.addCategory(c) })
}

// AddFreshPage takes ownership of an empty page and files its whole memory.
func (fl *FreeList) AddFreshPage(p *Page) {
	fl.AddPage(p)
	fl.Free(Range{Page: p, Offset: 0, Size: uint32(p.Size())}, FreeLink)
}

// EvictFreeListItems unlinks every category of p and returns the bytes that
// were available on it. The page stays owned by fl.
func (fl *FreeList) EvictFreeListItems(p *Page) uint64 {
	if p.owner != fl {
		panic(fmt.Sprintf("freelist: evict of %s from a list that does not own it", p))
	}
	var sum uint64
	p.ForAllCategories(func(c *Category) {
		if c.IsLinked(fl) {
			sum += uint64(c.available)
			fl.removeCategory(c)
		}
	})
	return sum
}

// RelinkPage links every unlinked non-empty category of p.
func (fl *FreeList) RelinkPage(p *Page) {
	if p.owner != fl {
		panic(fmt.Sprintf("freelist: relink of %s into a list that does not own it", p))
	}
	p.ForAllCategories(func(c *Category) {
		if !c.IsLinked(fl) {
			fl.addCategory(c)
		}
	})
}

// RemovePage evicts p and gives up ownership. The categories keep their
// chunks so another list can AddPage it.
func (fl *FreeList) RemovePage(p *Page) uint64 {
	sum := fl.EvictFreeListItems(p)
	last := len(fl.pages) - 1
	moved := fl.pages[last]
	fl.pages[p.index] = moved
	moved.index = p.index
	fl.pages[last] = nil
	fl.pages = fl.pages[:last]
	p.owner = nil
	p.index = -1
	fl.stats.pagesOut++
	if logAlloc {
		fmt.Fprintf(os.Stderr, "[FREELIST] remove %s available=%d\n", p, sum)
	}
	return sum
}

// PageForSize returns a page with a chunk likely to hold size bytes, preferring
// larger buckets, or nil.
func (fl *FreeList) PageForSize(size uint32) *Page {
	minimum := fl.buckets.Select(size)
	for t := minimum + 1; t <= fl.buckets.Last(); t++ {
		if c := fl.heads[t]; c != nil {
			return c.page
		}
	}
	if c := fl.heads[minimum]; c != nil {
		return c.page
	}
	return nil
}

// Reset drops every chunk of every owned page and zeroes the counters.
// Pages stay owned.
func (fl *FreeList) Reset() {
	for _, p := range fl.pages {
		p.ForAllCategories(func(c *Category) { c.Reset(fl) })
	}
	clear(fl.heads)
	if fl.cache != nil {
		for i := range fl.cache {
			fl.cache[i] = len(fl.heads)
		}
	}
	fl.available.Store(0)
	fl.wasted.Store(0)
}

// ForEachCategory calls fn for every linked category of bucket.
func (fl *FreeList) ForEachCategory(bucket int, fn func(*Category)) {
	for c := fl.heads[bucket]; c != nil; {
		next := c.next
		fn(c)
		c = next
	}
}

// SumFreeLists walks every chunk reachable from linked categories.
func (fl *FreeList) SumFreeLists() uint64 {
	var sum uint64
	for t := range fl.heads {
		fl.ForEachCategory(t, func(c *Category) { sum += c.SumFreeList() })
	}
	return sum
}

func subtract(v *atomic.Uint64, n uint64) {
	v.Add(^(n - 1))
}
