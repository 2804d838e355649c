package freelist

import "fmt"

// Category is the chain of free chunks of one bucket on one page.
//
// While linked it is reachable from its owner's bucket list and visible to
// Allocate. A sweeper may unlink it, free into it with FreeDoNotLink, and
// relink it; the chain stays valid throughout.
type Category struct {
	bucket    int
	available uint32 // sum of chained chunk sizes
	top       uint32 // offset of the first chunk, noChunk when empty
	prev      *Category
	next      *Category
	page      *Page
}

// Bucket returns the bucket index.
func (c *Category) Bucket() int { return c.bucket }

// Available returns the sum of chunk sizes in the chain.
func (c *Category) Available() uint32 { return c.available }

// IsEmpty reports whether the chain has no chunks.
func (c *Category) IsEmpty() bool { return c.top == noChunk }

// Page returns the page the category belongs to.
func (c *Category) Page() *Page { return c.page }

// IsLinked reports whether c is part of owner's bucket list.
func (c *Category) IsLinked(owner *FreeList) bool {
	return c.prev != nil || c.next != nil || owner.heads[c.bucket] == c
}

// Unlink detaches c from owner. Unlinking an unlinked category panics.
func (c *Category) Unlink(owner *FreeList) {
	if !c.IsLinked(owner) {
		panic(fmt.Sprintf("freelist: unlink of unlinked category %d on %s", c.bucket, c.page))
	}
	owner.removeCategory(c)
}

// Relink attaches an unlinked c to owner. Empty categories stay detached.
func (c *Category) Relink(owner *FreeList) {
	if c.IsLinked(owner) {
		panic(fmt.Sprintf("freelist: relink of linked category %d on %s", c.bucket, c.page))
	}
	owner.addCategory(c)
}

// Reset drops every chunk. Linked categories are removed from owner first.
func (c *Category) Reset(owner *FreeList) {
	if c.IsLinked(owner) {
		owner.removeCategory(c)
	}
	c.top = noChunk
	c.available = 0
}

// Length returns the number of chunks in the chain.
func (c *Category) Length() int {
	n := 0
	c.forEachChunk(func(uint32, uint32) { n++ })
	return n
}

// SumFreeList walks the chain and returns the total chunk size.
func (c *Category) SumFreeList() uint64 {
	var sum uint64
	c.forEachChunk(func(_ uint32, size uint32) { sum += uint64(size) })
	return sum
}

func (c *Category) forEachChunk(fn func(off, size uint32)) {
	for off := c.top; off != noChunk; {
		ch := chunkAt(c.page, off)
		fn(off, ch.size())
		off = ch.next()
	}
}

// free pushes the range at off onto the chain.
func (c *Category) free(off, size uint32, mode FreeMode, owner *FreeList) {
	chunkAt(c.page, off).init(size, c.top)
	c.top = off
	c.available += size

	switch {
	case c.IsLinked(owner):
		owner.available.Add(uint64(size))
	case mode == FreeLink:
		owner.addCategory(c)
	}
}

// pickNode pops the head chunk if it is at least minSize bytes.
func (c *Category) pickNode(minSize uint32) (off, size uint32, ok bool) {
	if c.top == noChunk {
		return 0, 0, false
	}
	ch := chunkAt(c.page, c.top)
	size = ch.size()
	if size < minSize {
		return 0, 0, false
	}
	off = c.top
	c.top = ch.next()
	c.available -= size
	return off, size, true
}

// searchNode removes the first chunk of at least minSize bytes anywhere in the chain.
func (c *Category) searchNode(minSize uint32) (off, size uint32, ok bool) {
	prev := noChunk
	for cur := c.top; cur != noChunk; {
		ch := chunkAt(c.page, cur)
		size = ch.size()
		if size >= minSize {
			if prev == noChunk {
				c.top = ch.next()
			} else {
				chunkAt(c.page, prev).setNext(ch.next())
			}
			c.available -= size
			return cur, size, true
		}
		prev = cur
		cur = ch.next()
	}
	return 0, 0, false
}
