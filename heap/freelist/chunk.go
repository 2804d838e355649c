package freelist

import "github.com/joshuapare/heapkit/internal/format"

const (
	// chunkHeaderSize is the number of bytes a free chunk uses for linkage.
	chunkHeaderSize = 8

	// noChunk terminates a chunk chain.
	noChunk = ^uint32(0)
)

// chunk reads a free byte range of a page as a list node.
//
// Layout:
//
//	[0:4] chunk size in bytes (uint32 LE)
//	[4:8] offset of the next chunk in the same page, noChunk at the end
//
// This is the only code that interprets free memory.
type chunk struct {
	b   []byte
	off int
}

func chunkAt(p *Page, off uint32) chunk {
	return chunk{b: p.Bytes(), off: int(off)}
}

func (c chunk) size() uint32 { return format.ReadU32(c.b, c.off) }

func (c chunk) next() uint32 { return format.ReadU32(c.b, c.off+4) }

func (c chunk) setNext(next uint32) { format.PutU32(c.b, c.off+4, next) }

// init formats the range as a free chunk.
func (c chunk) init(size, next uint32) {
	format.PutU32(c.b, c.off, size)
	format.PutU32(c.b, c.off+4, next)
}
