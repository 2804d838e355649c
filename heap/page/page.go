package page

import "fmt"

// Address is a logical heap address. Zero is never a valid page address.
type Address uint64

func (a Address) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}

// Space names the heap space a page is allocated for.
type Space uint8

const (
	OldSpace Space = iota
	CodeSpace
	SharedSpace
)

func (s Space) String() string {
	switch s {
	case OldSpace:
		return "old"
	case CodeSpace:
		return "code"
	case SharedSpace:
		return "shared"
	default:
		return fmt.Sprintf("space(%d)", uint8(s))
	}
}

// Executability controls the protection of a page.
type Executability uint8

const (
	NotExecutable Executability = iota
	Executable
)

func (e Executability) String() string {
	if e == Executable {
		return "executable"
	}
	return "not-executable"
}

// AllocationMode selects whether pooled pages may be reused.
type AllocationMode uint8

const (
	// AllocateRegular always commits a fresh page.
	AllocateRegular AllocationMode = iota
	// AllocateUsePool takes a pooled page first when one is available.
	AllocateUsePool
)

// FreeMode selects what happens to a freed page.
type FreeMode uint8

const (
	// FreeImmediately decommits the page.
	FreeImmediately FreeMode = iota
	// FreePool keeps the page committed for reuse when the pool has room.
	FreePool
)

// Page is a fixed-size region of heap memory.
//
// The byte slice is owned by whoever currently owns the page (a free list or
// the collector during a pause); Page itself carries no synchronization.
type Page struct {
	base  Address
	data  []byte
	space Space
	exec  Executability

	slot  int
	owner *Provider
}

// Base returns the first address of the page.
func (p *Page) Base() Address { return p.base }

// End returns the address one past the last byte of the page.
func (p *Page) End() Address { return p.base + Address(len(p.data)) }

// Size returns the page size in bytes.
func (p *Page) Size() int { return len(p.data) }

// Bytes returns the page memory.
func (p *Page) Bytes() []byte { return p.data }

// Space returns the space the page was allocated for.
func (p *Page) Space() Space { return p.space }

// Executability returns the page protection.
func (p *Page) Executability() Executability { return p.exec }

// Contains reports whether a lies inside the page.
func (p *Page) Contains(a Address) bool {
	return a >= p.base && a < p.End()
}

// OffsetOf returns the byte offset of a inside the page. a must be contained.
func (p *Page) OffsetOf(a Address) uint32 {
	if !p.Contains(a) {
		panic(fmt.Sprintf("page: address %s outside page %s", a, p.base))
	}
	return uint32(a - p.base)
}

// AddressOf returns the address of the byte at off.
func (p *Page) AddressOf(off uint32) Address {
	return p.base + Address(off)
}

func (p *Page) String() string {
	return fmt.Sprintf("page[%s+%d %s]", p.base, len(p.data), p.space)
}

// PageBase returns the base address of the page of size pageSize containing a.
// pageSize must be a power of two.
func PageBase(a Address, pageSize int) Address {
	return a &^ Address(pageSize-1)
}
