package freelist

import "fmt"

// Origin records who is allocating. It selects a search strategy in
// PolicyOrigin and is otherwise only used for accounting.
type Origin uint8

const (
	OriginRuntime Origin = iota
	OriginGC
	OriginGeneratedCode

	numOrigins
)

func (o Origin) String() string {
	switch o {
	case OriginRuntime:
		return "runtime"
	case OriginGC:
		return "gc"
	case OriginGeneratedCode:
		return "generated-code"
	default:
		return fmt.Sprintf("origin(%d)", uint8(o))
	}
}

// FreeMode controls whether Free makes the chunk visible to Allocate.
type FreeMode uint8

const (
	// FreeLink links the category into the owning list if it is not linked.
	FreeLink FreeMode = iota
	// FreeDoNotLink leaves linkage to the caller (a sweeper relinks the page later).
	FreeDoNotLink
)

// SmallBlocksMode controls whether fast-path lists keep chunks below the fast path start.
type SmallBlocksMode uint8

const (
	SmallBlocksAllow SmallBlocksMode = iota
	SmallBlocksProhibit
)
