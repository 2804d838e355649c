package freelist

import (
	"fmt"
	"strings"
)

// Policy names a bucket search strategy.
type Policy string

const (
	PolicyMany             Policy = "many"
	PolicyManyCached       Policy = "cached"
	PolicyFastPath         Policy = "fastpath"
	PolicyFastPathNewSpace Policy = "fastpath-newspace"
	PolicyOrigin           Policy = "origin"
	PolicyCoarse           Policy = "coarse"
)

// Policies returns every policy in a stable order.
func Policies() []Policy {
	return []Policy{
		PolicyMany,
		PolicyManyCached,
		PolicyFastPath,
		PolicyFastPathNewSpace,
		PolicyOrigin,
		PolicyCoarse,
	}
}

// ParsePolicy maps a policy name to a Policy. Matching is case-insensitive.
func ParsePolicy(s string) (Policy, error) {
	want := Policy(strings.ToLower(strings.TrimSpace(s)))
	for _, p := range Policies() {
		if p == want {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
}

// DefaultBuckets returns the bucket table a policy uses when none is given.
func (p Policy) DefaultBuckets() BucketConfig {
	if p == PolicyCoarse {
		return CoarseConfig
	}
	return ManyConfig
}

func (p Policy) cached() bool {
	switch p {
	case PolicyManyCached, PolicyFastPath, PolicyFastPathNewSpace, PolicyOrigin:
		return true
	}
	return false
}

func (p Policy) fastPath() bool {
	switch p {
	case PolicyFastPath, PolicyFastPathNewSpace, PolicyOrigin:
		return true
	}
	return false
}

// Fast path tuning. Requests are rounded up by fastPathOffset so any chunk in
// the selected bucket fits without inspecting it.
const (
	fastPathStart    = 2048
	tinyObjectMax    = 128
	fastPathOffset   = fastPathStart - tinyObjectMax
	fastPathFallback = 256 // lower bound of the first bucket probed for tiny objects
)

// fastPath holds the bucket indices the fast path probes.
type fastPath struct {
	first    int // first bucket with bound >= fastPathStart
	fallback int // first bucket with bound >= fastPathFallback
	small    SmallBlocksMode
}

func newFastPath(b *Buckets, mode SmallBlocksMode) (*fastPath, error) {
	fp := &fastPath{
		first:    b.IndexAtLeast(fastPathStart),
		fallback: b.IndexAtLeast(fastPathFallback),
		small:    mode,
	}
	if fp.first <= 0 || fp.fallback < 0 || fp.fallback >= fp.first {
		return nil, fmt.Errorf("%w: %s has no fast path buckets at %d and %d bytes",
			ErrInvalidBuckets, b.Name(), fastPathFallback, fastPathStart)
	}
	return fp, nil
}

// selectFast returns the first bucket whose every chunk holds size bytes.
func (fp *fastPath) selectFast(b *Buckets, size uint32) int {
	last := b.Last()
	if size >= b.Min(last) {
		return last
	}
	size += fastPathOffset
	for i := fp.first; i < last; i++ {
		if size <= b.Min(i) {
			return i
		}
	}
	return last
}
