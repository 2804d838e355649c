package freelist

import (
	"errors"
	"fmt"
)

// Verify checks the list invariants: every linked category belongs to an owned
// page and sits in the right bucket, each category's available count matches
// its chain, the list total matches the categories, and the next-non-empty
// cache is exact.
func (fl *FreeList) Verify() error {
	var (
		errs []error
		sum  uint64
	)
	for t, head := range fl.heads {
		if head != nil && head.prev != nil {
			errs = append(errs, fmt.Errorf("bucket %d head has a predecessor", t))
		}
		for c := head; c != nil; c = c.next {
			if c.bucket != t {
				errs = append(errs, fmt.Errorf("category of bucket %d linked under %d", c.bucket, t))
			}
			if c.page.owner != fl {
				errs = append(errs, fmt.Errorf("bucket %d links %s owned by another list", t, c.page))
			}
			if c.IsEmpty() {
				errs = append(errs, fmt.Errorf("bucket %d links an empty category on %s", t, c.page))
			}
			if chain := c.SumFreeList(); chain != uint64(c.available) {
				errs = append(errs, fmt.Errorf("bucket %d on %s: available %d, chain %d",
					t, c.page, c.available, chain))
			}
			sum += uint64(c.available)
		}
	}
	if avail := fl.Available(); avail != sum {
		errs = append(errs, fmt.Errorf("available %d, categories %d", avail, sum))
	}

	if fl.cache != nil {
		want := len(fl.heads)
		for i := len(fl.heads) - 1; i >= 0; i-- {
			if fl.heads[i] != nil {
				want = i
			}
			if fl.cache[i] != want {
				errs = append(errs, fmt.Errorf("cache[%d] = %d, want %d", i, fl.cache[i], want))
			}
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrCorrupt, errors.Join(errs...))
}
