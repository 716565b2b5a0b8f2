package engine

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"rebalancer/internal/domain"
)

// allocationTolerance is how far the target fractions may sum away from 1.
const allocationTolerance = 1e-5

// normalizeAllocation validates alloc and returns a copy keyed by
// upper-cased, trimmed symbols. It never touches the broker, so a bad
// allocation aborts the pass before anything is read or submitted.
func normalizeAllocation(alloc domain.Allocation) (domain.Allocation, error) {
	if len(alloc) == 0 {
		return nil, &domain.AllocationError{Reason: "allocation is empty"}
	}

	out := make(domain.Allocation, len(alloc))
	total := 0.0
	for raw, frac := range alloc {
		sym := strings.ToUpper(strings.TrimSpace(raw))
		if sym == "" {
			return nil, &domain.AllocationError{Reason: "empty ticker"}
		}
		if _, dup := out[sym]; dup {
			return nil, &domain.AllocationError{Reason: fmt.Sprintf("ticker %s listed more than once", sym)}
		}
		if math.IsNaN(frac) || math.IsInf(frac, 0) || frac < 0 || frac > 1 {
			return nil, &domain.AllocationError{Reason: fmt.Sprintf("fraction for %s is %v, want 0..1", sym, frac)}
		}
		out[sym] = frac
		total += frac
	}

	if math.Abs(total-1) > allocationTolerance {
		return nil, &domain.AllocationError{Reason: fmt.Sprintf("fractions sum to %.6f, want 1", total)}
	}
	return out, nil
}

// symbols returns the allocation's tickers in sorted order.
func symbols(alloc domain.Allocation) []string {
	out := make([]string, 0, len(alloc))
	for sym := range alloc {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}
