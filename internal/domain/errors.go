package domain

import "fmt"

// AllocationError reports a target allocation that cannot be rebalanced
// to. It is raised before any broker call is made.
type AllocationError struct {
	Reason string
}

func (e *AllocationError) Error() string {
	return "invalid allocation: " + e.Reason
}

// QuoteUnavailableError reports that no price could be obtained for a
// ticker, so its order cannot be sized.
type QuoteUnavailableError struct {
	Symbol string
	Err    error
}

func (e *QuoteUnavailableError) Error() string {
	return fmt.Sprintf("quote unavailable for %s: %v", e.Symbol, e.Err)
}

func (e *QuoteUnavailableError) Unwrap() error { return e.Err }
