// Package invariant centralizes the contract-violation assertions design
// §9 calls for: fatal crashes on upstream misuse (an illegal membership
// transition, a cross-index that doesn't hold), never a silent
// best-effort recovery. Kept as one package so the handful of call sites
// across membership and sender read and fail the same way.
package invariant

import "fmt"

// Check panics with msg if cond is false. Used at the boundaries design
// §7 calls "illegal transition" and at the cross-index checks of §8.
func Check(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("invariant violation: "+format, args...))
	}
}
