// Package assert provides fatal invariant checks that only exist in builds
// tagged hphadebug. In regular builds Enabled is a false constant and
// guarded checks are removed by the compiler.
package assert

import "fmt"

// That panics with the formatted message when cond is false and debug
// assertions are compiled in.
//
// Callers on hot paths guard the call with Enabled so argument evaluation
// is skipped too:
//
//	if assert.Enabled {
//		assert.That(page.UseCount() > 0, "double free of %p", p)
//	}
func That(cond bool, format string, args ...any) {
	if !Enabled || cond {
		return
	}
	panic(fmt.Sprintf("hpha: assertion failed: "+format, args...))
}
