// Package kassert implements the kernel's precondition-violation policy
// (spec.md §7 category 1): log the failed expression and its source
// location, dump the call stack, and crash. It is grounded on
// _examples/Oichkatzelesfrettschen-biscuit's caller.Callerdump, which walks
// runtime.Caller frames the same way.
package kassert

import (
	"fmt"
	"runtime"
)

// Assert panics with a formatted message and a caller-frame dump when cond
// is false. Use it for the preconditions spec.md enumerates: null/invalid
// handles, double free, a vmtemp slot left mapped across a reentrant use.
func Assert(cond bool, format string, args ...interface{}) {
	if cond {
		return
	}
	msg := fmt.Sprintf(format, args...)
	panic(fmt.Sprintf("assertion failed: %s\n%s", msg, dumpCallers(2)))
}

// Fatal unconditionally panics with a stack dump; used where a branch is
// known-unreachable under the stated invariants (e.g. a region-list
// corruption in the PFA).
func Fatal(format string, args ...interface{}) {
	panic(fmt.Sprintf("fatal: %s\n%s", fmt.Sprintf(format, args...), dumpCallers(2)))
}

// dumpCallers renders the call stack starting at the given skip depth, the
// way Callerdump did for the teacher's kernel assertions.
func dumpCallers(start int) string {
	s := ""
	for i := start; ; i++ {
		_, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if s == "" {
			s = fmt.Sprintf("%s:%d", file, line)
		} else {
			s += fmt.Sprintf("\n\t<-%s:%d", file, line)
		}
	}
	return s
}
