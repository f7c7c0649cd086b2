// Package deopt tracks the speculative assumptions compiled code relies on.
//
// While a function is being compiled, every guard the compiler elides is
// recorded as a Dependency in an AllDependencies collection. Commit
// re-validates the whole collection and, only if every assumption still
// holds, registers the function on the dependent-info lists of the hidden
// classes, detectors and thread it depends on. When one of those subjects
// later changes, the function is marked and lazily deoptimized on its next
// entry.
//
// The caller must serialize Commit with installing the compiled code; this
// package takes no lock of its own.
package deopt
