// Package vm implements the core of an ECMAScript virtual machine.
//
// This package contains:
//   - NaN-boxed tagged values and the object heap
//   - Hidden classes with stability and prototype tracking
//   - The word stack, frame types and the Frame Walker
//   - Root enumeration over interpreted and compiled frames
//   - Code space, baseline tables and inline caches
//   - The bytecode interpreter and hotness profiler
//
// Compiled code is described by stack maps (package stackmap) and guarded
// by lazy deoptimization dependencies (package deopt).
package vm
