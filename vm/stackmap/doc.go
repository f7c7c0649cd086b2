// Package stackmap decodes the stack-map side table the native code
// generator emits next to every compiled code blob (LLVM StackMap v3
// layout), and derives per-call-site information for the frame walker and
// the deoptimizer:
//
//   - the ordered deoptimization bundle used to rebuild interpreter state
//     when bailing out of compiled code at that call site, and
//   - the (base, derived) heap pointer pairs the collector must visit and
//     update when it moves objects.
//
// The decoder trusts its producer. A nil buffer is reported with a false
// return; every other malformation panics with a *ContractViolation.
package stackmap
