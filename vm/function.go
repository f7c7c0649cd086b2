package vm

import (
	"sync/atomic"
)

// NativeFunc implements a builtin function in Go.
type NativeFunc func(t *Thread, this Value, args []Value) (Value, error)

// JSFunction is a callable heap object: either a bytecode method or a native
// builtin. Optimized code installed by the JIT hangs off the function until
// a dependency it committed is invalidated.
type JSFunction struct {
	hclass *HClass
	Name   string
	Method *Method
	Native NativeFunc

	// Detector names the global detector a builtin's fast path relies on.
	// Compiled callers of the builtin depend on it staying intact.
	Detector DetectorID

	code              atomic.Pointer[MachineCode]
	lazyDeoptimizable atomic.Bool
	deoptMarked       atomic.Bool
	deoptCount        atomic.Uint32
}

func (f *JSFunction) Kind() ObjectKind { return KindFunction }

// HClass returns the function's hidden class.
func (f *JSFunction) HClass() *HClass { return f.hclass }

// IsNative reports whether f is a Go builtin.
func (f *JSFunction) IsNative() bool { return f.Native != nil }

// Code returns the installed optimized code, or nil.
func (f *JSFunction) Code() *MachineCode { return f.code.Load() }

// HasCode reports whether optimized code is installed.
func (f *JSFunction) HasCode() bool { return f.code.Load() != nil }

// InstallCode makes code reachable from f. Callers must have committed the
// code's dependencies first.
func (f *JSFunction) InstallCode(code *MachineCode) {
	f.deoptMarked.Store(false)
	f.code.Store(code)
}

// SetLazyDeoptimizable registers f as a function whose code can be dropped
// lazily when a dependency breaks.
func (f *JSFunction) SetLazyDeoptimizable() { f.lazyDeoptimizable.Store(true) }

// IsLazyDeoptimizable reports whether dependencies were committed for f.
func (f *JSFunction) IsLazyDeoptimizable() bool { return f.lazyDeoptimizable.Load() }

// MarkForDeopt flags f so its code is dropped on the next entry. Returns
// true if f was not already marked.
func (f *JSFunction) MarkForDeopt() bool {
	return !f.deoptMarked.Swap(true)
}

// IsMarkedForDeopt reports whether f is waiting to be deoptimized.
func (f *JSFunction) IsMarkedForDeopt() bool { return f.deoptMarked.Load() }

// DropCode discards the installed code and clears the deopt mark.
func (f *JSFunction) DropCode() *MachineCode {
	old := f.code.Swap(nil)
	f.deoptMarked.Store(false)
	f.lazyDeoptimizable.Store(false)
	if old != nil {
		f.deoptCount.Add(1)
	}
	return old
}

// DeoptCount returns how many times optimized code was dropped.
func (f *JSFunction) DeoptCount() uint32 { return f.deoptCount.Load() }

func (f *JSFunction) String() string {
	if f.Name == "" {
		return "<anonymous>"
	}
	return f.Name
}

// NewFunction allocates a bytecode function.
func (t *Thread) NewFunction(m *Method) Value {
	return t.heap.Alloc(&JSFunction{hclass: t.env.functionHClass, Name: m.Name, Method: m})
}

// NewNativeFunction allocates a builtin.
func (t *Thread) NewNativeFunction(name string, fn NativeFunc) Value {
	return t.heap.Alloc(&JSFunction{hclass: t.env.functionHClass, Name: name, Native: fn})
}
