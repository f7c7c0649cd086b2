package deopt

import (
	"time"

	"github.com/chazu/ecmavm/vm"
)

// Commit registers fn as a dependent of every subject deps touches.
//
// With lazy deoptimization disabled it succeeds without registering
// anything. Otherwise every dependency is re-validated first; if any broke,
// nothing is registered and false is returned, and the caller must throw
// the compiled code away. The caller serializes Commit with installing the
// code.
func Commit(deps *AllDependencies, thread *vm.Thread, fn *vm.JSFunction) bool {
	if deps.state != collecting {
		vm.Fatalf("deopt: committing a %s collection for %v", deps.stateName(), fn)
	}
	if !thread.Options().EnableLazyDeopt {
		deps.state = committed
		return true
	}
	if !deps.PreInstall() {
		return false
	}

	combined := NewCombinedDependencies()
	for _, dep := range deps.deps {
		dep.Install(combined)
	}
	combined.InstallAll(thread, fn)
	fn.SetLazyDeoptimizable()
	deps.state = committed

	thread.Tracer().DeoptCommitted(vm.CommitEvent{
		CompileID:    deps.compileID.String(),
		Function:     fn.String(),
		Dependencies: len(deps.deps),
		HClasses:     combined.NumHClasses(),
		Detectors:    combined.NumDetectors(),
		ThreadStates: combined.ThreadStates(),
		Time:         time.Now(),
	})
	return true
}
