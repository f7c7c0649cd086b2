package deopt

import (
	"github.com/chazu/ecmavm/vm"
)

// protoChainStart returns the first prototype to walk and the hidden class
// the walk stops at. Composite receivers (strings) are redirected to the
// library String prototype. When receiver and holder coincide the store
// site may not know the true holder, so the whole chain is walked.
func protoChainStart(thread *vm.Thread, receiver, holder *vm.HClass, env *vm.GlobalEnv) (vm.Value, *vm.HClass) {
	if env == nil {
		env = thread.Env()
	}
	stop := holder
	if receiver == holder {
		stop = nil
	}
	if receiver.IsComposite() {
		return env.StringPrototype(), stop
	}
	return receiver.Prototype(), stop
}

// walkProtoChain calls visit for the hidden class of every prototype from
// the start of the chain up to and including stop.
func walkProtoChain(thread *vm.Thread, receiver, holder *vm.HClass, env *vm.GlobalEnv, visit func(*vm.HClass)) {
	current, stop := protoChainStart(thread, receiver, holder, env)
	heap := thread.Heap()
	for current.IsHeapObject() {
		hc := heap.HClassOf(current)
		if hc == nil {
			vm.Fatalf("deopt: prototype %v has no hidden class", current)
		}
		visit(hc)
		if hc == stop {
			return
		}
		current = hc.Prototype()
	}
}

// DependOnStableProtoChain records a prototype-check dependency on the
// hidden class of every prototype between receiver and holder, holder
// included. It returns true iff all of them are currently stable.
func (a *AllDependencies) DependOnStableProtoChain(thread *vm.Thread, receiver, holder *vm.HClass, env *vm.GlobalEnv) bool {
	ok := true
	walkProtoChain(thread, receiver, holder, env, func(hc *vm.HClass) {
		if !a.add(StableHClassDependency{HClass: hc, State: vm.StatePrototypeCheck}) {
			ok = false
		}
	})
	return ok
}

// CheckStableProtoChain reports whether DependOnStableProtoChain would
// succeed, without recording anything.
func CheckStableProtoChain(thread *vm.Thread, receiver, holder *vm.HClass, env *vm.GlobalEnv) bool {
	ok := true
	walkProtoChain(thread, receiver, holder, env, func(hc *vm.HClass) {
		if !hc.IsStable() {
			ok = false
		}
	})
	return ok
}
