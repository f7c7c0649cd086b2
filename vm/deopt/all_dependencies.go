package deopt

import (
	"github.com/chazu/ecmavm/vm"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("ecmavm.deopt")

// state of an AllDependencies collection.
type state uint8

const (
	collecting state = iota
	committed
	discarded
)

// AllDependencies owns the dependencies collected while compiling one
// function. It ends either committed or discarded, never both. It is used
// by a single compile job and is not safe for concurrent use.
type AllDependencies struct {
	deps      []Dependency
	env       *vm.GlobalEnv
	compileID uuid.UUID
	state     state
}

// NewAllDependencies starts a collection. env is used for detector lookups
// when a helper is not given one; it may be nil.
func NewAllDependencies(env *vm.GlobalEnv) *AllDependencies {
	return &AllDependencies{env: env, compileID: uuid.New()}
}

// CompileID identifies the compile job in telemetry.
func (a *AllDependencies) CompileID() uuid.UUID { return a.compileID }

// Len returns the number of collected dependencies.
func (a *AllDependencies) Len() int { return len(a.deps) }

// Dependencies returns the collected dependencies.
func (a *AllDependencies) Dependencies() []Dependency {
	return append([]Dependency(nil), a.deps...)
}

// IsCommitted reports whether Commit succeeded for this collection.
func (a *AllDependencies) IsCommitted() bool { return a.state == committed }

// IsDiscarded reports whether the collection was discarded.
func (a *AllDependencies) IsDiscarded() bool { return a.state == discarded }

// add appends dep only if it currently holds.
func (a *AllDependencies) add(dep Dependency) bool {
	if a.state != collecting {
		vm.Fatalf("deopt: adding %v to a %s collection", dep, a.stateName())
	}
	if !dep.IsValid() {
		log.Debugf("speculation infeasible: %v", dep)
		return false
	}
	a.deps = append(a.deps, dep)
	return true
}

func (a *AllDependencies) stateName() string {
	switch a.state {
	case committed:
		return "committed"
	case discarded:
		return "discarded"
	default:
		return "collecting"
	}
}

// DependOnDetector records that compiled code relies on detector id. A nil
// env falls back to the collection's env.
func (a *AllDependencies) DependOnDetector(id vm.DetectorID, env *vm.GlobalEnv) bool {
	if env == nil {
		env = a.env
	}
	return a.add(DetectorDependency{Detector: id, Env: env})
}

// DependOnArrayDetector records reliance on the array iteration protocol
// being unmodified.
func (a *AllDependencies) DependOnArrayDetector(env *vm.GlobalEnv) bool {
	return a.DependOnDetector(vm.ArrayIteratorDetector, env)
}

// DependOnNotPrototype records that hc must not become a prototype.
func (a *AllDependencies) DependOnNotPrototype(hc *vm.HClass) bool {
	return a.add(NotPrototypeDependency{HClass: hc})
}

// DependOnStableHClass records that the receiver layout hc stays stable.
func (a *AllDependencies) DependOnStableHClass(hc *vm.HClass) bool {
	return a.add(StableHClassDependency{HClass: hc, State: vm.StateStableHClass})
}

// DependOnHotReloadPatchMain records that no live patch may be applied to
// thread while the code is installed.
func (a *AllDependencies) DependOnHotReloadPatchMain(thread *vm.Thread) bool {
	return a.add(NotHotReloadDependency{Thread: thread, Epoch: thread.PatchEpoch()})
}

// PreInstall re-validates every dependency. Compilation may have taken long
// enough for any of them to break since it was collected.
func (a *AllDependencies) PreInstall() bool {
	for _, dep := range a.deps {
		if !dep.IsValid() {
			log.Infof("compile %s: %v broke before commit", a.compileID, dep)
			return false
		}
	}
	return true
}

// Discard drops every collected dependency. Discarding a committed
// collection is a contract violation; discarding twice is a no-op.
func (a *AllDependencies) Discard() {
	if a.state == committed {
		vm.Fatalf("deopt: discarding committed compile %s", a.compileID)
	}
	clear(a.deps)
	a.deps = nil
	a.state = discarded
}
