package deopt

import (
	"fmt"

	"github.com/chazu/ecmavm/vm"
)

// Dependency is one speculative assumption made while compiling a single
// function. The set of variants is closed: DetectorDependency,
// NotPrototypeDependency, StableHClassDependency and NotHotReloadDependency.
type Dependency interface {
	// IsValid reports whether the assumption still holds.
	IsValid() bool
	// Install contributes the assumption's subject and state to combined.
	Install(combined *CombinedDependencies)

	fmt.Stringer
	isDependency()
}

// DetectorDependency assumes a global detector stays intact.
type DetectorDependency struct {
	Detector vm.DetectorID
	Env      *vm.GlobalEnv
}

func (d DetectorDependency) IsValid() bool {
	return d.Env != nil && d.Env.IsDetectorValid(d.Detector)
}

func (d DetectorDependency) Install(c *CombinedDependencies) {
	c.RegisterDetector(d.Env, d.Detector, vm.StateDetectorCheck)
}

func (d DetectorDependency) String() string {
	return "detector(" + d.Detector.String() + ")"
}

// NotPrototypeDependency assumes objects of a hidden class are not used as
// anyone's prototype.
type NotPrototypeDependency struct {
	HClass *vm.HClass
}

func (d NotPrototypeDependency) IsValid() bool {
	return !d.HClass.IsPrototype()
}

func (d NotPrototypeDependency) Install(c *CombinedDependencies) {
	c.RegisterHClass(d.HClass, vm.StateIsPrototypeCheck)
}

func (d NotPrototypeDependency) String() string {
	return "not-prototype(" + d.HClass.Name + ")"
}

// StableHClassDependency assumes a hidden class takes no further
// transitions. State is StateStableHClass for a receiver layout and
// StatePrototypeCheck for a hidden class met on a prototype chain.
type StableHClassDependency struct {
	HClass *vm.HClass
	State  vm.DependentState
}

func (d StableHClassDependency) IsValid() bool {
	return d.HClass.IsStable()
}

func (d StableHClassDependency) Install(c *CombinedDependencies) {
	c.RegisterHClass(d.HClass, d.State)
}

func (d StableHClassDependency) String() string {
	return fmt.Sprintf("stable-hclass(%s, %s)", d.HClass.Name, d.State)
}

// NotHotReloadDependency assumes no live patch is applied to the thread
// after the dependency was taken.
type NotHotReloadDependency struct {
	Thread *vm.Thread
	Epoch  uint64
}

func (d NotHotReloadDependency) IsValid() bool {
	return d.Thread.HotReloadStage() != vm.HotReloadLoadEndExecutePatchMain &&
		d.Thread.PatchEpoch() == d.Epoch
}

func (d NotHotReloadDependency) Install(c *CombinedDependencies) {
	c.RegisterThread(vm.StateHotReloadPatchMain)
}

func (d NotHotReloadDependency) String() string {
	return fmt.Sprintf("not-hot-reload(epoch %d)", d.Epoch)
}

func (DetectorDependency) isDependency()     {}
func (NotPrototypeDependency) isDependency() {}
func (StableHClassDependency) isDependency() {}
func (NotHotReloadDependency) isDependency() {}
