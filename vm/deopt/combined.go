package deopt

import (
	"github.com/chazu/ecmavm/vm"
)

// CombinedDependencies groups one commit's states by subject so that each
// subject receives a single dependent-info entry. Registering a subject
// twice ORs the states together.
type CombinedDependencies struct {
	hclasses     map[*vm.HClass]vm.DependentState
	hclassOrder  []*vm.HClass
	detectors    map[detectorKey]vm.DependentState
	detectorList []detectorKey
	threadStates vm.DependentState
}

// detectorKey names a detector of one global env; the env a dependency was
// validated against is the env whose list receives the entry.
type detectorKey struct {
	env *vm.GlobalEnv
	id  vm.DetectorID
}

// NewCombinedDependencies creates an empty aggregator.
func NewCombinedDependencies() *CombinedDependencies {
	return &CombinedDependencies{
		hclasses:  make(map[*vm.HClass]vm.DependentState),
		detectors: make(map[detectorKey]vm.DependentState),
	}
}

// RegisterHClass adds states for a hidden class subject.
func (c *CombinedDependencies) RegisterHClass(hc *vm.HClass, states vm.DependentState) {
	if _, ok := c.hclasses[hc]; !ok {
		c.hclassOrder = append(c.hclassOrder, hc)
	}
	c.hclasses[hc] |= states
}

// RegisterDetector adds states for a detector of env.
func (c *CombinedDependencies) RegisterDetector(env *vm.GlobalEnv, id vm.DetectorID, states vm.DependentState) {
	if env == nil {
		vm.Fatalf("deopt: detector %v registered without a global env", id)
	}
	key := detectorKey{env, id}
	if _, ok := c.detectors[key]; !ok {
		c.detectorList = append(c.detectorList, key)
	}
	c.detectors[key] |= states
}

// RegisterThread adds thread-wide states.
func (c *CombinedDependencies) RegisterThread(states vm.DependentState) {
	c.threadStates |= states
}

// HClassStates returns the states registered for hc.
func (c *CombinedDependencies) HClassStates(hc *vm.HClass) vm.DependentState {
	return c.hclasses[hc]
}

// DetectorStates returns the states registered for a detector of env.
func (c *CombinedDependencies) DetectorStates(env *vm.GlobalEnv, id vm.DetectorID) vm.DependentState {
	return c.detectors[detectorKey{env, id}]
}

// ThreadStates returns the thread-wide states.
func (c *CombinedDependencies) ThreadStates() vm.DependentState { return c.threadStates }

// NumHClasses returns the number of distinct hidden class subjects.
func (c *CombinedDependencies) NumHClasses() int { return len(c.hclassOrder) }

// NumDetectors returns the number of distinct detector subjects.
func (c *CombinedDependencies) NumDetectors() int { return len(c.detectorList) }

// InstallAll flushes the aggregate into the long-lived dependent-info lists:
// one append per hidden class, one per detector, and one on the thread when
// any thread-wide state was registered.
func (c *CombinedDependencies) InstallAll(thread *vm.Thread, fn *vm.JSFunction) {
	for _, hc := range c.hclassOrder {
		hc.GetOrCreateDependentInfo().Append(fn, c.hclasses[hc])
	}
	for _, key := range c.detectorList {
		key.env.GetOrCreateDetectorDependentInfo(key.id).Append(fn, c.detectors[key])
	}
	if c.threadStates != vm.StateNone {
		thread.GetOrCreateDependentInfo().Append(fn, c.threadStates)
	}
}
